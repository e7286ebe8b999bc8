package service

import (
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/bookingpay/internal/config"
	notificationdomain "github.com/smallbiznis/bookingpay/internal/notification/domain"
)

type retryItem struct {
	referenceID string
	attempts    int
	nextAt      time.Time
	enqueuedAt  time.Time
}

// RetryQueue is a bounded, in-memory queue of confirmation sends keyed by
// booking reference. Entries are lost on restart; the sweep resends anything
// still unsent. Capacity and delays are read on every Enqueue and Failed, so
// a policy reload applies to entries already queued.
type RetryQueue struct {
	mu     sync.Mutex
	items  map[string]*retryItem
	limits func() config.NotifierPolicy
}

// NewRetryQueue returns a queue with fixed capacity and delays.
func NewRetryQueue(capacity int, delays []time.Duration) *RetryQueue {
	fixed := config.NotifierPolicy{
		QueueCapacity: capacity,
		RetryDelays:   append([]time.Duration(nil), delays...),
	}
	return newRetryQueue(func() config.NotifierPolicy { return fixed })
}

// NewPolicyRetryQueue follows the notifier section of holder.
func NewPolicyRetryQueue(holder *config.PolicyHolder) *RetryQueue {
	return newRetryQueue(func() config.NotifierPolicy { return holder.Get().Notifier })
}

func newRetryQueue(limits func() config.NotifierPolicy) *RetryQueue {
	return &RetryQueue{
		items:  make(map[string]*retryItem),
		limits: limits,
	}
}

func (q *RetryQueue) current() (int, []time.Duration) {
	p := q.limits()
	capacity, delays := p.QueueCapacity, p.RetryDelays
	if capacity <= 0 {
		capacity = 256
	}
	if len(delays) == 0 {
		delays = []time.Duration{time.Second}
	}
	return capacity, delays
}

// Enqueue schedules the first retry. Enqueueing a reference already queued
// is a no-op.
func (q *RetryQueue) Enqueue(referenceID string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[referenceID]; ok {
		return nil
	}
	capacity, delays := q.current()
	if len(q.items) >= capacity {
		return notificationdomain.ErrQueueFull
	}
	q.items[referenceID] = &retryItem{
		referenceID: referenceID,
		nextAt:      now.Add(delays[0]),
		enqueuedAt:  now,
	}
	return nil
}

// Due returns the references whose next attempt is at or before now, oldest
// enqueue first.
func (q *RetryQueue) Due(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	due := make([]*retryItem, 0)
	for _, item := range q.items {
		if !item.nextAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].enqueuedAt.Equal(due[j].enqueuedAt) {
			return due[i].enqueuedAt.Before(due[j].enqueuedAt)
		}
		return due[i].referenceID < due[j].referenceID
	})
	out := make([]string, 0, len(due))
	for _, item := range due {
		out = append(out, item.referenceID)
	}
	return out
}

// Failed records a failed attempt. It reports true when the entry used its
// last attempt and was dropped.
func (q *RetryQueue) Failed(referenceID string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[referenceID]
	if !ok {
		return false
	}
	item.attempts++
	_, delays := q.current()
	if item.attempts >= len(delays) {
		delete(q.items, referenceID)
		return true
	}
	item.nextAt = now.Add(delays[item.attempts])
	return false
}

func (q *RetryQueue) Remove(referenceID string) {
	q.mu.Lock()
	delete(q.items, referenceID)
	q.mu.Unlock()
}

func (q *RetryQueue) Attempts(referenceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[referenceID]; ok {
		return item.attempts
	}
	return 0
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
