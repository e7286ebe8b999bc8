package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/bookingpay/internal/clock"
	"github.com/smallbiznis/bookingpay/internal/config"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/bookingpay/internal/notification/domain"
	"github.com/smallbiznis/bookingpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookingpay/internal/observability/metrics"
	"github.com/smallbiznis/bookingpay/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log              *zap.Logger
	Ledger           ledgerdomain.Service
	Email            email.Provider
	Clock            clock.Clock                  `optional:"true"`
	Policy           *config.PolicyHolder         `optional:"true"`
	ReconcileMetrics *obsmetrics.ReconcileMetrics `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	log              *zap.Logger
	ledger           ledgerdomain.Service
	email            email.Provider
	clock            clock.Clock
	policy           *config.PolicyHolder
	queue            *RetryQueue
	reconcileMetrics *obsmetrics.ReconcileMetrics
	obsMetrics       *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		log:              p.Log.Named("notification"),
		ledger:           p.Ledger,
		email:            p.Email,
		clock:            clk,
		policy:           p.Policy,
		queue:            NewPolicyRetryQueue(p.Policy),
		reconcileMetrics: p.ReconcileMetrics,
		obsMetrics:       p.ObsMetrics,
	}
}

// ProvideNotifier exposes the service behind the notifier contract.
func ProvideNotifier(s *Service) notificationdomain.Notifier {
	return s
}

func (s *Service) Queue() *RetryQueue {
	return s.queue
}

// SendBookingConfirmation sends the confirmation for booking once. Transport
// failures are queued for retry and reported as false.
func (s *Service) SendBookingConfirmation(ctx context.Context, booking ledgerdomain.Booking) (sent bool) {
	log := logger.WithContext(ctx, s.log).With(zap.String("reference_id", booking.ReferenceID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("notification.panic", zap.String("panic", fmt.Sprint(r)))
			sent = false
		}
	}()

	referenceID := strings.TrimSpace(booking.ReferenceID)
	if referenceID == "" {
		log.Warn("notification.missing_reference")
		return false
	}

	ok, err := s.deliver(ctx, referenceID)
	if err == nil {
		if ok {
			s.queue.Remove(referenceID)
			s.reconcileMetrics.SetRetryQueueDepth(s.queue.Len())
		}
		return ok
	}
	if !isTransient(err) {
		log.Warn("notification.skipped", zap.Error(err))
		return false
	}

	log.Warn("notification.send_failed", zap.Error(err))
	if qerr := s.queue.Enqueue(referenceID, s.clock.Now()); qerr != nil {
		log.Error("notification.retry_enqueue_failed", zap.Error(qerr))
		s.reconcileMetrics.IncEmail(obsmetrics.EmailOutcomeDropped)
	}
	s.reconcileMetrics.SetRetryQueueDepth(s.queue.Len())
	return false
}

// ProcessDue retries every queued confirmation whose delay has elapsed.
func (s *Service) ProcessDue(ctx context.Context) (sent int, dropped int) {
	now := s.clock.Now()
	for _, referenceID := range s.queue.Due(now) {
		if ctx.Err() != nil {
			break
		}
		log := s.log.With(zap.String("reference_id", referenceID))

		ok, err := s.safeDeliver(ctx, referenceID)
		switch {
		case err == nil:
			s.queue.Remove(referenceID)
			if ok {
				sent++
			}
		case !isTransient(err):
			s.queue.Remove(referenceID)
			log.Warn("notification.retry_skipped", zap.Error(err))
		default:
			attempt := s.queue.Attempts(referenceID) + 1
			if s.queue.Failed(referenceID, s.clock.Now()) {
				dropped++
				s.reconcileMetrics.IncEmail(obsmetrics.EmailOutcomeDropped)
				log.Error("notification.retry_dropped",
					zap.Int("attempts", attempt),
					zap.Error(err),
				)
				continue
			}
			s.reconcileMetrics.IncEmail(obsmetrics.EmailOutcomeRetried)
			log.Warn("notification.retry_failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	s.reconcileMetrics.SetRetryQueueDepth(s.queue.Len())
	return sent, dropped
}

// RunForever drives the retry queue until ctx is cancelled.
func (s *Service) RunForever(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessDue(ctx)
		}
	}
}

func (s *Service) safeDeliver(ctx context.Context, referenceID string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%w: panic: %v", notificationdomain.ErrNotificationFailed, r)
		}
	}()
	return s.deliver(ctx, referenceID)
}

// deliver re-reads the booking, takes the send lease, sends and marks the
// booking sent. (false, nil) means another sender holds the lease.
func (s *Service) deliver(ctx context.Context, referenceID string) (bool, error) {
	current, err := s.ledger.FindBookingByReference(ctx, referenceID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, notificationdomain.ErrNotConfirmed
	}
	if current.EmailSent {
		return true, nil
	}
	if current.Status != ledgerdomain.BookingStatusConfirmed {
		return false, notificationdomain.ErrNotConfirmed
	}
	recipient := strings.TrimSpace(current.Email)
	if recipient == "" {
		return false, notificationdomain.ErrMissingRecipient
	}

	claimed, err := s.ledger.ClaimEmail(ctx, referenceID, s.policy.Get().Notifier.ClaimLease)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := s.email.SendTemplate(ctx, []string{recipient}, email.TemplateBookingConfirmation, TemplateData(*current)); err != nil {
		if rerr := s.ledger.ReleaseEmailClaim(ctx, referenceID); rerr != nil {
			s.log.Warn("notification.release_claim_failed", zap.String("reference_id", referenceID), zap.Error(rerr))
		}
		s.reconcileMetrics.IncEmail(obsmetrics.EmailOutcomeFailed)
		s.obsMetrics.RecordConfirmationEmail(ctx, obsmetrics.EmailOutcomeFailed)
		return false, fmt.Errorf("%w: %v", notificationdomain.ErrNotificationFailed, err)
	}

	s.reconcileMetrics.IncEmail(obsmetrics.EmailOutcomeSent)
	s.obsMetrics.RecordConfirmationEmail(ctx, obsmetrics.EmailOutcomeSent)
	if err := s.ledger.MarkEmailSent(ctx, referenceID); err != nil {
		// the message went out; the lease keeps others off until it expires
		s.log.Error("notification.mark_sent_failed", zap.String("reference_id", referenceID), zap.Error(err))
	}
	s.log.Info("notification.sent", zap.String("reference_id", referenceID))
	return true, nil
}

func isTransient(err error) bool {
	return !errors.Is(err, notificationdomain.ErrNotConfirmed) &&
		!errors.Is(err, notificationdomain.ErrMissingRecipient)
}
