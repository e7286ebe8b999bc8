package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonConnection           = "db_connection"
	JobReasonUnknown              = "unknown"
)

const (
	SweepOutcomeReconciled = "reconciled"
	SweepOutcomePending    = "pending"
	SweepOutcomeNotFound   = "not_found"
	SweepOutcomeError      = "error"
	SweepOutcomeEmailSent  = "email_sent"

	SweepSkipLockHeld = "lock_held"
)

const (
	EmailOutcomeSent    = "sent"
	EmailOutcomeFailed  = "failed"
	EmailOutcomeRetried = "retried"
	EmailOutcomeDropped = "dropped"
)

// ReconcileMetrics captures reconciliation health signals scraped from /metrics.
type ReconcileMetrics struct {
	reconciles       *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec
	sweepRuns        prometheus.Counter
	sweepDuration    prometheus.Observer
	sweepCandidates  *prometheus.CounterVec
	sweepSkipped     *prometheus.CounterVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	emails           *prometheus.CounterVec
	retryQueueDepth  prometheus.Gauge
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// Reconcile returns the singleton reconciliation metrics registry.
func Reconcile() *ReconcileMetrics {
	return ReconcileWithConfig(Config{})
}

// ReconcileWithConfig returns the singleton registry using config labels.
func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

// ResetReconcileMetricsForTest resets the singleton for tests.
func ResetReconcileMetricsForTest() {
	reconcileMetricsOnce = sync.Once{}
	reconcileMetrics = nil
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "bookingpay"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	reconciles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookingpay_reconcile_total",
		Help:        "Reconciliation calls by trigger, status and reason.",
		ConstLabels: constLabels,
	}, []string{"trigger", "status", "reason"})
	reconcileLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "bookingpay_reconcile_duration_seconds",
		Help:        "Reconciliation latency including gateway round trips.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		ConstLabels: constLabels,
	}, []string{"trigger"})
	sweepRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "bookingpay_sweep_runs_total",
		Help:        "Sweep passes started.",
		ConstLabels: constLabels,
	})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "bookingpay_sweep_duration_seconds",
		Help:        "Sweep pass wall time.",
		Buckets:     []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	sweepCandidates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookingpay_sweep_candidates_total",
		Help:        "Sweep candidates by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	sweepSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookingpay_sweep_skipped_total",
		Help:        "Sweep passes skipped by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookingpay_job_timeouts_total",
		Help:        "Background job soft timeouts.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookingpay_job_errors_total",
		Help:        "Background job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	emails := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookingpay_confirmation_emails_total",
		Help:        "Confirmation email attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	retryQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "bookingpay_email_retry_queue_depth",
		Help:        "Confirmation emails waiting for a retry.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		reconciles,
		reconcileLatency,
		sweepRuns,
		sweepDuration,
		sweepCandidates,
		sweepSkipped,
		jobTimeouts,
		jobErrors,
		emails,
		retryQueueDepth,
	)

	return &ReconcileMetrics{
		reconciles:       reconciles,
		reconcileLatency: reconcileLatency,
		sweepRuns:        sweepRuns,
		sweepDuration:    sweepDuration,
		sweepCandidates:  sweepCandidates,
		sweepSkipped:     sweepSkipped,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		emails:           emails,
		retryQueueDepth:  retryQueueDepth,
	}
}

// ObserveReconcile records a single reconcile outcome.
func (m *ReconcileMetrics) ObserveReconcile(trigger, status, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	trigger = normalizeTrigger(trigger)
	m.reconciles.WithLabelValues(trigger, status, reason).Inc()
	m.reconcileLatency.WithLabelValues(trigger).Observe(duration.Seconds())
}

// ObserveSweep records one sweep pass and its per-outcome counts.
func (m *ReconcileMetrics) ObserveSweep(duration time.Duration, outcomes map[string]int) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepDuration.Observe(duration.Seconds())
	for outcome, count := range outcomes {
		if count <= 0 {
			continue
		}
		m.sweepCandidates.WithLabelValues(outcome).Add(float64(count))
	}
}

func (m *ReconcileMetrics) IncSweepSkipped(reason string) {
	if m == nil {
		return
	}
	m.sweepSkipped.WithLabelValues(reason).Inc()
}

func (m *ReconcileMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with classification.
func (m *ReconcileMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *ReconcileMetrics) IncEmail(outcome string) {
	if m == nil {
		return
	}
	m.emails.WithLabelValues(outcome).Inc()
}

func (m *ReconcileMetrics) SetRetryQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.retryQueueDepth.Set(float64(depth))
}

func normalizeTrigger(trigger string) string {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return "unknown"
	}
	return trigger
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	if isConnectionError(err) {
		return JobReasonConnection
	}
	return JobReasonUnknown
}

// IsRetryable reports whether a storage error is likely transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyJobReason(err) {
	case JobReasonDeadlineExceeded, JobReasonDBLockTimeout, JobReasonSerializationFailure, JobReasonConnection:
		return true
	default:
		return false
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	// class 08: connection exception
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}
