package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookingpay/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	"go.uber.org/zap"
)

// Summary reports one sweep pass.
type Summary struct {
	Candidates int    `json:"candidates"`
	Reconciled int    `json:"reconciled"`
	Errors     int    `json:"errors"`
	Pending    int    `json:"pending"`
	EmailsSent int    `json:"emails_sent"`
	Skipped    bool   `json:"skipped"`
	Runtime    string `json:"runtime"`

	notFound  int
	selectErr error
}

// Sweep reconciles every recent booking that is not yet confirmed, retries
// confirmations that never went out and reports what it did. It never
// fails: each candidate is isolated and the summary is always produced.
func (s *Scheduler) Sweep(parent context.Context) (summary Summary) {
	if parent == nil {
		parent = context.Background()
	}
	started := time.Now()
	ctx := s.withLogContext(parent, "")
	log := s.logger(ctx)

	defer func() {
		if r := recover(); r != nil {
			summary.Errors++
			log.Error("sweep.panic", zap.String("panic", fmt.Sprint(r)))
		}
		summary.Runtime = formatRuntime(time.Since(started))
		s.finish(ctx, summary, time.Since(started))
	}()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		switch {
		case err != nil:
			// a broken lock store must not stop the safety net
			log.Warn("sweep.lock_unavailable", zap.Error(err))
		case !ok:
			summary.Skipped = true
			s.reconcileMetrics.IncSweepSkipped(obsmetrics.SweepSkipLockHeld)
			return summary
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.locker.Release(releaseCtx, s.cfg.LockKey, token); err != nil {
					log.Warn("sweep.lock_release_failed", zap.Error(err))
				}
			}()
		}
	}

	policy := s.policy.Get().Sweep
	err := s.runJob(ctx, jobSweep, policy.BatchSize, policy.JobTimeout, func(ctx context.Context) error {
		if err := s.sweepCandidates(ctx, policy.Lookback, policy.BatchSize, &summary); err != nil {
			return err
		}
		s.resendConfirmations(ctx, policy.Lookback, policy.BatchSize, &summary)
		return nil
	})
	if err != nil {
		summary.Errors++
		summary.selectErr = err
	}
	return summary
}

func (s *Scheduler) sweepCandidates(ctx context.Context, lookback time.Duration, batchSize int, summary *Summary) error {
	run := jobRunFromContext(ctx)
	since := s.clock.Now().Add(-lookback)

	orderIDs, err := s.ledger.SelectStaleCandidates(ctx, since, ledgerdomain.BookingStatusConfirmed, batchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "sweep.select_failed", jobSweep, "", err)
		return err
	}
	summary.Candidates = len(orderIDs)

	for _, orderID := range orderIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, panicked := s.reconcileCandidate(ctx, orderID)
		run.AddProcessed(1)
		switch {
		case panicked || res.Status == reconciledomain.StatusError:
			summary.Errors++
			run.IncError()
			s.logger(s.withLogContext(ctx, orderID)).Warn("sweep.candidate_failed",
				zap.Bool("panicked", panicked),
				zap.String("reason", res.Reason),
			)
		case res.Reconciled:
			summary.Reconciled++
		case res.Status == reconciledomain.StatusNotFound:
			summary.notFound++
		default:
			summary.Pending++
		}
	}
	return nil
}

func (s *Scheduler) reconcileCandidate(ctx context.Context, orderID string) (res reconciledomain.Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.logger(s.withLogContext(ctx, orderID)).Error("sweep.candidate_panic",
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	return s.reconcile.Reconcile(ctx, orderID, nil), false
}

// resendConfirmations covers confirmed bookings whose email never went out,
// e.g. after a restart dropped the in-memory retry queue.
func (s *Scheduler) resendConfirmations(ctx context.Context, lookback time.Duration, batchSize int, summary *Summary) {
	run := jobRunFromContext(ctx)
	since := s.clock.Now().Add(-lookback)

	bookings, err := s.ledger.SelectUnsentConfirmations(ctx, since, batchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "sweep.select_unsent_failed", jobSweep, "", err)
	}
	for _, booking := range bookings {
		if ctx.Err() != nil {
			return
		}
		if s.sendConfirmation(ctx, booking) {
			summary.EmailsSent++
		}
	}

	sent, _ := s.notifier.ProcessDue(ctx)
	summary.EmailsSent += sent
}

func (s *Scheduler) sendConfirmation(ctx context.Context, booking ledgerdomain.Booking) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
			s.logger(ctx).Error("sweep.resend_panic",
				zap.String("reference_id", booking.ReferenceID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	return s.notifier.SendBookingConfirmation(ctx, booking)
}

func (s *Scheduler) finish(ctx context.Context, summary Summary, elapsed time.Duration) {
	fields := []zap.Field{
		zap.Int("candidates", summary.Candidates),
		zap.Int("reconciled", summary.Reconciled),
		zap.Int("errors", summary.Errors),
		zap.Int("pending", summary.Pending),
		zap.Int("emails_sent", summary.EmailsSent),
		zap.Bool("skipped", summary.Skipped),
		zap.String("runtime", summary.Runtime),
	}
	if summary.Errors > 0 {
		s.logger(ctx).Warn("sweep.finish", fields...)
	} else {
		s.logger(ctx).Info("sweep.finish", fields...)
	}

	if summary.Skipped {
		return
	}
	s.reconcileMetrics.ObserveSweep(elapsed, map[string]int{
		obsmetrics.SweepOutcomeReconciled: summary.Reconciled,
		obsmetrics.SweepOutcomePending:    summary.Pending,
		obsmetrics.SweepOutcomeNotFound:   summary.notFound,
		obsmetrics.SweepOutcomeError:      summary.Errors,
		obsmetrics.SweepOutcomeEmailSent:  summary.EmailsSent,
	})

	if s.alert == nil || (summary.Errors == 0 && !s.cfg.AlertAlways) {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.alert.PostMessage(alertCtx, "", formatAlert(summary)); err != nil {
		s.logger(ctx).Warn("sweep.alert_failed", zap.Error(err))
	}
}

func formatRuntime(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func formatAlert(summary Summary) string {
	var b strings.Builder
	if summary.Errors > 0 {
		b.WriteString(":warning: Booking reconciliation sweep finished with errors\n")
	} else {
		b.WriteString("Booking reconciliation sweep finished\n")
	}
	fmt.Fprintf(&b, "candidates: %d\n", summary.Candidates)
	fmt.Fprintf(&b, "reconciled: %d\n", summary.Reconciled)
	fmt.Fprintf(&b, "pending: %d\n", summary.Pending)
	fmt.Fprintf(&b, "errors: %d\n", summary.Errors)
	fmt.Fprintf(&b, "emails sent: %d\n", summary.EmailsSent)
	fmt.Fprintf(&b, "runtime: %s", summary.Runtime)
	return b.String()
}
