package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookingpay/internal/clock"
	"github.com/smallbiznis/bookingpay/internal/config"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	notificationservice "github.com/smallbiznis/bookingpay/internal/notification/service"
	obsmetrics "github.com/smallbiznis/bookingpay/internal/observability/metrics"
	"github.com/smallbiznis/bookingpay/internal/providers/slack"
	"github.com/smallbiznis/bookingpay/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/bookingpay/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobSweep = "sweep"

type Params struct {
	fx.In

	Log              *zap.Logger
	Reconcile        reconciledomain.Service
	Ledger           ledgerdomain.Service
	Notifier         *notificationservice.Service
	Alert            slack.Provider               `optional:"true"`
	Locker           *ratelimit.Locker            `optional:"true"`
	GenID            *snowflake.Node
	Clock            clock.Clock
	Policy           *config.PolicyHolder         `optional:"true"`
	ReconcileMetrics *obsmetrics.ReconcileMetrics `optional:"true"`
	Config           Config                       `optional:"true"`
}

type confirmationSender interface {
	SendBookingConfirmation(ctx context.Context, booking ledgerdomain.Booking) bool
	ProcessDue(ctx context.Context) (sent int, dropped int)
}

type sweepLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Scheduler struct {
	log              *zap.Logger
	cfg              Config
	genID            *snowflake.Node
	clock            clock.Clock
	policy           *config.PolicyHolder
	reconcile        reconciledomain.Service
	ledger           ledgerdomain.Service
	notifier         confirmationSender
	alert            slack.Provider
	locker           sweepLocker
	reconcileMetrics *obsmetrics.ReconcileMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Reconcile == nil || p.Ledger == nil || p.Notifier == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:              p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:              p.Config.withDefaults(),
		genID:            p.GenID,
		clock:            p.Clock,
		policy:           p.Policy,
		reconcile:        p.Reconcile,
		ledger:           p.Ledger,
		notifier:         p.Notifier,
		alert:            p.Alert,
		reconcileMetrics: p.ReconcileMetrics,
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)

	err := fn(ctx)
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next run picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.reconcileMetrics.IncJobTimeout(name)
	}
	s.reconcileMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs a single sweep and reports selection failures as an error.
func (s *Scheduler) RunOnce(parent context.Context) error {
	summary := s.Sweep(parent)
	if summary.selectErr != nil {
		return summary.selectErr
	}
	return nil
}

// RunForever sweeps every RunInterval until ctx is cancelled. It returns
// immediately when the interval is zero.
func (s *Scheduler) RunForever(ctx context.Context) {
	if s.cfg.RunInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
