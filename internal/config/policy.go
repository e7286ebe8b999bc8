package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy holds the reconciliation tunables that can change without a restart.
type Policy struct {
	Sweep     SweepPolicy     `mapstructure:"sweep"`
	Reconcile ReconcilePolicy `mapstructure:"reconcile"`
	Notifier  NotifierPolicy  `mapstructure:"notifier"`
}

type SweepPolicy struct {
	Lookback   time.Duration `mapstructure:"lookback"`
	BatchSize  int           `mapstructure:"batchSize"`
	JobTimeout time.Duration `mapstructure:"jobTimeout"`
}

type ReconcilePolicy struct {
	// FailAfter is how long a booking whose payments all failed stays
	// pending_payment before it is marked failed.
	FailAfter time.Duration `mapstructure:"failAfter"`
}

type NotifierPolicy struct {
	RetryDelays   []time.Duration `mapstructure:"retryDelays"`
	QueueCapacity int             `mapstructure:"queueCapacity"`
	ClaimLease    time.Duration   `mapstructure:"claimLease"`
}

const maxSweepBatchSize = 500

func DefaultPolicy() Policy {
	return Policy{
		Sweep: SweepPolicy{
			Lookback:   90 * time.Minute,
			BatchSize:  50,
			JobTimeout: 2 * time.Minute,
		},
		Reconcile: ReconcilePolicy{
			FailAfter: time.Hour,
		},
		Notifier: NotifierPolicy{
			RetryDelays: []time.Duration{
				time.Second,
				5 * time.Second,
				15 * time.Second,
				30 * time.Second,
				60 * time.Second,
			},
			QueueCapacity: 256,
			ClaimLease:    2 * time.Minute,
		},
	}
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.policy")

	v := viper.New()

	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/bookingpay/config")
	v.AddConfigPath("/etc/bookingpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BOOKINGPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("sweep.lookback", defaults.Sweep.Lookback)
	v.SetDefault("sweep.batchSize", defaults.Sweep.BatchSize)
	v.SetDefault("sweep.jobTimeout", defaults.Sweep.JobTimeout)
	v.SetDefault("reconcile.failAfter", defaults.Reconcile.FailAfter)
	v.SetDefault("notifier.retryDelays", defaults.Notifier.RetryDelays)
	v.SetDefault("notifier.queueCapacity", defaults.Notifier.QueueCapacity)
	v.SetDefault("notifier.claimLease", defaults.Notifier.ClaimLease)

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fromFile = false
	}

	var policy Policy
	if err := v.Unmarshal(&policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	if !fromFile {
		log.Info("reconcile.yml not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("policy reload failed", zap.Error(err))
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// Store swaps in p for every later Get.
func (h *PolicyHolder) Store(p Policy) {
	h.current.Store(p)
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	p, ok := h.current.Load().(Policy)
	if !ok {
		return DefaultPolicy()
	}
	return p
}

func validatePolicy(p Policy) error {
	if p.Sweep.Lookback <= 0 {
		return errors.New("sweep.lookback must be positive")
	}
	if p.Sweep.BatchSize <= 0 || p.Sweep.BatchSize > maxSweepBatchSize {
		return errors.New("sweep.batchSize must be between 1 and 500")
	}
	if p.Reconcile.FailAfter < 0 {
		return errors.New("reconcile.failAfter cannot be negative")
	}
	if len(p.Notifier.RetryDelays) == 0 {
		return errors.New("notifier.retryDelays cannot be empty")
	}
	for _, d := range p.Notifier.RetryDelays {
		if d <= 0 {
			return errors.New("notifier.retryDelays must be positive")
		}
	}
	if p.Notifier.QueueCapacity <= 0 {
		return errors.New("notifier.queueCapacity must be positive")
	}
	return nil
}
