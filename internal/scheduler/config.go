package scheduler

import (
	"errors"
	"time"

	"github.com/smallbiznis/bookingpay/internal/config"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const defaultLockKey = "bookingpay:sweep:lock"

// Config controls the in-process sweep loop and its single-run lock.
// Lookback, batch size and job timeout live in the hot-reloadable policy.
type Config struct {
	// RunInterval drives RunForever. Zero disables the in-process loop.
	RunInterval time.Duration
	LockKey     string
	LockTTL     time.Duration
	AlertAlways bool
}

func DefaultConfig() Config {
	return Config{
		LockKey: defaultLockKey,
		LockTTL: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval < 0 {
		c.RunInterval = 0
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Sweep.RunInterval,
		LockTTL:     cfg.Sweep.LockTTL,
		AlertAlways: cfg.Alert.Always,
	}.withDefaults()
}
