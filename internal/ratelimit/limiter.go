package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookingpay/internal/config"
)

const keyCheckoutClient = "bookingpay:ratelimit:%s:%s"

// CheckoutLimiter throttles the unauthenticated checkout endpoints per
// client. A nil limiter allows everything.
type CheckoutLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewCheckoutLimiter(cfg config.Config, client *redis.Client) *CheckoutLimiter {
	if client == nil || cfg.RateLimit.Rate <= 0 || cfg.RateLimit.Burst <= 0 {
		return nil
	}
	return &CheckoutLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.RateLimit.Rate,
		burst:  cfg.RateLimit.Burst,
	}
}

func (l *CheckoutLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *CheckoutLimiter) Allow(ctx context.Context, endpoint, clientKey string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyCheckoutClient, strings.TrimSpace(endpoint), strings.TrimSpace(clientKey))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
