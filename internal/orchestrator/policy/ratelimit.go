package policy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitPolicy throttles attempt starts across the run.
type RateLimitPolicy struct {
	limiter *rate.Limiter
}

// NewRateLimitPolicy allows cfg.Attempts per cfg.Window, bursting up to cfg.Attempts.
func NewRateLimitPolicy(cfg RateLimitConfig) *RateLimitPolicy {
	if cfg.Attempts <= 0 {
		return &RateLimitPolicy{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	interval := cfg.Window / time.Duration(cfg.Attempts)
	return &RateLimitPolicy{
		limiter: rate.NewLimiter(rate.Every(interval), cfg.Attempts),
	}
}

// Name implements Policy.
func (r *RateLimitPolicy) Name() string { return "ratelimit" }

// Before waits for a token or until ctx ends.
func (r *RateLimitPolicy) Before(ctx context.Context, a *Attempt) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// After implements Policy.
func (r *RateLimitPolicy) After(ctx context.Context, a *Attempt, out *Outcome) error { return nil }
