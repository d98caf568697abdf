package policy

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy counts attempts per session and task and computes backoff delays.
// Callers retry while ShouldRetry is true.
type RetryPolicy struct {
	cfg      RetryConfig
	mu       sync.Mutex
	attempts map[string]int
}

// NewRetryPolicy creates a retry policy.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		cfg:      cfg,
		attempts: make(map[string]int),
	}
}

func retryKey(sessionID, taskID string) string {
	return sessionID + "/" + taskID
}

// Name implements Policy.
func (r *RetryPolicy) Name() string { return "retry" }

// Before counts the attempt.
func (r *RetryPolicy) Before(ctx context.Context, a *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[retryKey(a.SessionID, a.Task.ID)]++
	return nil
}

// After logs failed attempts.
func (r *RetryPolicy) After(ctx context.Context, a *Attempt, out *Outcome) error {
	if out.Success() || out.Blocked {
		return nil
	}
	n := r.Attempts(a.SessionID, a.Task.ID)
	log.Printf("[retry] task %s attempt %d/%d on %s failed: %v", a.Task.ID, n, r.cfg.MaxAttempts, a.Model, out.Err)
	return nil
}

// Attempts returns how many attempts the task has made on its current model.
func (r *RetryPolicy) Attempts(sessionID, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[retryKey(sessionID, taskID)]
}

// ShouldRetry reports whether another attempt is allowed.
func (r *RetryPolicy) ShouldRetry(sessionID, taskID string) bool {
	return r.Attempts(sessionID, taskID) < r.cfg.MaxAttempts
}

// Reset clears the task's counter, e.g. after escalating to a new model.
func (r *RetryPolicy) Reset(sessionID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, retryKey(sessionID, taskID))
}

// Delay returns the backoff before retry number n (1-based).
func (r *RetryPolicy) Delay(n int) time.Duration {
	if r.cfg.BaseDelay <= 0 || n < 1 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseDelay
	b.MaxInterval = max(r.cfg.MaxDelay, r.cfg.BaseDelay)
	b.Multiplier = 2
	b.RandomizationFactor = r.cfg.Jitter
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Wait sleeps for Delay(n) or until ctx ends.
func (r *RetryPolicy) Wait(ctx context.Context, n int) error {
	d := r.Delay(n)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
