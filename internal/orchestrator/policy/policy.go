// Package policy implements the cross-cutting rules wrapped around every
// task attempt: cost budget, retry, circuit breaking, rate limiting, quality
// gating and validation.
package policy

import "time"

// Config contains all configurable policy parameters.
type Config struct {
	// Cost budget policy
	Cost CostConfig

	// Retry and backoff policy
	Retry RetryConfig

	// Circuit breaker policy
	Circuit CircuitConfig

	// Quality gate policy
	Quality QualityConfig

	// Validation step policy
	Validation ValidationConfig

	// Attempt rate limit policy
	RateLimit RateLimitConfig
}

// CostConfig controls budget enforcement.
type CostConfig struct {
	// MaxCostUSD is the hard ceiling for the whole run. Zero means unlimited.
	MaxCostUSD float64

	// WarningThreshold is the fraction of MaxCostUSD at which a warning is logged.
	WarningThreshold float64
}

// RetryConfig controls attempts per task and the delay between them.
type RetryConfig struct {
	// MaxAttempts is the number of attempts per task per model.
	MaxAttempts int

	// BaseDelay is the first backoff interval.
	BaseDelay time.Duration

	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration

	// Jitter is the randomization factor applied to each interval (0-1).
	Jitter float64
}

// CircuitConfig controls the consecutive-failure breaker.
type CircuitConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration
}

// QualityConfig controls the post-attempt static audit.
type QualityConfig struct {
	// Mode selects which findings fail the gate.
	Mode Mode

	// Blocking turns a failed gate into corrective feedback and a failed attempt.
	// When false, failures are only logged.
	Blocking bool

	// Debounce is the minimum interval between audits; results are cached in between.
	Debounce time.Duration
}

// ValidationConfig controls post-attempt validation commands.
type ValidationConfig struct {
	// Steps are shell commands run in order after a successful attempt.
	Steps []string

	// RunCriteria also runs each acceptance criterion's test command.
	RunCriteria bool
}

// RateLimitConfig throttles attempts across the run.
type RateLimitConfig struct {
	// Attempts is the number of attempts allowed per Window. Zero disables the limit.
	Attempts int

	// Window is the throttling window.
	Window time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Cost: CostConfig{
			MaxCostUSD:       0,
			WarningThreshold: 0.80,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		},
		Circuit: CircuitConfig{
			Threshold: 5,
			Cooldown:  time.Minute,
		},
		Quality: QualityConfig{
			Mode:     ModePreCommit,
			Blocking: true,
			Debounce: 60 * time.Second,
		},
		Validation: ValidationConfig{
			RunCriteria: true,
		},
		RateLimit: RateLimitConfig{
			Attempts: 30,
			Window:   time.Minute,
		},
	}
}

// Validate checks that policy values are within acceptable ranges.
// Out-of-range values are reset to their defaults.
func (c *Config) Validate() error {
	d := Default()
	if c.Cost.MaxCostUSD < 0 {
		c.Cost.MaxCostUSD = 0
	}
	if c.Cost.WarningThreshold <= 0 || c.Cost.WarningThreshold > 1 {
		c.Cost.WarningThreshold = d.Cost.WarningThreshold
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay < 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = c.Retry.BaseDelay
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		c.Retry.Jitter = d.Retry.Jitter
	}
	if c.Circuit.Threshold < 1 {
		c.Circuit.Threshold = d.Circuit.Threshold
	}
	if c.Circuit.Cooldown <= 0 {
		c.Circuit.Cooldown = d.Circuit.Cooldown
	}
	if !c.Quality.Mode.Valid() {
		c.Quality.Mode = d.Quality.Mode
	}
	if c.Quality.Debounce < 0 {
		c.Quality.Debounce = d.Quality.Debounce
	}
	if c.RateLimit.Attempts < 0 {
		c.RateLimit.Attempts = 0
	}
	if c.RateLimit.Attempts > 0 && c.RateLimit.Window <= 0 {
		c.RateLimit.Window = d.RateLimit.Window
	}
	return nil
}
