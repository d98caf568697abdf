package policy

import (
	"context"
	"log"
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns a human-readable representation of the state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitTrip describes a breaker opening.
type CircuitTrip struct {
	TaskID              string
	ConsecutiveFailures int
	Until               time.Time
}

// CircuitBreaker counts consecutive failures across all tasks.
// Reaching the threshold opens it for the cooldown; afterwards a single
// probe attempt decides whether it closes or re-opens.
type CircuitBreaker struct {
	cfg         CircuitConfig
	mu          sync.Mutex
	state       CircuitState
	consecutive int
	openedAt    time.Time
	probe       *Attempt
	onTrip      func(CircuitTrip)
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker. onTrip may be nil.
func NewCircuitBreaker(cfg CircuitConfig, onTrip func(CircuitTrip)) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg,
		onTrip: onTrip,
		now:    time.Now,
	}
}

// Name implements Policy.
func (c *CircuitBreaker) Name() string { return "circuit" }

// Before blocks attempts while open and admits one probe when half-open.
func (c *CircuitBreaker) Before(ctx context.Context, a *Attempt) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == CircuitOpen {
		until := c.openedAt.Add(c.cfg.Cooldown)
		if c.now().Before(until) {
			return &CircuitOpenError{Until: until}
		}
		c.state = CircuitHalfOpen
		log.Printf("[circuit] cooldown elapsed, half-open")
	}
	if c.state == CircuitHalfOpen {
		if c.probe != nil {
			return &CircuitOpenError{Until: c.now()}
		}
		c.probe = a
	}
	return nil
}

// After records the attempt's result.
func (c *CircuitBreaker) After(ctx context.Context, a *Attempt, out *Outcome) error {
	var trip *CircuitTrip

	c.mu.Lock()
	if out.Blocked {
		if c.probe == a {
			c.probe = nil
		}
		c.mu.Unlock()
		return nil
	}

	if out.Success() {
		if c.state != CircuitClosed {
			log.Printf("[circuit] probe succeeded, closing")
		}
		c.consecutive = 0
		c.state = CircuitClosed
		c.probe = nil
		c.mu.Unlock()
		return nil
	}

	c.consecutive++
	if c.state == CircuitHalfOpen || (c.state == CircuitClosed && c.consecutive >= c.cfg.Threshold) {
		c.state = CircuitOpen
		c.openedAt = c.now()
		c.probe = nil
		t := CircuitTrip{ConsecutiveFailures: c.consecutive, Until: c.openedAt.Add(c.cfg.Cooldown)}
		if a.Task != nil {
			t.TaskID = a.Task.ID
		}
		trip = &t
		log.Printf("[circuit] tripped after %d consecutive failures, open until %s", c.consecutive, t.Until.Format(time.RFC3339))
	}
	c.mu.Unlock()

	if trip != nil && c.onTrip != nil {
		c.onTrip(*trip)
	}
	return nil
}

// State returns the current state.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConsecutiveFailures returns the current failure streak.
func (c *CircuitBreaker) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive
}
