package policy

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned by the circuit breaker while it blocks attempts.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BudgetExceededError aborts the whole run.
type BudgetExceededError struct {
	LimitUSD float64
	SpentUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent $%.4f of $%.4f", e.SpentUSD, e.LimitUSD)
}

// ValidationFailedError means a validation command exited non-zero.
// It fails the attempt but is retryable.
type ValidationFailedError struct {
	Step     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ValidationFailedError) Error() string {
	if e.Err != nil && e.Step == "" {
		return fmt.Sprintf("validation failed: %v", e.Err)
	}
	return fmt.Sprintf("validation step %q failed (exit %d)", e.Step, e.ExitCode)
}

func (e *ValidationFailedError) Unwrap() error {
	return e.Err
}

// QualityGateBlockedError carries corrective feedback for the next attempt.
type QualityGateBlockedError struct {
	Mode     Mode
	Report   AuditReport
	Feedback string
}

func (e *QualityGateBlockedError) Error() string {
	return fmt.Sprintf("quality gate (%s) blocked: %d critical, %d high, %d medium",
		e.Mode, e.Report.Critical, e.Report.High, e.Report.Medium)
}

// CircuitOpenError reports when the breaker will allow a probe.
type CircuitOpenError struct {
	Until time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s until %s", ErrCircuitOpen, e.Until.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// IsFatal reports whether err must stop the whole run.
func IsFatal(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
