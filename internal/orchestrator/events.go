package orchestrator

import (
	"time"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventLoopStarted indicates the run loop has been entered.
	EventLoopStarted EventType = "loop_started"
	// EventTaskStarted indicates a task has started execution.
	EventTaskStarted EventType = "task_started"
	// EventTaskEscalated indicates a task moved to a stronger model.
	EventTaskEscalated EventType = "task_escalated"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed after all attempts.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates a task was skipped because a dependency is not complete.
	EventTaskSkipped EventType = "task_skipped"
	// EventCircuitBreakerTripped indicates consecutive failures opened the breaker.
	EventCircuitBreakerTripped EventType = "circuit_breaker_tripped"
	// EventLoopPaused indicates the loop stopped at a boundary after Pause.
	EventLoopPaused EventType = "loop_paused"
	// EventLoopCompleted indicates every task completed.
	EventLoopCompleted EventType = "loop_completed"
	// EventLoopFailed indicates the run ended with failures.
	EventLoopFailed EventType = "loop_failed"
	// EventLoopCancelled indicates the run was aborted.
	EventLoopCancelled EventType = "loop_cancelled"
)

// Event is one entry of the orchestrator's event stream.
type Event struct {
	// Seq is a per-orchestrator sequence number starting at 1.
	Seq uint64 `json:"seq"`
	// Type is the kind of event.
	Type EventType `json:"type"`
	// SessionID is the run's session.
	SessionID string `json:"session_id"`
	// TaskID is the ID of the related task, if applicable.
	TaskID string `json:"task_id,omitempty"`
	// TaskTitle is the title of the related task, if applicable.
	TaskTitle string `json:"task_title,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Error contains error details for failure events.
	Error string `json:"error,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// TokensUsed is the task's tokens for task events and the run's total for loop events.
	TokensUsed int64 `json:"tokens_used,omitempty"`
	// CostUSD is the task's cost for task events and the run's total for loop events.
	CostUSD float64 `json:"cost_usd,omitempty"`
	// Duration is the elapsed time.
	Duration time.Duration `json:"duration,omitempty"`
	// Model is the model used, for task events.
	Model string `json:"model,omitempty"`
	// Tier is the model's tier, for task events.
	Tier models.Tier `json:"tier,omitempty"`
	// Attempts is the attempt count, for terminal task events.
	Attempts int `json:"attempts,omitempty"`
}
