package models

import "time"

// FileAction describes what happened to a file during a task.
type FileAction string

const (
	FileCreated  FileAction = "created"
	FileModified FileAction = "modified"
	FileDeleted  FileAction = "deleted"
)

// FileChange is a single file touched by a worker.
type FileChange struct {
	Path   string     `json:"path"`
	Action FileAction `json:"action"`
}

// Usage is token and cost accounting for one worker invocation.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// TaskExecutionResult is the outcome of executing one task, across all attempts.
type TaskExecutionResult struct {
	// TaskID is the executed task.
	TaskID string `json:"task_id"`
	// Success is true if the final attempt passed every policy.
	Success bool `json:"success"`
	// Attempts counts worker attempts across all models.
	Attempts int `json:"attempts"`
	// TokensUsed is the total across attempts.
	TokensUsed int64 `json:"tokens_used"`
	// CostUSD is the total across attempts.
	CostUSD float64 `json:"cost_usd"`
	// Duration is wall time for the whole task.
	Duration time.Duration `json:"duration"`
	// Error describes the last failure, if any.
	Error string `json:"error,omitempty"`
	// FileChanges lists files touched by the successful attempt.
	FileChanges []FileChange `json:"file_changes,omitempty"`
	// Model is the model used by the final attempt.
	Model string `json:"model,omitempty"`
	// Tier is the tier of the final model.
	Tier Tier `json:"tier,omitempty"`
}
