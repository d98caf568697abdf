package models

// DecisionSource records why a model was selected.
type DecisionSource string

const (
	// SourceHeuristic means the tier came from task scoring alone.
	SourceHeuristic DecisionSource = "heuristic"
	// SourceHistory means past routing outcomes influenced the choice.
	SourceHistory DecisionSource = "history"
	// SourceEscalation means the model was popped off an escalation path.
	SourceEscalation DecisionSource = "escalation"
)

// ExecutionMode is how a task is scheduled relative to its level peers.
type ExecutionMode string

const (
	ExecutionSequential ExecutionMode = "sequential"
	ExecutionParallel   ExecutionMode = "parallel"
)

// ExecutionPlan is the scheduling hint attached to a routing decision.
type ExecutionPlan struct {
	Mode                 ExecutionMode `json:"mode"`
	SuggestedConcurrency int           `json:"suggested_concurrency"`
}

// RoutingDecision binds a task to a model.
// Decisions are replaced, never mutated, when a task escalates.
type RoutingDecision struct {
	// TaskID is the routed task.
	TaskID string `json:"task_id"`
	// Model is the selected model ID.
	Model string `json:"model"`
	// Tier is the tier of the selected model.
	Tier Tier `json:"tier"`
	// Source records how the model was chosen.
	Source DecisionSource `json:"source"`
	// Score is the task's routing score.
	Score float64 `json:"score"`
	// CanEscalate is true while EscalationPath is non-empty.
	CanEscalate bool `json:"can_escalate"`
	// EscalationPath lists fallback models, most preferred first.
	EscalationPath []string `json:"escalation_path,omitempty"`
	// Plan is the scheduling hint for this task.
	Plan ExecutionPlan `json:"plan"`
}
