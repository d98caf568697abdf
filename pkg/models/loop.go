package models

// LoopStatus is the execution runner's state.
type LoopStatus string

const (
	LoopIdle      LoopStatus = "idle"
	LoopRunning   LoopStatus = "running"
	LoopPaused    LoopStatus = "paused"
	LoopCompleted LoopStatus = "completed"
	LoopFailed    LoopStatus = "failed"
	LoopCancelled LoopStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s LoopStatus) Valid() bool {
	switch s {
	case LoopIdle, LoopRunning, LoopPaused, LoopCompleted, LoopFailed, LoopCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed, failed and cancelled.
func (s LoopStatus) Terminal() bool {
	return s == LoopCompleted || s == LoopFailed || s == LoopCancelled
}

// LoopState is the mutable progress of a run.
// It has a single writer; readers take a Clone.
type LoopState struct {
	Status          LoopStatus        `json:"status"`
	CompletedTasks  []string          `json:"completed_tasks"`
	FailedTasks     []string          `json:"failed_tasks"`
	SkippedTasks    []string          `json:"skipped_tasks"`
	SkipReasons     map[string]string `json:"skip_reasons,omitempty"`
	TotalTokensUsed int64             `json:"total_tokens_used"`
	TotalCostUSD    float64           `json:"total_cost_usd"`
	// CurrentTaskID is the task in flight in sequential mode. It stays empty
	// while a parallel chunk runs.
	CurrentTaskID   string            `json:"current_task_id,omitempty"`
}

// NewLoopState returns an idle state with empty lists.
func NewLoopState() *LoopState {
	return &LoopState{
		Status:         LoopIdle,
		CompletedTasks: []string{},
		FailedTasks:    []string{},
		SkippedTasks:   []string{},
		SkipReasons:    map[string]string{},
	}
}

// IsCompleted reports whether the task completed successfully.
func (s *LoopState) IsCompleted(id string) bool {
	return contains(s.CompletedTasks, id)
}

// IsFailed reports whether the task failed.
func (s *LoopState) IsFailed(id string) bool {
	return contains(s.FailedTasks, id)
}

// IsTerminal reports whether the task has a terminal result.
func (s *LoopState) IsTerminal(id string) bool {
	return s.IsCompleted(id) || s.IsFailed(id)
}

// CompletedSet returns completed IDs as a set.
func (s *LoopState) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(s.CompletedTasks))
	for _, id := range s.CompletedTasks {
		set[id] = true
	}
	return set
}

// Record merges a task result.
// Merging is an accumulation: ids are appended once and totals are summed,
// so the order in which concurrent results arrive does not matter.
func (s *LoopState) Record(r TaskExecutionResult) {
	s.Unskip(r.TaskID)
	if r.Success {
		if !s.IsCompleted(r.TaskID) {
			s.CompletedTasks = append(s.CompletedTasks, r.TaskID)
		}
	} else if !s.IsFailed(r.TaskID) {
		s.FailedTasks = append(s.FailedTasks, r.TaskID)
	}
	s.TotalTokensUsed += r.TokensUsed
	s.TotalCostUSD += r.CostUSD
}

// Skip marks a task skipped with a reason.
func (s *LoopState) Skip(id, reason string) {
	if s.SkipReasons == nil {
		s.SkipReasons = map[string]string{}
	}
	if !contains(s.SkippedTasks, id) {
		s.SkippedTasks = append(s.SkippedTasks, id)
	}
	s.SkipReasons[id] = reason
}

// Unskip removes a task from the skipped list, e.g. when a later pass runs it.
func (s *LoopState) Unskip(id string) {
	for i, sid := range s.SkippedTasks {
		if sid == id {
			s.SkippedTasks = append(s.SkippedTasks[:i:i], s.SkippedTasks[i+1:]...)
			break
		}
	}
	delete(s.SkipReasons, id)
}

// ClearFailed forgets failed tasks and skip marks so a resumed run retries them.
// Token and cost totals are kept.
func (s *LoopState) ClearFailed() []string {
	cleared := s.FailedTasks
	s.FailedTasks = []string{}
	s.SkippedTasks = []string{}
	s.SkipReasons = map[string]string{}
	return cleared
}

// Clone returns a deep copy.
func (s *LoopState) Clone() *LoopState {
	c := *s
	c.CompletedTasks = append([]string{}, s.CompletedTasks...)
	c.FailedTasks = append([]string{}, s.FailedTasks...)
	c.SkippedTasks = append([]string{}, s.SkippedTasks...)
	c.SkipReasons = make(map[string]string, len(s.SkipReasons))
	for k, v := range s.SkipReasons {
		c.SkipReasons[k] = v
	}
	return &c
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
