package models

// Complexity is the author's estimate of how hard a task is.
type Complexity string

const (
	// ComplexityTrivial is a one-line or mechanical change.
	ComplexityTrivial Complexity = "trivial"
	// ComplexitySimple is a small, self-contained change.
	ComplexitySimple Complexity = "simple"
	// ComplexityModerate touches a few files with some design involved.
	ComplexityModerate Complexity = "moderate"
	// ComplexityComplex spans several components.
	ComplexityComplex Complexity = "complex"
	// ComplexityEpic is a large change that probably should have been split.
	ComplexityEpic Complexity = "epic"
)

// Valid returns true if the complexity is a known value.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityTrivial, ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityEpic:
		return true
	default:
		return false
	}
}

// Weight returns an ordinal from 1 (trivial) to 5 (epic).
// Unknown values are treated as moderate.
func (c Complexity) Weight() int {
	switch c {
	case ComplexityTrivial:
		return 1
	case ComplexitySimple:
		return 2
	case ComplexityModerate:
		return 3
	case ComplexityComplex:
		return 4
	case ComplexityEpic:
		return 5
	default:
		return 3
	}
}

// AcceptanceCriterion is one verifiable condition for task completion.
type AcceptanceCriterion struct {
	// ID identifies the criterion within its task.
	ID string `json:"id" yaml:"id"`
	// Description is the human-readable condition.
	Description string `json:"description" yaml:"description"`
	// TestCommand optionally verifies the criterion from a shell.
	TestCommand string `json:"test_command,omitempty" yaml:"test_command,omitempty"`
}

// Task represents an atomic unit of work in a PRD.
// Tasks are immutable once the PRD is loaded.
type Task struct {
	// ID is unique within the PRD.
	ID string `json:"id" yaml:"id"`
	// Title is the short description of the task.
	Title string `json:"title" yaml:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// AcceptanceCriteria are the ordered completion conditions.
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	// AffectedFiles lists paths the task is expected to touch.
	AffectedFiles []string `json:"affected_files,omitempty" yaml:"affected_files,omitempty"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Complexity is a hint used for routing and timeouts.
	Complexity Complexity `json:"complexity" yaml:"complexity"`
	// Priority orders otherwise-equal tasks; higher runs first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// RunSettings holds PRD-level run settings.
type RunSettings struct {
	// AutoCommit asks workers to commit after each task.
	AutoCommit bool `json:"auto_commit,omitempty" yaml:"auto_commit,omitempty"`
	// Branch is the branch workers should commit to.
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
	// MaxAttempts overrides the run-level attempt limit when positive.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// ContinueOnFailure overrides the run-level flag when set.
	ContinueOnFailure *bool `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
}

// WorkSpec is a loaded PRD: a project name, an ordered task list and run settings.
type WorkSpec struct {
	// Project is the project name.
	Project string `json:"project" yaml:"project"`
	// Description is an optional summary of the project.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Tasks is the ordered task list.
	Tasks []*Task `json:"tasks" yaml:"tasks"`
	// Config holds PRD-level run settings.
	Config RunSettings `json:"config,omitempty" yaml:"config,omitempty"`
}

// Task returns the task with the given ID, or nil.
func (s *WorkSpec) Task(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskIDs returns task IDs in PRD order.
func (s *WorkSpec) TaskIDs() []string {
	ids := make([]string, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
