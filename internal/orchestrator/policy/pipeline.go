package policy

import (
	"context"
	"errors"

	"github.com/ShayCichocki/prdloop/internal/worker"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// Attempt is one try at a task on one model.
type Attempt struct {
	SessionID string
	Task      *models.Task
	// Number is the 1-based attempt count for the task across all models.
	Number  int
	Model   string
	WorkDir string
}

// Outcome is the pipeline's verdict on an attempt.
// Policies may set Err, Fatal and Feedback in their After hook.
type Outcome struct {
	Response *worker.Response
	Err      error
	Usage    models.Usage
	// Blocked means a Before hook refused the attempt and the worker never ran.
	Blocked bool
	// Fatal means the whole run must stop.
	Fatal bool
	// Feedback is corrective text for the next attempt's prompt.
	Feedback string
}

// Success reports whether the worker ran, succeeded, and no policy objected.
func (o *Outcome) Success() bool {
	return !o.Blocked && o.Err == nil && o.Response != nil && o.Response.Success
}

// FilesModified reports whether the attempt touched any file.
func (o *Outcome) FilesModified() bool {
	return o.Response != nil && len(o.Response.FileChanges) > 0
}

// Policy observes, and may block, every attempt.
type Policy interface {
	Name() string
	// Before runs ahead of the attempt in pipeline order. An error blocks it.
	Before(ctx context.Context, a *Attempt) error
	// After runs for every attempt, blocked or not, in reverse pipeline order.
	// An error fails the attempt.
	After(ctx context.Context, a *Attempt, out *Outcome) error
}

// AttemptFunc performs the attempt once every Before hook has passed.
type AttemptFunc func(ctx context.Context) (*worker.Response, error)

// Pipeline is an ordered list of policies.
type Pipeline struct {
	policies []Policy
}

// NewPipeline creates a pipeline. Earlier policies wrap later ones.
func NewPipeline(policies ...Policy) *Pipeline {
	return &Pipeline{policies: policies}
}

// Policies returns the pipeline's policies in order.
func (p *Pipeline) Policies() []Policy {
	return append([]Policy(nil), p.policies...)
}

// Run wraps fn in every policy.
func (p *Pipeline) Run(ctx context.Context, a *Attempt, fn AttemptFunc) *Outcome {
	out := &Outcome{}

	for _, pol := range p.policies {
		if err := pol.Before(ctx, a); err != nil {
			out.Blocked = true
			out.Err = err
			out.Fatal = IsFatal(err)
			break
		}
	}

	if !out.Blocked {
		resp, err := fn(ctx)
		out.Response = resp
		out.Err = err
		if resp != nil {
			out.Usage = resp.Usage
		}
	}

	for i := len(p.policies) - 1; i >= 0; i-- {
		if err := p.policies[i].After(ctx, a, out); err != nil {
			apply(out, err)
		}
	}
	return out
}

func apply(out *Outcome, err error) {
	var qg *QualityGateBlockedError
	if errors.As(err, &qg) {
		out.Feedback = qg.Feedback
	}
	if IsFatal(err) {
		out.Fatal = true
		out.Err = err
		return
	}
	if out.Err == nil {
		out.Err = err
	}
}
