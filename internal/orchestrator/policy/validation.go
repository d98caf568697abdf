package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/prdloop/internal/exec"
)

// StepFailure describes the first validation command that failed.
type StepFailure struct {
	Step     string
	Index    int
	ExitCode int
	Output   string
}

// StepRunner runs validation commands in order, stopping at the first failure.
// A nil failure and nil error means every step passed.
type StepRunner interface {
	RunSteps(ctx context.Context, dir string, steps []string) (*StepFailure, error)
}

// ShellStepRunner runs each step through "sh -c".
type ShellStepRunner struct {
	runner exec.CommandRunner
}

// NewShellStepRunner creates a step runner. A nil runner uses the OS.
func NewShellStepRunner(runner exec.CommandRunner) *ShellStepRunner {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &ShellStepRunner{runner: runner}
}

// RunSteps implements StepRunner.
func (s *ShellStepRunner) RunSteps(ctx context.Context, dir string, steps []string) (*StepFailure, error) {
	for i, step := range steps {
		if strings.TrimSpace(step) == "" {
			continue
		}
		out, err := s.runner.RunShell(ctx, dir, step)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := exec.ExitCode(err)
		if code < 0 {
			return nil, fmt.Errorf("run step %q: %w", step, err)
		}
		return &StepFailure{
			Step:     step,
			Index:    i,
			ExitCode: code,
			Output:   string(out),
		}, nil
	}
	return nil, nil
}

// ValidationPolicy runs validation steps, then acceptance-criterion test
// commands, after every successful attempt.
type ValidationPolicy struct {
	cfg    ValidationConfig
	runner StepRunner
}

// NewValidationPolicy creates a validation policy.
func NewValidationPolicy(cfg ValidationConfig, runner StepRunner) *ValidationPolicy {
	return &ValidationPolicy{cfg: cfg, runner: runner}
}

// Name implements Policy.
func (v *ValidationPolicy) Name() string { return "validation" }

// Before implements Policy.
func (v *ValidationPolicy) Before(ctx context.Context, a *Attempt) error { return nil }

// After fails the attempt at the first non-zero step.
func (v *ValidationPolicy) After(ctx context.Context, a *Attempt, out *Outcome) error {
	if !out.Success() || v.runner == nil {
		return nil
	}
	steps := v.steps(a)
	if len(steps) == 0 {
		return nil
	}

	failure, err := v.runner.RunSteps(ctx, a.WorkDir, steps)
	if err != nil {
		return &ValidationFailedError{Err: err}
	}
	if failure != nil {
		return &ValidationFailedError{
			Step:     failure.Step,
			ExitCode: failure.ExitCode,
			Output:   failure.Output,
		}
	}
	return nil
}

func (v *ValidationPolicy) steps(a *Attempt) []string {
	steps := append([]string(nil), v.cfg.Steps...)
	if v.cfg.RunCriteria && a.Task != nil {
		for _, ac := range a.Task.AcceptanceCriteria {
			if ac.TestCommand != "" {
				steps = append(steps, ac.TestCommand)
			}
		}
	}
	return steps
}
