// Package worker adapts AI backends to one invocation shape.
//
// A worker turns (prompt, timeout) into (success, text, usage). Adapters
// normalize backend failures: deadlines become *TimeoutError and non-zero
// exits or API errors become *ProcessError.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// Request is one worker invocation.
type Request struct {
	TaskID  string
	Model   string
	Prompt  string
	System  string
	WorkDir string
	Timeout time.Duration
}

// Response is what a worker returned.
type Response struct {
	Success     bool
	Output      string
	Usage       models.Usage
	FileChanges []models.FileChange
	ExitCode    int
}

// Worker runs prompts against a model backend.
type Worker interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// TimeoutError means the invocation ran past its deadline.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// ProcessError is a worker-reported failure: a non-zero exit, an API error,
// or an explicit error result.
type ProcessError struct {
	Worker   string
	ExitCode int
	// Code is the backend's error code or HTTP status, if any.
	Code    string
	Message string
	Err     error
}

func (e *ProcessError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s worker failed (%s): %s", e.Worker, e.Code, msg)
	}
	return fmt.Sprintf("%s worker failed (exit %d): %s", e.Worker, e.ExitCode, msg)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// timeoutMultiplier scales the base timeout by complexity.
var timeoutMultiplier = map[models.Complexity]float64{
	models.ComplexityTrivial:  0.5,
	models.ComplexitySimple:   1,
	models.ComplexityModerate: 2,
	models.ComplexityComplex:  3,
	models.ComplexityEpic:     4,
}

// ScaledTimeout returns the per-task timeout for a complexity.
func ScaledTimeout(base time.Duration, c models.Complexity) time.Duration {
	m, ok := timeoutMultiplier[c]
	if !ok {
		m = timeoutMultiplier[models.ComplexityModerate]
	}
	return time.Duration(float64(base) * m)
}

// Call invokes w under req.Timeout and normalizes the outcome.
// A nil error means the worker reported success.
func Call(ctx context.Context, w Worker, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := w.Invoke(ctx, req)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return resp, &TimeoutError{TaskID: req.TaskID, Timeout: req.Timeout}
	}
	if err != nil {
		var te *TimeoutError
		var pe *ProcessError
		if errors.As(err, &te) || errors.As(err, &pe) {
			return resp, err
		}
		return resp, &ProcessError{Worker: w.Name(), ExitCode: -1, Err: err}
	}
	if resp == nil {
		return nil, &ProcessError{Worker: w.Name(), ExitCode: -1, Message: "empty response"}
	}
	if !resp.Success {
		return resp, &ProcessError{Worker: w.Name(), ExitCode: resp.ExitCode, Message: tail(resp.Output, 500)}
	}
	return resp, nil
}

// Retryable reports whether a worker error may succeed on another attempt.
func Retryable(err error) bool {
	var te *TimeoutError
	var pe *ProcessError
	return errors.As(err, &te) || errors.As(err, &pe)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
