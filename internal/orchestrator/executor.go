package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/prdloop/internal/orchestrator/policy"
	"github.com/ShayCichocki/prdloop/internal/worker"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// executeTask runs one task through the policy pipeline, retrying on the
// current model and escalating along the routing path until it succeeds or
// runs out of models. Errors never escape; they become a failed result.
func (o *Orchestrator) executeTask(ctx context.Context, task *models.Task) models.TaskExecutionResult {
	start := time.Now()
	sid := o.cfg.SessionID

	// Dispatched work runs to completion or its own timeout; abort is only
	// observed between attempts.
	wctx := context.WithoutCancel(ctx)

	decision := o.router.Route(wctx, task)
	if plan, ok := o.plans[task.ID]; ok {
		decision.Plan = plan
	}
	o.setDecision(decision)
	o.policies.Retry.Reset(sid, task.ID)

	o.emit(Event{
		Type:      EventTaskStarted,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		Model:     decision.Model,
		Tier:      decision.Tier,
		Message:   fmt.Sprintf("routed by %s (score %.2f)", decision.Source, decision.Score),
	})
	o.logger.Log("[executor] %s -> %s (%s, %s)", task.ID, decision.Model, decision.Tier, decision.Source)

	taskContext, err := o.contextB.BuildContext(wctx, task)
	if err != nil {
		log.Printf("[executor] context for %s unavailable: %v", task.ID, err)
	}

	var prereqs []*models.Task
	for _, id := range o.graph.Dependencies(task.ID) {
		if dep := o.graph.Task(id); dep != nil {
			prereqs = append(prereqs, dep)
		}
	}

	var (
		attempts int
		usage    models.Usage
		lastErr  error
		feedback string
		out      *policy.Outcome
	)

	for {
		prompt := buildPrompt(promptInput{
			Project:   o.spec.Project,
			Task:      task,
			Prereqs:   prereqs,
			Context:   taskContext,
			Attempt:   attempts + 1,
			LastError: errText(lastErr),
			Feedback:  feedback,
		})
		a := &policy.Attempt{
			SessionID: sid,
			Task:      task,
			Number:    attempts + 1,
			Model:     decision.Model,
			WorkDir:   o.cfg.WorkDir,
		}
		model := decision.Model
		out = o.policies.Pipeline.Run(wctx, a, func(ctx context.Context) (*worker.Response, error) {
			return o.invoke(ctx, task, model, prompt)
		})

		if !out.Blocked {
			attempts++
			usage = usage.Add(out.Usage)
			if err := o.router.Record(wctx, task, model, out.Success(), out.Usage.CostUSD); err != nil {
				log.Printf("[executor] record routing for %s: %v", task.ID, err)
			}
		}
		if out.Success() {
			break
		}

		lastErr = out.Err
		feedback = out.Feedback
		if out.Fatal {
			o.budgetExceeded.Store(true)
			break
		}
		if out.Blocked {
			if errors.Is(out.Err, policy.ErrCircuitOpen) {
				log.Printf("[executor] %s not attempted: %v", task.ID, out.Err)
			}
			break
		}
		if o.abort.Load() {
			break
		}

		if retryable(out.Err) && o.policies.Retry.ShouldRetry(sid, task.ID) {
			n := o.policies.Retry.Attempts(sid, task.ID)
			if err := o.policies.Retry.Wait(wctx, n); err != nil {
				break
			}
			continue
		}

		next, ok := o.router.Escalate(decision)
		if !ok {
			log.Printf("[executor] %s failed on %s with no escalation left", task.ID, decision.Model)
			break
		}
		o.policies.Retry.Reset(sid, task.ID)
		from := decision.Model
		decision = next
		o.setDecision(decision)
		o.emit(Event{
			Type:      EventTaskEscalated,
			TaskID:    task.ID,
			TaskTitle: task.Title,
			Model:     decision.Model,
			Tier:      decision.Tier,
			Message:   fmt.Sprintf("escalated from %s", from),
			Error:     errText(lastErr),
		})
	}

	r := models.TaskExecutionResult{
		TaskID:     task.ID,
		Success:    out.Success(),
		Attempts:   attempts,
		TokensUsed: usage.TotalTokens(),
		CostUSD:    usage.CostUSD,
		Duration:   time.Since(start),
		Model:      decision.Model,
		Tier:       decision.Tier,
	}
	ev := Event{
		TaskID:     task.ID,
		TaskTitle:  task.Title,
		TokensUsed: r.TokensUsed,
		CostUSD:    r.CostUSD,
		Duration:   r.Duration,
		Model:      r.Model,
		Tier:       r.Tier,
		Attempts:   r.Attempts,
	}
	if r.Success {
		if out.Response != nil {
			r.FileChanges = out.Response.FileChanges
		}
		ev.Type = EventTaskCompleted
		log.Printf("[executor] %s completed in %d attempt(s) on %s", task.ID, attempts, decision.Model)
	} else {
		r.Error = errText(out.Err)
		ev.Type = EventTaskFailed
		ev.Error = r.Error
		log.Printf("[executor] %s failed after %d attempt(s): %s", task.ID, attempts, r.Error)
	}
	o.emit(ev)
	return r
}

// invoke resolves the model's worker and calls it under the task's timeout.
func (o *Orchestrator) invoke(ctx context.Context, task *models.Task, model, prompt string) (*worker.Response, error) {
	w, err := o.workerFor(model)
	if err != nil {
		return nil, err
	}
	resp, err := worker.Call(ctx, w, worker.Request{
		TaskID:  task.ID,
		Model:   model,
		Prompt:  prompt,
		System:  o.system,
		WorkDir: o.cfg.WorkDir,
		Timeout: worker.ScaledTimeout(o.cfg.BaseTimeout, task.Complexity),
	})
	if resp != nil && resp.Usage.CostUSD == 0 && resp.Usage.TotalTokens() > 0 {
		resp.Usage.CostUSD = o.router.Registry().CostFor(model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	return resp, err
}

func (o *Orchestrator) workerFor(model string) (worker.Worker, error) {
	backend := o.cfg.Backend
	if backend == "" {
		if spec, ok := o.router.Registry().Get(model); ok {
			backend = spec.Backend
		}
	}
	if backend == "" {
		backend = DefaultBackend
	}
	return o.workers.For(backend)
}

func (o *Orchestrator) setDecision(d models.RoutingDecision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions[d.TaskID] = d
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// retryable reports whether another attempt on the same model can help.
// Anything else, such as a missing worker, goes straight to escalation.
func retryable(err error) bool {
	var vf *policy.ValidationFailedError
	var qg *policy.QualityGateBlockedError
	return worker.Retryable(err) || errors.As(err, &vf) || errors.As(err, &qg)
}
