package orchestrator

import (
	"context"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// shouldStop is checked at task and chunk boundaries only.
func (o *Orchestrator) shouldStop() bool {
	if o.abort.Load() || o.budgetExceeded.Load() || o.storageFatal.Load() || o.stopOnFailure.Load() {
		return true
	}
	return o.Status() != models.LoopRunning
}

// runSequential executes tasks one at a time in topological order.
func (o *Orchestrator) runSequential(ctx context.Context) {
	for _, id := range o.order {
		if o.shouldStop() {
			return
		}
		if !o.claim(id, true) {
			continue
		}
		o.commit(ctx, o.executeTask(ctx, o.graph.Task(id)))
	}
}

// runParallel executes each level in chunks of at most MaxParallelTasks.
// Members of a chunk run concurrently and the chunk is awaited as a whole.
func (o *Orchestrator) runParallel(ctx context.Context) {
	for _, level := range o.levels {
		if o.shouldStop() {
			return
		}

		size := o.cfg.MaxParallelTasks
		if !level.Parallelizable {
			size = 1
		}
		pending := level.Tasks
		for len(pending) > 0 {
			if o.shouldStop() {
				return
			}
			var chunk []string
			for len(pending) > 0 && len(chunk) < size {
				id := pending[0].ID
				pending = pending[1:]
				if o.claim(id, false) {
					chunk = append(chunk, id)
				}
			}
			if len(chunk) > 0 {
				o.runChunk(ctx, level.Index, chunk)
			}
		}
	}
}

func (o *Orchestrator) runChunk(ctx context.Context, level int, ids []string) {
	if len(ids) > 1 {
		log.Printf("[orchestrator] level %d: running %d task(s) in parallel: %s", level, len(ids), strings.Join(ids, ", "))
	}

	// Task failures are results, not errors, so the group never cancels a sibling.
	var g errgroup.Group
	g.SetLimit(len(ids))
	for _, id := range ids {
		task := o.graph.Task(id)
		g.Go(func() error {
			o.commit(ctx, o.executeTask(ctx, task))
			return nil
		})
	}
	_ = g.Wait()
}

// claim reports whether a task should run now. Terminal tasks are passed over
// silently; tasks with unmet dependencies are marked skipped with a reason.
// current records id as CurrentTaskID; parallel chunks leave it empty since
// several tasks are in flight.
func (o *Orchestrator) claim(id string, current bool) bool {
	o.mu.Lock()
	if o.state.IsTerminal(id) {
		o.mu.Unlock()
		return false
	}
	met, missing := o.graph.DependenciesMet(id, o.state.CompletedSet())
	if met {
		if current {
			o.state.CurrentTaskID = id
		}
		o.mu.Unlock()
		return true
	}

	var failed []string
	for _, dep := range missing {
		if o.state.IsFailed(dep) {
			failed = append(failed, dep)
		}
	}
	reason := "unmet dependencies: " + strings.Join(missing, ", ")
	if len(failed) > 0 {
		reason = "dependency failed: " + strings.Join(failed, ", ")
	}
	o.state.Skip(id, reason)
	o.mu.Unlock()

	task := o.graph.Task(id)
	log.Printf("[orchestrator] skipping %s: %s", id, reason)
	o.emit(Event{Type: EventTaskSkipped, TaskID: id, TaskTitle: task.Title, Message: reason})
	return false
}

// commit merges a finished task into the loop state and persists progress.
// A result arriving after abort is discarded.
func (o *Orchestrator) commit(ctx context.Context, r models.TaskExecutionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.abort.Load() {
		log.Printf("[orchestrator] discarding result for %s: run was cancelled", r.TaskID)
		return
	}

	o.state.Record(r)
	o.results = append(o.results, r)
	if o.state.CurrentTaskID == r.TaskID {
		o.state.CurrentTaskID = ""
	}
	if !r.Success && !o.cfg.ContinueOnFailure {
		o.stopOnFailure.Store(true)
	}

	o.saveCheckpointLocked(ctx)
	o.updateSessionLocked(ctx)
}
