package orchestrator

import (
	"context"
	"log"
	"os"

	"github.com/ShayCichocki/prdloop/internal/checkpoint"
	"github.com/ShayCichocki/prdloop/internal/state"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// Persistence outlives the run's context: a cancelled run still records
// its final status and checkpoint.

// persistEvent is the emitter's sink. Events are written in sequence order.
func (o *Orchestrator) persistEvent(ev Event) {
	if o.eventStore == nil {
		return
	}
	if _, err := o.eventStore.AppendEvent(context.Background(), o.cfg.SessionID, ev, ev.Timestamp); err != nil {
		log.Printf("[orchestrator] persist event %d: %v", ev.Seq, err)
		o.noteStorageError(err)
	}
}

// createSession records the run, or refreshes it when resuming an existing session.
func (o *Orchestrator) createSession(ctx context.Context) {
	if o.sessions == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	existing, err := o.sessions.GetSession(ctx, o.cfg.SessionID)
	if err != nil {
		log.Printf("[orchestrator] load session %s: %v", o.cfg.SessionID, err)
		o.noteStorageError(err)
		return
	}
	if existing != nil {
		o.updateSession(ctx)
		return
	}

	o.mu.Lock()
	st := o.sessionStateLocked()
	o.mu.Unlock()
	err = o.sessions.CreateSession(ctx, &state.Session{
		ID:    o.cfg.SessionID,
		App:   state.AppName,
		User:  currentUser(),
		State: st,
	})
	if err != nil {
		log.Printf("[orchestrator] create session %s: %v", o.cfg.SessionID, err)
		o.noteStorageError(err)
	}
}

func (o *Orchestrator) updateSession(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updateSessionLocked(ctx)
}

func (o *Orchestrator) updateSessionLocked(ctx context.Context) {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.UpdateSessionState(context.WithoutCancel(ctx), o.cfg.SessionID, o.sessionStateLocked()); err != nil {
		log.Printf("[orchestrator] update session %s: %v", o.cfg.SessionID, err)
		o.noteStorageError(err)
	}
}

func (o *Orchestrator) sessionStateLocked() state.SessionState {
	return state.SessionState{
		Status:         state.SessionStatus(o.state.Status),
		Project:        o.spec.Project,
		SpecPath:       o.cfg.SpecPath,
		TotalTasks:     len(o.spec.Tasks),
		CompletedTasks: len(o.state.CompletedTasks),
		FailedTasks:    len(o.state.FailedTasks),
		TotalCostUSD:   o.state.TotalCostUSD,
		TotalTokens:    o.state.TotalTokensUsed,
		Error:          o.runErr,
	}
}

// saveCheckpointLocked upserts the session's checkpoint. A failed write
// leaves the in-memory state untouched.
func (o *Orchestrator) saveCheckpointLocked(ctx context.Context) {
	if o.checkpoints == nil || !o.cfg.EnableCheckpoints {
		return
	}
	cp := &checkpoint.Checkpoint{
		SessionID: o.cfg.SessionID,
		SpecPath:  o.cfg.SpecPath,
		SpecHash:  o.cfg.SpecHash,
		State:     o.state.Clone(),
		Results:   append([]models.TaskExecutionResult(nil), o.results...),
		Config:    o.cfg.CheckpointConfig(),
	}
	if err := o.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
		log.Printf("[orchestrator] save checkpoint: %v", err)
		o.noteStorageErrorLocked(err)
		return
	}
	o.logger.Log("[checkpoint] saved %s: %d completed, %d failed", cp.ID, len(cp.State.CompletedTasks), len(cp.State.FailedTasks))
}

// clearCheckpoint deletes the checkpoint of a completed run.
func (o *Orchestrator) clearCheckpoint(ctx context.Context) {
	if o.checkpoints == nil || !o.cfg.EnableCheckpoints {
		return
	}
	if err := o.checkpoints.Clear(context.WithoutCancel(ctx), checkpoint.IDFor(o.cfg.SessionID)); err != nil {
		log.Printf("[orchestrator] clear checkpoint: %v", err)
	}
}

// noteStorageError promotes database corruption to a run failure. Other
// storage errors only fail the write that hit them.
func (o *Orchestrator) noteStorageError(err error) {
	if !state.IsCorruption(err) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.noteStorageErrorLocked(err)
}

func (o *Orchestrator) noteStorageErrorLocked(err error) {
	if !state.IsCorruption(err) {
		return
	}
	if o.storageFatal.CompareAndSwap(false, true) {
		o.runErr = "state storage is corrupt: " + err.Error()
		log.Printf("[orchestrator] %s", o.runErr)
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
