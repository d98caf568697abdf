// Package checkpoint saves and restores run progress so an interrupted run
// can resume where it stopped. Checkpoints are keyed by session and bound to
// the content hash of the PRD they were taken against.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/prdloop/internal/prd"
	"github.com/ShayCichocki/prdloop/internal/state"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// ErrNotFound is returned when a required checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// MismatchError means the PRD changed since the checkpoint was taken.
// The checkpoint must be discarded and the run started fresh.
type MismatchError struct {
	SessionID string
	SpecPath  string
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checkpoint for session %s does not match %s (spec changed since it was saved)",
		e.SessionID, e.SpecPath)
}

// Config is the serializable subset of the run configuration.
type Config struct {
	MaxAttempts             int      `json:"max_attempts"`
	MaxCostUSD              float64  `json:"max_cost_usd"`
	ContinueOnFailure       bool     `json:"continue_on_failure"`
	EnableParallelExecution bool     `json:"enable_parallel_execution"`
	MaxParallelTasks        int      `json:"max_parallel_tasks"`
	QualityGateMode         string   `json:"quality_gate_mode,omitempty"`
	ValidationSteps         []string `json:"validation_steps,omitempty"`
	Backend                 string   `json:"backend,omitempty"`
	Model                   string   `json:"model,omitempty"`
	WorkDir                 string   `json:"work_dir,omitempty"`
}

// Checkpoint is a snapshot of a run after a task finished.
type Checkpoint struct {
	ID        string
	SessionID string
	SpecPath  string
	SpecHash  string
	State     *models.LoopState
	Results   []models.TaskExecutionResult
	Config    Config
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IDFor returns the checkpoint id for a session.
func IDFor(sessionID string) string {
	return "ckpt-" + sessionID
}

// HashFunc computes a spec file's content hash.
type HashFunc func(path string) (string, error)

// Store reads and writes checkpoints.
type Store struct {
	db   state.CheckpointStore
	hash HashFunc
	now  func() time.Time
}

// NewStore creates a checkpoint store over db.
func NewStore(db state.CheckpointStore) *Store {
	return &Store{
		db:   db,
		hash: prd.HashFile,
		now:  time.Now,
	}
}

// Save upserts cp. The id is derived from the session when empty.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.SessionID == "" {
		return &state.StorageError{Op: "save checkpoint", Err: errors.New("checkpoint has no session id")}
	}
	if cp.ID == "" {
		cp.ID = IDFor(cp.SessionID)
	}
	if cp.State == nil {
		cp.State = models.NewLoopState()
	}
	results := cp.Results
	if results == nil {
		results = []models.TaskExecutionResult{}
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return &state.StorageError{Op: "save checkpoint", Err: fmt.Errorf("marshal state: %w", err)}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return &state.StorageError{Op: "save checkpoint", Err: fmt.Errorf("marshal results: %w", err)}
	}
	cfgJSON, err := json.Marshal(cp.Config)
	if err != nil {
		return &state.StorageError{Op: "save checkpoint", Err: fmt.Errorf("marshal config: %w", err)}
	}

	row := &state.CheckpointRow{
		ID:          cp.ID,
		SessionID:   cp.SessionID,
		SpecPath:    cp.SpecPath,
		SpecHash:    cp.SpecHash,
		State:       stateJSON,
		TaskResults: resultsJSON,
		Config:      cfgJSON,
		CreatedAt:   cp.CreatedAt,
	}
	if err := s.db.UpsertCheckpoint(ctx, row); err != nil {
		return err
	}
	cp.CreatedAt = row.CreatedAt
	cp.UpdatedAt = row.UpdatedAt
	return nil
}

// Load returns the most recently updated checkpoint for a spec path, or nil, nil.
func (s *Store) Load(ctx context.Context, specPath string) (*Checkpoint, error) {
	row, err := s.db.LatestCheckpointForSpec(ctx, specPath)
	if err != nil || row == nil {
		return nil, err
	}
	return decode(row)
}

// LoadBySession returns the session's most recent checkpoint, or nil, nil.
func (s *Store) LoadBySession(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row, err := s.db.LatestCheckpointForSession(ctx, sessionID)
	if err != nil || row == nil {
		return nil, err
	}
	return decode(row)
}

// IsValid reports whether the spec file still hashes to the checkpoint's hash.
// An unreadable spec file is treated as a mismatch.
func (s *Store) IsValid(cp *Checkpoint) bool {
	return s.Verify(cp) == nil
}

// Verify returns a *MismatchError when the spec changed since cp was saved.
func (s *Store) Verify(cp *Checkpoint) error {
	actual, err := s.hash(cp.SpecPath)
	if err != nil {
		log.Printf("[checkpoint] cannot hash %s: %v", cp.SpecPath, err)
		actual = ""
	}
	if actual == "" || actual != cp.SpecHash {
		return &MismatchError{
			SessionID: cp.SessionID,
			SpecPath:  cp.SpecPath,
			Expected:  cp.SpecHash,
			Actual:    actual,
		}
	}
	return nil
}

// LoadValid loads the session's checkpoint and verifies it against its spec.
// It returns ErrNotFound when there is none. A stale checkpoint is deleted
// and reported as *MismatchError.
func (s *Store) LoadValid(ctx context.Context, sessionID string) (*Checkpoint, error) {
	cp, err := s.LoadBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err := s.Verify(cp); err != nil {
		if cerr := s.Clear(ctx, cp.ID); cerr != nil {
			log.Printf("[checkpoint] discard stale %s: %v", cp.ID, cerr)
		} else {
			log.Printf("[checkpoint] discarded stale checkpoint %s", cp.ID)
		}
		return nil, err
	}
	return cp, nil
}

// Clear deletes a checkpoint. The runner calls it after a completed run.
func (s *Store) Clear(ctx context.Context, id string) error {
	return s.db.DeleteCheckpoint(ctx, id)
}

// Sweep deletes checkpoints not updated within the retention window.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.db.DeleteCheckpointsBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[checkpoint] swept %d checkpoint(s) older than %s", n, retention)
	}
	return n, nil
}

// List returns every checkpoint, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.db.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := decode(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func decode(row *state.CheckpointRow) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        row.ID,
		SessionID: row.SessionID,
		SpecPath:  row.SpecPath,
		SpecHash:  row.SpecHash,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	cp.State = models.NewLoopState()
	if err := json.Unmarshal(row.State, cp.State); err != nil {
		return nil, &state.StorageError{Op: "load checkpoint", Err: fmt.Errorf("decode state of %s: %w", row.ID, err)}
	}
	if cp.State.SkipReasons == nil {
		cp.State.SkipReasons = map[string]string{}
	}
	if err := json.Unmarshal(row.TaskResults, &cp.Results); err != nil {
		return nil, &state.StorageError{Op: "load checkpoint", Err: fmt.Errorf("decode results of %s: %w", row.ID, err)}
	}
	if len(row.Config) > 0 {
		if err := json.Unmarshal(row.Config, &cp.Config); err != nil {
			return nil, &state.StorageError{Op: "load checkpoint", Err: fmt.Errorf("decode config of %s: %w", row.ID, err)}
		}
	}
	return cp, nil
}
