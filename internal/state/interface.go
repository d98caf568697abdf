package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/prdloop/internal/router"
)

// SessionStore handles session persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionState(ctx context.Context, id string, st SessionState) error
	ListSessions(ctx context.Context, limit int) ([]Session, error)
}

// EventStore appends to and reads the event log.
type EventStore interface {
	AppendEvent(ctx context.Context, sessionID string, payload any, at time.Time) (string, error)
	ListEvents(ctx context.Context, sessionID string) ([]EventRecord, error)
}

// CheckpointStore handles raw checkpoint rows.
type CheckpointStore interface {
	UpsertCheckpoint(ctx context.Context, row *CheckpointRow) error
	GetCheckpoint(ctx context.Context, id string) (*CheckpointRow, error)
	LatestCheckpointForSpec(ctx context.Context, specPath string) (*CheckpointRow, error)
	LatestCheckpointForSession(ctx context.Context, sessionID string) (*CheckpointRow, error)
	DeleteCheckpoint(ctx context.Context, id string) error
	DeleteCheckpointsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListCheckpoints(ctx context.Context) ([]CheckpointRow, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence surface used by the orchestrator and CLI.
type Store interface {
	io.Closer
	Migrator
	SessionStore
	EventStore
	CheckpointStore
	router.HistoryStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store               = (*DB)(nil)
	_ SessionStore        = (*DB)(nil)
	_ EventStore          = (*DB)(nil)
	_ CheckpointStore     = (*DB)(nil)
	_ router.HistoryStore = (*DB)(nil)
)
