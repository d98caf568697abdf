package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppName is stored in every session row.
const AppName = "prdloop"

// SessionStatus mirrors the run's loop status.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether a session with this status can no longer run.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// SessionState is the JSON document kept in the sessions.state column.
type SessionState struct {
	Status         SessionStatus `json:"status"`
	Project        string        `json:"project,omitempty"`
	SpecPath       string        `json:"spec_path,omitempty"`
	TotalTasks     int           `json:"total_tasks,omitempty"`
	CompletedTasks int           `json:"completed_tasks,omitempty"`
	FailedTasks    int           `json:"failed_tasks,omitempty"`
	TotalCostUSD   float64       `json:"total_cost_usd,omitempty"`
	TotalTokens    int64         `json:"total_tokens,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Session is one orchestration run.
type Session struct {
	ID        string       `json:"id"`
	App       string       `json:"app"`
	User      string       `json:"user"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CreateSession inserts a new session. Zero timestamps are set to now.
func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	if s.App == "" {
		s.App = AppName
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	stateJSON, err := json.Marshal(s.State)
	if err != nil {
		return storageErr("create session", fmt.Errorf("marshal state: %w", err))
	}

	_, err = db.Exec(ctx, `
		INSERT INTO sessions (id, app, user, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.App, s.User, string(stateJSON), formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return storageErr("create session", err)
}

// GetSession retrieves a session by ID. It returns nil, nil if not found.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.QueryRow(ctx, `
		SELECT id, app, user, state, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	s, err := scanSession(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return s, nil
}

// UpdateSessionState replaces a session's state document and bumps updated_at.
func (db *DB) UpdateSessionState(ctx context.Context, id string, st SessionState) error {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return storageErr("update session", fmt.Errorf("marshal state: %w", err))
	}
	res, err := db.Exec(ctx, `
		UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?
	`, string(stateJSON), formatTime(time.Now()), id)
	if err != nil {
		return storageErr("update session", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storageErr("update session", fmt.Errorf("session %s not found", id))
	}
	return nil
}

// ListSessions returns sessions, most recently updated first.
// A limit of zero returns all of them.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := `
		SELECT id, app, user, state, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("list sessions", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, storageErr("list sessions", rows.Err())
}

// DeleteSession removes a session and its events.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE session_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
		return err
	})
	return storageErr("delete session", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var stateJSON, createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.App, &s.User, &stateJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &s.State); err != nil {
		return nil, fmt.Errorf("decode session %s state: %w", s.ID, err)
	}
	s.CreatedAt, _ = parseTime(createdAt)
	s.UpdatedAt, _ = parseTime(updatedAt)
	return &s, nil
}
