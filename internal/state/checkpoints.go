package state

import (
	"context"
	"time"
)

// CheckpointRow is the raw checkpoints row. The state, task_results and
// config columns hold JSON documents owned by the checkpoint package.
type CheckpointRow struct {
	ID          string
	SessionID   string
	SpecPath    string
	SpecHash    string
	State       []byte
	TaskResults []byte
	Config      []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const checkpointColumns = `id, session_id, spec_path, spec_hash, state, task_results, config, created_at, updated_at`

// UpsertCheckpoint inserts or replaces a checkpoint by id.
// created_at is kept from the first write; updated_at is always refreshed.
func (db *DB) UpsertCheckpoint(ctx context.Context, row *CheckpointRow) error {
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	_, err := db.Exec(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			spec_path = excluded.spec_path,
			spec_hash = excluded.spec_hash,
			state = excluded.state,
			task_results = excluded.task_results,
			config = excluded.config,
			updated_at = excluded.updated_at
	`, row.ID, row.SessionID, row.SpecPath, row.SpecHash,
		string(row.State), string(row.TaskResults), string(row.Config),
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt))
	return storageErr("save checkpoint", err)
}

// GetCheckpoint returns the checkpoint with the given id, or nil, nil.
func (db *DB) GetCheckpoint(ctx context.Context, id string) (*CheckpointRow, error) {
	return db.oneCheckpoint(ctx, "get checkpoint",
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
}

// LatestCheckpointForSpec returns the most recently updated checkpoint for specPath, or nil, nil.
func (db *DB) LatestCheckpointForSpec(ctx context.Context, specPath string) (*CheckpointRow, error) {
	return db.oneCheckpoint(ctx, "load checkpoint",
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE spec_path = ?
		 ORDER BY updated_at DESC LIMIT 1`, specPath)
}

// LatestCheckpointForSession returns the most recently updated checkpoint for a session, or nil, nil.
func (db *DB) LatestCheckpointForSession(ctx context.Context, sessionID string) (*CheckpointRow, error) {
	return db.oneCheckpoint(ctx, "load checkpoint by session",
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, sessionID)
}

func (db *DB) oneCheckpoint(ctx context.Context, op, query string, arg string) (*CheckpointRow, error) {
	row, err := scanCheckpoint(db.QueryRow(ctx, query, arg))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(op, err)
	}
	return row, nil
}

// DeleteCheckpoint removes a checkpoint by id. Deleting a missing id is not an error.
func (db *DB) DeleteCheckpoint(ctx context.Context, id string) error {
	_, err := db.Exec(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	return storageErr("clear checkpoint", err)
}

// DeleteCheckpointsBefore removes checkpoints not updated since cutoff.
// It returns the number deleted.
func (db *DB) DeleteCheckpointsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.Exec(ctx, "DELETE FROM checkpoints WHERE updated_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, storageErr("sweep checkpoints", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("sweep checkpoints", err)
	}
	return n, nil
}

// ListCheckpoints returns every checkpoint, most recently updated first.
func (db *DB) ListCheckpoints(ctx context.Context) ([]CheckpointRow, error) {
	rows, err := db.Query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, storageErr("list checkpoints", err)
	}
	defer rows.Close()

	var out []CheckpointRow
	for rows.Next() {
		row, err := scanCheckpoint(rows)
		if err != nil {
			return nil, storageErr("list checkpoints", err)
		}
		out = append(out, *row)
	}
	return out, storageErr("list checkpoints", rows.Err())
}

func scanCheckpoint(row rowScanner) (*CheckpointRow, error) {
	var c CheckpointRow
	var st, results, cfg, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.SessionID, &c.SpecPath, &c.SpecHash, &st, &results, &cfg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.State = []byte(st)
	c.TaskResults = []byte(results)
	c.Config = []byte(cfg)
	c.CreatedAt, _ = parseTime(createdAt)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}
