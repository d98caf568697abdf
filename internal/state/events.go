package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventRecord is one persisted orchestration event.
type EventRecord struct {
	ID        string
	SessionID string
	Payload   json.RawMessage
	Timestamp time.Time
}

// AppendEvent stores payload as JSON under the session.
// The timestamp defaults to now.
func (db *DB) AppendEvent(ctx context.Context, sessionID string, payload any, at time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", storageErr("append event", fmt.Errorf("marshal payload: %w", err))
	}
	if at.IsZero() {
		at = time.Now()
	}
	id := uuid.NewString()
	_, err = db.Exec(ctx, `
		INSERT INTO events (id, session_id, payload, timestamp)
		VALUES (?, ?, ?, ?)
	`, id, sessionID, string(data), formatTime(at))
	if err != nil {
		return "", storageErr("append event", err)
	}
	return id, nil
}

// ListEvents returns a session's events in insertion order.
func (db *DB) ListEvents(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT id, session_id, payload, timestamp
		FROM events WHERE session_id = ?
		ORDER BY rowid
	`, sessionID)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload, ts string
		if err := rows.Scan(&e.ID, &e.SessionID, &payload, &ts); err != nil {
			return nil, storageErr("list events", err)
		}
		e.Payload = json.RawMessage(payload)
		e.Timestamp, _ = parseTime(ts)
		events = append(events, e)
	}
	return events, storageErr("list events", rows.Err())
}

// CountEvents returns how many events a session has.
func (db *DB) CountEvents(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM events WHERE session_id = ?", sessionID).Scan(&n)
	return n, storageErr("count events", err)
}
