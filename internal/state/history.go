package state

import (
	"context"
	"time"

	"github.com/ShayCichocki/prdloop/internal/router"
)

// RecordRouting appends one routed attempt to routing_history.
func (db *DB) RecordRouting(ctx context.Context, rec router.AttemptRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := db.Exec(ctx, `
		INSERT INTO routing_history (task_signature, task_id, model, success, cost, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Signature, rec.TaskID, rec.Model, success, rec.CostUSD, formatTime(at))
	return storageErr("record routing", err)
}

// RoutingStats aggregates routing_history per model for one task signature.
func (db *DB) RoutingStats(ctx context.Context, signature string) ([]router.ModelStats, error) {
	rows, err := db.Query(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(cost), 0)
		FROM routing_history
		WHERE task_signature = ?
		GROUP BY model
		ORDER BY model
	`, signature)
	if err != nil {
		return nil, storageErr("routing stats", err)
	}
	defer rows.Close()

	var stats []router.ModelStats
	for rows.Next() {
		var s router.ModelStats
		if err := rows.Scan(&s.Model, &s.Attempts, &s.Successes, &s.AvgCostUSD); err != nil {
			return nil, storageErr("routing stats", err)
		}
		stats = append(stats, s)
	}
	return stats, storageErr("routing stats", rows.Err())
}

// PurgeRoutingHistory deletes history older than the given duration.
func (db *DB) PurgeRoutingHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := db.Exec(ctx, "DELETE FROM routing_history WHERE timestamp < ?", formatTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, storageErr("purge routing history", err)
	}
	n, err := res.RowsAffected()
	return n, storageErr("purge routing history", err)
}
