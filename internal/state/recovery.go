package state

import (
	"context"
	"time"
)

// ResumableSession is an unfinished session that still has a checkpoint.
type ResumableSession struct {
	SessionID    string
	SpecPath     string
	Status       SessionStatus
	Completed    int
	Total        int
	StartedAt    time.Time
	LastActivity time.Time
}

// ListResumable returns non-terminal sessions, and failed or cancelled ones,
// that still have a checkpoint. Completed runs clear their checkpoint, so
// they never show up here. Most recent first.
func (db *DB) ListResumable(ctx context.Context) ([]ResumableSession, error) {
	sessions, err := db.ListSessions(ctx, 0)
	if err != nil {
		return nil, err
	}

	var out []ResumableSession
	for _, s := range sessions {
		if s.State.Status == SessionCompleted {
			continue
		}
		cp, err := db.LatestCheckpointForSession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			continue
		}
		last := s.UpdatedAt
		if cp.UpdatedAt.After(last) {
			last = cp.UpdatedAt
		}
		out = append(out, ResumableSession{
			SessionID:    s.ID,
			SpecPath:     cp.SpecPath,
			Status:       s.State.Status,
			Completed:    s.State.CompletedTasks,
			Total:        s.State.TotalTasks,
			StartedAt:    s.CreatedAt,
			LastActivity: last,
		})
	}
	return out, nil
}
