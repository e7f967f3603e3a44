package database

import (
	"context"
	"time"

	"github.com/charlie0129/timelog-core/internal/models"
)

// --- Running timer registry ---

// PutRunningTimer records a running timer; the latest write wins.
func (db *DB) PutRunningTimer(ctx context.Context, r models.RunningTimer) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO running_timers (task_id, user_id, started_at_ms, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, user_id) DO UPDATE SET
			started_at_ms = excluded.started_at_ms,
			updated_at = excluded.updated_at
	`, r.TaskID, r.UserID, r.StartedAtMs, formatTimestamp(r.UpdatedAt))
	return classify("put running timer", err)
}

func (db *DB) DeleteRunningTimer(ctx context.Context, taskID, userID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM running_timers WHERE task_id = ? AND user_id = ?`, taskID, userID)
	return classify("delete running timer", err)
}

// GetRunningTimer returns the entry for the pair, or nil.
func (db *DB) GetRunningTimer(ctx context.Context, taskID, userID string) (*models.RunningTimer, error) {
	timers, err := db.queryRunningTimers(ctx,
		`WHERE task_id = ? AND user_id = ?`, taskID, userID)
	if err != nil || len(timers) == 0 {
		return nil, err
	}
	return &timers[0], nil
}

// ListRunningTimers lists entries; an empty taskID lists all.
func (db *DB) ListRunningTimers(ctx context.Context, taskID string) ([]models.RunningTimer, error) {
	if taskID == "" {
		return db.queryRunningTimers(ctx, "")
	}
	return db.queryRunningTimers(ctx, `WHERE task_id = ?`, taskID)
}

func (db *DB) queryRunningTimers(ctx context.Context, where string, args ...any) ([]models.RunningTimer, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT task_id, user_id, started_at_ms, updated_at
		FROM running_timers `+where+`
		ORDER BY task_id, user_id
	`, args...)
	if err != nil {
		return nil, classify("list running timers", err)
	}
	defer rows.Close()

	var timers []models.RunningTimer
	for rows.Next() {
		var r models.RunningTimer
		var updatedAt string
		if err := rows.Scan(&r.TaskID, &r.UserID, &r.StartedAtMs, &updatedAt); err != nil {
			return nil, classify("scan running timer", err)
		}
		r.UpdatedAt = parseTimestamp(updatedAt)
		timers = append(timers, r)
	}
	return timers, classify("list running timers", rows.Err())
}
