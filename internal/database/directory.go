package database

import (
	"context"
	"database/sql"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/models"
)

// --- Users, tasks and allocations ---

func (db *DB) UpsertUser(ctx context.Context, u models.User) error {
	role := u.Role
	if role == "" {
		role = "member"
	}
	var allowed any
	if u.AllowedDailyHours != nil {
		allowed = *u.AllowedDailyHours
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, name, role, allowed_daily_hours)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			allowed_daily_hours = excluded.allowed_daily_hours
	`, u.ID, u.Name, role, allowed)
	return classify("upsert user", err)
}

func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	var allowed sql.NullFloat64
	err := db.QueryRowContext(ctx,
		`SELECT id, name, role, allowed_daily_hours FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Role, &allowed)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeNotFound, "user %s", id)
	}
	if err != nil {
		return nil, classify("get user", err)
	}
	if allowed.Valid {
		u.AllowedDailyHours = &allowed.Float64
	}
	return &u, nil
}

// UserRole returns the stored role, or "member" for unknown users.
func (db *DB) UserRole(ctx context.Context, id string) (string, error) {
	var role string
	err := db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, id).Scan(&role)
	if err == sql.ErrNoRows {
		return "member", nil
	}
	return role, classify("get user role", err)
}

func (db *DB) UpsertTask(ctx context.Context, t models.Task) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, owner_id, project_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_id = excluded.owner_id,
			project_id = excluded.project_id
	`, t.ID, t.Name, t.OwnerID, t.ProjectID)
	return classify("upsert task", err)
}

func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	err := db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, project_id FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.OwnerID, &t.ProjectID)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeNotFound, "task %s", id)
	}
	if err != nil {
		return nil, classify("get task", err)
	}
	return &t, nil
}

func (db *DB) UpsertAllocation(ctx context.Context, a models.Allocation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO allocations (project_id, user_id, active)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id, user_id) DO UPDATE SET active = excluded.active
	`, a.ProjectID, a.UserID, sqlValue(a.Active))
	return classify("upsert allocation", err)
}

func (db *DB) GetAllocations(ctx context.Context, projectID string) ([]models.Allocation, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT project_id, user_id, active FROM allocations WHERE project_id = ? ORDER BY user_id`, projectID)
	if err != nil {
		return nil, classify("get allocations", err)
	}
	defer rows.Close()

	var allocs []models.Allocation
	for rows.Next() {
		var a models.Allocation
		var active int
		if err := rows.Scan(&a.ProjectID, &a.UserID, &active); err != nil {
			return nil, classify("scan allocation", err)
		}
		a.Active = active == 1
		allocs = append(allocs, a)
	}
	return allocs, classify("get allocations", rows.Err())
}
