// Package directory resolves tasks, users and project allocations owned by
// external systems.
package directory

import (
	"context"

	"github.com/charlie0129/timelog-core/internal/database"
	"github.com/charlie0129/timelog-core/internal/models"
)

type Directory interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetActiveAllocations(ctx context.Context, projectID string) ([]models.Allocation, error)
}

// Local serves the directory from the database tables.
type Local struct {
	db *database.DB
}

func NewLocal(db *database.DB) *Local {
	return &Local{db: db}
}

func (l *Local) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return l.db.GetTask(ctx, id)
}

func (l *Local) GetUser(ctx context.Context, id string) (*models.User, error) {
	return l.db.GetUser(ctx, id)
}

// GetActiveAllocations returns only the active allocations of the project.
func (l *Local) GetActiveAllocations(ctx context.Context, projectID string) ([]models.Allocation, error) {
	all, err := l.db.GetAllocations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return activeOnly(all), nil
}

func activeOnly(all []models.Allocation) []models.Allocation {
	active := all[:0]
	for _, a := range all {
		if a.Active {
			active = append(active, a)
		}
	}
	return active
}

// IsAllocated reports whether userID holds an active allocation on projectID.
func IsAllocated(ctx context.Context, d Directory, projectID, userID string) (bool, error) {
	allocs, err := d.GetActiveAllocations(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, a := range allocs {
		if a.UserID == userID && a.Active {
			return true, nil
		}
	}
	return false, nil
}
