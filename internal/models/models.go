package models

import (
	"time"
)

// DateLayout is the calendar-day key format used throughout the engine.
const DateLayout = "2006-01-02"

// EntryType classifies how a time log was produced
type EntryType string

const (
	EntryManual    EntryType = "manual"
	EntryTimer     EntryType = "timer"
	EntryAutomatic EntryType = "automatic"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryManual, EntryTimer, EntryAutomatic:
		return true
	}
	return false
}

// ApprovalStatus is the approval state of a time log
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// TimeLog represents one record of worked time against a task
type TimeLog struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	ProjectID       string         `json:"project_id"`
	UserID          string         `json:"user_id"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"` // nil while running
	LogDate         string         `json:"log_date,omitempty"`
	DurationMinutes float64        `json:"duration_minutes"`
	EntryType       EntryType      `json:"entry_type"`
	ApprovalStatus  ApprovalStatus `json:"approval_status"`
	ApproverID      string         `json:"approver_id,omitempty"`
	ApproverName    string         `json:"approver_name,omitempty"`
	ApprovedAtDate  string         `json:"approved_at_date,omitempty"`
	ApprovedAtTime  string         `json:"approved_at_time,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	Commissioned    bool           `json:"commissioned"`
	ActivityNote    string         `json:"activity_note,omitempty"`
	Observation     string         `json:"observation,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Open reports whether the log represents a running timer
func (l *TimeLog) Open() bool {
	return l.EndedAt == nil
}

// BucketDate returns the calendar day the log counts toward: the recorded
// log date when present, otherwise the start date in loc.
func (l *TimeLog) BucketDate(loc *time.Location) string {
	if l.LogDate != "" {
		return l.LogDate
	}
	if l.StartedAt != nil {
		return l.StartedAt.In(loc).Format(DateLayout)
	}
	if l.EndedAt != nil {
		return l.EndedAt.In(loc).Format(DateLayout)
	}
	return ""
}

// ComputeDuration derives minutes from the interval, falling back to stored
func ComputeDuration(start, end *time.Time, stored float64) float64 {
	if start != nil && end != nil {
		d := end.Sub(*start).Minutes()
		if d < 0 {
			return 0
		}
		return d
	}
	if stored < 0 {
		return 0
	}
	return stored
}

// DailyUsage is the derived aggregate for one (user, calendar day)
type DailyUsage struct {
	UserID            string    `json:"user_id"`
	Date              string    `json:"date"`
	TotalMinutes      float64   `json:"total_minutes"`
	AllowedDailyHours float64   `json:"allowed_daily_hours"`
	OverUserLimit     bool      `json:"over_user_limit"`
	OverstepMinutes   float64   `json:"overstep_minutes"`
	OverHardCap       bool      `json:"over_hard_cap"`
	LogCount          int       `json:"log_count"`
	ComputedAt        time.Time `json:"computed_at"`
}

// NewDailyUsage fills in the derived flags for a total.
func NewDailyUsage(userID, date string, totalMinutes, allowedHours float64, hardCap time.Duration) DailyUsage {
	allowedMinutes := allowedHours * 60
	u := DailyUsage{
		UserID:            userID,
		Date:              date,
		TotalMinutes:      totalMinutes,
		AllowedDailyHours: allowedHours,
		OverHardCap:       totalMinutes >= hardCap.Minutes(),
	}
	if allowedMinutes <= 0 {
		u.OverUserLimit = totalMinutes > 0
	} else {
		u.OverUserLimit = totalMinutes > allowedMinutes
	}
	if over := totalMinutes - allowedMinutes; over > 0 {
		u.OverstepMinutes = over
	}
	return u
}

// RunningTimer is a registry entry for a timer believed to be running
type RunningTimer struct {
	TaskID      string    `json:"task_id"`
	UserID      string    `json:"user_id"`
	StartedAtMs int64     `json:"started_at_ms"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r RunningTimer) StartedAt() time.Time {
	return time.UnixMilli(r.StartedAtMs)
}

// Task is the external task view consumed by the engine
type Task struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	ProjectID string `json:"project_id,omitempty"`
}

// User is the external user view consumed by the engine
type User struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Role              string   `json:"role,omitempty"`
	AllowedDailyHours *float64 `json:"allowed_daily_hours,omitempty"`
}

// Allocation links a user to a project
type Allocation struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Active    bool   `json:"active"`
}

// Actor is the identity performing an operation
type Actor struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}
