// Package timelog persists and normalizes time log records.
package timelog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/compat"
	"github.com/charlie0129/timelog-core/internal/database"
	"github.com/charlie0129/timelog-core/internal/keylock"
	"github.com/charlie0129/timelog-core/internal/models"
)

// Filter selects logs for List.
type Filter = database.LogFilter

// ChangeFunc is called once per (user, date) pair touched by a mutation.
type ChangeFunc func(ctx context.Context, userID, date string)

// CreateInput carries the fields of a new log.
type CreateInput struct {
	TaskID          string           `json:"task_id"`
	ProjectID       string           `json:"project_id"`
	UserID          string           `json:"user_id"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	LogDate         string           `json:"log_date,omitempty"`
	DurationMinutes float64          `json:"duration_minutes,omitempty"`
	EntryType       models.EntryType `json:"entry_type,omitempty"`
	ActivityNote    string           `json:"activity_note,omitempty"`
	Observation     string           `json:"observation,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	TaskID          *string                `json:"task_id,omitempty"`
	ProjectID       *string                `json:"project_id,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
	LogDate         *string                `json:"log_date,omitempty"`
	DurationMinutes *float64               `json:"duration_minutes,omitempty"`
	EntryType       *models.EntryType      `json:"entry_type,omitempty"`
	ApprovalStatus  *models.ApprovalStatus `json:"approval_status,omitempty"`
	RejectionReason *string                `json:"rejection_reason,omitempty"`
	Commissioned    *bool                  `json:"commissioned,omitempty"`
	ActivityNote    *string                `json:"activity_note,omitempty"`
	Observation     *string                `json:"observation,omitempty"`
}

type Store struct {
	db     *database.DB
	bridge *compat.Bridge
	loc    *time.Location
	locks  *keylock.Map

	// Now is the clock used for created/updated stamps.
	Now func() time.Time

	mu    sync.RWMutex
	hooks []ChangeFunc
}

func NewStore(db *database.DB, bridge *compat.Bridge, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{
		db:     db,
		bridge: bridge,
		loc:    loc,
		locks:  keylock.New(),
		Now:    time.Now,
	}
}

// OnChange registers fn to run after every successful mutation.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// storesLogDate reports whether writes keep an explicit log_date.
func (s *Store) storesLogDate() bool {
	return !s.bridge.Legacy() && s.db.HasColumn("log_date")
}

// Location is the calendar-day zone used for bucketing.
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) notify(ctx context.Context, logs ...*models.TimeLog) {
	s.mu.RLock()
	hooks := append([]ChangeFunc(nil), s.hooks...)
	s.mu.RUnlock()

	seen := make(map[[2]string]bool)
	for _, l := range logs {
		if l == nil {
			continue
		}
		key := [2]string{l.UserID, l.BucketDate(s.loc)}
		if key[1] == "" || seen[key] {
			continue
		}
		seen[key] = true
		for _, fn := range hooks {
			fn(ctx, key[0], key[1])
		}
	}
}

// --- Reads ---

func (s *Store) Get(ctx context.Context, id string) (*models.TimeLog, error) {
	return s.db.GetTimeLog(ctx, id)
}

func (s *Store) List(ctx context.Context, f Filter) ([]models.TimeLog, error) {
	return s.db.ListTimeLogs(ctx, f)
}

// FindOpen returns the open log for the pair, or nil.
func (s *Store) FindOpen(ctx context.Context, taskID, userID string) (*models.TimeLog, error) {
	return s.db.GetOpenTimeLog(ctx, taskID, userID)
}

// ListForDay returns the user's logs bucketed on date.
func (s *Store) ListForDay(ctx context.Context, userID, date string) ([]models.TimeLog, error) {
	logs, err := s.ListRange(ctx, userID, date, date)
	if err != nil {
		return nil, err
	}
	out := logs[:0]
	for _, l := range logs {
		if l.BucketDate(s.loc) == date {
			out = append(out, l)
		}
	}
	return out, nil
}

// ListRange returns logs that may bucket into [from, to]. Callers filter
// by BucketDate; the query window is widened by a day on each side.
func (s *Store) ListRange(ctx context.Context, userID, from, to string) ([]models.TimeLog, error) {
	start, err := time.ParseInLocation(models.DateLayout, from, s.loc)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid date "+from, err)
	}
	end, err := time.ParseInLocation(models.DateLayout, to, s.loc)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid date "+to, err)
	}
	wideFrom := start.AddDate(0, 0, -1)
	wideTo := end.AddDate(0, 0, 2)

	return s.db.ListTimeLogs(ctx, Filter{
		UserID:   userID,
		From:     &wideFrom,
		To:       &wideTo,
		DateFrom: from,
		DateTo:   to,
	})
}

// --- Mutations ---

func (s *Store) Create(ctx context.Context, in CreateInput) (*models.TimeLog, error) {
	in.TaskID = strings.TrimSpace(in.TaskID)
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.UserID = strings.TrimSpace(in.UserID)
	if in.TaskID == "" || in.ProjectID == "" || in.UserID == "" {
		return nil, apperr.New(apperr.CodeValidation, "task_id, project_id and user_id are required")
	}
	if in.EntryType == "" {
		in.EntryType = models.EntryManual
		if in.EndedAt == nil && in.StartedAt != nil {
			in.EntryType = models.EntryTimer
		}
	}
	if !in.EntryType.Valid() {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid entry type %q", in.EntryType)
	}
	if in.StartedAt == nil && in.EndedAt == nil && in.LogDate == "" {
		return nil, apperr.New(apperr.CodeValidation, "started_at, ended_at or log_date is required")
	}
	if in.StartedAt == nil && in.EndedAt == nil && !s.storesLogDate() {
		// without a log_date column the date would be lost
		return nil, apperr.New(apperr.CodeValidation, "started_at or ended_at is required on this schema")
	}
	if in.EndedAt != nil && in.StartedAt == nil && in.DurationMinutes <= 0 {
		return nil, apperr.New(apperr.CodeValidation, "a closed log needs started_at or duration_minutes")
	}
	if in.LogDate != "" {
		if _, err := time.Parse(models.DateLayout, in.LogDate); err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, "invalid log_date", err)
		}
	}

	now := s.Now()
	l := &models.TimeLog{
		ID:              uuid.NewString(),
		TaskID:          in.TaskID,
		ProjectID:       in.ProjectID,
		UserID:          in.UserID,
		StartedAt:       in.StartedAt,
		EndedAt:         in.EndedAt,
		LogDate:         in.LogDate,
		EntryType:       in.EntryType,
		ApprovalStatus:  models.StatusPending,
		ActivityNote:    in.ActivityNote,
		Observation:     in.Observation,
		CreatedAt:       now,
		UpdatedAt:       now,
		DurationMinutes: models.ComputeDuration(in.StartedAt, in.EndedAt, in.DurationMinutes),
	}
	if l.Open() && l.StartedAt != nil {
		l.DurationMinutes = 0
	}
	if l.LogDate == "" {
		l.LogDate = l.BucketDate(s.loc)
	}

	payload := compat.Payload{
		"id":               l.ID,
		"task_id":          l.TaskID,
		"project_id":       l.ProjectID,
		"user_id":          l.UserID,
		"started_at":       l.StartedAt,
		"ended_at":         l.EndedAt,
		"log_date":         l.LogDate,
		"duration_minutes": l.DurationMinutes,
		"entry_type":       l.EntryType,
		"approval_status":  l.ApprovalStatus,
		"approver_id":      nil,
		"approver_name":    nil,
		"approved_at_date": nil,
		"approved_at_time": nil,
		"rejection_reason": nil,
		"commissioned":     false,
		"activity_note":    l.ActivityNote,
		"observation":      l.Observation,
		"created_at":       l.CreatedAt,
		"updated_at":       l.UpdatedAt,
	}
	if err := s.bridge.Write(ctx, compat.KindTimeLog, payload, s.insert); err != nil {
		return nil, err
	}

	slog.Debug("time log created", "log_id", l.ID, "task_id", l.TaskID, "user_id", l.UserID, "open", l.Open())
	s.notify(ctx, l)
	return s.db.GetTimeLog(ctx, l.ID)
}

func (s *Store) insert(ctx context.Context, p compat.Payload) error {
	return s.db.InsertTimeLog(ctx, p)
}

func (s *Store) updater(id string) compat.WriteFunc {
	return func(ctx context.Context, p compat.Payload) error {
		return s.db.UpdateTimeLog(ctx, id, p)
	}
}

// Update merges p into the log. A rejection reason is only accepted
// together with status rejected in the same call.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*models.TimeLog, error) {
	if p.RejectionReason != nil && strings.TrimSpace(*p.RejectionReason) != "" &&
		(p.ApprovalStatus == nil || *p.ApprovalStatus != models.StatusRejected) {
		return nil, apperr.New(apperr.CodeValidation, "rejection_reason requires approval_status rejected")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	before, err := s.db.GetTimeLog(ctx, id)
	if err != nil {
		return nil, err
	}
	after := *before
	fields := compat.Payload{}

	if p.TaskID != nil {
		if strings.TrimSpace(*p.TaskID) == "" {
			return nil, apperr.New(apperr.CodeValidation, "task_id cannot be empty")
		}
		after.TaskID = *p.TaskID
		fields["task_id"] = after.TaskID
	}
	if p.ProjectID != nil {
		if strings.TrimSpace(*p.ProjectID) == "" {
			return nil, apperr.New(apperr.CodeValidation, "project_id cannot be empty")
		}
		after.ProjectID = *p.ProjectID
		fields["project_id"] = after.ProjectID
	}
	if p.EntryType != nil {
		if !p.EntryType.Valid() {
			return nil, apperr.Newf(apperr.CodeValidation, "invalid entry type %q", *p.EntryType)
		}
		after.EntryType = *p.EntryType
		fields["entry_type"] = after.EntryType
	}
	if p.LogDate != nil {
		if *p.LogDate != "" {
			if _, err := time.Parse(models.DateLayout, *p.LogDate); err != nil {
				return nil, apperr.Wrap(apperr.CodeValidation, "invalid log_date", err)
			}
		}
		after.LogDate = *p.LogDate
		fields["log_date"] = after.LogDate
	}
	if p.ActivityNote != nil {
		after.ActivityNote = *p.ActivityNote
		fields["activity_note"] = after.ActivityNote
	}
	if p.Observation != nil {
		after.Observation = *p.Observation
		fields["observation"] = after.Observation
	}

	timingChanged := false
	if p.StartedAt != nil {
		after.StartedAt = p.StartedAt
		fields["started_at"] = after.StartedAt
		timingChanged = true
	}
	if p.EndedAt != nil {
		after.EndedAt = p.EndedAt
		fields["ended_at"] = after.EndedAt
		timingChanged = true
	}
	if p.DurationMinutes != nil {
		after.DurationMinutes = *p.DurationMinutes
		timingChanged = true
	}
	if timingChanged {
		after.DurationMinutes = models.ComputeDuration(after.StartedAt, after.EndedAt, after.DurationMinutes)
		fields["duration_minutes"] = after.DurationMinutes
		// a moved start re-buckets the log unless a date was given explicitly
		if p.StartedAt != nil && p.LogDate == nil && after.StartedAt != nil {
			after.LogDate = after.StartedAt.In(s.loc).Format(models.DateLayout)
			fields["log_date"] = after.LogDate
		}
	}

	if p.ApprovalStatus != nil {
		status := *p.ApprovalStatus
		if !status.Valid() {
			return nil, apperr.Newf(apperr.CodeValidation, "invalid approval status %q", status)
		}
		after.ApprovalStatus = status
		fields["approval_status"] = status
		switch status {
		case models.StatusRejected:
			reason := ""
			if p.RejectionReason != nil {
				reason = strings.TrimSpace(*p.RejectionReason)
			}
			if reason == "" {
				return nil, apperr.ErrMissingJustification
			}
			after.RejectionReason = reason
			fields["rejection_reason"] = reason
		default:
			after.RejectionReason = ""
			fields["rejection_reason"] = nil
		}
	}
	if p.Commissioned != nil {
		after.Commissioned = *p.Commissioned
	}
	if after.ApprovalStatus != models.StatusApproved {
		after.Commissioned = false
	}
	if p.Commissioned != nil || after.Commissioned != before.Commissioned {
		fields["commissioned"] = after.Commissioned
	}

	if len(fields) == 0 {
		return before, nil
	}
	fields["updated_at"] = s.Now()

	if err := s.bridge.Write(ctx, compat.KindTimeLog, fields, s.updater(id)); err != nil {
		return nil, err
	}

	s.notify(ctx, before, &after)
	return s.db.GetTimeLog(ctx, id)
}

// Finalize closes an open log at endedAt.
func (s *Store) Finalize(ctx context.Context, id string, endedAt time.Time) (*models.TimeLog, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	l, err := s.db.GetTimeLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.Open() {
		return nil, apperr.Newf(apperr.CodeAlreadyClosed, "time log %s already closed", id)
	}

	l.EndedAt = &endedAt
	l.DurationMinutes = models.ComputeDuration(l.StartedAt, l.EndedAt, l.DurationMinutes)
	fields := compat.Payload{
		"ended_at":         l.EndedAt,
		"duration_minutes": l.DurationMinutes,
		"updated_at":       s.Now(),
	}
	if err := s.bridge.Write(ctx, compat.KindTimeLog, fields, s.updater(id)); err != nil {
		return nil, err
	}

	slog.Debug("time log finalized", "log_id", id, "duration_minutes", l.DurationMinutes)
	s.notify(ctx, l)
	return s.db.GetTimeLog(ctx, id)
}

// Delete removes a log; false means it did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	l, err := s.db.GetTimeLog(ctx, id)
	if apperr.Is(err, apperr.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	deleted, err := s.db.DeleteTimeLog(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}

	s.notify(ctx, l)
	return true, nil
}

// Refresh re-reads a log written outside the store and runs the change
// hooks for it.
func (s *Store) Refresh(ctx context.Context, id string) (*models.TimeLog, error) {
	l, err := s.db.GetTimeLog(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, l)
	return l, nil
}

// Lock serializes callers working on log id, for writes made outside
// the store such as approval transitions.
func (s *Store) Lock(id string) func() {
	return s.locks.Lock(id)
}
