package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/models"
)

// timeLogColumns is the canonical read order; absent columns are skipped.
var timeLogColumns = []string{
	"id", "task_id", "project_id", "user_id", "started_at", "ended_at", "log_date",
	"duration_minutes", "entry_type", "approval_status", "approver_id", "approver_name",
	"approved_at_date", "approved_at_time", "rejection_reason", "commissioned",
	"activity_note", "observation", "created_at", "updated_at",
}

// LogFilter narrows ListTimeLogs. Zero values mean "any".
type LogFilter struct {
	IDs       []string
	UserID    string
	TaskID    string
	ProjectID string
	Status    models.ApprovalStatus
	OpenOnly  bool
	Closed    bool
	// started_at window, half-open
	From *time.Time
	To   *time.Time
	// recorded log_date window, inclusive; OR-ed with the started_at window
	DateFrom string
	DateTo   string
	Limit    int
}

// --- Time log operations ---

func (db *DB) selectColumns() []string {
	cols := make([]string, 0, len(timeLogColumns))
	for _, c := range timeLogColumns {
		if db.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	return cols
}

func (db *DB) InsertTimeLog(ctx context.Context, fields map[string]any) error {
	keys := sortedKeys(fields)
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = sqlValue(fields[k])
	}
	query := fmt.Sprintf(`INSERT INTO time_logs (%s) VALUES (%s)`,
		strings.Join(keys, ", "), placeholders(len(keys)))

	_, err := db.ExecContext(ctx, query, args...)
	return classify("insert time log", err)
}

// UpdateTimeLog applies a system write with no actor checks.
func (db *DB) UpdateTimeLog(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	keys := sortedKeys(fields)
	sets := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		sets[i] = k + " = ?"
		args = append(args, sqlValue(fields[k]))
	}
	args = append(args, id)

	res, err := db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE time_logs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return classify("update time log", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.Newf(apperr.CodeNotFound, "time log %s", id)
	}
	return nil
}

// UpdateTimeLogFields is the row-level-checked write path: the actor must
// hold an approver role or own the log.
func (db *DB) UpdateTimeLogFields(ctx context.Context, actorID, id string, fields map[string]any) error {
	owner, err := db.timeLogOwner(ctx, id)
	if err != nil {
		return err
	}
	if owner != actorID {
		role, err := db.UserRole(ctx, actorID)
		if err != nil {
			return err
		}
		if !db.IsApproverRole(role) {
			return apperr.Newf(apperr.CodeInsufficientPrivilege, "user %s may not modify time log %s", actorID, id)
		}
	}
	return db.UpdateTimeLog(ctx, id, fields)
}

func (db *DB) timeLogOwner(ctx context.Context, id string) (string, error) {
	var owner string
	err := db.QueryRowContext(ctx, `SELECT user_id FROM time_logs WHERE id = ?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", apperr.Newf(apperr.CodeNotFound, "time log %s", id)
	}
	return owner, classify("get time log owner", err)
}

func (db *DB) DeleteTimeLog(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM time_logs WHERE id = ?`, id)
	if err != nil {
		return false, classify("delete time log", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) GetTimeLog(ctx context.Context, id string) (*models.TimeLog, error) {
	cols := db.selectColumns()
	row := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM time_logs WHERE id = ?`, strings.Join(cols, ", ")), id)
	l, err := scanTimeLog(row, cols)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeNotFound, "time log %s", id)
	}
	if err != nil {
		return nil, classify("get time log", err)
	}
	return l, nil
}

// GetOpenTimeLog returns the open log for the pair, or nil.
func (db *DB) GetOpenTimeLog(ctx context.Context, taskID, userID string) (*models.TimeLog, error) {
	logs, err := db.ListTimeLogs(ctx, LogFilter{TaskID: taskID, UserID: userID, OpenOnly: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}

func (db *DB) ListTimeLogs(ctx context.Context, f LogFilter) ([]models.TimeLog, error) {
	cols := db.selectColumns()
	query := fmt.Sprintf(`SELECT %s FROM time_logs WHERE 1=1`, strings.Join(cols, ", "))
	var args []any

	if len(f.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(f.IDs)) + `)`
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND approval_status = ?`
		args = append(args, string(f.Status))
	}
	if f.OpenOnly {
		query += ` AND ended_at IS NULL`
	}
	if f.Closed {
		query += ` AND ended_at IS NOT NULL`
	}

	var window []string
	if f.From != nil || f.To != nil {
		cond := []string{"started_at IS NOT NULL"}
		if f.From != nil {
			cond = append(cond, "started_at >= ?")
			args = append(args, formatTimestamp(*f.From))
		}
		if f.To != nil {
			cond = append(cond, "started_at < ?")
			args = append(args, formatTimestamp(*f.To))
		}
		window = append(window, "("+strings.Join(cond, " AND ")+")")
	}
	if (f.DateFrom != "" || f.DateTo != "") && db.HasColumn("log_date") {
		cond := []string{"log_date IS NOT NULL"}
		if f.DateFrom != "" {
			cond = append(cond, "log_date >= ?")
			args = append(args, f.DateFrom)
		}
		if f.DateTo != "" {
			cond = append(cond, "log_date <= ?")
			args = append(args, f.DateTo)
		}
		window = append(window, "("+strings.Join(cond, " AND ")+")")
	}
	if len(window) > 0 {
		query += ` AND (` + strings.Join(window, " OR ") + `)`
	}

	query += ` ORDER BY started_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list time logs", err)
	}
	defer rows.Close()

	var logs []models.TimeLog
	for rows.Next() {
		l, err := scanTimeLog(rows, cols)
		if err != nil {
			return nil, classify("scan time log", err)
		}
		logs = append(logs, *l)
	}
	return logs, classify("list time logs", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTimeLog(row scanner, cols []string) (*models.TimeLog, error) {
	var l models.TimeLog
	var startedAt, endedAt, logDate, approverID sql.NullString
	var approverName, approvedDate, approvedTime sql.NullString
	var rejectionReason, entryType, status sql.NullString
	var createdAt, updatedAt, activityNote, observation sql.NullString
	var commissioned sql.NullInt64
	var duration sql.NullFloat64

	dest := make([]any, len(cols))
	for i, c := range cols {
		switch c {
		case "id":
			dest[i] = &l.ID
		case "task_id":
			dest[i] = &l.TaskID
		case "project_id":
			dest[i] = &l.ProjectID
		case "user_id":
			dest[i] = &l.UserID
		case "started_at":
			dest[i] = &startedAt
		case "ended_at":
			dest[i] = &endedAt
		case "log_date":
			dest[i] = &logDate
		case "duration_minutes":
			dest[i] = &duration
		case "entry_type":
			dest[i] = &entryType
		case "approval_status":
			dest[i] = &status
		case "approver_id":
			dest[i] = &approverID
		case "approver_name":
			dest[i] = &approverName
		case "approved_at_date":
			dest[i] = &approvedDate
		case "approved_at_time":
			dest[i] = &approvedTime
		case "rejection_reason":
			dest[i] = &rejectionReason
		case "commissioned":
			dest[i] = &commissioned
		case "activity_note":
			dest[i] = &activityNote
		case "observation":
			dest[i] = &observation
		case "created_at":
			dest[i] = &createdAt
		case "updated_at":
			dest[i] = &updatedAt
		default:
			var discard any
			dest[i] = &discard
		}
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t := parseTimestamp(startedAt.String)
		l.StartedAt = &t
	}
	if endedAt.Valid {
		t := parseTimestamp(endedAt.String)
		l.EndedAt = &t
	}
	l.LogDate = logDate.String
	l.DurationMinutes = duration.Float64
	l.EntryType = models.EntryType(entryType.String)
	l.ApprovalStatus = models.ApprovalStatus(status.String)
	if l.ApprovalStatus == "" {
		l.ApprovalStatus = models.StatusPending
	}
	l.ApproverID = approverID.String
	l.ApproverName = approverName.String
	l.ApprovedAtDate = approvedDate.String
	l.ApprovedAtTime = approvedTime.String
	l.RejectionReason = rejectionReason.String
	l.Commissioned = commissioned.Int64 == 1
	l.ActivityNote = activityNote.String
	l.Observation = observation.String
	l.CreatedAt = parseTimestamp(createdAt.String)
	l.UpdatedAt = parseTimestamp(updatedAt.String)
	return &l, nil
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sqlValue converts field values into driver-friendly forms.
func sqlValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return 1
		}
		return 0
	case time.Time:
		return formatTimestamp(x)
	case *time.Time:
		return nullTimestamp(x)
	case models.ApprovalStatus:
		return string(x)
	case models.EntryType:
		return string(x)
	case *string:
		if x == nil {
			return nil
		}
		return *x
	}
	return v
}
