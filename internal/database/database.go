package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/charlie0129/timelog-core/internal/apperr"
)

// Schema names the shape of the time_logs table.
type Schema string

const (
	SchemaModern Schema = "modern"
	SchemaLegacy Schema = "legacy"
)

// Columns only present in the modern time_logs shape.
var ModernOnlyColumns = []string{"log_date", "approver_name", "approved_at_time", "commissioned"}

// timestampLayout is fixed width so stored values compare lexicographically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

type Options struct {
	// Schema is used only when time_logs does not exist yet.
	Schema        Schema
	ApproverRoles []string
}

type DB struct {
	*sql.DB
	schema        Schema
	approverRoles map[string]bool

	mu         sync.RWMutex
	columns    map[string]bool
	procedures map[string]procedure
}

func New(path string, opts Options) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite has a single writer and :memory: is per-connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	if opts.Schema == "" {
		opts.Schema = SchemaModern
	}
	if len(opts.ApproverRoles) == 0 {
		opts.ApproverRoles = []string{"approver", "admin"}
	}
	roles := make(map[string]bool, len(opts.ApproverRoles))
	for _, r := range opts.ApproverRoles {
		roles[strings.ToLower(r)] = true
	}

	d := &DB{DB: db, approverRoles: roles}
	if err := d.migrate(opts.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("database initialized", "path", path, "schema", d.schema)
	return d, nil
}

// NewMemory opens an in-memory database, used by tests.
func NewMemory(opts Options) (*DB, error) {
	return New(":memory:", opts)
}

func (db *DB) migrate(schema Schema) error {
	migrations := []string{
		timeLogsDDL(schema),
		`CREATE INDEX IF NOT EXISTS idx_time_logs_user ON time_logs(user_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_time_logs_task ON time_logs(task_id)`,
		// at most one open log per (task, user)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_time_logs_open ON time_logs(task_id, user_id) WHERE ended_at IS NULL`,

		// Shared running-timer registry, last write wins
		`CREATE TABLE IF NOT EXISTS running_timers (
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (task_id, user_id)
		)`,

		// Local directory of external collaborators
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'member',
			allowed_daily_hours REAL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS allocations (
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (project_id, user_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}

	return db.detectSchema()
}

func timeLogsDDL(schema Schema) string {
	if schema == SchemaLegacy {
		return `CREATE TABLE IF NOT EXISTS time_logs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			duration_minutes REAL NOT NULL DEFAULT 0,
			entry_type TEXT NOT NULL DEFAULT 'manual',
			approval_status TEXT NOT NULL DEFAULT 'pending',
			approver_id TEXT,
			approved_at_date TEXT,
			rejection_reason TEXT,
			activity_note TEXT NOT NULL DEFAULT '',
			observation TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`
	}
	return `CREATE TABLE IF NOT EXISTS time_logs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		started_at TEXT,
		ended_at TEXT,
		log_date TEXT,
		duration_minutes REAL NOT NULL DEFAULT 0,
		entry_type TEXT NOT NULL DEFAULT 'manual',
		approval_status TEXT NOT NULL DEFAULT 'pending',
		approver_id TEXT,
		approver_name TEXT,
		approved_at_date TEXT,
		approved_at_time TEXT,
		rejection_reason TEXT,
		commissioned INTEGER NOT NULL DEFAULT 0,
		activity_note TEXT NOT NULL DEFAULT '',
		observation TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
}

// detectSchema inspects the time_logs table actually present.
func (db *DB) detectSchema() error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('time_logs')`)
	if err != nil {
		return err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	schema := SchemaModern
	for _, c := range ModernOnlyColumns {
		if !columns[c] {
			schema = SchemaLegacy
			break
		}
	}

	db.mu.Lock()
	db.columns = columns
	db.schema = schema
	db.procedures = proceduresFor(schema)
	db.mu.Unlock()
	return nil
}

// Schema returns the detected time_logs shape.
func (db *DB) Schema() Schema {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.schema
}

// HasColumn reports whether time_logs has the named column.
func (db *DB) HasColumn(name string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.columns[name]
}

// IsApproverRole reports whether role may approve time logs.
func (db *DB) IsApproverRole(role string) bool {
	return db.approverRoles[strings.ToLower(role)]
}

// Ping reports storage reachability with a classified error.
func (db *DB) Ping(ctx context.Context) error {
	return classify("ping", db.PingContext(ctx))
}

// classify maps driver errors onto the application taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.CodeNotFound, op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such column"),
		strings.Contains(msg, "has no column named"),
		strings.Contains(msg, "no such function"),
		strings.Contains(msg, "no such table"):
		return apperr.Wrap(apperr.CodeSchemaUnsupported, op, err)
	case strings.Contains(msg, "UNIQUE constraint failed: time_logs.task_id"):
		return apperr.Wrap(apperr.CodeConflict, op, err)
	case strings.Contains(msg, "database is closed"):
		return apperr.Wrap(apperr.CodeStorageUnavailable, op, err)
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_READONLY:
			return apperr.Wrap(apperr.CodeStorageUnavailable, op, err)
		case sqlite3.SQLITE_CONSTRAINT:
			return apperr.Wrap(apperr.CodeValidation, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTimestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTimestamp(*t)
}
