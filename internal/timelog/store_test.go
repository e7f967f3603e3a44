package timelog

import (
	"context"
	"testing"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/compat"
	"github.com/charlie0129/timelog-core/internal/database"
	"github.com/charlie0129/timelog-core/internal/models"
)

type change struct{ user, date string }

func newTestStore(t *testing.T, schema database.Schema) (*Store, *[]change) {
	t.Helper()
	db, err := database.NewMemory(database.Options{Schema: schema})
	if err != nil {
		t.Fatalf("new memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, compat.NewBridge(), time.UTC)
	var changes []change
	s.OnChange(func(_ context.Context, user, date string) {
		changes = append(changes, change{user, date})
	})
	return s, &changes
}

func ptr[T any](v T) *T { return &v }

var nine = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

// ============================================================
// Create
// ============================================================

func TestCreateRequiresIdentity(t *testing.T) {
	s, _ := newTestStore(t, database.SchemaModern)
	tests := []CreateInput{
		{ProjectID: "p1", UserID: "u1", StartedAt: &nine},
		{TaskID: "t1", UserID: "u1", StartedAt: &nine},
		{TaskID: "t1", ProjectID: "p1", StartedAt: &nine},
		{TaskID: "t1", ProjectID: "p1", UserID: "u1"},
		{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &nine, EntryType: "bogus"},
	}
	for i, in := range tests {
		if _, err := s.Create(context.Background(), in); !apperr.Is(err, apperr.CodeValidation) {
			t.Errorf("case %d: expected VALIDATION_ERROR, got %v", i, err)
		}
	}
}

func TestCreateClosedLog(t *testing.T) {
	s, changes := newTestStore(t, database.SchemaModern)
	end := nine.Add(75 * time.Minute)

	l, err := s.Create(context.Background(), CreateInput{
		TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &nine, EndedAt: &end, DurationMinutes: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.DurationMinutes != 75 {
		t.Fatalf("duration = %v, want 75 from the interval", l.DurationMinutes)
	}
	if l.ApprovalStatus != models.StatusPending || l.ApproverID != "" || l.Commissioned {
		t.Fatalf("approval fields must start cleared: %+v", l)
	}
	if l.EntryType != models.EntryManual || l.LogDate != "2024-03-04" {
		t.Fatalf("unexpected defaults: %+v", l)
	}
	if len(*changes) != 1 || (*changes)[0] != (change{"u1", "2024-03-04"}) {
		t.Fatalf("unexpected change hooks: %+v", *changes)
	}
}

func TestCreateOpenLogConflict(t *testing.T) {
	s, _ := newTestStore(t, database.SchemaModern)
	in := CreateInput{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &nine}

	l, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !l.Open() || l.EntryType != models.EntryTimer {
		t.Fatalf("expected an open timer log: %+v", l)
	}
	if _, err := s.Create(context.Background(), in); !apperr.Is(err, apperr.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestCreateOnLegacySchema(t *testing.T) {
	s, _ := newTestStore(t, database.SchemaLegacy)
	end := nine.Add(time.Hour)

	l, err := s.Create(context.Background(), CreateInput{
		TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &nine, EndedAt: &end,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !s.bridge.Legacy() {
		t.Fatal("bridge should flip to legacy mode")
	}
	if l.LogDate != "" || l.BucketDate(time.UTC) != "2024-03-04" {
		t.Fatalf("legacy logs bucket by start date: %+v", l)
	}
}

func TestCreateWithOnlyLogDateNeedsLogDateColumn(t *testing.T) {
	s, changes := newTestStore(t, database.SchemaLegacy)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateInput{
		TaskID: "t1", ProjectID: "p1", UserID: "u1", LogDate: "2024-03-04", DurationMinutes: 90,
	})
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR without a log_date column, got %v", err)
	}
	if len(*changes) != 0 {
		t.Fatal("a rejected create must not notify")
	}

	modern, _ := newTestStore(t, database.SchemaModern)
	l, err := modern.Create(ctx, CreateInput{
		TaskID: "t1", ProjectID: "p1", UserID: "u1", LogDate: "2024-03-04", DurationMinutes: 90,
	})
	if err != nil || l.LogDate != "2024-03-04" {
		t.Fatalf("modern schema keeps date-only logs: %+v %v", l, err)
	}
}

// ============================================================
// Update
// ============================================================

func TestUpdateRecomputesDurationAndRebuckets(t *testing.T) {
	s, changes := newTestStore(t, database.SchemaModern)
	ctx := context.Background()
	end := nine.Add(time.Hour)
	l, _ := s.Create(ctx, CreateInput{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &nine, EndedAt: &end})
	*changes = nil

	earlier := nine.Add(-24 * time.Hour)
	got, err := s.Update(ctx, l.ID, Patch{StartedAt: &earlier})
	if err != nil {
		t.Fatal(err)
	}
	if got.DurationMinutes != 25*60 || got.LogDate != "2024-03-03" {
		t.Fatalf("unexpected update: %+v", got)
	}
	if len(*changes) != 2 {
		t.Fatalf("both the old and new day must be invalidated: %+v", *changes)
	}
}

func TestUpdateRejectionReasonRules(t *testing.T) {
	s, _ := newTestStore(t, database.SchemaModern)
	ctx := context.Background()
	l, _ := s.Create(ctx, CreateInput{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &nine})

	if _, err := s.Update(ctx, l.ID, Patch{RejectionReason: ptr("late")}); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("reason without status: expected VALIDATION_ERROR, got %v", err)
	}
	rejected := models.StatusRejected
	if _, err := s.Update(ctx, l.ID, Patch{ApprovalStatus: &rejected}); !apperr.Is(err, apperr.CodeMissingJustification) {
		t.Fatalf("rejection without reason: expected MISSING_JUSTIFICATION, got %v", err)
	}

	got, err := s.Update(ctx, l.ID, Patch{ApprovalStatus: &rejected, RejectionReason: ptr("  late  "), Commissioned: ptr(true)})
	if err != nil {
		t.Fatal(err)
	}
	if got.RejectionReason != "late" || got.Commissioned {
		t.Fatalf("unexpected rejected log: %+v", got)
	}

	pending := models.StatusPending
	got, _ = s.Update(ctx, l.ID, Patch{ApprovalStatus: &pending})
	if got.RejectionReason != "" {
		t.Fatal("leaving rejected clears the reason")
	}
}

func TestUpdateNotFound(t *testing.T) {
	s, _ := newTestStore(t, database.SchemaModern)
	if _, err := s.Update(context.Background(), "nope", Patch{Observation: ptr("x")}); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

// ============================================================
// Finalize and delete
// ============================================================

func TestFinalize(t *testing.T) {
	s, _ := newTestStore(t, database.SchemaModern)
	ctx := context.Background()
	l, _ := s.Create(ctx, CreateInput{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &nine})

	got, err := s.Finalize(ctx, l.ID, nine.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if got.Open() || got.DurationMinutes != 0 {
		t.Fatalf("end before start clamps to zero: %+v", got)
	}
	if _, err := s.Finalize(ctx, l.ID, nine.Add(time.Hour)); !apperr.Is(err, apperr.CodeAlreadyClosed) {
		t.Fatalf("expected ALREADY_CLOSED, got %v", err)
	}
	if _, err := s.Finalize(ctx, "nope", nine); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, changes := newTestStore(t, database.SchemaModern)
	ctx := context.Background()
	end := nine.Add(time.Hour)
	l, _ := s.Create(ctx, CreateInput{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &nine, EndedAt: &end})
	*changes = nil

	ok, err := s.Delete(ctx, l.ID)
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if len(*changes) != 1 {
		t.Fatal("delete must invalidate the day")
	}
	ok, err = s.Delete(ctx, l.ID)
	if err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestListForDayUsesBucketDate(t *testing.T) {
	s, _ := newTestStore(t, database.SchemaModern)
	ctx := context.Background()
	lateStart := time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC)
	lateEnd := lateStart.Add(time.Hour)
	s.Create(ctx, CreateInput{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &lateStart, EndedAt: &lateEnd})
	nextDay := lateStart.Add(12 * time.Hour)
	nextEnd := nextDay.Add(time.Hour)
	s.Create(ctx, CreateInput{TaskID: "t2", ProjectID: "p1", UserID: "u1", StartedAt: &nextDay, EndedAt: &nextEnd})

	logs, err := s.ListForDay(ctx, "u1", "2024-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].TaskID != "t1" {
		t.Fatalf("unexpected logs for day: %+v", logs)
	}
}
