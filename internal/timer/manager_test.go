package timer

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/compat"
	"github.com/charlie0129/timelog-core/internal/database"
	"github.com/charlie0129/timelog-core/internal/directory"
	"github.com/charlie0129/timelog-core/internal/events"
	"github.com/charlie0129/timelog-core/internal/models"
	"github.com/charlie0129/timelog-core/internal/timelog"
	"github.com/charlie0129/timelog-core/internal/usage"
)

// ============================================================
// Fake clock
// ============================================================

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
	clock   *fakeClock
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f, clock: c}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock and runs due callbacks in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// ============================================================
// Fixtures
// ============================================================

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	db    *database.DB
	store *timelog.Store
	agg   *usage.Aggregator
	mgr   *Manager
	rec   *events.Recorder
	clock *fakeClock
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	db, err := database.NewMemory(database.Options{})
	if err != nil {
		t.Fatalf("new memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	eight := 8.0
	db.UpsertUser(ctx, models.User{ID: "u1", Name: "Ann", AllowedDailyHours: &eight})
	db.UpsertUser(ctx, models.User{ID: "u2", Name: "Bob"})
	db.UpsertTask(ctx, models.Task{ID: "t1", Name: "Build", OwnerID: "u9", ProjectID: "p1"})
	db.UpsertTask(ctx, models.Task{ID: "t2", Name: "Review", OwnerID: "u9", ProjectID: "p1"})
	db.UpsertAllocation(ctx, models.Allocation{ProjectID: "p1", UserID: "u1", Active: true})
	db.UpsertAllocation(ctx, models.Allocation{ProjectID: "p1", UserID: "u2", Active: true})

	return newEnvOnDB(t, db, newFakeClock(now))
}

func newEnvOnDB(t *testing.T, db *database.DB, clock *fakeClock) *testEnv {
	t.Helper()
	store := timelog.NewStore(db, compat.NewBridge(), time.UTC)
	store.Now = clock.Now
	dir := directory.NewLocal(db)
	agg := usage.New(store, dir, usage.Options{HardCap: 16 * time.Hour, DefaultAllowedHours: 8})
	agg.Now = clock.Now
	store.OnChange(agg.Invalidate)

	rec := &events.Recorder{}
	mgr := NewManager(store, agg, db, dir, rec, clock, Options{RequireAllocation: true})
	t.Cleanup(mgr.Close)
	return &testEnv{db: db, store: store, agg: agg, mgr: mgr, rec: rec, clock: clock}
}

func (e *testEnv) closedLog(t *testing.T, taskID, userID string, start time.Time, d time.Duration) *models.TimeLog {
	t.Helper()
	end := start.Add(d)
	l, err := e.store.Create(context.Background(), timelog.CreateInput{
		TaskID: taskID, ProjectID: "p1", UserID: userID, StartedAt: &start, EndedAt: &end,
	})
	if err != nil {
		t.Fatalf("create closed log: %v", err)
	}
	return l
}

func (e *testEnv) openLogs(t *testing.T) []models.TimeLog {
	t.Helper()
	logs, err := e.store.List(context.Background(), timelog.Filter{OpenOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	return logs
}

// ============================================================
// Start and stop
// ============================================================

func TestStartStopRoundTrip(t *testing.T) {
	e := newTestEnv(t, day.Add(9*time.Hour))
	ctx := context.Background()

	res, err := e.mgr.Start(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyRunning || !res.Log.Open() || res.Log.EntryType != models.EntryTimer {
		t.Fatalf("unexpected start result: %+v", res)
	}
	if r, _ := e.db.GetRunningTimer(ctx, "t1", "u1"); r == nil {
		t.Fatal("timer should be registered")
	}
	if st, _ := e.mgr.State(ctx, "t1", "u1"); st != StateRunning {
		t.Fatalf("state = %s", st)
	}

	e.clock.Advance(90 * time.Minute)
	stop, err := e.mgr.Stop(ctx, "t1", StopOptions{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if stop.Log.Open() || stop.Log.DurationMinutes != 90 {
		t.Fatalf("unexpected stopped log: %+v", stop.Log)
	}
	if r, _ := e.db.GetRunningTimer(ctx, "t1", "u1"); r != nil {
		t.Fatal("timer should be unregistered")
	}
	if _, armed := e.mgr.AutoStopAt("t1", "u1"); armed {
		t.Fatal("auto-stop should be cancelled")
	}
	if e.rec.Count(events.EventTimerStarted) != 1 || e.rec.Count(events.EventTimerStopped) != 1 {
		t.Fatalf("unexpected events: %+v", e.rec.Events())
	}
	if u := e.agg.UsageFor("u1", "2024-03-04"); u == nil || u.TotalMinutes != 90 {
		t.Fatalf("usage not recomputed: %+v", u)
	}
}

func TestStopAfterStartMatchesWallClock(t *testing.T) {
	db, err := database.NewMemory(database.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	db.UpsertTask(ctx, models.Task{ID: "t1", OwnerID: "u1", ProjectID: "p1"})

	store := timelog.NewStore(db, compat.NewBridge(), time.UTC)
	dir := directory.NewLocal(db)
	agg := usage.New(store, dir, usage.Options{HardCap: 16 * time.Hour, DefaultAllowedHours: 8})
	store.OnChange(agg.Invalidate)
	mgr := NewManager(store, agg, db, dir, nil, RealClock(), Options{})
	t.Cleanup(mgr.Close)

	begin := time.Now()
	if _, err := mgr.Start(ctx, "t1", "u1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	res, err := mgr.Stop(ctx, "t1", StopOptions{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(begin)

	got := time.Duration(res.Log.DurationMinutes * float64(time.Minute))
	if diff := math.Abs(float64(got - elapsed)); diff > float64(time.Second) {
		t.Fatalf("duration %v differs from wall clock %v by more than 1s", got, elapsed)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	e := newTestEnv(t, day.Add(9*time.Hour))
	ctx := context.Background()

	first, err := e.mgr.Start(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Minute)
	second, err := e.mgr.Start(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyRunning || second.Log.ID != first.Log.ID {
		t.Fatalf("second start should return the running log: %+v", second)
	}
	if n := len(e.openLogs(t)); n != 1 {
		t.Fatalf("expected 1 open log, got %d", n)
	}
	if e.rec.Count(events.EventTimerStarted) != 1 {
		t.Fatal("a no-op start must not publish")
	}
}

func TestStartValidation(t *testing.T) {
	e := newTestEnv(t, day.Add(9*time.Hour))
	ctx := context.Background()

	if _, err := e.mgr.Start(ctx, "missing", "u1"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("unknown task: expected NOT_FOUND, got %v", err)
	}
	if _, err := e.mgr.Start(ctx, "t1", "u3"); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("unallocated user: expected VALIDATION_ERROR, got %v", err)
	}
	// the task owner needs no allocation
	if _, err := e.mgr.Start(ctx, "t1", "u9"); err != nil {
		t.Fatalf("owner start: %v", err)
	}
}

func TestStartRejectedAtHardCap(t *testing.T) {
	e := newTestEnv(t, day.Add(17*time.Hour))
	e.closedLog(t, "t2", "u1", day.Add(time.Hour), 16*time.Hour)

	_, err := e.mgr.Start(context.Background(), "t1", "u1")
	if !apperr.Is(err, apperr.CodeDailyCapExceeded) {
		t.Fatalf("expected DAILY_CAP_EXCEEDED, got %v", err)
	}
	if n := len(e.openLogs(t)); n != 0 {
		t.Fatalf("no log may be opened, got %d", n)
	}
}

func TestResetDiscardsLog(t *testing.T) {
	e := newTestEnv(t, day.Add(9*time.Hour))
	ctx := context.Background()

	start, _ := e.mgr.Start(ctx, "t1", "u1")
	e.clock.Advance(10 * time.Minute)
	res, err := e.mgr.Reset(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Discarded {
		t.Fatal("reset must discard")
	}
	if _, err := e.store.Get(ctx, start.Log.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("log should be deleted, got %v", err)
	}
	if e.rec.Count(events.EventTimerReset) != 1 || e.rec.Count(events.EventTimerStopped) != 0 {
		t.Fatalf("unexpected events: %+v", e.rec.Events())
	}
}

// ============================================================
// Stop without an open log
// ============================================================

func TestStopWithNoActiveTimers(t *testing.T) {
	e := newTestEnv(t, day.Add(9*time.Hour))
	_, err := e.mgr.Stop(context.Background(), "t1", StopOptions{UserID: "u1"})
	if !apperr.Is(err, apperr.CodeNoActiveTimer) {
		t.Fatalf("expected NO_ACTIVE_TIMER, got %v", err)
	}
}

// a stale tab stopping after another tab already did
func TestStopWithoutOpenLogAndNoCreate(t *testing.T) {
	e := newTestEnv(t, day.Add(9*time.Hour))
	ctx := context.Background()
	stale := models.RunningTimer{TaskID: "t1", UserID: "u1", StartedAtMs: day.Add(8 * time.Hour).UnixMilli()}
	e.db.PutRunningTimer(ctx, stale)

	_, err := e.mgr.Stop(ctx, "t1", StopOptions{UserID: "u1", AllowCreate: false})
	if !apperr.Is(err, apperr.CodeMissingActiveLog) {
		t.Fatalf("expected MISSING_ACTIVE_LOG, got %v", err)
	}

	logs, _ := e.store.List(ctx, timelog.Filter{})
	if len(logs) != 0 {
		t.Fatalf("no log may be written, got %d", len(logs))
	}
	r, _ := e.db.GetRunningTimer(ctx, "t1", "u1")
	if r == nil || r.StartedAtMs != stale.StartedAtMs {
		t.Fatal("registry must be left untouched")
	}
}

func TestStopSynthesizesLogFromRegistry(t *testing.T) {
	e := newTestEnv(t, day.Add(10*time.Hour))
	ctx := context.Background()
	e.db.PutRunningTimer(ctx, models.RunningTimer{TaskID: "t1", UserID: "u1", StartedAtMs: day.Add(8 * time.Hour).UnixMilli()})

	res, err := e.mgr.Stop(ctx, "t1", StopOptions{UserID: "u1", AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Log.DurationMinutes != 120 || res.Log.Open() {
		t.Fatalf("unexpected synthesized log: %+v", res.Log)
	}
	if r, _ := e.db.GetRunningTimer(ctx, "t1", "u1"); r != nil {
		t.Fatal("registry entry should be cleared")
	}
}

func TestStopMissingStartTime(t *testing.T) {
	e := newTestEnv(t, day.Add(10*time.Hour))
	_, err := e.mgr.Stop(context.Background(), "t1", StopOptions{UserID: "u1", AllowCreate: true, Force: true})
	if !apperr.Is(err, apperr.CodeMissingStartTime) {
		t.Fatalf("expected MISSING_START_TIME, got %v", err)
	}
}

func TestStopPrefersPersistedStart(t *testing.T) {
	clock := newFakeClock(day.Add(9 * time.Hour))
	e := newTestEnv(t, clock.Now())
	e.clock = clock
	ctx := context.Background()

	first := newEnvOnDB(t, e.db, clock)
	if _, err := first.mgr.Start(ctx, "t1", "u1"); err != nil {
		t.Fatal(err)
	}

	// a second process with a stale local start
	second := newEnvOnDB(t, e.db, clock)
	second.mgr.mu.Lock()
	second.mgr.local[pairKey("t1", "u1")] = day.Add(5 * time.Hour)
	second.mgr.mu.Unlock()

	clock.Advance(30 * time.Minute)
	res, err := second.mgr.Stop(ctx, "t1", StopOptions{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Log.DurationMinutes != 30 {
		t.Fatalf("duration = %v, want 30 from the persisted start", res.Log.DurationMinutes)
	}
}

// ============================================================
// Auto-stop
// ============================================================

// 7h logged, timer from 07:00: soft limit passes at 08:00, cap stop at 16:00
func TestSoftLimitAndHardCapAreIndependent(t *testing.T) {
	e := newTestEnv(t, day.Add(7*time.Hour))
	ctx := context.Background()
	e.closedLog(t, "t2", "u1", day, 7*time.Hour)

	res, err := e.mgr.Start(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.AutoStopAt.Equal(day.Add(16 * time.Hour)) {
		t.Fatalf("auto-stop at %v, want 16:00", res.AutoStopAt)
	}

	e.clock.Advance(59 * time.Minute)
	live, _ := e.mgr.LiveUsage(ctx, "u1")
	if live.OverUserLimit {
		t.Fatal("not over the soft limit before 8h")
	}

	e.clock.Advance(2 * time.Minute)
	live, _ = e.mgr.LiveUsage(ctx, "u1")
	if !live.OverUserLimit || live.OverHardCap {
		t.Fatalf("expected over soft limit only: %+v", live)
	}

	e.clock.Advance(7*time.Hour + 58*time.Minute) // 15:59
	if e.rec.Count(events.EventTimerAutoStopped) != 0 || len(e.openLogs(t)) != 1 {
		t.Fatal("auto-stop fired before the hard cap")
	}

	e.clock.Advance(time.Minute) // 16:00
	if e.rec.Count(events.EventTimerAutoStopped) != 1 {
		t.Fatalf("expected one auto-stop, got events %+v", e.rec.Events())
	}
	if e.rec.Count(events.EventTimerStopped) != 0 {
		t.Fatal("cap-forced stop must not publish an ordinary stop")
	}
	if len(e.openLogs(t)) != 0 {
		t.Fatal("timer should be stopped")
	}
	u := e.agg.UsageFor("u1", "2024-03-04")
	if u == nil || u.TotalMinutes != 16*60 || !u.OverHardCap {
		t.Fatalf("unexpected usage after auto-stop: %+v", u)
	}

	e.clock.Advance(time.Hour)
	if e.rec.Count(events.EventTimerAutoStopped) != 1 {
		t.Fatal("auto-stop must fire exactly once")
	}
}

func TestCancelledTimerNeverAutoStops(t *testing.T) {
	e := newTestEnv(t, day.Add(7*time.Hour))
	ctx := context.Background()

	e.mgr.Start(ctx, "t1", "u1")
	e.clock.Advance(time.Hour)
	if _, err := e.mgr.Stop(ctx, "t1", StopOptions{UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	// a new run must not be stopped by the old deadline
	e.mgr.Start(ctx, "t1", "u1")
	e.clock.Advance(16 * time.Hour)
	if n := e.rec.Count(events.EventTimerAutoStopped); n != 1 {
		t.Fatalf("expected only the second run to auto-stop once, got %d", n)
	}
}

func TestAutoStopRearmsWhenUsageChanges(t *testing.T) {
	e := newTestEnv(t, day.Add(7*time.Hour))
	ctx := context.Background()

	if _, err := e.mgr.Start(ctx, "t1", "u1"); err != nil {
		t.Fatal(err)
	}
	at, _ := e.mgr.AutoStopAt("t1", "u1")
	if !at.Equal(day.Add(23 * time.Hour)) {
		t.Fatalf("initial auto-stop at %v", at)
	}

	// another log for the same user finalizes elsewhere
	e.closedLog(t, "t2", "u1", day, 4*time.Hour)
	at, _ = e.mgr.AutoStopAt("t1", "u1")
	if !at.Equal(day.Add(19 * time.Hour)) {
		t.Fatalf("re-armed auto-stop at %v, want 19:00", at)
	}

	e.clock.Advance(12 * time.Hour)
	if e.rec.Count(events.EventTimerAutoStopped) != 1 {
		t.Fatal("re-armed auto-stop should fire at the new deadline")
	}
}

func TestParallelTimersShareTheHardCap(t *testing.T) {
	e := newTestEnv(t, day.Add(time.Hour))
	ctx := context.Background()

	first, err := e.mgr.Start(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !first.AutoStopAt.Equal(day.Add(17 * time.Hour)) {
		t.Fatalf("single timer auto-stop at %v, want 17:00", first.AutoStopAt)
	}
	second, err := e.mgr.Start(ctx, "t2", "u1")
	if err != nil {
		t.Fatal(err)
	}

	// two timers burn the 16h budget at twice the rate
	want := day.Add(9 * time.Hour)
	if !second.AutoStopAt.Equal(want) {
		t.Fatalf("second timer auto-stop at %v, want %v", second.AutoStopAt, want)
	}
	if at, _ := e.mgr.AutoStopAt("t1", "u1"); !at.Equal(want) {
		t.Fatalf("first timer should move to the shared deadline, got %v", at)
	}

	e.clock.Advance(8*time.Hour - time.Minute)
	if e.rec.Count(events.EventTimerAutoStopped) != 0 {
		t.Fatal("auto-stop fired before the shared deadline")
	}
	e.clock.Advance(time.Minute)
	if n := e.rec.Count(events.EventTimerAutoStopped); n != 2 {
		t.Fatalf("expected both timers stopped at the cap, got %d", n)
	}
	if len(e.openLogs(t)) != 0 {
		t.Fatal("no timer should be left running")
	}
	u := e.agg.UsageFor("u1", "2024-03-04")
	if u == nil || u.TotalMinutes > 16*60 {
		t.Fatalf("daily total went past the hard cap: %+v", u)
	}

	e.clock.Advance(8 * time.Hour)
	if n := e.rec.Count(events.EventTimerAutoStopped); n != 2 {
		t.Fatalf("each timer must auto-stop exactly once, got %d", n)
	}
}

func TestStoppingOneTimerExtendsTheOther(t *testing.T) {
	e := newTestEnv(t, day.Add(time.Hour))
	ctx := context.Background()

	e.mgr.Start(ctx, "t1", "u1")
	e.mgr.Start(ctx, "t2", "u1")
	e.clock.Advance(2 * time.Hour)
	if _, err := e.mgr.Stop(ctx, "t1", StopOptions{UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	// 2h closed and 2h running leave 12h for the remaining timer
	at, armed := e.mgr.AutoStopAt("t2", "u1")
	if !armed || !at.Equal(day.Add(15*time.Hour)) {
		t.Fatalf("remaining timer auto-stop at %v, want 15:00", at)
	}
}

func TestStartCountsRunningTimersAgainstTheCap(t *testing.T) {
	e := newTestEnv(t, day.Add(16*time.Hour))
	ctx := context.Background()
	e.closedLog(t, "t2", "u1", day, 10*time.Hour)

	// an open log from another process has run since 10:00
	start := day.Add(10 * time.Hour)
	if _, err := e.store.Create(ctx, timelog.CreateInput{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &start}); err != nil {
		t.Fatal(err)
	}

	_, err := e.mgr.Start(ctx, "t2", "u1")
	if !apperr.Is(err, apperr.CodeDailyCapExceeded) {
		t.Fatalf("expected DAILY_CAP_EXCEEDED with 16h logged or running, got %v", err)
	}
	if len(e.openLogs(t)) != 1 {
		t.Fatal("a refused start must not open a log")
	}
}

// ============================================================
// Reconciliation
// ============================================================

func TestReconcile(t *testing.T) {
	e := newTestEnv(t, day.Add(9*time.Hour))
	ctx := context.Background()

	// stale registry entry with no open log
	e.db.PutRunningTimer(ctx, models.RunningTimer{TaskID: "t2", UserID: "u2", StartedAtMs: 1})
	// open log nobody registered
	start := day.Add(8 * time.Hour)
	orphan, err := e.store.Create(ctx, timelog.CreateInput{TaskID: "t1", ProjectID: "p1", UserID: "u1", StartedAt: &start})
	if err != nil {
		t.Fatal(err)
	}
	// registered with the wrong start
	start2 := day.Add(8*time.Hour + 30*time.Minute)
	e.store.Create(ctx, timelog.CreateInput{TaskID: "t2", ProjectID: "p1", UserID: "u1", StartedAt: &start2})
	e.db.PutRunningTimer(ctx, models.RunningTimer{TaskID: "t2", UserID: "u1", StartedAtMs: 42})

	report, err := e.mgr.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Removed != 1 || report.Adopted != 1 || report.Corrected != 1 || report.Armed != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	entries, _ := e.db.ListRunningTimers(ctx, "")
	if len(entries) != 2 {
		t.Fatalf("expected 2 registry entries, got %+v", entries)
	}
	r, _ := e.db.GetRunningTimer(ctx, "t1", "u1")
	if r == nil || r.StartedAtMs != orphan.StartedAt.UnixMilli() {
		t.Fatalf("adopted entry should use the log start: %+v", r)
	}
	r, _ = e.db.GetRunningTimer(ctx, "t2", "u1")
	if r.StartedAtMs != start2.UnixMilli() {
		t.Fatal("mismatched entry should be corrected from the log")
	}

	again, _ := e.mgr.Reconcile(ctx)
	if again != (ReconcileReport{}) {
		t.Fatalf("second sweep should be a no-op: %+v", again)
	}

	views, err := e.mgr.Running(ctx, "u1")
	if err != nil || len(views) != 2 || !views[0].Registered || views[0].AutoStopAt == nil {
		t.Fatalf("running views: %+v %v", views, err)
	}
}

// ============================================================
// Concurrency
// ============================================================

func TestConcurrentStartStopKeepsOneOpenLog(t *testing.T) {
	e := newTestEnv(t, day.Add(9*time.Hour))
	ctx := context.Background()
	tasks := []string{"t1", "t2"}
	users := []string{"u1", "u2"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var unexpected []error
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				task := tasks[rng.Intn(len(tasks))]
				user := users[rng.Intn(len(users))]
				var err error
				switch rng.Intn(3) {
				case 0, 1:
					_, err = e.mgr.Start(ctx, task, user)
				default:
					_, err = e.mgr.Stop(ctx, task, StopOptions{UserID: user, Discard: rng.Intn(2) == 0})
				}
				if err != nil && !apperr.Is(err, apperr.CodeMissingActiveLog) && !apperr.Is(err, apperr.CodeNoActiveTimer) {
					mu.Lock()
					unexpected = append(unexpected, err)
					mu.Unlock()
				}
			}
		}(int64(g))
	}
	wg.Wait()

	if len(unexpected) > 0 {
		t.Fatalf("unexpected errors: %v", unexpected)
	}
	perPair := make(map[string]int)
	for _, l := range e.openLogs(t) {
		perPair[pairKey(l.TaskID, l.UserID)]++
	}
	for key, n := range perPair {
		if n > 1 {
			t.Fatalf("pair %s has %d open logs", key, n)
		}
	}

	// the registry converges on the open logs
	if _, err := e.mgr.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	entries, _ := e.db.ListRunningTimers(ctx, "")
	if len(entries) != len(perPair) {
		t.Fatalf("registry has %d entries for %d open logs", len(entries), len(perPair))
	}
}
