// Package timer owns running timers: start, stop, cap-forced auto-stop and
// reconciliation of the shared registry against open time logs.
package timer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/directory"
	"github.com/charlie0129/timelog-core/internal/events"
	"github.com/charlie0129/timelog-core/internal/keylock"
	"github.com/charlie0129/timelog-core/internal/models"
	"github.com/charlie0129/timelog-core/internal/timelog"
	"github.com/charlie0129/timelog-core/internal/usage"
)

// Registry is the shared, cross-process set of running timers. Entries are
// hints; the open time log is authoritative.
type Registry interface {
	PutRunningTimer(ctx context.Context, r models.RunningTimer) error
	DeleteRunningTimer(ctx context.Context, taskID, userID string) error
	GetRunningTimer(ctx context.Context, taskID, userID string) (*models.RunningTimer, error)
	ListRunningTimers(ctx context.Context, taskID string) ([]models.RunningTimer, error)
}

// State of a (task, user) timer.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

type Options struct {
	// RequireAllocation rejects starts by users without an active
	// allocation on the task's project. Task owners are always allowed.
	RequireAllocation bool
	// AutoStopTimeout bounds the storage work of one auto-stop.
	AutoStopTimeout time.Duration
}

type StopOptions struct {
	UserID string `json:"user_id"`
	// Discard deletes the finalized log.
	Discard bool `json:"discard"`
	// AllowCreate synthesizes a closed log when no open log exists.
	AllowCreate bool `json:"allow_create"`
	// Force skips the "no active timers anywhere" check.
	Force bool `json:"force"`
	// CapForced marks a stop made because the hard cap was reached.
	CapForced bool `json:"-"`

	autoStopGen uint64
}

type StartResult struct {
	Log            *models.TimeLog `json:"log"`
	AlreadyRunning bool            `json:"already_running"`
	AutoStopAt     *time.Time      `json:"auto_stop_at,omitempty"`
}

type StopResult struct {
	Log       *models.TimeLog `json:"log,omitempty"`
	Discarded bool            `json:"discarded"`
	Created   bool            `json:"created"`
	CapForced bool            `json:"cap_forced"`
}

// RunningView describes one running timer.
type RunningView struct {
	Log            models.TimeLog `json:"log"`
	State          State          `json:"state"`
	ElapsedMinutes float64        `json:"elapsed_minutes"`
	AutoStopAt     *time.Time     `json:"auto_stop_at,omitempty"`
	Registered     bool           `json:"registered"`
}

// ReconcileReport counts the registry repairs made by one sweep.
type ReconcileReport struct {
	Removed   int `json:"removed"`
	Adopted   int `json:"adopted"`
	Corrected int `json:"corrected"`
	Armed     int `json:"armed"`
}

type autoStop struct {
	gen      uint64
	taskID   string
	userID   string
	start    time.Time
	deadline time.Time
	stopper  Stopper
}

type Manager struct {
	store    *timelog.Store
	usage    *usage.Aggregator
	registry Registry
	dir      directory.Directory
	notifier events.Notifier
	clock    Clock
	opts     Options

	locks *keylock.Map

	mu        sync.Mutex
	local     map[string]time.Time // last known start per pair
	inflight  map[string]bool
	autoStops map[string]*autoStop
	gen       uint64
	closed    bool
}

func NewManager(store *timelog.Store, agg *usage.Aggregator, registry Registry, dir directory.Directory,
	notifier events.Notifier, clock Clock, opts Options) *Manager {
	if clock == nil {
		clock = RealClock()
	}
	if notifier == nil {
		notifier = events.Discard{}
	}
	if opts.AutoStopTimeout <= 0 {
		opts.AutoStopTimeout = 30 * time.Second
	}
	m := &Manager{
		store:     store,
		usage:     agg,
		registry:  registry,
		dir:       dir,
		notifier:  notifier,
		clock:     clock,
		opts:      opts,
		locks:     keylock.New(),
		local:     make(map[string]time.Time),
		inflight:  make(map[string]bool),
		autoStops: make(map[string]*autoStop),
	}
	agg.Subscribe(m.OnUsageChanged)
	return m
}

func pairKey(taskID, userID string) string {
	return taskID + "|" + userID
}

func (m *Manager) today() string {
	return m.clock.Now().In(m.store.Location()).Format(models.DateLayout)
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// State reports the timer state of a pair as seen by this process.
func (m *Manager) State(ctx context.Context, taskID, userID string) (State, error) {
	m.mu.Lock()
	stopping := m.inflight[pairKey(taskID, userID)]
	m.mu.Unlock()
	if stopping {
		return StateStopping, nil
	}
	open, err := m.store.FindOpen(ctx, taskID, userID)
	if err != nil {
		return "", err
	}
	if open != nil {
		return StateRunning, nil
	}
	return StateIdle, nil
}

// --- Start ---

// Start opens a timer log for the pair. Starting a running timer returns
// the existing log.
func (m *Manager) Start(ctx context.Context, taskID, userID string) (*StartResult, error) {
	if taskID == "" || userID == "" {
		return nil, apperr.New(apperr.CodeValidation, "task_id and user_id are required")
	}
	key := pairKey(taskID, userID)
	unlock := m.locks.Lock(key)
	defer unlock()

	open, err := m.store.FindOpen(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return m.resume(ctx, open)
	}

	task, err := m.dir.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ProjectID == "" {
		return nil, apperr.Newf(apperr.CodeValidation, "task %s has no project", taskID)
	}
	if m.opts.RequireAllocation && task.OwnerID != userID {
		ok, err := directory.IsAllocated(ctx, m.dir, task.ProjectID, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Newf(apperr.CodeValidation, "user %s is not allocated to project %s", userID, task.ProjectID)
		}
	}

	now := m.clock.Now()
	used, err := m.usage.EnsureLoaded(ctx, userID, now.In(m.store.Location()).Format(models.DateLayout))
	if err != nil {
		return nil, err
	}
	running, err := m.store.List(ctx, timelog.Filter{OpenOnly: true, UserID: userID})
	if err != nil {
		return nil, err
	}
	starts := make([]time.Time, 0, len(running)+1)
	for i := range running {
		starts = append(starts, m.startOf(&running[i]))
	}
	_, remaining := m.capDeadline(used.TotalMinutes, append(starts, now))
	if remaining <= 0 {
		live := m.usage.HardCap() - remaining
		return nil, apperr.Newf(apperr.CodeDailyCapExceeded,
			"daily cap of %s reached (%.0f minutes logged or running)", m.usage.HardCap(), live.Minutes())
	}

	l, err := m.store.Create(ctx, timelog.CreateInput{
		TaskID:    taskID,
		ProjectID: task.ProjectID,
		UserID:    userID,
		StartedAt: &now,
		EntryType: models.EntryTimer,
	})
	if apperr.Is(err, apperr.CodeConflict) {
		// another process opened it first
		open, ferr := m.store.FindOpen(ctx, taskID, userID)
		if ferr != nil || open == nil {
			return nil, err
		}
		return m.resume(ctx, open)
	}
	if err != nil {
		return nil, err
	}

	m.register(ctx, taskID, userID, now)
	deadline := m.armShared(taskID, userID, now, used.TotalMinutes)

	slog.Info("timer started", "task_id", taskID, "user_id", userID, "log_id", l.ID, "auto_stop_at", deadline)
	m.notifier.Publish(events.EventTimerStarted, map[string]any{
		"task_id":      taskID,
		"user_id":      userID,
		"log_id":       l.ID,
		"started_at":   now,
		"auto_stop_at": deadline,
	})
	return &StartResult{Log: l, AutoStopAt: &deadline}, nil
}

// resume makes sure an already open log is registered and has an auto-stop.
func (m *Manager) resume(ctx context.Context, open *models.TimeLog) (*StartResult, error) {
	start := m.startOf(open)
	m.mu.Lock()
	known, ok := m.local[pairKey(open.TaskID, open.UserID)]
	m.mu.Unlock()
	if !ok || !known.Equal(start) {
		m.register(ctx, open.TaskID, open.UserID, start)
	}

	res := &StartResult{Log: open, AlreadyRunning: true}
	if at, armed := m.AutoStopAt(open.TaskID, open.UserID); armed {
		res.AutoStopAt = &at
		return res, nil
	}
	deadline, err := m.rearmFromUsage(ctx, open.TaskID, open.UserID, start)
	if err != nil {
		return nil, err
	}
	res.AutoStopAt = deadline
	return res, nil
}

func (m *Manager) startOf(l *models.TimeLog) time.Time {
	if l.StartedAt != nil {
		return *l.StartedAt
	}
	return l.CreatedAt
}

func (m *Manager) register(ctx context.Context, taskID, userID string, start time.Time) {
	m.mu.Lock()
	m.local[pairKey(taskID, userID)] = start
	m.mu.Unlock()

	err := m.registry.PutRunningTimer(ctx, models.RunningTimer{
		TaskID:      taskID,
		UserID:      userID,
		StartedAtMs: start.UnixMilli(),
		UpdatedAt:   m.clock.Now(),
	})
	if err != nil {
		slog.Warn("failed to register running timer", "task_id", taskID, "user_id", userID, "error", err)
	}
}

func (m *Manager) unregister(ctx context.Context, taskID, userID string) {
	m.mu.Lock()
	delete(m.local, pairKey(taskID, userID))
	m.mu.Unlock()

	if err := m.registry.DeleteRunningTimer(ctx, taskID, userID); err != nil {
		slog.Warn("failed to unregister running timer", "task_id", taskID, "user_id", userID, "error", err)
	}
}

// --- Stop ---

// Stop finalizes the open log of the pair. The start time always comes
// from the persisted log when one exists.
func (m *Manager) Stop(ctx context.Context, taskID string, opts StopOptions) (*StopResult, error) {
	if taskID == "" || opts.UserID == "" {
		return nil, apperr.New(apperr.CodeValidation, "task_id and user_id are required")
	}
	key := pairKey(taskID, opts.UserID)
	unlock := m.locks.Lock(key)
	defer unlock()

	if opts.autoStopGen != 0 && !m.currentAutoStop(key, opts.autoStopGen) {
		// superseded by a stop, restart or re-arm
		return nil, nil
	}

	open, err := m.store.FindOpen(ctx, taskID, opts.UserID)
	if err != nil {
		return nil, err
	}
	if open == nil && opts.CapForced {
		// stopped elsewhere before the cap was reached
		m.cancel(key)
		m.unregister(ctx, taskID, opts.UserID)
		m.settle(opts.UserID)
		return nil, nil
	}
	if open == nil {
		return m.stopWithoutLog(ctx, taskID, opts)
	}

	m.setInflight(key, true)
	defer m.setInflight(key, false)
	m.cancel(key)

	now := m.clock.Now()
	l, err := m.store.Finalize(ctx, open.ID, now)
	if apperr.Is(err, apperr.CodeAlreadyClosed) {
		l, err = m.store.Get(ctx, open.ID)
	}
	if err != nil {
		m.restore(ctx, open)
		return nil, err
	}

	res := &StopResult{Log: l, CapForced: opts.CapForced}
	if opts.Discard {
		if _, err := m.store.Delete(ctx, l.ID); err != nil {
			m.unregister(ctx, taskID, opts.UserID)
			return nil, err
		}
		res.Discarded = true
	}
	m.unregister(ctx, taskID, opts.UserID)
	m.settle(opts.UserID)

	m.publishStop(taskID, opts, res)
	return res, nil
}

// restore re-arms an open log whose stop failed.
func (m *Manager) restore(ctx context.Context, open *models.TimeLog) {
	if _, err := m.rearmFromUsage(ctx, open.TaskID, open.UserID, m.startOf(open)); err != nil {
		slog.Error("failed to re-arm auto-stop", "task_id", open.TaskID, "user_id", open.UserID, "error", err)
	}
}

func (m *Manager) stopWithoutLog(ctx context.Context, taskID string, opts StopOptions) (*StopResult, error) {
	if !opts.Force {
		active, err := m.anyActive(ctx)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, apperr.ErrNoActiveTimer
		}
	}

	if opts.Discard {
		m.cancel(pairKey(taskID, opts.UserID))
		m.unregister(ctx, taskID, opts.UserID)
		m.settle(opts.UserID)
		res := &StopResult{Discarded: true}
		m.publishStop(taskID, opts, res)
		return res, nil
	}
	if !opts.AllowCreate {
		return nil, apperr.Newf(apperr.CodeMissingActiveLog, "no open time log for task %s", taskID)
	}

	start, ok, err := m.startEstimate(ctx, taskID, opts.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeMissingStartTime, "no start time known for task %s", taskID)
	}
	task, err := m.dir.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	l, err := m.store.Create(ctx, timelog.CreateInput{
		TaskID:    taskID,
		ProjectID: task.ProjectID,
		UserID:    opts.UserID,
		StartedAt: &start,
		EndedAt:   &now,
		EntryType: models.EntryTimer,
	})
	if err != nil {
		return nil, err
	}
	m.cancel(pairKey(taskID, opts.UserID))
	m.unregister(ctx, taskID, opts.UserID)
	m.settle(opts.UserID)

	res := &StopResult{Log: l, Created: true, CapForced: opts.CapForced}
	m.publishStop(taskID, opts, res)
	return res, nil
}

// anyActive reports whether any timer is believed to be running.
func (m *Manager) anyActive(ctx context.Context) (bool, error) {
	m.mu.Lock()
	local := len(m.local)
	m.mu.Unlock()
	if local > 0 {
		return true, nil
	}
	entries, err := m.registry.ListRunningTimers(ctx, "")
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// startEstimate prefers this process's cache, then the shared registry.
func (m *Manager) startEstimate(ctx context.Context, taskID, userID string) (time.Time, bool, error) {
	m.mu.Lock()
	start, ok := m.local[pairKey(taskID, userID)]
	m.mu.Unlock()
	if ok {
		return start, true, nil
	}
	r, err := m.registry.GetRunningTimer(ctx, taskID, userID)
	if err != nil {
		return time.Time{}, false, err
	}
	if r == nil {
		return time.Time{}, false, nil
	}
	return r.StartedAt(), true, nil
}

func (m *Manager) publishStop(taskID string, opts StopOptions, res *StopResult) {
	data := map[string]any{
		"task_id":   taskID,
		"user_id":   opts.UserID,
		"discarded": res.Discarded,
	}
	if res.Log != nil {
		data["log_id"] = res.Log.ID
		data["duration_minutes"] = res.Log.DurationMinutes
	}

	switch {
	case opts.CapForced:
		slog.Warn("timer stopped at daily cap", "task_id", taskID, "user_id", opts.UserID)
		m.notifier.Publish(events.EventTimerAutoStopped, data)
	case opts.Discard:
		slog.Info("timer reset", "task_id", taskID, "user_id", opts.UserID)
		m.notifier.Publish(events.EventTimerReset, data)
	default:
		slog.Info("timer stopped", "task_id", taskID, "user_id", opts.UserID)
		m.notifier.Publish(events.EventTimerStopped, data)
	}
}

// Reset stops the timer and discards its log.
func (m *Manager) Reset(ctx context.Context, taskID, userID string) (*StopResult, error) {
	return m.Stop(ctx, taskID, StopOptions{UserID: userID, Discard: true})
}

func (m *Manager) setInflight(key string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.inflight[key] = true
	} else {
		delete(m.inflight, key)
	}
}

// --- Auto-stop ---

func (m *Manager) arm(taskID, userID string, start, deadline time.Time) {
	key := pairKey(taskID, userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if prev := m.autoStops[key]; prev != nil {
		prev.stopper.Stop()
	}
	m.gen++
	a := &autoStop{gen: m.gen, taskID: taskID, userID: userID, start: start, deadline: deadline}
	d := deadline.Sub(m.clock.Now())
	if d < 0 {
		d = 0
	}
	gen := a.gen
	a.stopper = m.clock.AfterFunc(d, func() { m.fire(key, gen) })
	m.autoStops[key] = a
}

func (m *Manager) cancel(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.autoStops[key]; a != nil {
		a.stopper.Stop()
		delete(m.autoStops, key)
	}
}

func (m *Manager) currentAutoStop(key string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.autoStops[key]
	return a != nil && a.gen == gen
}

func (m *Manager) fire(key string, gen uint64) {
	m.mu.Lock()
	a := m.autoStops[key]
	if a == nil || a.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	taskID, userID := a.taskID, a.userID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.AutoStopTimeout)
	defer cancel()

	_, err := m.Stop(ctx, taskID, StopOptions{UserID: userID, CapForced: true, Force: true, autoStopGen: gen})
	if err != nil {
		slog.Error("failed to auto-stop timer", "task_id", taskID, "user_id", userID, "error", err)
	}
}

// AutoStopAt returns the scheduled auto-stop of a pair, if any.
func (m *Manager) AutoStopAt(taskID, userID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.autoStops[pairKey(taskID, userID)]
	if a == nil {
		return time.Time{}, false
	}
	return a.deadline, true
}

// rearmFromUsage arms the pair from today's closed total.
func (m *Manager) rearmFromUsage(ctx context.Context, taskID, userID string, start time.Time) (*time.Time, error) {
	used, err := m.usage.EnsureLoaded(ctx, userID, m.today())
	if err != nil {
		return nil, err
	}
	deadline := m.armShared(taskID, userID, start, used.TotalMinutes)
	return &deadline, nil
}

// capDeadline returns when the live total reaches the hard cap and the
// budget left now. The live total is the closed minutes plus the time each
// running timer has accrued since midnight. Running timers draw on the
// budget together, so the deadline is shared.
func (m *Manager) capDeadline(closed float64, starts []time.Time) (time.Time, time.Duration) {
	now := m.clock.Now()
	loc := m.store.Location()
	y, mo, d := now.In(loc).Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, loc)

	remaining := m.usage.HardCap() - minutes(closed)
	for _, s := range starts {
		if s.Before(midnight) {
			s = midnight
		}
		if s.Before(now) {
			remaining -= now.Sub(s)
		}
	}
	if len(starts) > 1 {
		return now.Add(remaining / time.Duration(len(starts))), remaining
	}
	return now.Add(remaining), remaining
}

// armShared arms the pair on the deadline it shares with the user's other
// armed timers, then moves those onto it.
func (m *Manager) armShared(taskID, userID string, start time.Time, closed float64) time.Time {
	key := pairKey(taskID, userID)
	m.mu.Lock()
	starts := m.armedStarts(userID, key)
	m.mu.Unlock()

	deadline, _ := m.capDeadline(closed, append(starts, start))
	m.arm(taskID, userID, start, deadline)
	m.rebalance(userID, closed)
	if at, ok := m.AutoStopAt(taskID, userID); ok {
		return at
	}
	return deadline
}

// armedStarts lists the starts of the user's armed timers that are not
// being stopped, skipping except. Callers hold m.mu.
func (m *Manager) armedStarts(userID, except string) []time.Time {
	var starts []time.Time
	for key, a := range m.autoStops {
		if a.userID != userID || key == except || m.inflight[key] {
			continue
		}
		starts = append(starts, a.start)
	}
	return starts
}

// rearmSlack absorbs rounding when the shared deadline is split.
const rearmSlack = time.Second

// rebalance moves every armed timer of the user onto the shared deadline
// for the given closed total.
func (m *Manager) rebalance(userID string, closed float64) {
	type rearm struct {
		taskID, userID string
		start          time.Time
	}
	var todo []rearm
	m.mu.Lock()
	deadline, _ := m.capDeadline(closed, m.armedStarts(userID, ""))
	for key, a := range m.autoStops {
		if a.userID != userID || m.inflight[key] {
			continue
		}
		diff := deadline.Sub(a.deadline)
		if diff > rearmSlack || diff < -rearmSlack {
			todo = append(todo, rearm{a.taskID, a.userID, a.start})
		}
	}
	m.mu.Unlock()

	for _, r := range todo {
		slog.Debug("auto-stop re-armed", "task_id", r.taskID, "user_id", r.userID, "auto_stop_at", deadline)
		m.arm(r.taskID, r.userID, r.start, deadline)
	}
}

// settle re-balances the user's remaining timers after one stopped.
func (m *Manager) settle(userID string) {
	if u := m.usage.UsageFor(userID, m.today()); u != nil {
		m.rebalance(userID, u.TotalMinutes)
	}
}

// OnUsageChanged moves the auto-stops of the user when today's closed
// total changes.
func (m *Manager) OnUsageChanged(u models.DailyUsage) {
	if u.Date != m.today() {
		return
	}
	m.rebalance(u.UserID, u.TotalMinutes)
}

// --- Reconciliation ---

// Reconcile drops registry entries without an open log and adopts open
// logs missing from the registry, using the log's own start.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	entries, err := m.registry.ListRunningTimers(ctx, "")
	if err != nil {
		return report, err
	}
	open, err := m.store.List(ctx, timelog.Filter{OpenOnly: true})
	if err != nil {
		return report, err
	}

	openByKey := make(map[string]models.TimeLog, len(open))
	for _, l := range open {
		openByKey[pairKey(l.TaskID, l.UserID)] = l
	}
	registered := make(map[string]models.RunningTimer, len(entries))
	for _, e := range entries {
		registered[pairKey(e.TaskID, e.UserID)] = e
	}

	for key, e := range registered {
		if _, ok := openByKey[key]; ok {
			continue
		}
		removed, err := m.dropStale(ctx, e)
		if err != nil {
			return report, err
		}
		if removed {
			report.Removed++
		}
	}

	keys := make([]string, 0, len(openByKey))
	for k := range openByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		l := openByKey[key]
		e, ok := registered[key]
		if err := m.adopt(ctx, l, e, ok, &report); err != nil {
			return report, err
		}
	}

	if report.Removed+report.Adopted+report.Corrected > 0 {
		slog.Info("running timers reconciled", "removed", report.Removed, "adopted", report.Adopted,
			"corrected", report.Corrected, "armed", report.Armed)
	}
	return report, nil
}

// adopt brings the registry entry and auto-stop of an open log in line,
// re-checking the log under the pair lock.
func (m *Manager) adopt(ctx context.Context, l models.TimeLog, e models.RunningTimer, registered bool, report *ReconcileReport) error {
	key := pairKey(l.TaskID, l.UserID)
	unlock := m.locks.Lock(key)
	defer unlock()

	open, err := m.store.FindOpen(ctx, l.TaskID, l.UserID)
	if err != nil {
		return err
	}
	if open == nil || open.ID != l.ID {
		return nil
	}
	start := m.startOf(open)

	switch {
	case !registered:
		m.register(ctx, l.TaskID, l.UserID, start)
		report.Adopted++
	case e.StartedAtMs != start.UnixMilli():
		m.register(ctx, l.TaskID, l.UserID, start)
		report.Corrected++
	default:
		m.mu.Lock()
		m.local[key] = start
		m.mu.Unlock()
	}

	if _, armed := m.AutoStopAt(l.TaskID, l.UserID); !armed {
		if _, err := m.rearmFromUsage(ctx, l.TaskID, l.UserID, start); err != nil {
			return err
		}
		report.Armed++
	}
	return nil
}

// dropStale removes a registry entry after re-checking under the pair lock.
func (m *Manager) dropStale(ctx context.Context, e models.RunningTimer) (bool, error) {
	key := pairKey(e.TaskID, e.UserID)
	unlock := m.locks.Lock(key)
	defer unlock()

	open, err := m.store.FindOpen(ctx, e.TaskID, e.UserID)
	if err != nil {
		return false, err
	}
	if open != nil {
		return false, nil
	}
	m.cancel(key)
	m.unregister(ctx, e.TaskID, e.UserID)
	return true, nil
}

// --- Views ---

// Running lists open timer logs, optionally for one user.
func (m *Manager) Running(ctx context.Context, userID string) ([]RunningView, error) {
	open, err := m.store.List(ctx, timelog.Filter{OpenOnly: true, UserID: userID})
	if err != nil {
		return nil, err
	}
	entries, err := m.registry.ListRunningTimers(ctx, "")
	if err != nil {
		return nil, err
	}
	registered := make(map[string]bool, len(entries))
	for _, e := range entries {
		registered[pairKey(e.TaskID, e.UserID)] = true
	}

	now := m.clock.Now()
	views := make([]RunningView, 0, len(open))
	for _, l := range open {
		key := pairKey(l.TaskID, l.UserID)
		start := m.startOf(&l)
		v := RunningView{
			Log:            l,
			State:          StateRunning,
			ElapsedMinutes: models.ComputeDuration(&start, &now, 0),
			Registered:     registered[key],
		}
		if at, ok := m.AutoStopAt(l.TaskID, l.UserID); ok {
			v.AutoStopAt = &at
		}
		m.mu.Lock()
		if m.inflight[key] {
			v.State = StateStopping
		}
		m.mu.Unlock()
		views = append(views, v)
	}
	return views, nil
}

// LiveUsage is today's usage with the elapsed time of running timers
// added, so the soft limit flips while a timer runs.
func (m *Manager) LiveUsage(ctx context.Context, userID string) (models.DailyUsage, error) {
	now := m.clock.Now()
	loc := m.store.Location()
	today := now.In(loc).Format(models.DateLayout)

	base, err := m.usage.EnsureLoaded(ctx, userID, today)
	if err != nil {
		return models.DailyUsage{}, err
	}
	open, err := m.store.List(ctx, timelog.Filter{OpenOnly: true, UserID: userID})
	if err != nil {
		return models.DailyUsage{}, err
	}

	y, mo, d := now.In(loc).Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, loc)
	total := base.TotalMinutes
	for _, l := range open {
		start := m.startOf(&l)
		if start.Before(midnight) {
			start = midnight
		}
		total += models.ComputeDuration(&start, &now, 0)
	}

	live := models.NewDailyUsage(userID, today, total, base.AllowedDailyHours, m.usage.HardCap())
	live.LogCount = base.LogCount
	live.ComputedAt = now
	return live, nil
}

// Close cancels every pending auto-stop.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, a := range m.autoStops {
		a.stopper.Stop()
		delete(m.autoStops, key)
	}
}
