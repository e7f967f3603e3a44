// Package usage derives per-user daily totals from time logs and caches them.
package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/models"
)

// Logs is the read side of the time log store.
type Logs interface {
	ListRange(ctx context.Context, userID, from, to string) ([]models.TimeLog, error)
	Location() *time.Location
}

// Users resolves per-user allowances.
type Users interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type Options struct {
	HardCap             time.Duration
	DefaultAllowedHours float64
}

// Subscriber receives every record the aggregator caches.
type Subscriber func(models.DailyUsage)

// Aggregator caches one DailyUsage per (user, date). Entries are only
// ever replaced as a whole.
type Aggregator struct {
	logs  Logs
	users Users
	opts  Options

	// Now stamps ComputedAt.
	Now func() time.Time

	mu    sync.RWMutex
	cache map[string]models.DailyUsage

	// versions counts invalidations per key. A computation that started
	// before the latest invalidation is not cached.
	versions map[string]uint64

	subMu sync.RWMutex
	subs  []Subscriber
}

func New(logs Logs, users Users, opts Options) *Aggregator {
	if opts.HardCap <= 0 {
		opts.HardCap = 16 * time.Hour
	}
	if opts.DefaultAllowedHours < 0 {
		opts.DefaultAllowedHours = 8
	}
	return &Aggregator{
		logs:  logs,
		users: users,
		opts:  opts,
		Now:   time.Now,
		cache:    make(map[string]models.DailyUsage),
		versions: make(map[string]uint64),
	}
}

// Key is the cache key for a (user, date) pair.
func Key(userID, date string) string {
	return userID + "|" + date
}

// HardCap returns the organization-wide daily ceiling.
func (a *Aggregator) HardCap() time.Duration {
	return a.opts.HardCap
}

// Subscribe registers fn to receive every recomputed record.
func (a *Aggregator) Subscribe(fn Subscriber) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subs = append(a.subs, fn)
}

// UsageFor returns the cached record or nil when nothing is cached yet.
func (a *Aggregator) UsageFor(userID, date string) *models.DailyUsage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.cache[Key(userID, date)]
	if !ok {
		return nil
	}
	return &u
}

// EnsureLoaded returns the cached record, computing it on a miss.
func (a *Aggregator) EnsureLoaded(ctx context.Context, userID, date string) (models.DailyUsage, error) {
	if u := a.UsageFor(userID, date); u != nil {
		return *u, nil
	}
	return a.Recompute(ctx, userID, date)
}

// Recompute rebuilds the record for one pair from the store. When the pair
// is invalidated while the logs are being read, the result is returned but
// not cached.
func (a *Aggregator) Recompute(ctx context.Context, userID, date string) (models.DailyUsage, error) {
	return a.recompute(ctx, userID, date, a.version(Key(userID, date)))
}

func (a *Aggregator) recompute(ctx context.Context, userID, date string, version uint64) (models.DailyUsage, error) {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return models.DailyUsage{}, apperr.Wrap(apperr.CodeValidation, "invalid date "+date, err)
	}
	logs, err := a.logs.ListRange(ctx, userID, date, date)
	if err != nil {
		return models.DailyUsage{}, err
	}
	allowed, err := a.allowedHours(ctx, userID)
	if err != nil {
		return models.DailyUsage{}, err
	}

	total, count := a.sum(logs, userID, date)
	u := models.NewDailyUsage(userID, date, total, allowed, a.opts.HardCap)
	u.LogCount = count
	u.ComputedAt = a.Now()

	if !a.store(u, version) {
		slog.Debug("discarding stale daily usage", "user_id", userID, "date", date)
		if cached := a.UsageFor(userID, date); cached != nil {
			return *cached, nil
		}
	}
	return u, nil
}

// Invalidate recomputes a pair after a log mutation. Failures drop the
// cached entry so the next read recomputes.
func (a *Aggregator) Invalidate(ctx context.Context, userID, date string) {
	key := Key(userID, date)
	a.mu.Lock()
	a.versions[key]++
	version := a.versions[key]
	a.mu.Unlock()

	if _, err := a.recompute(ctx, userID, date, version); err != nil {
		slog.Error("failed to recompute daily usage", "user_id", userID, "date", date, "error", err)
		a.mu.Lock()
		if a.versions[key] == version {
			delete(a.cache, key)
		}
		a.mu.Unlock()
	}
}

func (a *Aggregator) version(key string) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.versions[key]
}

// LoadRange computes every pair with at least one finalized log bucketed in
// [from, to] and replaces those cache entries.
func (a *Aggregator) LoadRange(ctx context.Context, from, to string) ([]models.DailyUsage, error) {
	if from > to {
		from, to = to, from
	}
	a.mu.RLock()
	seen := make(map[string]uint64, len(a.versions))
	for k, v := range a.versions {
		seen[k] = v
	}
	a.mu.RUnlock()

	logs, err := a.logs.ListRange(ctx, "", from, to)
	if err != nil {
		return nil, err
	}

	loc := a.logs.Location()
	byKey := make(map[string][]models.TimeLog)
	for _, l := range logs {
		if l.Open() {
			continue
		}
		date := l.BucketDate(loc)
		if date < from || date > to {
			continue
		}
		k := Key(l.UserID, date)
		byKey[k] = append(byKey[k], l)
	}

	allowance := make(map[string]float64)
	var out []models.DailyUsage
	for k, group := range byKey {
		userID := group[0].UserID
		date := group[0].BucketDate(loc)

		allowed, ok := allowance[userID]
		if !ok {
			allowed, err = a.allowedHours(ctx, userID)
			if err != nil {
				return nil, err
			}
			allowance[userID] = allowed
		}

		total, count := a.sum(group, userID, date)
		u := models.NewDailyUsage(userID, date, total, allowed, a.opts.HardCap)
		u.LogCount = count
		u.ComputedAt = a.Now()
		if !a.store(u, seen[k]) {
			if cached := a.UsageFor(userID, date); cached != nil {
				u = *cached
			}
		}
		out = append(out, u)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].UserID < out[j].UserID
	})
	slog.Debug("daily usage range loaded", "from", from, "to", to, "records", len(out))
	return out, nil
}

// sum totals closed, non-rejected logs of userID bucketed on date.
func (a *Aggregator) sum(logs []models.TimeLog, userID, date string) (float64, int) {
	loc := a.logs.Location()
	var total float64
	count := 0
	for i := range logs {
		l := &logs[i]
		if l.UserID != userID || l.Open() || l.ApprovalStatus == models.StatusRejected {
			continue
		}
		if l.BucketDate(loc) != date {
			continue
		}
		total += models.ComputeDuration(l.StartedAt, l.EndedAt, l.DurationMinutes)
		count++
	}
	return total, count
}

func (a *Aggregator) allowedHours(ctx context.Context, userID string) (float64, error) {
	if a.users == nil {
		return a.opts.DefaultAllowedHours, nil
	}
	u, err := a.users.GetUser(ctx, userID)
	if apperr.Is(err, apperr.CodeNotFound) {
		return a.opts.DefaultAllowedHours, nil
	}
	if err != nil {
		return 0, err
	}
	if u.AllowedDailyHours == nil {
		return a.opts.DefaultAllowedHours, nil
	}
	return *u.AllowedDailyHours, nil
}

// store caches u unless its key was invalidated after version was read.
func (a *Aggregator) store(u models.DailyUsage, version uint64) bool {
	key := Key(u.UserID, u.Date)
	a.mu.Lock()
	if a.versions[key] != version {
		a.mu.Unlock()
		return false
	}
	a.cache[key] = u
	a.mu.Unlock()

	a.subMu.RLock()
	subs := append([]Subscriber(nil), a.subs...)
	a.subMu.RUnlock()
	for _, fn := range subs {
		fn(u)
	}
	return true
}
