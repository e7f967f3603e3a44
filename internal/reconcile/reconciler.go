// Package reconcile runs the periodic timer sweep and usage warm-up.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/charlie0129/timelog-core/internal/models"
	"github.com/charlie0129/timelog-core/internal/timer"
	"github.com/robfig/cron/v3"
)

// Sweeper reconciles the running-timer registry with open logs.
type Sweeper interface {
	Reconcile(ctx context.Context) (timer.ReconcileReport, error)
}

// Warmer loads daily usage for a date range.
type Warmer interface {
	LoadRange(ctx context.Context, from, to string) ([]models.DailyUsage, error)
}

type Options struct {
	SweepSchedule string
	WarmSchedule  string
	WarmDays      int
	Location      *time.Location
	// JobTimeout bounds one run of either job.
	JobTimeout time.Duration
}

type Reconciler struct {
	sweeper Sweeper
	warmer  Warmer
	opts    Options
	cron    *cron.Cron

	Now func() time.Time

	mu       sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
}

func New(sweeper Sweeper, warmer Warmer, opts Options) *Reconciler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.WarmDays <= 0 {
		opts.WarmDays = 7
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	return &Reconciler{
		sweeper: sweeper,
		warmer:  warmer,
		opts:    opts,
		Now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start runs both jobs once, then schedules them.
func (r *Reconciler) Start() {
	r.RunOnce(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	r.cron = cron.New(cron.WithLocation(r.opts.Location))
	r.schedule("sweep", r.opts.SweepSchedule, 5*time.Minute, r.sweep)
	r.schedule("warm", r.opts.WarmSchedule, 24*time.Hour, r.warm)
	r.cron.Start()
}

func (r *Reconciler) schedule(name, spec string, fallback time.Duration, job func(context.Context)) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.JobTimeout)
		defer cancel()
		job(ctx)
	}

	_, err := r.cron.AddFunc(spec, run)
	if err != nil {
		slog.Error("failed to add cron job, falling back to ticker",
			"job", name, "schedule", spec, "interval", fallback, "error", err)
		go func() {
			ticker := time.NewTicker(fallback)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					run()
				case <-r.done:
					return
				}
			}
		}()
		return
	}
	slog.Info("scheduled job", "job", name, "schedule", spec, "timezone", r.opts.Location.String())
}

// Stop halts the scheduler and waits for running jobs.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		close(r.done)
		c := r.cron
		r.mu.Unlock()
		if c != nil {
			<-c.Stop().Done()
		}
	})
}

// RunOnce runs the sweep and the warm-up synchronously.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.sweep(ctx)
	r.warm(ctx)
}

func (r *Reconciler) sweep(ctx context.Context) {
	report, err := r.sweeper.Reconcile(ctx)
	if err != nil {
		slog.Error("timer reconciliation failed", "error", err)
		return
	}
	slog.Info("timer reconciliation completed",
		"removed", report.Removed, "adopted", report.Adopted,
		"corrected", report.Corrected, "armed", report.Armed)
}

func (r *Reconciler) warm(ctx context.Context) {
	from, to := r.WarmRange()
	records, err := r.warmer.LoadRange(ctx, from, to)
	if err != nil {
		slog.Error("failed to warm daily usage", "from", from, "to", to, "error", err)
		return
	}
	slog.Info("daily usage warmed", "from", from, "to", to, "records", len(records))
}

// WarmRange is the inclusive date range the warm-up loads.
func (r *Reconciler) WarmRange() (string, string) {
	today := r.Now().In(r.opts.Location)
	return today.AddDate(0, 0, -r.opts.WarmDays).Format(models.DateLayout), today.Format(models.DateLayout)
}
