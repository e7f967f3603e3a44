package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charlie0129/timelog-core/internal/api"
	"github.com/charlie0129/timelog-core/internal/approval"
	"github.com/charlie0129/timelog-core/internal/compat"
	"github.com/charlie0129/timelog-core/internal/config"
	"github.com/charlie0129/timelog-core/internal/database"
	"github.com/charlie0129/timelog-core/internal/directory"
	"github.com/charlie0129/timelog-core/internal/events"
	"github.com/charlie0129/timelog-core/internal/models"
	"github.com/charlie0129/timelog-core/internal/reconcile"
	"github.com/charlie0129/timelog-core/internal/timelog"
	"github.com/charlie0129/timelog-core/internal/timer"
	"github.com/charlie0129/timelog-core/internal/usage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.GetLogLevel(),
	}))
	slog.SetDefault(logger)

	// Initialize database
	schema := database.SchemaModern
	if cfg.Schema == string(database.SchemaLegacy) {
		schema = database.SchemaLegacy
	}
	db, err := database.New(cfg.DatabasePath, database.Options{
		Schema:        schema,
		ApproverRoles: cfg.ApproverRoles,
	})
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	loc := cfg.GetTimezone()
	slog.Info("local time", "time", time.Now().In(loc).Format(time.RFC3339))

	bridge := compat.NewBridge()
	if cfg.ShouldDetectLegacy() {
		bridge.Detect(db.Schema())
	}

	var dir directory.Directory = directory.NewLocal(db)
	if cfg.DirectoryURL != "" {
		dir = directory.NewClient(cfg.DirectoryURL, cfg.DirectoryToken, cfg.ProxyURL)
		slog.Info("using external directory", "url", cfg.DirectoryURL)
	}

	hub := events.NewHub()
	defer hub.Close()

	// Usage is recomputed on every log mutation
	store := timelog.NewStore(db, bridge, loc)
	agg := usage.New(store, dir, usage.Options{
		HardCap:             cfg.HardCap(),
		DefaultAllowedHours: cfg.DefaultAllowedHours,
	})
	store.OnChange(agg.Invalidate)
	agg.Subscribe(func(u models.DailyUsage) {
		hub.Publish(events.EventUsageUpdated, map[string]any{
			"user_id":         u.UserID,
			"date":            u.Date,
			"total_minutes":   u.TotalMinutes,
			"over_user_limit": u.OverUserLimit,
			"over_hard_cap":   u.OverHardCap,
		})
	})

	mgr := timer.NewManager(store, agg, db, dir, hub, timer.RealClock(), timer.Options{
		RequireAllocation: true,
	})
	workflow := approval.NewWorkflow(store, db, bridge, hub)

	// Start background reconciliation and usage warm-up
	reconciler := reconcile.New(mgr, agg, reconcile.Options{
		SweepSchedule: cfg.SweepSchedule,
		WarmSchedule:  cfg.WarmSchedule,
		WarmDays:      cfg.WarmDays,
		Location:      loc,
	})
	go reconciler.Start()

	// Setup HTTP server
	handler := api.NewHandler(api.Services{
		DB:       db,
		Bridge:   bridge,
		Store:    store,
		Usage:    agg,
		Timers:   mgr,
		Approval: workflow,
		Hub:      hub,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     corsMiddleware(mux),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: /api/v1/events holds websocket connections open
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server...")
		reconciler.Stop()
		mgr.Close()
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Name, X-User-Role")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
