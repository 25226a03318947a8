// Package app wires the registry components together and owns their
// lifecycle: storage, work queue, processor, scheduler, API and metrics
// servers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpnexus/nexus/internal/analytics"
	"github.com/mcpnexus/nexus/internal/api"
	"github.com/mcpnexus/nexus/internal/challenge"
	"github.com/mcpnexus/nexus/internal/config"
	"github.com/mcpnexus/nexus/internal/db"
	"github.com/mcpnexus/nexus/internal/health"
	"github.com/mcpnexus/nexus/internal/metrics"
	"github.com/mcpnexus/nexus/internal/probe"
	"github.com/mcpnexus/nexus/internal/repository"
	"github.com/mcpnexus/nexus/internal/scheduler"
	"github.com/mcpnexus/nexus/internal/verification"
	"github.com/mcpnexus/nexus/internal/webhook"
	"github.com/mcpnexus/nexus/internal/workqueue"
)

// App is the main application
type App struct {
	config        *config.Config
	database      *db.DB
	queue         *workqueue.BoltQueue
	processor     *workqueue.Processor
	scheduler     *scheduler.Scheduler
	apiServer     *api.Server
	metricsServer *http.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	queue, err := workqueue.NewBoltQueue(cfg.Storage.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open task queue: %w", err)
	}

	servers := repository.NewServerRepository(database.DB)
	requests := repository.NewVerificationRepository(database.DB)
	checks := repository.NewHealthCheckRepository(database.DB)
	hooks := repository.NewWebhookRepository(database.DB)
	snapshots := repository.NewSnapshotRepository(database.DB)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	probes := probe.NewClient(
		probe.WithTimeout(probe.KindHealth, cfg.Health.ProbeTimeout),
		probe.WithTimeout(probe.KindCapabilities, cfg.Health.ProbeTimeout),
	)
	challenges := challenge.NewVerifier(nil, probes)

	processor := workqueue.NewProcessor(queue, workqueue.ProcessorConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		TaskTimeout:  cfg.Queue.TaskTimeout,
	}, logger)

	dispatcher := webhook.NewDispatcher(hooks, queue, webhook.Config{
		Timeout:     cfg.Webhooks.Timeout,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		BackoffBase: cfg.Webhooks.BackoffBase,
	}, m, logger)
	dispatcher.RegisterHandler(processor)

	aggregator := health.New(servers, checks, probes, dispatcher, m, cfg.Health.UptimeWindow, logger)
	aggregator.RegisterHandler(processor)

	verifier := verification.NewService(
		servers, requests, challenges, probes,
		aggregator, dispatcher, m, cfg.Verification.TokenTTL, logger,
	)

	stats := analytics.New(servers, snapshots, logger)

	sched := scheduler.New(servers, hooks, checks, queue, stats, m, scheduler.Config{
		SweepInterval:        cfg.Scheduler.SweepInterval,
		CheckInterval:        cfg.Health.CheckInterval,
		AnalyticsInterval:    cfg.Scheduler.AnalyticsInterval,
		CleanupInterval:      cfg.Scheduler.CleanupInterval,
		SuccessRetention:     cfg.Scheduler.SuccessRetention,
		FailureRetention:     cfg.Scheduler.FailureRetention,
		HealthCheckRetention: cfg.Scheduler.HealthCheckRetention,
	}, logger)

	apiServer := api.NewServer(servers, checks, hooks, verifier, dispatcher, stats, queue, &cfg.Server, logger)

	var metricsServer *http.Server
	if m != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: mux,
		}
	}

	return &App{
		config:        cfg,
		database:      database,
		queue:         queue,
		processor:     processor,
		scheduler:     sched,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		logger:        logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting nexusd",
		"api_addr", a.config.Server.ListenAddr,
		"database", a.config.Storage.DatabasePath,
		"workers", a.config.Queue.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	a.scheduler.Start()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			a.logger.Info("starting metrics server", "addr", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop producing new work before stopping the workers.
	a.scheduler.Stop()
	a.processor.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.queue.Close(); err != nil {
		a.logger.Error("task queue close error", "error", err)
	}

	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
