// Package scheduler drives the periodic jobs: the stale-server health sweep,
// the daily analytics snapshot, and retention cleanup. Each sweep only
// enqueues work; execution happens in the task processor's worker pool.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpnexus/nexus/internal/health"
	"github.com/mcpnexus/nexus/internal/metrics"
	"github.com/mcpnexus/nexus/internal/repository"
	"github.com/mcpnexus/nexus/internal/workqueue"
)

// Config tunes the periodic jobs.
type Config struct {
	SweepInterval     time.Duration // how often to look for stale servers
	CheckInterval     time.Duration // a server is stale when unchecked for this long
	AnalyticsInterval time.Duration // daily snapshot cadence
	CleanupInterval   time.Duration // retention cleanup cadence

	SuccessRetention     time.Duration // delivered webhook history retention
	FailureRetention     time.Duration // failed webhook history retention
	HealthCheckRetention time.Duration // probe history retention
}

// DefaultConfig mirrors the original cadence: hourly sweeps, daily
// analytics, weekly cleanup.
func DefaultConfig() Config {
	return Config{
		SweepInterval:        time.Hour,
		CheckInterval:        time.Hour,
		AnalyticsInterval:    24 * time.Hour,
		CleanupInterval:      7 * 24 * time.Hour,
		SuccessRetention:     30 * 24 * time.Hour,
		FailureRetention:     90 * 24 * time.Hour,
		HealthCheckRetention: 90 * 24 * time.Hour,
	}
}

// Analytics is the daily snapshot job contract.
type Analytics interface {
	GenerateDaily(now time.Time) error
}

// Scheduler owns the periodic tickers.
type Scheduler struct {
	servers *repository.ServerRepository
	hooks   *repository.WebhookRepository
	checks  *repository.HealthCheckRepository
	queue   workqueue.Queue
	stats   Analytics
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. stats and m may be nil.
func New(
	servers *repository.ServerRepository,
	hooks *repository.WebhookRepository,
	checks *repository.HealthCheckRepository,
	queue workqueue.Queue,
	stats Analytics,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.AnalyticsInterval <= 0 {
		cfg.AnalyticsInterval = def.AnalyticsInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.SuccessRetention <= 0 {
		cfg.SuccessRetention = def.SuccessRetention
	}
	if cfg.FailureRetention <= 0 {
		cfg.FailureRetention = def.FailureRetention
	}
	if cfg.HealthCheckRetention <= 0 {
		cfg.HealthCheckRetention = def.HealthCheckRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		servers: servers,
		hooks:   hooks,
		checks:  checks,
		queue:   queue,
		stats:   stats,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the periodic loops.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started",
		"sweep_interval", s.cfg.SweepInterval,
		"check_interval", s.cfg.CheckInterval,
	)
	s.loop(s.cfg.SweepInterval, s.Sweep)
	if s.stats != nil {
		s.loop(s.cfg.AnalyticsInterval, s.runAnalytics)
	}
	s.loop(s.cfg.CleanupInterval, s.Cleanup)
	if s.metrics != nil {
		s.loop(10*time.Second, s.flushQueueGauges)
	}
}

// Stop stops all loops and waits for them.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Sweep selects active servers whose last check precedes now minus the check
// interval and enqueues one probe task per server. Fan-out, not a loop with
// blocking I/O: the sweep itself never probes anything.
func (s *Scheduler) Sweep() {
	cutoff := time.Now().UTC().Add(-s.cfg.CheckInterval)
	stale, err := s.servers.ListStale(cutoff)
	if err != nil {
		s.logger.Error("failed to list stale servers", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	s.logger.Info("running scheduled health checks", "servers", len(stale))

	for _, server := range stale {
		payload := health.ProbePayload{ServerID: server.ID, CheckType: health.CheckTypeScheduled}
		if err := s.queue.Enqueue(s.ctx, workqueue.KindHealthProbe, payload); err != nil {
			s.logger.Error("failed to enqueue health probe", "server_id", server.ID, "error", err)
		}
	}
}

func (s *Scheduler) runAnalytics() {
	if err := s.stats.GenerateDaily(time.Now()); err != nil {
		s.logger.Error("failed to generate analytics snapshot", "error", err)
	}
}

// Cleanup trims delivery and probe history past their retention windows.
func (s *Scheduler) Cleanup() {
	now := time.Now().UTC()

	deleted, err := s.hooks.DeleteOldDeliveries(
		now.Add(-s.cfg.SuccessRetention),
		now.Add(-s.cfg.FailureRetention),
	)
	if err != nil {
		s.logger.Error("failed to clean webhook deliveries", "error", err)
	} else if deleted > 0 {
		s.logger.Info("cleaned webhook deliveries", "deleted", deleted)
	}

	trimmed, err := s.checks.DeleteOlderThan(now.Add(-s.cfg.HealthCheckRetention))
	if err != nil {
		s.logger.Error("failed to clean health checks", "error", err)
	} else if trimmed > 0 {
		s.logger.Info("cleaned health checks", "deleted", trimmed)
	}
}

func (s *Scheduler) flushQueueGauges() {
	stats, err := s.queue.Stats(s.ctx)
	if err != nil {
		return
	}
	s.metrics.QueueScheduled.Set(float64(stats.Scheduled))
	s.metrics.QueueReady.Set(float64(stats.Ready))
}
