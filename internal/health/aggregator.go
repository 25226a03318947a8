// Package health records probe results and maintains each server's rolling
// uptime and active/inactive state. Aggregation is always recomputed from the
// full trailing window, never from incremental counters, so concurrent or
// backfilled checks converge to the same result.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mcpnexus/nexus/internal/metrics"
	"github.com/mcpnexus/nexus/internal/models"
	"github.com/mcpnexus/nexus/internal/probe"
	"github.com/mcpnexus/nexus/internal/repository"
)

// Status messages written on automatic state transitions.
const (
	msgDown     = "Down during automatic health check"
	msgRestored = "Restored during automatic health check"

	msgInitialUp   = "Server is active"
	msgInitialDown = "Server is not responding"
)

// Check origin tags stored in HealthCheck.Details["check_type"].
const (
	CheckTypeScheduled    = "scheduled"
	CheckTypeVerification = "verification"
	CheckTypeInitial      = "initial_verification"
)

// DefaultWindow is the trailing window uptime is computed over.
const DefaultWindow = 30 * 24 * time.Hour

// Notifier publishes registry events. The webhook dispatcher satisfies this;
// a nil Notifier disables event emission.
type Notifier interface {
	Trigger(ctx context.Context, event models.Event, payload map[string]any)
}

// Aggregator ingests health checks and recomputes server liveness state.
type Aggregator struct {
	servers  *repository.ServerRepository
	checks   *repository.HealthCheckRepository
	probes   *probe.Client
	notifier Notifier
	metrics  *metrics.Metrics
	window   time.Duration
	logger   *slog.Logger
}

// New creates an Aggregator. m may be nil; window <= 0 selects the 30-day
// default.
func New(servers *repository.ServerRepository, checks *repository.HealthCheckRepository, probes *probe.Client, notifier Notifier, m *metrics.Metrics, window time.Duration, logger *slog.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	if probes == nil {
		probes = probe.NewClient()
	}
	return &Aggregator{
		servers:  servers,
		checks:   checks,
		probes:   probes,
		notifier: notifier,
		metrics:  m,
		window:   window,
		logger:   logger.With("component", "health"),
	}
}

// Record persists the probe record, then recomputes the server's uptime over
// the trailing window and applies the active/inactive transition policy.
// Returns the recomputed uptime percentage.
func (a *Aggregator) Record(ctx context.Context, check *models.HealthCheck) (float64, error) {
	if err := a.checks.Create(check); err != nil {
		return 0, err
	}
	return a.recompute(ctx, check)
}

// recompute derives uptime from the window query and applies transitions.
// Idempotent: running it twice for the same window yields the same state.
func (a *Aggregator) recompute(ctx context.Context, check *models.HealthCheck) (float64, error) {
	server, err := a.servers.GetByID(check.ServerID)
	if err != nil {
		return 0, fmt.Errorf("failed to load server for aggregation: %w", err)
	}

	since := check.CreatedAt.Add(-a.window)
	total, up, err := a.checks.WindowCounts(server.ID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count window checks: %w", err)
	}

	uptime := 0.0
	if total > 0 {
		uptime = float64(up) / float64(total) * 100
	}

	isActive := server.IsActive
	statusMessage := server.StatusMessage
	transitioned := false

	if !check.IsUp && server.IsActive {
		isActive = false
		statusMessage = msgDown
		transitioned = true
	} else if check.IsUp && !server.IsActive {
		isActive = true
		statusMessage = msgRestored
		transitioned = true
	}

	if err := a.servers.UpdateHealthState(server.ID, uptime, isActive, check.CreatedAt, statusMessage); err != nil {
		return 0, fmt.Errorf("failed to update server health state: %w", err)
	}

	a.logger.Info("health check recorded",
		"server_id", server.ID,
		"up", check.IsUp,
		"uptime", uptime,
	)

	if transitioned && a.notifier != nil {
		a.notifier.Trigger(ctx, models.EventServerStatusChanged, map[string]any{
			"server_id":      server.ID,
			"is_active":      isActive,
			"status_message": statusMessage,
		})
	}

	return uptime, nil
}

// CheckServer probes <server.url>/health and records the result. checkType
// tags the record with its origin (scheduled, verification, initial_verification).
func (a *Aggregator) CheckServer(ctx context.Context, server *models.Server, checkType string) (*models.HealthCheck, error) {
	result := a.probes.Probe(ctx, HealthURL(server.URL), probe.KindHealth)
	if a.metrics != nil {
		a.metrics.ObserveProbe(result.Up, result.ResponseSeconds())
	}

	check := &models.HealthCheck{
		ServerID:     server.ID,
		IsUp:         result.Up,
		ResponseTime: result.ResponseSeconds(),
		ErrorMessage: result.Error,
		Details:      map[string]any{"check_type": checkType},
		CreatedAt:    time.Now().UTC(),
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		check.StatusCode = &code
	}

	if _, err := a.Record(ctx, check); err != nil {
		return nil, err
	}
	return check, nil
}

// Initiate runs the first probe for a newly registered server and sets its
// initial active state. Registration leaves servers inactive until this runs.
func (a *Aggregator) Initiate(ctx context.Context, serverID string) error {
	server, err := a.servers.GetByID(serverID)
	if err != nil {
		return err
	}

	check, err := a.CheckServer(ctx, server, CheckTypeInitial)
	if err != nil {
		return err
	}

	// The transition policy above only reacts to changes; the initial probe
	// always states the result explicitly.
	statusMessage := msgInitialDown
	if check.IsUp {
		statusMessage = msgInitialUp
	}

	updated, err := a.servers.GetByID(serverID)
	if err != nil {
		return err
	}
	if err := a.servers.UpdateHealthState(serverID, updated.Uptime, check.IsUp, check.CreatedAt, statusMessage); err != nil {
		return err
	}

	a.logger.Info("initiated server", "server_id", serverID, "up", check.IsUp)
	return nil
}

// HealthURL joins a server base URL with the /health probe path.
func HealthURL(base string) string {
	return strings.TrimRight(base, "/") + "/health"
}

// CapabilitiesURL joins a server base URL with the /capabilities path.
func CapabilitiesURL(base string) string {
	return strings.TrimRight(base, "/") + "/capabilities"
}
