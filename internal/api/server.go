// Package api exposes the registry core over HTTP: server registration and
// lookup, the verification lifecycle, webhook management, and the public
// verification badge.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mcpnexus/nexus/internal/analytics"
	"github.com/mcpnexus/nexus/internal/config"
	"github.com/mcpnexus/nexus/internal/repository"
	"github.com/mcpnexus/nexus/internal/verification"
	"github.com/mcpnexus/nexus/internal/webhook"
	"github.com/mcpnexus/nexus/internal/workqueue"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	servers      *repository.ServerRepository
	checks       *repository.HealthCheckRepository
	hooks        *repository.WebhookRepository
	verification *verification.Service
	dispatcher   *webhook.Dispatcher
	stats        *analytics.Service
	queue        workqueue.Queue

	config    *config.ServerConfig
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates a new API server
func NewServer(
	servers *repository.ServerRepository,
	checks *repository.HealthCheckRepository,
	hooks *repository.WebhookRepository,
	verification *verification.Service,
	dispatcher *webhook.Dispatcher,
	stats *analytics.Service,
	queue workqueue.Queue,
	cfg *config.ServerConfig,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		servers:      servers,
		checks:       checks,
		hooks:        hooks,
		verification: verification,
		dispatcher:   dispatcher,
		stats:        stats,
		queue:        queue,
		config:       cfg,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Public endpoints (no auth required)
	s.router.Get("/health", s.handleServiceHealth)
	s.router.Get("/servers/{id}/badge.svg", s.handleBadge)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/servers", s.handleRegisterServer)
		r.Get("/servers/{id}", s.handleGetServer)
		r.Get("/servers/{id}/health-checks", s.handleListHealthChecks)

		r.Post("/servers/{id}/verification", s.handleRequestVerification)
		r.Post("/verification/{id}/complete", s.handleCompleteVerification)
		r.Get("/verification/{id}", s.handleVerificationStatus)

		r.Post("/webhooks", s.handleCreateWebhook)
		r.Get("/webhooks", s.handleListWebhooks)
		r.Get("/webhooks/{id}", s.handleGetWebhook)
		r.Put("/webhooks/{id}", s.handleUpdateWebhook)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)
		r.Post("/webhooks/{id}/regenerate-secret", s.handleRegenerateSecret)
		r.Get("/webhooks/{id}/deliveries", s.handleListDeliveries)
		r.Post("/webhooks/{id}/test", s.handleTestWebhook)
		r.Post("/deliveries/{id}/retry", s.handleRetryDelivery)

		r.Post("/events", s.handleTriggerEvent)
		r.Get("/analytics/snapshots", s.handleListSnapshots)
	})
}

// Handler returns the configured router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
