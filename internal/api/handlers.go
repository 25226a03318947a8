package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mcpnexus/nexus/internal/health"
	"github.com/mcpnexus/nexus/internal/models"
	"github.com/mcpnexus/nexus/internal/repository"
	"github.com/mcpnexus/nexus/internal/verification"
	"github.com/mcpnexus/nexus/internal/webhook"
	"github.com/mcpnexus/nexus/internal/workqueue"
)

// RegisterServerRequest is the request body for POST /servers
type RegisterServerRequest struct {
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	OwnerID      string   `json:"owner_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Queue  *workqueue.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleRegisterServer handles POST /api/v1/servers
func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req RegisterServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.OwnerID == "" {
		s.sendError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || u.Scheme == "" || u.Host == "" {
		s.sendError(w, http.StatusBadRequest, "url must be absolute")
		return
	}

	server := &models.Server{
		ID:           uuid.New().String(),
		Name:         req.Name,
		URL:          req.URL,
		OwnerID:      req.OwnerID,
		Capabilities: req.Capabilities,
	}

	if err := s.servers.Create(server); err != nil {
		s.logger.Error("failed to register server", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to register server")
		return
	}

	// The first probe runs asynchronously; the server stays inactive until
	// it completes.
	payload := health.ProbePayload{ServerID: server.ID, CheckType: health.CheckTypeInitial}
	if err := s.queue.Enqueue(r.Context(), workqueue.KindHealthProbe, payload); err != nil {
		s.logger.Error("failed to enqueue initial health check", "server_id", server.ID, "error", err)
	}

	if s.dispatcher != nil {
		s.dispatcher.Trigger(r.Context(), models.EventServerCreated, map[string]any{
			"server_id": server.ID,
			"name":      server.Name,
			"url":       server.URL,
		})
	}

	s.logger.Info("server registered", "id", server.ID, "url", server.URL)
	s.sendJSON(w, http.StatusCreated, server)
}

// handleGetServer handles GET /api/v1/servers/{id}
func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.servers.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, server)
}

// handleListHealthChecks handles GET /api/v1/servers/{id}/health-checks
func (s *Server) handleListHealthChecks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.servers.GetByID(id); err != nil {
		s.writeServiceError(w, err)
		return
	}

	checks, err := s.checks.ListByServer(id, 0)
	if err != nil {
		s.logger.Error("failed to list health checks", "server_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list health checks")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"health_checks": checks})
}

// handleTriggerEvent handles POST /api/v1/events. Other subsystems use this
// to fire events the core does not originate itself (server.updated etc.).
func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event   models.Event   `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !models.ValidEvent(req.Event) {
		s.sendError(w, http.StatusBadRequest, "unknown event name")
		return
	}

	s.dispatcher.Trigger(r.Context(), req.Event, req.Payload)
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleListSnapshots handles GET /api/v1/analytics/snapshots
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.stats.Recent(0)
	if err != nil {
		s.logger.Error("failed to list snapshots", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list snapshots")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// handleServiceHealth handles GET /health
func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	if stats, err := s.queue.Stats(r.Context()); err == nil {
		resp.Queue = stats
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var conflict *verification.ConflictError

	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Not found")
	case errors.As(err, &conflict):
		s.sendError(w, http.StatusConflict, conflict.Error())
	case errors.Is(err, repository.ErrConflict):
		s.sendError(w, http.StatusConflict, "Conflict")
	case errors.Is(err, verification.ErrTokenExpired):
		s.sendError(w, http.StatusGone, err.Error())
	case errors.Is(err, verification.ErrRequestClosed),
		errors.Is(err, webhook.ErrWebhookInactive),
		errors.Is(err, webhook.ErrNotRetryable):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, verification.ErrInvalidMethod):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
