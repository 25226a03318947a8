package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mcpnexus/nexus/internal/models"
	"github.com/mcpnexus/nexus/internal/webhook"
)

// CreateWebhookRequest is the request body for POST /webhooks
type CreateWebhookRequest struct {
	OwnerID     string         `json:"owner_id"`
	URL         string         `json:"url"`
	Events      []models.Event `json:"events"`
	Description string         `json:"description,omitempty"`
}

// UpdateWebhookRequest is the request body for PUT /webhooks/{id}
type UpdateWebhookRequest struct {
	URL         *string         `json:"url,omitempty"`
	Events      *[]models.Event `json:"events,omitempty"`
	Description *string         `json:"description,omitempty"`
	Active      *bool           `json:"active,omitempty"`
}

// WebhookSecretResponse carries the signing secret, returned only on
// creation and regeneration.
type WebhookSecretResponse struct {
	Webhook *models.Webhook `json:"webhook"`
	Secret  string          `json:"secret"`
}

// handleCreateWebhook handles POST /api/v1/webhooks
func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
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
	if len(req.Events) == 0 {
		s.sendError(w, http.StatusBadRequest, "events is required")
		return
	}
	for _, ev := range req.Events {
		if !models.ValidEvent(ev) {
			s.sendError(w, http.StatusBadRequest, "unknown event name: "+string(ev))
			return
		}
	}

	hook := &models.Webhook{
		ID:          uuid.New().String(),
		OwnerID:     req.OwnerID,
		URL:         req.URL,
		Events:      req.Events,
		Description: req.Description,
		Active:      true,
		Secret:      webhook.GenerateSecret(),
	}

	if err := s.hooks.Create(hook); err != nil {
		s.logger.Error("failed to create webhook", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create webhook")
		return
	}

	s.logger.Info("webhook created", "id", hook.ID, "url", hook.URL)

	// The secret is shown once; afterwards it is only usable, not readable.
	s.sendJSON(w, http.StatusCreated, WebhookSecretResponse{Webhook: hook, Secret: hook.Secret})
}

// handleListWebhooks handles GET /api/v1/webhooks?owner_id=...
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		s.sendError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	hooks, err := s.hooks.ListByOwner(ownerID)
	if err != nil {
		s.logger.Error("failed to list webhooks", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list webhooks")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

// handleGetWebhook handles GET /api/v1/webhooks/{id}
func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.hooks.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, hook)
}

// handleUpdateWebhook handles PUT /api/v1/webhooks/{id}
func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.hooks.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req UpdateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.URL != nil {
		if u, err := url.Parse(*req.URL); err != nil || u.Scheme == "" || u.Host == "" {
			s.sendError(w, http.StatusBadRequest, "url must be absolute")
			return
		}
		hook.URL = *req.URL
	}
	if req.Events != nil {
		if len(*req.Events) == 0 {
			s.sendError(w, http.StatusBadRequest, "events must not be empty")
			return
		}
		for _, ev := range *req.Events {
			if !models.ValidEvent(ev) {
				s.sendError(w, http.StatusBadRequest, "unknown event name: "+string(ev))
				return
			}
		}
		hook.Events = *req.Events
	}
	if req.Description != nil {
		hook.Description = *req.Description
	}
	if req.Active != nil {
		hook.Active = *req.Active
	}

	if err := s.hooks.Update(hook); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, hook)
}

// handleDeleteWebhook handles DELETE /api/v1/webhooks/{id}
func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.hooks.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRegenerateSecret handles POST /api/v1/webhooks/{id}/regenerate-secret
func (s *Server) handleRegenerateSecret(w http.ResponseWriter, r *http.Request) {
	hook, err := s.hooks.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	secret := webhook.GenerateSecret()
	if err := s.hooks.UpdateSecret(hook.ID, secret); err != nil {
		s.writeServiceError(w, err)
		return
	}
	hook.Secret = secret

	s.logger.Info("webhook secret regenerated", "id", hook.ID)
	s.sendJSON(w, http.StatusOK, WebhookSecretResponse{Webhook: hook, Secret: secret})
}

// handleListDeliveries handles GET /api/v1/webhooks/{id}/deliveries
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.hooks.GetByID(id); err != nil {
		s.writeServiceError(w, err)
		return
	}

	deliveries, err := s.hooks.ListDeliveries(id, 0)
	if err != nil {
		s.logger.Error("failed to list deliveries", "webhook_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list deliveries")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// handleTestWebhook handles POST /api/v1/webhooks/{id}/test
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := s.dispatcher.TestFire(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusAccepted, map[string]string{
		"status":      "queued",
		"delivery_id": deliveryID,
	})
}

// handleRetryDelivery handles POST /api/v1/deliveries/{id}/retry
func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.dispatcher.Retry(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusAccepted, map[string]string{
		"status":      "queued",
		"delivery_id": id,
	})
}
