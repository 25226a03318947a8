package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpnexus/nexus/internal/models"
)

// VerificationRequestResponse is the response for POST /servers/{id}/verification
type VerificationRequestResponse struct {
	Request      *models.VerificationRequest `json:"request"`
	Instructions string                      `json:"instructions"`
}

// CompleteVerificationRequest is the request body for POST /verification/{id}/complete
type CompleteVerificationRequest struct {
	Method models.VerificationMethod `json:"method"`
	Proof  string                    `json:"proof,omitempty"`
}

// VerificationStatusResponse is the response for GET /verification/{id}
type VerificationStatusResponse struct {
	Request *models.VerificationRequest `json:"request"`
	Checks  []*models.VerificationCheck `json:"checks"`
}

// handleRequestVerification handles POST /api/v1/servers/{id}/verification
func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	req, instructions, err := s.verification.Request(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, VerificationRequestResponse{
		Request:      req,
		Instructions: instructions,
	})
}

// handleCompleteVerification handles POST /api/v1/verification/{id}/complete
func (s *Server) handleCompleteVerification(w http.ResponseWriter, r *http.Request) {
	var body CompleteVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.verification.Complete(r.Context(), chi.URLParam(r, "id"), body.Method, body.Proof)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	// A failed verification is still a processed completion; the per-check
	// messages tell the owner what to fix.
	s.sendJSON(w, http.StatusOK, result)
}

// handleVerificationStatus handles GET /api/v1/verification/{id}
func (s *Server) handleVerificationStatus(w http.ResponseWriter, r *http.Request) {
	req, checks, err := s.verification.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, VerificationStatusResponse{Request: req, Checks: checks})
}
