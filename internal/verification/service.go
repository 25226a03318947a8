// Package verification orchestrates the server verification lifecycle:
// token issuance, the ownership/health/capabilities/security check sequence,
// and the final trust decision.
package verification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mcpnexus/nexus/internal/challenge"
	"github.com/mcpnexus/nexus/internal/health"
	"github.com/mcpnexus/nexus/internal/metrics"
	"github.com/mcpnexus/nexus/internal/models"
	"github.com/mcpnexus/nexus/internal/probe"
	"github.com/mcpnexus/nexus/internal/repository"
)

var (
	// ErrTokenExpired is returned when completion arrives after the token
	// expiry; the owner must request a fresh verification.
	ErrTokenExpired = errors.New("verification token has expired, request a new verification")

	// ErrRequestClosed is returned when completing a request already in a
	// terminal state.
	ErrRequestClosed = errors.New("verification request is already completed or failed")

	// ErrInvalidMethod is returned for a method outside dns/file/meta_tag.
	ErrInvalidMethod = errors.New("invalid verification method")
)

// ConflictError reports an attempt to open a second in-flight verification
// request for a server.
type ConflictError struct {
	ExistingStatus models.VerificationStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("there is already an active verification request for this server (status: %s)", e.ExistingStatus)
}

// DefaultTokenTTL is how long an issued verification token stays valid.
const DefaultTokenTTL = 48 * time.Hour

// FailedCheck names one failed step with its diagnostic message.
type FailedCheck struct {
	Type    models.CheckType `json:"type"`
	Message string           `json:"message"`
}

// Result is the outcome of a completion attempt that was accepted for
// processing (as opposed to rejected input, which surfaces as an error).
type Result struct {
	Success      bool                        `json:"success"`
	Request      *models.VerificationRequest `json:"request"`
	Checks       []*models.VerificationCheck `json:"checks"`
	FailedChecks []FailedCheck               `json:"failed_checks,omitempty"`
}

// Notifier publishes registry events; the webhook dispatcher satisfies it.
type Notifier interface {
	Trigger(ctx context.Context, event models.Event, payload map[string]any)
}

// Service is the verification state machine.
type Service struct {
	servers    *repository.ServerRepository
	requests   *repository.VerificationRepository
	challenges *challenge.Verifier
	probes     *probe.Client
	aggregator *health.Aggregator
	notifier   Notifier
	metrics    *metrics.Metrics
	tokenTTL   time.Duration
	logger     *slog.Logger
}

// NewService wires the state machine. notifier and m may be nil.
func NewService(
	servers *repository.ServerRepository,
	requests *repository.VerificationRepository,
	challenges *challenge.Verifier,
	probes *probe.Client,
	aggregator *health.Aggregator,
	notifier Notifier,
	m *metrics.Metrics,
	tokenTTL time.Duration,
	logger *slog.Logger,
) *Service {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	if probes == nil {
		probes = probe.NewClient()
	}
	if challenges == nil {
		challenges = challenge.NewVerifier(nil, probes)
	}
	return &Service{
		servers:    servers,
		requests:   requests,
		challenges: challenges,
		probes:     probes,
		aggregator: aggregator,
		notifier:   notifier,
		metrics:    m,
		tokenTTL:   tokenTTL,
		logger:     logger.With("component", "verification"),
	}
}

// Request opens a verification request for a server: generates a token,
// seeds the four checks and returns owner-facing instructions. At most one
// request per server may be in flight; the database enforces this, so two
// racing calls cannot both succeed.
func (s *Service) Request(ctx context.Context, serverID string) (*models.VerificationRequest, string, error) {
	server, err := s.servers.GetByID(serverID)
	if err != nil {
		return nil, "", err
	}

	req := &models.VerificationRequest{
		ServerID:    server.ID,
		Status:      models.VerificationPending,
		Token:       generateToken(),
		TokenExpiry: time.Now().UTC().Add(s.tokenTTL),
	}

	if err := s.requests.CreateRequest(req); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			existing, lookupErr := s.requests.ActiveRequest(server.ID)
			if lookupErr == nil {
				return nil, "", &ConflictError{ExistingStatus: existing.Status}
			}
			return nil, "", &ConflictError{ExistingStatus: models.VerificationPending}
		}
		return nil, "", err
	}

	if s.metrics != nil {
		s.metrics.VerificationsStarted.Inc()
	}
	s.logger.Info("verification requested", "server_id", server.ID, "request_id", req.ID)

	if s.notifier != nil {
		s.notifier.Trigger(ctx, models.EventVerificationRequested, map[string]any{
			"server_id":  server.ID,
			"request_id": req.ID,
		})
	}

	return req, Instructions(server.URL, req.Token), nil
}

// Instructions renders the owner-facing proof instructions for all three
// methods, embedding the issued token.
func Instructions(serverURL, token string) string {
	base := strings.TrimRight(serverURL, "/")
	return "To verify your server, you must prove ownership. " +
		"Choose one of the following verification methods:\n\n" +
		"1. DNS Verification: Add a TXT record to your domain with the name " +
		fmt.Sprintf("'%s' and value '%s'\n\n", challenge.RecordPrefix, token) +
		"2. File Verification: Create a file at " +
		fmt.Sprintf("'%s/%s' with the content '%s'\n\n", base, challenge.FileName, token) +
		"3. Meta Tag Verification: Add the following meta tag to your server's homepage: " +
		fmt.Sprintf("<meta name='mcp-verification' content='%s'>", token)
}

// Complete runs the check sequence for a request using the owner-chosen
// method and proof. Ownership runs first and short-circuits the rest on
// failure; health and capabilities both run when ownership passes; security
// is a standing stub. The request ends terminal either way.
func (s *Service) Complete(ctx context.Context, requestID string, method models.VerificationMethod, proofText string) (*Result, error) {
	req, err := s.requests.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, ErrRequestClosed
	}
	if !req.TokenValid(time.Now().UTC()) {
		return nil, ErrTokenExpired
	}
	if !models.ValidMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	server, err := s.servers.GetByID(req.ServerID)
	if err != nil {
		return nil, err
	}

	req.Status = models.VerificationInProgress
	req.Method = method
	req.Proof = proofText
	if err := s.requests.UpdateRequest(req); err != nil {
		return nil, err
	}

	// Step 1: ownership. Outbound I/O happens outside any transaction; the
	// outcome is written afterwards.
	outcome := s.runOwnership(ctx, server, req.Token, method)
	if err := s.recordCheck(req.ID, models.CheckOwnership, outcome.OK, outcome.Details, outcome.Message); err != nil {
		return nil, err
	}

	if !outcome.OK {
		return s.finalize(ctx, req, server)
	}

	// Step 2: health. The probe result is also appended to the server's
	// health history, feeding the uptime aggregation.
	if err := s.runHealth(ctx, req, server); err != nil {
		return nil, err
	}

	// Step 3: capabilities. Runs even when health failed; only ownership
	// short-circuits.
	if err := s.runCapabilities(ctx, req, server); err != nil {
		return nil, err
	}

	// Step 4: security. A standing placeholder until a policy engine exists.
	if err := s.recordCheck(req.ID, models.CheckSecurity, true, nil, "Basic security verification passed"); err != nil {
		return nil, err
	}

	return s.finalize(ctx, req, server)
}

func (s *Service) runOwnership(ctx context.Context, server *models.Server, token string, method models.VerificationMethod) challenge.Outcome {
	switch method {
	case models.MethodDNS:
		domain, err := challenge.ExtractDomain(server.URL)
		if err != nil {
			return challenge.Outcome{
				OK:      false,
				Details: map[string]any{"error": err.Error()},
				Message: fmt.Sprintf("Could not determine domain: %v", err),
			}
		}
		return s.challenges.VerifyDNS(ctx, domain, token)
	case models.MethodFile:
		fileURL := strings.TrimRight(server.URL, "/") + "/" + challenge.FileName
		return s.challenges.VerifyFile(ctx, fileURL, token)
	case models.MethodMetaTag:
		return s.challenges.VerifyMetaTag(ctx, server.URL, token)
	}
	// Unreachable: method validated by Complete.
	return challenge.Outcome{Message: "unknown method"}
}

func (s *Service) runHealth(ctx context.Context, req *models.VerificationRequest, server *models.Server) error {
	check, err := s.aggregator.CheckServer(ctx, server, health.CheckTypeVerification)
	if err != nil {
		return fmt.Errorf("failed to record verification health check: %w", err)
	}

	if check.IsUp {
		return s.recordCheck(req.ID, models.CheckHealth, true,
			map[string]any{"response_time": check.ResponseTime},
			fmt.Sprintf("Server is healthy (response time: %.2fs)", check.ResponseTime))
	}
	return s.recordCheck(req.ID, models.CheckHealth, false,
		map[string]any{"error": "Server is not responding"},
		"Server health check failed")
}

func (s *Service) runCapabilities(ctx context.Context, req *models.VerificationRequest, server *models.Server) error {
	result := s.probes.Probe(ctx, health.CapabilitiesURL(server.URL), probe.KindCapabilities)

	if result.Error != "" && result.StatusCode == 0 {
		return s.recordCheck(req.ID, models.CheckCapabilities, false,
			map[string]any{"error": result.Error},
			fmt.Sprintf("Error checking capabilities: %s", result.Error))
	}
	if result.StatusCode != 200 {
		return s.recordCheck(req.ID, models.CheckCapabilities, false,
			map[string]any{"status_code": result.StatusCode},
			fmt.Sprintf("Failed to retrieve capabilities (status: %d)", result.StatusCode))
	}

	reported, err := ParseCapabilities(result.Body)
	if err != nil {
		return s.recordCheck(req.ID, models.CheckCapabilities, false,
			map[string]any{"response": truncate(string(result.Body), 500)},
			"Invalid capabilities format (not valid JSON)")
	}

	reportedNames := make([]string, 0, len(reported))
	for name := range reported {
		reportedNames = append(reportedNames, name)
	}

	missing := MissingCapabilities(server.Capabilities, reported)
	if len(missing) > 0 {
		return s.recordCheck(req.ID, models.CheckCapabilities, false,
			map[string]any{
				"registered_capabilities": server.Capabilities,
				"server_capabilities":     reportedNames,
				"missing_capabilities":    missing,
			},
			fmt.Sprintf("Missing capabilities: %s", strings.Join(missing, ", ")))
	}

	return s.recordCheck(req.ID, models.CheckCapabilities, true,
		map[string]any{
			"registered_capabilities": server.Capabilities,
			"server_capabilities":     reportedNames,
		},
		"All registered capabilities are available")
}

// finalize decides the terminal state: completed with the server marked
// verified when every check passed, failed otherwise. The verified flag only
// ever moves false to true here; nothing in this core reverts it.
func (s *Service) finalize(ctx context.Context, req *models.VerificationRequest, server *models.Server) (*Result, error) {
	checks, err := s.requests.ListChecks(req.ID)
	if err != nil {
		return nil, err
	}

	allPassed := true
	var failed []FailedCheck
	for _, check := range checks {
		if check.Status == models.CheckPassed {
			continue
		}
		allPassed = false
		if check.Status == models.CheckFailed {
			message := check.Message
			if message == "" {
				message = "Verification check failed"
			}
			failed = append(failed, FailedCheck{Type: check.Type, Message: message})
		}
	}

	now := time.Now().UTC()
	req.CompletedAt = &now
	if allPassed {
		req.Status = models.VerificationCompleted
	} else {
		req.Status = models.VerificationFailed
	}
	if err := s.requests.UpdateRequest(req); err != nil {
		return nil, err
	}

	if allPassed {
		if err := s.servers.SetVerified(server.ID, true); err != nil {
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.VerificationsCompleted.WithLabelValues(string(req.Status)).Inc()
	}
	s.logger.Info("verification finished",
		"request_id", req.ID,
		"server_id", server.ID,
		"status", req.Status,
	)

	if s.notifier != nil {
		s.notifier.Trigger(ctx, models.EventVerificationCompleted, map[string]any{
			"server_id":  server.ID,
			"request_id": req.ID,
			"status":     string(req.Status),
		})
		if allPassed {
			s.notifier.Trigger(ctx, models.EventServerVerified, map[string]any{
				"server_id": server.ID,
			})
		}
	}

	return &Result{
		Success:      allPassed,
		Request:      req,
		Checks:       checks,
		FailedChecks: failed,
	}, nil
}

// recordCheck persists one check outcome and bumps the check metric.
func (s *Service) recordCheck(requestID string, ct models.CheckType, passed bool, details map[string]any, message string) error {
	status := models.CheckFailed
	if passed {
		status = models.CheckPassed
	}
	check := &models.VerificationCheck{
		RequestID: requestID,
		Type:      ct,
		Status:    status,
		Details:   details,
		Message:   message,
	}
	if err := s.requests.UpdateCheck(check); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ChecksTotal.WithLabelValues(string(ct), string(status)).Inc()
	}
	return nil
}

// Status returns a request with its checks for owner-facing status views.
func (s *Service) Status(requestID string) (*models.VerificationRequest, []*models.VerificationCheck, error) {
	req, err := s.requests.GetRequest(requestID)
	if err != nil {
		return nil, nil, err
	}
	checks, err := s.requests.ListChecks(requestID)
	if err != nil {
		return nil, nil, err
	}
	return req, checks, nil
}

// generateToken returns a URL-safe token with 32 bytes of entropy.
func generateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
