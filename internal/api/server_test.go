package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mcpnexus/nexus/internal/analytics"
	"github.com/mcpnexus/nexus/internal/challenge"
	"github.com/mcpnexus/nexus/internal/config"
	"github.com/mcpnexus/nexus/internal/db"
	"github.com/mcpnexus/nexus/internal/health"
	"github.com/mcpnexus/nexus/internal/models"
	"github.com/mcpnexus/nexus/internal/probe"
	"github.com/mcpnexus/nexus/internal/repository"
	"github.com/mcpnexus/nexus/internal/verification"
	"github.com/mcpnexus/nexus/internal/webhook"
	"github.com/mcpnexus/nexus/internal/workqueue"
)

const testAPIKey = "test-api-key"

// upstream plays a registered MCP server for verification flows driven
// through the API.
type upstream struct {
	fileBody string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.WriteHeader(http.StatusOK)
	case "/capabilities":
		io.WriteString(w, `[]`)
	case "/" + challenge.FileName:
		if u.fileBody == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, u.fileBody)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

type apiFixture struct {
	handler  http.Handler
	servers  *repository.ServerRepository
	checks   *repository.HealthCheckRepository
	hooks    *repository.WebhookRepository
	queue    *workqueue.BoltQueue
	upstream *upstream
	url      string
}

func newAPIFixture(t *testing.T, apiKey string) *apiFixture {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	queue, err := workqueue.NewBoltQueue(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	up := &upstream{}
	ts := httptest.NewServer(up)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	servers := repository.NewServerRepository(database.DB)
	checks := repository.NewHealthCheckRepository(database.DB)
	hooks := repository.NewWebhookRepository(database.DB)
	requests := repository.NewVerificationRepository(database.DB)
	snapshots := repository.NewSnapshotRepository(database.DB)

	probes := probe.NewClient()
	dispatcher := webhook.NewDispatcher(hooks, queue, webhook.Config{}, nil, logger)
	aggregator := health.New(servers, checks, probes, dispatcher, nil, 0, logger)
	verifier := verification.NewService(servers, requests, nil, probes, aggregator, dispatcher, nil, 0, logger)
	stats := analytics.New(servers, snapshots, logger)

	cfg := &config.ServerConfig{ListenAddr: ":0", APIKey: apiKey}
	server := NewServer(servers, checks, hooks, verifier, dispatcher, stats, queue, cfg, logger)

	return &apiFixture{
		handler:  server.Handler(),
		servers:  servers,
		checks:   checks,
		hooks:    hooks,
		queue:    queue,
		upstream: up,
		url:      ts.URL,
	}
}

// do performs an authenticated request and returns the recorded response.
func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (f *apiFixture) registerServer(t *testing.T) *models.Server {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/servers", RegisterServerRequest{
		Name:    "test server",
		URL:     f.url,
		OwnerID: "owner-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	server := decode[*models.Server](t, rec)
	return server
}

func TestAuthMiddleware(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong key", "X-API-Key", "wrong", http.StatusUnauthorized},
		{"api key header", "X-API-Key", testAPIKey, http.StatusNotFound},
		{"bearer token", "Authorization", "Bearer " + testAPIKey, http.StatusNotFound},
		{"raw authorization", "Authorization", testAPIKey, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/servers/no-such-id", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	f := newAPIFixture(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/servers/no-such-id", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	// 404 from the handler, not 401 from the middleware.
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServiceHealth(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)

	req := httptest.NewRequest(http.MethodGet, "/health", nil) // public, no key
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("Status = %q", resp.Status)
	}
	if resp.Queue == nil {
		t.Error("Queue stats missing")
	}
}

func TestRegisterServer(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)

	server := f.registerServer(t)
	if server.ID == "" {
		t.Error("server ID not assigned")
	}
	if server.Verified {
		t.Error("new server already verified")
	}

	// Registration schedules the initial probe.
	task, err := f.queue.Dequeue(context.Background())
	if err != nil || task == nil {
		t.Fatalf("Dequeue() = (%v, %v), want the initial probe task", task, err)
	}
	if task.Kind != workqueue.KindHealthProbe {
		t.Errorf("Kind = %q", task.Kind)
	}
	var payload health.ProbePayload
	if err := workqueue.DecodePayload(task, &payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.ServerID != server.ID || payload.CheckType != health.CheckTypeInitial {
		t.Errorf("payload = %+v", payload)
	}
}

func TestRegisterServerValidation(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)

	tests := []struct {
		name string
		body RegisterServerRequest
	}{
		{"missing name", RegisterServerRequest{URL: "https://svc.example", OwnerID: "o"}},
		{"missing owner", RegisterServerRequest{Name: "svc", URL: "https://svc.example"}},
		{"relative url", RegisterServerRequest{Name: "svc", URL: "/relative", OwnerID: "o"}},
		{"empty url", RegisterServerRequest{Name: "svc", OwnerID: "o"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/servers", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetServer(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)
	server := f.registerServer(t)

	rec := f.do(t, http.MethodGet, "/api/v1/servers/"+server.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[*models.Server](t, rec)
	if got.ID != server.ID || got.Name != "test server" {
		t.Errorf("got %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/servers/no-such-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if resp := decode[ErrorResponse](t, rec); resp.Error != "Not found" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestListHealthChecks(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)
	server := f.registerServer(t)

	if err := f.checks.Create(&models.HealthCheck{
		ServerID:  server.ID,
		IsUp:      true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/servers/"+server.ID+"/health-checks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string][]*models.HealthCheck](t, rec)
	if len(resp["health_checks"]) != 1 {
		t.Errorf("health_checks = %v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/servers/no-such-id/health-checks", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestBadge(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)
	server := f.registerServer(t)

	// Public route: no API key.
	req := httptest.NewRequest(http.MethodGet, "/servers/"+server.ID+"/badge.svg", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=300" {
		t.Errorf("Cache-Control = %q", cc)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Unverified") || !strings.Contains(body, badgeUnverifiedColor) {
		t.Errorf("unverified badge = %s", body)
	}

	if err := f.servers.SetVerified(server.ID, true); err != nil {
		t.Fatalf("SetVerified() error = %v", err)
	}
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	body = rec.Body.String()
	if !strings.Contains(body, ">Verified<") || !strings.Contains(body, badgeVerifiedColor) {
		t.Errorf("verified badge = %s", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/servers/no-such-id/badge.svg", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTriggerEvent(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)

	rec := f.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"event":   "server.updated",
		"payload": map[string]any{"server_id": "X"},
	})
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"event": "server.exploded",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListSnapshots(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)

	rec := f.do(t, http.MethodGet, "/api/v1/analytics/snapshots", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string][]*models.NetworkSnapshot](t, rec)
	if _, ok := resp["snapshots"]; !ok {
		t.Errorf("response = %s", rec.Body.String())
	}
}
