package repository

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcpnexus/nexus/internal/db"
	"github.com/mcpnexus/nexus/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database.DB
}

func createTestServer(t *testing.T, servers *ServerRepository, caps ...string) *models.Server {
	t.Helper()

	server := &models.Server{
		Name:         "test server",
		URL:          "https://svc.example",
		OwnerID:      "owner-1",
		IsActive:     true,
		Uptime:       100,
		Capabilities: caps,
	}
	if err := servers.Create(server); err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return server
}

func createTestRequest(t *testing.T, requests *VerificationRepository, serverID string) *models.VerificationRequest {
	t.Helper()

	req := &models.VerificationRequest{
		ServerID:    serverID,
		Token:       "token-" + serverID,
		TokenExpiry: time.Now().UTC().Add(48 * time.Hour),
	}
	if err := requests.CreateRequest(req); err != nil {
		t.Fatalf("Failed to create verification request: %v", err)
	}
	return req
}
