package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	for _, m := range Migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Migrations holds the schema, applied in order. Statements are idempotent so
// Migrate can run at every startup.
var Migrations = []string{
	migrationServers,
	migrationServerCapabilities,
	migrationVerificationRequests,
	migrationVerificationChecks,
	migrationHealthChecks,
	migrationWebhooks,
	migrationWebhookDeliveries,
	migrationNetworkSnapshots,
}

const migrationServers = `
CREATE TABLE IF NOT EXISTS servers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    verified INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 0,
    uptime REAL NOT NULL DEFAULT 100.0,
    last_checked TIMESTAMP,
    status_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_servers_owner ON servers(owner_id);
CREATE INDEX IF NOT EXISTS idx_servers_verified ON servers(verified);
CREATE INDEX IF NOT EXISTS idx_servers_active_checked ON servers(is_active, last_checked);
`

const migrationServerCapabilities = `
CREATE TABLE IF NOT EXISTS server_capabilities (
    id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(server_id, name)
);
CREATE INDEX IF NOT EXISTS idx_server_capabilities_server ON server_capabilities(server_id);
`

// The partial unique index enforces the one-non-terminal-request-per-server
// invariant at the database level, so concurrent request creation cannot race.
const migrationVerificationRequests = `
CREATE TABLE IF NOT EXISTS verification_requests (
    id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending',
    verification_token TEXT UNIQUE NOT NULL,
    verification_token_expiry TIMESTAMP NOT NULL,
    verification_method TEXT,
    verification_proof TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_verification_requests_server ON verification_requests(server_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_verification_requests_active
    ON verification_requests(server_id)
    WHERE status IN ('pending', 'in_progress');
`

const migrationVerificationChecks = `
CREATE TABLE IF NOT EXISTS verification_checks (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL REFERENCES verification_requests(id) ON DELETE CASCADE,
    check_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    details JSON,
    message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(request_id, check_type)
);
`

const migrationHealthChecks = `
CREATE TABLE IF NOT EXISTS health_checks (
    id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    is_up INTEGER NOT NULL,
    response_time REAL NOT NULL,
    status_code INTEGER,
    error_message TEXT,
    details JSON,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_health_checks_server_created ON health_checks(server_id, created_at);
`

const migrationWebhooks = `
CREATE TABLE IF NOT EXISTS webhooks (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    url TEXT NOT NULL,
    events JSON NOT NULL,
    description TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    secret TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhooks_owner ON webhooks(owner_id);
CREATE INDEX IF NOT EXISTS idx_webhooks_active ON webhooks(active);
`

const migrationWebhookDeliveries = `
CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id TEXT PRIMARY KEY,
    webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
    event TEXT NOT NULL,
    payload JSON NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    response_code INTEGER,
    response_body TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries(webhook_id, created_at);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status ON webhook_deliveries(status);
`

const migrationNetworkSnapshots = `
CREATE TABLE IF NOT EXISTS network_snapshots (
    date TEXT PRIMARY KEY,
    total_servers INTEGER NOT NULL,
    active_servers INTEGER NOT NULL,
    verified_servers INTEGER NOT NULL,
    new_servers INTEGER NOT NULL,
    mean_uptime REAL NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
