package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpnexus/nexus/internal/models"
)

type ServerRepository struct {
	db *sql.DB
}

func NewServerRepository(db *sql.DB) *ServerRepository {
	return &ServerRepository{db: db}
}

// Create registers a new server together with its declared capability names.
func (r *ServerRepository) Create(server *models.Server) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	server.CreatedAt = time.Now().UTC()
	server.UpdatedAt = server.CreatedAt

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO servers (id, name, url, owner_id, verified, is_active, uptime, last_checked, status_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.Name, server.URL, server.OwnerID,
		server.Verified, server.IsActive, server.Uptime,
		nullTime(timePtr(server.LastChecked)), nullString(server.StatusMessage),
		server.CreatedAt, server.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	for _, name := range server.Capabilities {
		_, err = tx.Exec(`
			INSERT INTO server_capabilities (id, server_id, name) VALUES (?, ?, ?)`,
			uuid.New().String(), server.ID, name,
		)
		if err != nil {
			return fmt.Errorf("failed to create capability %q: %w", name, err)
		}
	}

	return tx.Commit()
}

// GetByID returns a server with its capability names loaded.
func (r *ServerRepository) GetByID(id string) (*models.Server, error) {
	server := &models.Server{}
	var lastChecked sql.NullTime
	var statusMessage sql.NullString

	err := r.db.QueryRow(`
		SELECT id, name, url, owner_id, verified, is_active, uptime, last_checked, status_message, created_at, updated_at
		FROM servers WHERE id = ?`, id,
	).Scan(&server.ID, &server.Name, &server.URL, &server.OwnerID,
		&server.Verified, &server.IsActive, &server.Uptime,
		&lastChecked, &statusMessage, &server.CreatedAt, &server.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastChecked.Valid {
		server.LastChecked = lastChecked.Time
	}
	if statusMessage.Valid {
		server.StatusMessage = statusMessage.String
	}

	caps, err := r.capabilityNames(id)
	if err != nil {
		return nil, err
	}
	server.Capabilities = caps

	return server, nil
}

func (r *ServerRepository) capabilityNames(serverID string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT name FROM server_capabilities WHERE server_id = ? ORDER BY name`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SetVerified flips the verified flag. The flag is monotonic: verification
// never reverts it automatically, so callers only ever pass true.
func (r *ServerRepository) SetVerified(id string, verified bool) error {
	res, err := r.db.Exec(`
		UPDATE servers SET verified = ?, updated_at = ? WHERE id = ?`,
		verified, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update verified flag: %w", err)
	}
	return requireRow(res)
}

// UpdateHealthState writes the aggregator's recomputed liveness fields.
func (r *ServerRepository) UpdateHealthState(id string, uptime float64, isActive bool, lastChecked time.Time, statusMessage string) error {
	res, err := r.db.Exec(`
		UPDATE servers SET uptime = ?, is_active = ?, last_checked = ?, status_message = ?, updated_at = ?
		WHERE id = ?`,
		uptime, isActive, lastChecked, nullString(statusMessage), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update health state: %w", err)
	}
	return requireRow(res)
}

// ListStale returns active servers whose last check precedes the cutoff.
// Servers never checked at all are included.
func (r *ServerRepository) ListStale(cutoff time.Time) ([]*models.Server, error) {
	rows, err := r.db.Query(`
		SELECT id, name, url, owner_id, verified, is_active, uptime, last_checked, status_message, created_at, updated_at
		FROM servers
		WHERE is_active = 1 AND (last_checked IS NULL OR last_checked < ?)
		ORDER BY last_checked`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanServers(rows)
}

// CountStats returns aggregate counts for analytics snapshots.
func (r *ServerRepository) CountStats(since time.Time) (total, active, verified, created int, meanUptime float64, err error) {
	err = r.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(is_active), 0),
		       COALESCE(SUM(verified), 0),
		       COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(uptime), 0)
		FROM servers`, since,
	).Scan(&total, &active, &verified, &created, &meanUptime)
	return
}

func scanServers(rows *sql.Rows) ([]*models.Server, error) {
	var servers []*models.Server
	for rows.Next() {
		server := &models.Server{}
		var lastChecked sql.NullTime
		var statusMessage sql.NullString

		err := rows.Scan(&server.ID, &server.Name, &server.URL, &server.OwnerID,
			&server.Verified, &server.IsActive, &server.Uptime,
			&lastChecked, &statusMessage, &server.CreatedAt, &server.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if lastChecked.Valid {
			server.LastChecked = lastChecked.Time
		}
		if statusMessage.Valid {
			server.StatusMessage = statusMessage.String
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
