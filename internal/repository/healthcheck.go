package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpnexus/nexus/internal/models"
)

type HealthCheckRepository struct {
	db *sql.DB
}

func NewHealthCheckRepository(db *sql.DB) *HealthCheckRepository {
	return &HealthCheckRepository{db: db}
}

// Create appends a probe record. Rows are immutable once written.
func (r *HealthCheckRepository) Create(check *models.HealthCheck) error {
	if check.ID == "" {
		check.ID = uuid.New().String()
	}
	if check.CreatedAt.IsZero() {
		check.CreatedAt = time.Now().UTC()
	}

	var detailsJSON sql.NullString
	if check.Details != nil {
		data, err := json.Marshal(check.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal health check details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.Exec(`
		INSERT INTO health_checks (id, server_id, is_up, response_time, status_code, error_message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID, check.ServerID, check.IsUp, check.ResponseTime,
		nullInt(check.StatusCode), nullString(check.ErrorMessage),
		detailsJSON, check.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create health check: %w", err)
	}
	return nil
}

// WindowCounts returns total and up probe counts for a server since the
// window start. The aggregator recomputes uptime from these on every insert,
// so the result is independent of insertion order.
func (r *HealthCheckRepository) WindowCounts(serverID string, since time.Time) (total, up int, err error) {
	err = r.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(is_up), 0)
		FROM health_checks WHERE server_id = ? AND created_at >= ?`,
		serverID, since,
	).Scan(&total, &up)
	return
}

// ListByServer returns probe records for a server, newest first.
func (r *HealthCheckRepository) ListByServer(serverID string, limit int) ([]*models.HealthCheck, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, server_id, is_up, response_time, status_code, error_message, details, created_at
		FROM health_checks WHERE server_id = ?
		ORDER BY created_at DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []*models.HealthCheck
	for rows.Next() {
		check := &models.HealthCheck{}
		var statusCode sql.NullInt64
		var errorMessage, details sql.NullString

		err := rows.Scan(&check.ID, &check.ServerID, &check.IsUp, &check.ResponseTime,
			&statusCode, &errorMessage, &details, &check.CreatedAt)
		if err != nil {
			return nil, err
		}
		if statusCode.Valid {
			code := int(statusCode.Int64)
			check.StatusCode = &code
		}
		if errorMessage.Valid {
			check.ErrorMessage = errorMessage.String
		}
		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &check.Details)
		}
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

// DeleteOlderThan removes probe records before the cutoff. Retention is an
// external batch concern, driven by the scheduler, never by the aggregator.
func (r *HealthCheckRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM health_checks WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old health checks: %w", err)
	}
	return res.RowsAffected()
}
