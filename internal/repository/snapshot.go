package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mcpnexus/nexus/internal/models"
)

type SnapshotRepository struct {
	db *sql.DB
}

func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Exists reports whether a snapshot for the date (YYYY-MM-DD) already exists.
func (r *SnapshotRepository) Exists(date string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM network_snapshots WHERE date = ?`, date).Scan(&n)
	return n > 0, err
}

// Create stores a daily snapshot. The date is the primary key, so rerunning
// the job for the same day conflicts instead of duplicating.
func (r *SnapshotRepository) Create(snap *models.NetworkSnapshot) error {
	snap.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(`
		INSERT INTO network_snapshots (date, total_servers, active_servers, verified_servers, new_servers, mean_uptime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Date, snap.TotalServers, snap.ActiveServers, snap.VerifiedServers,
		snap.NewServers, snap.MeanUptime, snap.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

// List returns the most recent snapshots, newest first.
func (r *SnapshotRepository) List(limit int) ([]*models.NetworkSnapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.Query(`
		SELECT date, total_servers, active_servers, verified_servers, new_servers, mean_uptime, created_at
		FROM network_snapshots ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*models.NetworkSnapshot
	for rows.Next() {
		snap := &models.NetworkSnapshot{}
		err := rows.Scan(&snap.Date, &snap.TotalServers, &snap.ActiveServers,
			&snap.VerifiedServers, &snap.NewServers, &snap.MeanUptime, &snap.CreatedAt)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
