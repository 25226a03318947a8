// Package analytics produces the daily aggregate snapshot of the registry.
// Consumers of the counts live outside the core; this package only derives
// and stores them.
package analytics

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mcpnexus/nexus/internal/models"
	"github.com/mcpnexus/nexus/internal/repository"
)

type Service struct {
	servers   *repository.ServerRepository
	snapshots *repository.SnapshotRepository
	logger    *slog.Logger
}

func New(servers *repository.ServerRepository, snapshots *repository.SnapshotRepository, logger *slog.Logger) *Service {
	return &Service{
		servers:   servers,
		snapshots: snapshots,
		logger:    logger.With("component", "analytics"),
	}
}

// GenerateDaily creates the snapshot for yesterday (relative to now) unless
// one already exists. Safe to run more than once per day.
func (s *Service) GenerateDaily(now time.Time) error {
	yesterday := now.UTC().AddDate(0, 0, -1)
	date := yesterday.Format("2006-01-02")

	exists, err := s.snapshots.Exists(date)
	if err != nil {
		return err
	}
	if exists {
		s.logger.Info("snapshot already exists, skipping", "date", date)
		return nil
	}

	dayStart := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	total, active, verified, created, meanUptime, err := s.servers.CountStats(dayStart)
	if err != nil {
		return err
	}

	snap := &models.NetworkSnapshot{
		Date:            date,
		TotalServers:    total,
		ActiveServers:   active,
		VerifiedServers: verified,
		NewServers:      created,
		MeanUptime:      meanUptime,
	}
	if err := s.snapshots.Create(snap); err != nil {
		// Another process generated it between the check and the insert.
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return err
	}

	s.logger.Info("generated network snapshot",
		"date", date,
		"total_servers", total,
		"active_servers", active,
	)
	return nil
}

// Recent returns the latest snapshots, newest first.
func (s *Service) Recent(limit int) ([]*models.NetworkSnapshot, error) {
	return s.snapshots.List(limit)
}
