package repository

import (
	"errors"
	"testing"

	"github.com/mcpnexus/nexus/internal/models"
)

func TestSnapshotCreateConflictsOnDate(t *testing.T) {
	snapshots := NewSnapshotRepository(newTestDB(t))

	snap := &models.NetworkSnapshot{
		Date:         "2026-08-30",
		TotalServers: 10,
		MeanUptime:   97.5,
	}
	if err := snapshots.Create(snap); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	exists, err := snapshots.Exists("2026-08-30")
	if err != nil || !exists {
		t.Errorf("Exists() = (%v, %v), want (true, nil)", exists, err)
	}

	dupe := &models.NetworkSnapshot{Date: "2026-08-30"}
	if err := snapshots.Create(dupe); !errors.Is(err, ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestSnapshotListNewestFirst(t *testing.T) {
	snapshots := NewSnapshotRepository(newTestDB(t))

	for _, date := range []string{"2026-08-28", "2026-08-30", "2026-08-29"} {
		if err := snapshots.Create(&models.NetworkSnapshot{Date: date}); err != nil {
			t.Fatalf("Create(%s) error = %v", date, err)
		}
	}

	got, err := snapshots.List(2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(got))
	}
	if got[0].Date != "2026-08-30" || got[1].Date != "2026-08-29" {
		t.Errorf("List() order = [%s, %s]", got[0].Date, got[1].Date)
	}
}
