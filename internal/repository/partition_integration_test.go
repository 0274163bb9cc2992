//go:build integration

package repository

import (
	"log/slog"
	"testing"
	"time"

	"github.com/linkpulse/linkpulse/internal/model"
	"github.com/linkpulse/linkpulse/internal/testutil"
)

func TestIntegrationEnsureUpcomingCreatesDailyPartitions(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	maintainer := NewPartitionMaintainer(repo, 3, time.Hour, slog.Default())

	if err := maintainer.EnsureUpcoming(ctx); err != nil {
		t.Fatalf("EnsureUpcoming: %v", err)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for day := -1; day <= 3; day++ {
		name := partitionName(today.AddDate(0, 0, day))
		exists, err := tableExists(ctx, repo.Pool(), name)
		if err != nil {
			t.Fatalf("check partition %s: %v", name, err)
		}
		if !exists {
			t.Errorf("partition %s missing after EnsureUpcoming", name)
		}
	}

	// Running again against existing partitions must be a no-op, not an
	// error: the maintainer fires on every tick.
	if err := maintainer.EnsureUpcoming(ctx); err != nil {
		t.Fatalf("EnsureUpcoming rerun: %v", err)
	}
}

func TestIntegrationOutOfRangeEventLandsInDefaultPartition(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	events := NewEventRepository(repo)
	maintainer := NewPartitionMaintainer(repo, 1, time.Hour, slog.Default())

	if err := maintainer.EnsureUpcoming(ctx); err != nil {
		t.Fatalf("EnsureUpcoming: %v", err)
	}

	// An event far older than any daily partition must still insert; the
	// default partition is the safety net for replayed history.
	linkID := testutil.UniqueID("L")
	stale := testutil.NewTestEvent(t, linkID)
	stale.OccurredAt = time.Now().UTC().AddDate(0, 0, -30).Truncate(time.Microsecond)

	inserted, err := events.BulkInsert(ctx, []model.EventRecord{stale})
	if err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	if len(inserted) != 1 {
		t.Fatalf("inserted %d rows, want 1", len(inserted))
	}

	var count int64
	err = repo.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM click_events_default WHERE event_id = $1`,
		stale.EventID).Scan(&count)
	if err != nil {
		t.Fatalf("count default partition: %v", err)
	}
	if count != 1 {
		t.Errorf("default partition holds %d matching rows, want 1", count)
	}
}
