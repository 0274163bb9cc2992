package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const partitionOpTimeout = 30 * time.Second

// PartitionMaintainer keeps daily partitions of click_events provisioned a
// configurable number of days ahead, so inserts never race the calendar. A
// default partition in the schema catches anything outside the maintained
// range (very late replays, clock skew), so a missed run degrades placement,
// not durability.
type PartitionMaintainer struct {
	repo      *Repository
	daysAhead int
	interval  time.Duration
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPartitionMaintainer creates a maintainer that provisions partitions
// daysAhead days into the future, re-checking every interval.
func NewPartitionMaintainer(repo *Repository, daysAhead int, interval time.Duration, logger *slog.Logger) *PartitionMaintainer {
	return &PartitionMaintainer{
		repo:      repo,
		daysAhead: daysAhead,
		interval:  interval,
		logger:    logger.With("component", "repository.partitions"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// EnsureUpcoming creates the partitions for yesterday (late events inside the
// replay horizon) through daysAhead days out. Idempotent; safe to call at
// every startup.
func (m *PartitionMaintainer) EnsureUpcoming(ctx context.Context) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for day := -1; day <= m.daysAhead; day++ {
		if err := m.createPartition(ctx, today.AddDate(0, 0, day)); err != nil {
			return err
		}
	}
	return nil
}

// Run re-provisions partitions on every interval tick until the context is
// cancelled or Shutdown is called. Failures are logged and retried on the
// next tick; the default partition keeps inserts working meanwhile.
func (m *PartitionMaintainer) Run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("partition maintainer started",
		"days_ahead", m.daysAhead, "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ensureOnce(ctx)
		}
	}
}

// Shutdown stops the maintenance loop.
func (m *PartitionMaintainer) Shutdown(ctx context.Context) error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *PartitionMaintainer) ensureOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, partitionOpTimeout)
	defer cancel()

	if err := m.EnsureUpcoming(cctx); err != nil {
		m.logger.Warn("partition maintenance failed", "error", err)
		return
	}
	m.logger.Debug("partitions ensured", "days_ahead", m.daysAhead)
}

func (m *PartitionMaintainer) createPartition(ctx context.Context, day time.Time) error {
	name := partitionName(day)
	start := day.Format("2006-01-02")
	end := day.AddDate(0, 0, 1).Format("2006-01-02")

	// DDL takes no bind parameters; name and bounds are derived from the
	// clock, never from input.
	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF click_events FOR VALUES FROM ('%s') TO ('%s')`,
		name, start, end,
	)

	if _, err := m.repo.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	return nil
}

// partitionName returns the table name for one day's partition, e.g.
// click_events_p20260825.
func partitionName(day time.Time) string {
	return "click_events_p" + day.UTC().Format("20060102")
}
