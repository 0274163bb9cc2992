package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrLinkNotFound is returned when a link id has no row in the links table.
var ErrLinkNotFound = errors.New("link not found")

// ApplyCounterDeltas applies one reconcile cycle's drained hot-counter
// deltas in a single transaction: each link's delta is added onto both the
// authoritative links.click_count column and the all-time aggregate bucket.
// Always += upserts, never overwrite-by-value, so concurrent external
// writers to links are tolerated. The whole cycle lands or none of it does.
func (r *Repository) ApplyCounterDeltas(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin counter transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	linkQuery := `
		UPDATE links
		SET click_count = click_count + $2, updated_at = NOW()
		WHERE id = $1
	`

	// The engine's bucket deltas never carry total click counts, so this
	// upsert is the only writer of that column on total rows.
	bucketQuery := `
		INSERT INTO aggregate_buckets (
			link_id, granularity, bucket_start, click_count, created_at, updated_at
		) VALUES ($1, 'total', $2, $3, NOW(), NOW())
		ON CONFLICT (link_id, granularity, bucket_start) DO UPDATE SET
			click_count = aggregate_buckets.click_count + EXCLUDED.click_count,
			updated_at = NOW()
	`

	batch := &pgx.Batch{}
	for linkID, delta := range deltas {
		batch.Queue(linkQuery, linkID, delta)
		batch.Queue(bucketQuery, linkID, time.Time{}, delta)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("apply counter delta %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close counter batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit counter transaction: %w", err)
	}
	return nil
}

// LinkClickCount returns the authoritative reconciled click count for a link.
func (r *Repository) LinkClickCount(ctx context.Context, id string) (int64, error) {
	query := `SELECT click_count FROM links WHERE id = $1 AND deleted_at IS NULL`

	var count int64
	err := r.pool.QueryRow(ctx, query, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrLinkNotFound
		}
		return 0, fmt.Errorf("get link click count: %w", err)
	}
	return count, nil
}

// LinkExists reports whether a link id is known and not soft-deleted.
func (r *Repository) LinkExists(ctx context.Context, id string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM links WHERE id = $1 AND deleted_at IS NULL)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check link existence: %w", err)
	}
	return exists, nil
}
