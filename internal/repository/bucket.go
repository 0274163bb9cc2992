package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
	"github.com/linkpulse/linkpulse/internal/aggregate"
	"github.com/linkpulse/linkpulse/internal/model"
)

// ErrBucketNotFound is returned when a link has no aggregate bucket yet.
var ErrBucketNotFound = errors.New("aggregate bucket not found")

// BucketRepository provides database access for aggregate buckets.
type BucketRepository struct {
	repo *Repository
}

// NewBucketRepository creates a new BucketRepository.
func NewBucketRepository(repo *Repository) *BucketRepository {
	return &BucketRepository{repo: repo}
}

// ApplyBucketDeltas applies one persistence cycle's drained deltas in a
// single transaction. Counts add onto stored values, first/last seen widen
// via LEAST/GREATEST, and visitor sketches are unioned app-side, so applying
// the same logical traffic through any interleaving of cycles converges on
// the same rows.
//
// Sketch read-merge-write assumes the persister is the only sketch writer,
// which holds because each process runs exactly one.
func (r *BucketRepository) ApplyBucketDeltas(ctx context.Context, deltas map[aggregate.Key]*aggregate.Bucket) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := r.repo.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bucket transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for key, delta := range deltas {
		if err := r.applyDelta(ctx, tx, key, delta); err != nil {
			return fmt.Errorf("apply bucket %s/%s: %w", key.LinkID, key.Granularity, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bucket transaction: %w", err)
	}
	return nil
}

func (r *BucketRepository) applyDelta(ctx context.Context, tx pgx.Tx, key aggregate.Key, delta *aggregate.Bucket) error {
	sketchBytes, err := r.mergedSketchBytes(ctx, tx, key, delta.Visitors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO aggregate_buckets (
			link_id, granularity, bucket_start, click_count, authenticated_count,
			bot_count, response_time_sum_ms, response_time_count,
			first_seen, last_seen, visitor_sketch, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (link_id, granularity, bucket_start) DO UPDATE SET
			click_count = aggregate_buckets.click_count + EXCLUDED.click_count,
			authenticated_count = aggregate_buckets.authenticated_count + EXCLUDED.authenticated_count,
			bot_count = aggregate_buckets.bot_count + EXCLUDED.bot_count,
			response_time_sum_ms = aggregate_buckets.response_time_sum_ms + EXCLUDED.response_time_sum_ms,
			response_time_count = aggregate_buckets.response_time_count + EXCLUDED.response_time_count,
			first_seen = LEAST(aggregate_buckets.first_seen, EXCLUDED.first_seen),
			last_seen = GREATEST(aggregate_buckets.last_seen, EXCLUDED.last_seen),
			visitor_sketch = COALESCE(EXCLUDED.visitor_sketch, aggregate_buckets.visitor_sketch),
			updated_at = NOW()
	`

	_, err = tx.Exec(ctx, query,
		key.LinkID,
		string(key.Granularity),
		key.Start,
		delta.ClickCount,
		delta.AuthenticatedCount,
		delta.BotCount,
		delta.ResponseTimeSumMs,
		delta.ResponseTimeCount,
		nullableTime(delta.FirstSeen),
		nullableTime(delta.LastSeen),
		sketchBytes,
	)
	return err
}

// mergedSketchBytes loads the stored visitor sketch for key (locking the row
// for the rest of the transaction), merges the delta's sketch into it, and
// returns the encoded union. Returns nil when the delta carries no visitors,
// which leaves the stored sketch untouched.
func (r *BucketRepository) mergedSketchBytes(ctx context.Context, tx pgx.Tx, key aggregate.Key, deltaSketch *aggregate.Sketch) ([]byte, error) {
	if deltaSketch == nil {
		return nil, nil
	}

	query := `
		SELECT visitor_sketch
		FROM aggregate_buckets
		WHERE link_id = $1 AND granularity = $2 AND bucket_start = $3
		FOR UPDATE
	`

	var stored []byte
	err := tx.QueryRow(ctx, query, key.LinkID, string(key.Granularity), key.Start).Scan(&stored)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load visitor sketch: %w", err)
	}

	merged := deltaSketch.Clone()
	if len(stored) > 0 {
		if existing, err := aggregate.SketchFromBytes(stored); err == nil {
			merged.Merge(existing)
		}
		// An undecodable stored sketch is replaced by the delta's; a stuck
		// persist cycle would cost far more than one window's estimate.
	}

	return merged.MarshalBinary()
}

// GetTotal returns the all-time bucket for a link.
func (r *BucketRepository) GetTotal(ctx context.Context, linkID string) (*model.BucketStats, error) {
	query := selectBucketStats + `
		WHERE link_id = $1 AND granularity = 'total'
	`

	stats, err := scanBucketStats(r.repo.pool.QueryRow(ctx, query, linkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBucketNotFound
		}
		return nil, fmt.Errorf("get total bucket: %w", err)
	}
	return stats, nil
}

// ListBuckets returns a link's buckets at one granularity within a time
// range, oldest first.
func (r *BucketRepository) ListBuckets(ctx context.Context, linkID string, g aggregate.Granularity, from, to time.Time) ([]model.BucketStats, error) {
	query := selectBucketStats + `
		WHERE link_id = $1 AND granularity = $2 AND bucket_start >= $3 AND bucket_start < $4
		ORDER BY bucket_start ASC
	`

	rows, err := r.repo.pool.Query(ctx, query, linkID, string(g), from, to)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []model.BucketStats
	for rows.Next() {
		stats, err := scanBucketStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, *stats)
	}

	return buckets, rows.Err()
}

// TopLinks ranks links by clicks within a time window at one granularity.
func (r *BucketRepository) TopLinks(ctx context.Context, g aggregate.Granularity, from, to time.Time, limit int) ([]model.LinkClicks, error) {
	query := `
		SELECT link_id, SUM(click_count) AS clicks
		FROM aggregate_buckets
		WHERE granularity = $1 AND bucket_start >= $2 AND bucket_start < $3
		GROUP BY link_id
		ORDER BY clicks DESC, link_id ASC
		LIMIT $4
	`

	rows, err := r.repo.pool.Query(ctx, query, string(g), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query top links: %w", err)
	}
	defer rows.Close()

	var links []model.LinkClicks
	for rows.Next() {
		var lc model.LinkClicks
		if err := rows.Scan(&lc.LinkID, &lc.Clicks); err != nil {
			return nil, fmt.Errorf("scan top link: %w", err)
		}
		links = append(links, lc)
	}

	return links, rows.Err()
}

// TotalsForLinks fetches the all-time buckets for a set of links in one
// query, keyed by link id. Links without a bucket are absent from the map.
func (r *BucketRepository) TotalsForLinks(ctx context.Context, linkIDs []string) (map[string]model.BucketStats, error) {
	if len(linkIDs) == 0 {
		return map[string]model.BucketStats{}, nil
	}

	query := selectBucketStats + `
		WHERE granularity = 'total' AND link_id = ANY($1)
	`

	rows, err := r.repo.pool.Query(ctx, query, pq.Array(linkIDs))
	if err != nil {
		return nil, fmt.Errorf("query totals for links: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]model.BucketStats, len(linkIDs))
	for rows.Next() {
		stats, err := scanBucketStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan total bucket: %w", err)
		}
		totals[stats.LinkID] = *stats
	}

	return totals, rows.Err()
}

const selectBucketStats = `
		SELECT link_id, granularity, bucket_start, click_count, authenticated_count,
		       bot_count, response_time_sum_ms, response_time_count,
		       first_seen, last_seen, visitor_sketch
		FROM aggregate_buckets
`

// scanBucketStats scans one bucket row and resolves the visitor sketch to an
// estimate.
func scanBucketStats(row pgx.Row) (*model.BucketStats, error) {
	var (
		stats       model.BucketStats
		rtSum       int64
		rtCount     int64
		sketchBytes []byte
	)

	err := row.Scan(
		&stats.LinkID,
		&stats.Granularity,
		&stats.BucketStart,
		&stats.ClickCount,
		&stats.AuthenticatedCount,
		&stats.BotCount,
		&rtSum,
		&rtCount,
		&stats.FirstSeen,
		&stats.LastSeen,
		&sketchBytes,
	)
	if err != nil {
		return nil, err
	}

	if rtCount > 0 {
		stats.AvgResponseTimeMs = float64(rtSum) / float64(rtCount)
	}
	if len(sketchBytes) > 0 {
		if sketch, err := aggregate.SketchFromBytes(sketchBytes); err == nil {
			stats.UniqueVisitors = sketch.Estimate()
		}
	}

	return &stats, nil
}

// nullableTime returns nil for the zero time.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
