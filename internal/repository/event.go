package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/linkpulse/linkpulse/internal/model"
)

// EventRepository provides database access for the durable click-event store.
type EventRepository struct {
	repo *Repository
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(repo *Repository) *EventRepository {
	return &EventRepository{repo: repo}
}

// BulkInsert writes a batch of events idempotently and returns the subset
// that was newly inserted. Replayed events hit ON CONFLICT DO NOTHING and are
// excluded from the result, so the aggregation engine is handed each event at
// most once across flush retries and spill replays.
//
// The batch runs over a single connection in one implicit transaction: it
// lands in full or, on error, not at all, so a retried batch never leaves a
// half-written prefix unaccounted for.
func (r *EventRepository) BulkInsert(ctx context.Context, events []model.EventRecord) ([]model.EventRecord, error) {
	if len(events) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}

	query := `
		INSERT INTO click_events (
			event_id, link_id, user_id, client_ip, user_agent,
			referrer, referrer_domain, http_method, status_code,
			response_time_ms, is_bot, visitor_hash, country_code,
			utm_source, utm_medium, utm_campaign, occurred_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (event_id, occurred_at) DO NOTHING
	`

	for i := range events {
		event := &events[i]
		batch.Queue(query,
			event.EventID,
			event.LinkID,
			nullableString(event.UserID),
			nullableString(event.ClientIP),
			nullableString(event.UserAgent),
			nullableString(event.Referrer),
			model.ExtractReferrerDomain(event.Referrer),
			event.HTTPMethod,
			event.StatusCode,
			event.ResponseTimeMs,
			event.IsBot,
			event.VisitorHash,
			nullableString(event.CountryCode),
			nullableString(event.UTMSource),
			nullableString(event.UTMMedium),
			nullableString(event.UTMCampaign),
			event.OccurredAt,
		)
	}

	results := r.repo.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := make([]model.EventRecord, 0, len(events))
	for i := range events {
		tag, err := results.Exec()
		if err != nil {
			return nil, fmt.Errorf("batch insert event %d: %w", i, err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, events[i])
		}
	}

	return inserted, nil
}

// CountForLink returns how many events are stored for a link in a time range.
func (r *EventRepository) CountForLink(ctx context.Context, linkID string, from, to time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM click_events
		WHERE link_id = $1 AND occurred_at >= $2 AND occurred_at < $3
	`

	var count int64
	if err := r.repo.pool.QueryRow(ctx, query, linkID, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// TopReferrers returns the most frequent referrer domains for a link within a
// time range. Domains are extracted at insert time, so this groups a plain
// column instead of parsing URLs per row.
func (r *EventRepository) TopReferrers(ctx context.Context, linkID string, from, to time.Time, limit int) ([]model.ReferrerCount, error) {
	query := `
		SELECT referrer_domain, COUNT(*) AS clicks
		FROM click_events
		WHERE link_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		GROUP BY referrer_domain
		ORDER BY clicks DESC, referrer_domain ASC
		LIMIT $4
	`

	rows, err := r.repo.pool.Query(ctx, query, linkID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query top referrers: %w", err)
	}
	defer rows.Close()

	var referrers []model.ReferrerCount
	for rows.Next() {
		var rc model.ReferrerCount
		if err := rows.Scan(&rc.Domain, &rc.Clicks); err != nil {
			return nil, fmt.Errorf("scan referrer: %w", err)
		}
		referrers = append(referrers, rc)
	}

	return referrers, rows.Err()
}

// nullableString returns nil for empty strings.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
