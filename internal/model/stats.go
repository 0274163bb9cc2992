package model

import "time"

// BucketStats is the read model for one aggregate bucket row, with the
// visitor sketch already resolved to an estimate.
type BucketStats struct {
	LinkID             string     `json:"link_id"`
	Granularity        string     `json:"granularity"`
	BucketStart        time.Time  `json:"bucket_start"` // zero for the total bucket
	ClickCount         int64      `json:"click_count"`
	AuthenticatedCount int64      `json:"authenticated_count"`
	BotCount           int64      `json:"bot_count"`
	UniqueVisitors     int64      `json:"unique_visitors"`
	AvgResponseTimeMs  float64    `json:"avg_response_time_ms"`
	FirstSeen          *time.Time `json:"first_seen,omitempty"`
	LastSeen           *time.Time `json:"last_seen,omitempty"`
}

// LinkSummary combines a link's durable totals with the live un-reconciled
// delta, so callers see burst traffic before the next reconcile cycle lands.
type LinkSummary struct {
	LinkID             string     `json:"link_id"`
	TotalClicks        int64      `json:"total_clicks"`   // durable (reconciled) count
	PendingClicks      int64      `json:"pending_clicks"` // hot-counter delta not yet reconciled
	LiveClicks         int64      `json:"live_clicks"`    // TotalClicks + PendingClicks
	AuthenticatedCount int64      `json:"authenticated_count"`
	BotCount           int64      `json:"bot_count"`
	UniqueVisitors     int64      `json:"unique_visitors"`
	AvgResponseTimeMs  float64    `json:"avg_response_time_ms"`
	FirstSeen          *time.Time `json:"first_seen,omitempty"`
	LastSeen           *time.Time `json:"last_seen,omitempty"`
}

// ReferrerCount is one row of a top-referrers breakdown.
type ReferrerCount struct {
	Domain string `json:"domain"`
	Clicks int64  `json:"clicks"`
}

// LinkClicks is one row of a top-links ranking over a time window.
type LinkClicks struct {
	LinkID string `json:"link_id"`
	Clicks int64  `json:"clicks"`
}
