package dto

import (
	"time"

	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/model"
)

// Period echoes the resolved query window back to the caller.
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// BucketSeriesResponse is the windowed stats series for one link.
type BucketSeriesResponse struct {
	LinkID      string              `json:"link_id"`
	Granularity string              `json:"granularity"`
	Period      Period              `json:"period"`
	Buckets     []model.BucketStats `json:"buckets"`
}

// ReferrersResponse is the top-referrers breakdown for one link.
type ReferrersResponse struct {
	LinkID    string                `json:"link_id"`
	Period    Period                `json:"period"`
	Referrers []model.ReferrerCount `json:"referrers"`
}

// TopLinksResponse ranks links by clicks within a window.
type TopLinksResponse struct {
	Granularity string             `json:"granularity"`
	Period      Period             `json:"period"`
	Links       []model.LinkClicks `json:"links"`
}

// LoadResponse reports the global load state plus the hottest tracked links.
type LoadResponse struct {
	Global      burst.LinkLoad   `json:"global"`
	Links       []burst.LinkLoad `json:"links"`
	GeneratedAt time.Time        `json:"generated_at"`
}
