package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linkpulse/linkpulse/internal/aggregate"
	"github.com/linkpulse/linkpulse/internal/counter"
	"github.com/linkpulse/linkpulse/internal/handler/dto"
	"github.com/linkpulse/linkpulse/internal/model"
	"github.com/linkpulse/linkpulse/internal/repository"
)

// StatsHandler serves the read API over aggregate buckets, the durable event
// store, and the live hot counters.
type StatsHandler struct {
	links    *repository.Repository
	buckets  *repository.BucketRepository
	events   *repository.EventRepository
	counters *counter.Cache
	logger   *slog.Logger
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(links *repository.Repository, buckets *repository.BucketRepository, events *repository.EventRepository, counters *counter.Cache, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		links:    links,
		buckets:  buckets,
		events:   events,
		counters: counters,
		logger:   logger.With("component", "handler.stats"),
	}
}

// ListLinkStats handles GET /api/v1/links/{linkID}/stats.
// Returns the link's minute or hour buckets within a bounded window.
func (h *StatsHandler) ListLinkStats(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "linkID")
	if linkID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Link ID is required")
		return
	}

	granularity, ok := parseGranularity(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "INVALID_GRANULARITY", "Granularity must be minute or hour")
		return
	}

	from, to := h.parseTimeRange(r)

	if !h.requireLink(w, r, linkID) {
		return
	}

	buckets, err := h.buckets.ListBuckets(r.Context(), linkID, granularity, from, to)
	if err != nil {
		h.logger.Error("failed to list buckets", "link_id", linkID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch stats")
		return
	}
	if buckets == nil {
		buckets = []model.BucketStats{}
	}

	writeJSON(w, http.StatusOK, dto.BucketSeriesResponse{
		LinkID:      linkID,
		Granularity: string(granularity),
		Period:      dto.Period{From: from, To: to},
		Buckets:     buckets,
	})
}

// GetLinkSummary handles GET /api/v1/links/{linkID}/stats/summary.
//
// The summary combines the durable total bucket with the link's hot-counter
// delta, so a dashboard polling it sees a burst while reconciliation is
// still catching up.
func (h *StatsHandler) GetLinkSummary(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "linkID")
	if linkID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Link ID is required")
		return
	}

	if !h.requireLink(w, r, linkID) {
		return
	}

	total, err := h.buckets.GetTotal(r.Context(), linkID)
	if err != nil {
		if !errors.Is(err, repository.ErrBucketNotFound) {
			h.logger.Error("failed to get total bucket", "link_id", linkID, "error", err)
			h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch stats")
			return
		}
		// Link exists but nothing has been persisted yet.
		total = &model.BucketStats{LinkID: linkID}
	}

	pending := h.counters.Pending(linkID)

	writeJSON(w, http.StatusOK, model.LinkSummary{
		LinkID:             linkID,
		TotalClicks:        total.ClickCount,
		PendingClicks:      pending,
		LiveClicks:         total.ClickCount + pending,
		AuthenticatedCount: total.AuthenticatedCount,
		BotCount:           total.BotCount,
		UniqueVisitors:     total.UniqueVisitors,
		AvgResponseTimeMs:  total.AvgResponseTimeMs,
		FirstSeen:          total.FirstSeen,
		LastSeen:           total.LastSeen,
	})
}

// ListLinkReferrers handles GET /api/v1/links/{linkID}/stats/referrers.
func (h *StatsHandler) ListLinkReferrers(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "linkID")
	if linkID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Link ID is required")
		return
	}

	from, to := h.parseTimeRange(r)
	limit := parseLimit(r, 10, 50)

	if !h.requireLink(w, r, linkID) {
		return
	}

	referrers, err := h.events.TopReferrers(r.Context(), linkID, from, to, limit)
	if err != nil {
		h.logger.Error("failed to query referrers", "link_id", linkID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch referrers")
		return
	}
	if referrers == nil {
		referrers = []model.ReferrerCount{}
	}

	writeJSON(w, http.StatusOK, dto.ReferrersResponse{
		LinkID:    linkID,
		Period:    dto.Period{From: from, To: to},
		Referrers: referrers,
	})
}

// TopLinks handles GET /api/v1/stats/top-links.
// Ranks links by clicks summed over bucket rows within the window.
func (h *StatsHandler) TopLinks(w http.ResponseWriter, r *http.Request) {
	granularity, ok := parseGranularity(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "INVALID_GRANULARITY", "Granularity must be minute or hour")
		return
	}

	from, to := h.parseTimeRange(r)
	limit := parseLimit(r, 10, 100)

	links, err := h.buckets.TopLinks(r.Context(), granularity, from, to, limit)
	if err != nil {
		h.logger.Error("failed to query top links", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch top links")
		return
	}
	if links == nil {
		links = []model.LinkClicks{}
	}

	writeJSON(w, http.StatusOK, dto.TopLinksResponse{
		Granularity: string(granularity),
		Period:      dto.Period{From: from, To: to},
		Links:       links,
	})
}

// requireLink answers whether the link exists, writing the 404 (or 500)
// itself when it does not.
func (h *StatsHandler) requireLink(w http.ResponseWriter, r *http.Request, linkID string) bool {
	exists, err := h.links.LinkExists(r.Context(), linkID)
	if err != nil {
		h.logger.Error("failed to check link", "link_id", linkID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch stats")
		return false
	}
	if !exists {
		h.writeError(w, http.StatusNotFound, "LINK_NOT_FOUND", "Link not found")
		return false
	}
	return true
}

// parseTimeRange extracts the from/to window from query params. Values are
// RFC 3339 timestamps or plain dates; unparseable values fall back to the
// default window of the last 7 days.
func (h *StatsHandler) parseTimeRange(r *http.Request) (time.Time, time.Time) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		if parsed, ok := parseTimeParam(s); ok {
			from = parsed
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		if parsed, ok := parseTimeParam(s); ok {
			to = parsed
		}
	}

	// Cap to 90 days max
	if to.Sub(from) > 90*24*time.Hour {
		from = to.AddDate(0, 0, -90)
	}

	// Don't allow future dates
	if to.After(now) {
		to = now
	}

	return from, to
}

func parseTimeParam(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// parseGranularity reads the granularity query param. Only the windowed
// granularities are valid here; totals live on the summary endpoint.
func parseGranularity(r *http.Request) (aggregate.Granularity, bool) {
	switch r.URL.Query().Get("granularity") {
	case "", "hour":
		return aggregate.GranularityHour, true
	case "minute":
		return aggregate.GranularityMinute, true
	default:
		return "", false
	}
}

// writeError writes a JSON error response.
func (h *StatsHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, dto.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
