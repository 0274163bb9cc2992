// Package service implements the accept path for click events: normalization,
// boundary validation, load observation, hot counting, and buffer submission.
// Nothing here performs I/O; a submission resolves in-process.
package service

import (
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linkpulse/linkpulse/internal/buffer"
	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/counter"
	"github.com/linkpulse/linkpulse/internal/metrics"
	"github.com/linkpulse/linkpulse/internal/model"
)

// ClickInput carries the raw attributes of one observed redirect, as reported
// by the redirect fleet. The service owns id generation and normalization.
type ClickInput struct {
	LinkID         string
	UserID         string
	ClientIP       string
	UserAgent      string
	Referrer       string
	HTTPMethod     string
	StatusCode     int
	ResponseTimeMs int
	IsBot          bool
	CountryCode    string
	UTMSource      string
	UTMMedium      string
	UTMCampaign    string

	// OccurredAt defaults to the ingestion clock when zero, matching
	// fire-and-forget reporters that post immediately after the redirect.
	OccurredAt time.Time
}

// IngestResult is the disposition of one click submission.
type IngestResult struct {
	// EventID is set when the click was recorded (ULID assigned here).
	EventID string

	// Accepted means the click counts toward totals. The detailed event may
	// still be shed downstream under pressure; that loss is counted, never
	// silent.
	Accepted bool

	// Retryable marks a refusal the caller should surface as backpressure
	// (reject full-policy). The click was not counted; a retry will not
	// double count.
	Retryable bool

	// Reason is the machine-readable rejection code for refusals.
	Reason string

	// Field names the offending attribute for validation refusals.
	Field string

	// PendingClicks is the link's un-reconciled hot-counter delta after this
	// click.
	PendingClicks int64
}

// IngestService accepts click events into the pipeline.
type IngestService struct {
	counters *counter.Cache
	buffers  *buffer.Manager
	load     *burst.Controller
	metrics  metrics.Recorder
	logger   *slog.Logger

	maxFutureSkew time.Duration
}

// NewIngestService creates an IngestService.
func NewIngestService(counters *counter.Cache, buffers *buffer.Manager, load *burst.Controller, maxFutureSkew time.Duration, logger *slog.Logger, recorder metrics.Recorder) *IngestService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &IngestService{
		counters:      counters,
		buffers:       buffers,
		load:          load,
		metrics:       recorder,
		logger:        logger.With("component", "service.ingest"),
		maxFutureSkew: maxFutureSkew,
	}
}

// RecordClick validates and admits one click. Never blocks: every outcome
// resolves from in-process state.
//
// Ordering matters for exactness. The buffer decides first so a retryable
// refusal leaves the hot counter untouched (the caller will resubmit).
// Accepted and absorbed-drop outcomes both increment the counter: the click
// happened and will not be retried, so the total must include it even when
// the detailed record is shed.
func (s *IngestService) RecordClick(input ClickInput) IngestResult {
	now := time.Now().UTC()
	ev := s.buildEvent(input, now)

	if err := model.ValidateEvent(ev, now, s.maxFutureSkew); err != nil {
		reason := model.ReasonOf(err)
		s.metrics.IncEventRejected(string(reason))
		s.logger.Debug("click rejected",
			"link_id", input.LinkID,
			"reason", string(reason),
		)
		result := IngestResult{Reason: string(reason)}
		if verr, ok := err.(*model.ValidationError); ok {
			result.Field = verr.Field
		}
		return result
	}

	// Every valid click feeds the rate signal, including ones the buffer is
	// about to refuse: shedding traffic is still traffic.
	s.load.Observe(ev.LinkID)

	disp := s.buffers.Submit(ev)
	if disp.Retryable {
		return IngestResult{Retryable: true, Reason: disp.Reason}
	}

	pending := s.counters.Increment(ev.LinkID)
	s.metrics.IncEventAccepted()

	return IngestResult{
		EventID:       ev.EventID,
		Accepted:      true,
		PendingClicks: pending,
	}
}

// buildEvent normalizes raw input into an EventRecord. Only absent optional
// fields receive defaults; invalid values pass through untouched so
// validation can reject them with the precise reason.
func (s *IngestService) buildEvent(input ClickInput, now time.Time) model.EventRecord {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	method := strings.ToUpper(strings.TrimSpace(input.HTTPMethod))
	if method == "" {
		method = "GET" // the redirect default
	}

	statusCode := input.StatusCode
	if statusCode == 0 {
		statusCode = 302 // the redirect default; nonzero out-of-range values still reject
	}

	userAgent := model.TruncateUserAgent(input.UserAgent)

	// ISO codes are case-insensitive; anything that is not two letters after
	// trimming reaches validation untouched and is rejected there.
	country := strings.ToUpper(strings.TrimSpace(input.CountryCode))

	return model.EventRecord{
		EventID:        ulid.Make().String(),
		LinkID:         input.LinkID,
		UserID:         input.UserID,
		ClientIP:       input.ClientIP,
		UserAgent:      userAgent,
		Referrer:       model.SanitizeReferrer(input.Referrer),
		HTTPMethod:     method,
		StatusCode:     statusCode,
		ResponseTimeMs: input.ResponseTimeMs,
		IsBot:          input.IsBot,
		VisitorHash:    model.GenerateVisitorHash(input.ClientIP, userAgent, occurredAt),
		CountryCode:    country,
		UTMSource:      input.UTMSource,
		UTMMedium:      input.UTMMedium,
		UTMCampaign:    input.UTMCampaign,
		OccurredAt:     occurredAt,
	}
}
