package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkpulse/linkpulse/internal/model"
)

const (
	// DefaultSpillStream is the Redis stream for overflow events.
	DefaultSpillStream = "stream:event_spill"

	// DefaultDLQStream is the Redis stream for poison overflow messages.
	DefaultDLQStream = "stream:event_spill:dlq"

	// DefaultSpillMaxLen is the approximate max length of the spill stream.
	DefaultSpillMaxLen = 100000
)

// SpillPayload is the compressed wire format for spilled events.
type SpillPayload struct {
	EventID        string `json:"eid"`
	LinkID         string `json:"lid"`
	UserID         string `json:"uid,omitempty"`
	ClientIP       string `json:"ip,omitempty"`
	UserAgent      string `json:"ua,omitempty"`
	Referrer       string `json:"r,omitempty"`
	HTTPMethod     string `json:"m,omitempty"`
	StatusCode     int    `json:"st,omitempty"`
	ResponseTimeMs int    `json:"rt,omitempty"`
	IsBot          bool   `json:"b,omitempty"`
	VisitorHash    string `json:"vh,omitempty"`
	CountryCode    string `json:"cc,omitempty"`
	UTMSource      string `json:"us,omitempty"`
	UTMMedium      string `json:"um,omitempty"`
	UTMCampaign    string `json:"uc,omitempty"`
	OccurredAt     int64  `json:"t"` // Unix milliseconds
}

// NewSpillPayload compresses an event for the overflow stream.
func NewSpillPayload(ev model.EventRecord) SpillPayload {
	return SpillPayload{
		EventID:        ev.EventID,
		LinkID:         ev.LinkID,
		UserID:         ev.UserID,
		ClientIP:       ev.ClientIP,
		UserAgent:      ev.UserAgent,
		Referrer:       ev.Referrer,
		HTTPMethod:     ev.HTTPMethod,
		StatusCode:     ev.StatusCode,
		ResponseTimeMs: ev.ResponseTimeMs,
		IsBot:          ev.IsBot,
		VisitorHash:    ev.VisitorHash,
		CountryCode:    ev.CountryCode,
		UTMSource:      ev.UTMSource,
		UTMMedium:      ev.UTMMedium,
		UTMCampaign:    ev.UTMCampaign,
		OccurredAt:     ev.OccurredAt.UnixMilli(),
	}
}

// Event expands the payload back into the full record.
func (p SpillPayload) Event() model.EventRecord {
	return model.EventRecord{
		EventID:        p.EventID,
		LinkID:         p.LinkID,
		UserID:         p.UserID,
		ClientIP:       p.ClientIP,
		UserAgent:      p.UserAgent,
		Referrer:       p.Referrer,
		HTTPMethod:     p.HTTPMethod,
		StatusCode:     p.StatusCode,
		ResponseTimeMs: p.ResponseTimeMs,
		IsBot:          p.IsBot,
		VisitorHash:    p.VisitorHash,
		CountryCode:    p.CountryCode,
		UTMSource:      p.UTMSource,
		UTMMedium:      p.UTMMedium,
		UTMCampaign:    p.UTMCampaign,
		OccurredAt:     time.UnixMilli(p.OccurredAt).UTC(),
	}
}

// StreamSpiller writes exhausted batches to a Redis stream so they survive a
// storage outage.
type StreamSpiller struct {
	redis  *redis.Client
	logger *slog.Logger
	stream string
	maxLen int64
}

// NewStreamSpiller creates a spiller targeting the default stream.
func NewStreamSpiller(client *redis.Client, logger *slog.Logger) *StreamSpiller {
	return &StreamSpiller{
		redis:  client,
		logger: logger.With("component", "buffer.spiller"),
		stream: DefaultSpillStream,
		maxLen: DefaultSpillMaxLen,
	}
}

// SetStream overrides the target stream.
func (s *StreamSpiller) SetStream(stream string) {
	if stream != "" {
		s.stream = stream
	}
}

// SetMaxLen overrides the approximate stream cap.
func (s *StreamSpiller) SetMaxLen(maxLen int64) {
	if maxLen > 0 {
		s.maxLen = maxLen
	}
}

// Spill appends the batch to the overflow stream in one pipeline.
func (s *StreamSpiller) Spill(ctx context.Context, events []model.EventRecord) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.redis.Pipeline()
	for _, ev := range events {
		data, err := json.Marshal(NewSpillPayload(ev))
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true, // ~MAXLEN for performance
			ID:     "*",
			Values: map[string]interface{}{
				"payload": string(data),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("spill xadd: %w", err)
	}

	s.logger.Debug("events spilled", "stream", s.stream, "count", len(events))
	return nil
}
