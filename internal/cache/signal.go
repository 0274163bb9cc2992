package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkpulse/linkpulse/internal/burst"
)

const (
	// DefaultSignalStream is the Redis stream carrying load-state
	// transitions for external consumers.
	DefaultSignalStream = "stream:load_transitions"

	// signalMaxLen caps the signal stream. Consumers only care about
	// recent state, so old entries are disposable.
	signalMaxLen = 1000
)

// SignalPublisher broadcasts load-state transitions on a Redis stream so the
// redirect fleet and dashboards can react without polling the load endpoint.
// Publishing is advisory: a failed XADD is logged by the caller and the
// transition is still visible in-process.
type SignalPublisher struct {
	cache  *Cache
	logger *slog.Logger
	stream string
}

// NewSignalPublisher creates a publisher targeting the default stream.
func NewSignalPublisher(cache *Cache, logger *slog.Logger) *SignalPublisher {
	return &SignalPublisher{
		cache:  cache,
		logger: logger.With("component", "cache.signal"),
		stream: DefaultSignalStream,
	}
}

// SetStream overrides the target stream.
func (p *SignalPublisher) SetStream(stream string) {
	if stream != "" {
		p.stream = stream
	}
}

// PublishTransition appends one transition to the signal stream.
func (p *SignalPublisher) PublishTransition(ctx context.Context, tr burst.Transition) error {
	err := p.cache.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: signalMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"scope": tr.Scope,
			"from":  tr.From.String(),
			"to":    tr.To.String(),
			"rate":  strconv.FormatFloat(tr.Rate, 'f', 2, 64),
			"at":    tr.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd load transition: %w", err)
	}

	p.logger.Debug("load transition published",
		"stream", p.stream,
		"scope", tr.Scope,
		"to", tr.To.String(),
	)
	return nil
}
