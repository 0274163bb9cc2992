// Package buffer accumulates accepted click events in sharded in-memory
// batches and flushes them to durable storage. Overfull buffers shed load
// according to a configured policy, and batches that exhaust their flush
// retries spill to an overflow stream instead of being lost.
package buffer

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/metrics"
	"github.com/linkpulse/linkpulse/internal/model"
)

// Buffer-full policies.
const (
	// FullPolicyDrop silently discards the event and counts the drop.
	FullPolicyDrop = "drop"
	// FullPolicyReject refuses the event so the caller can apply backpressure.
	FullPolicyReject = "reject"
)

const flushRetryBase = 50 * time.Millisecond

// Config tunes the buffer manager. Flush fires when any maximum threshold is
// crossed, or when every minimum threshold is met.
type Config struct {
	Shards int

	MinRows  int
	MaxRows  int
	MinBytes int
	MaxBytes int
	MinAge   time.Duration
	MaxAge   time.Duration

	// PendingLimit caps buffered plus in-flight events across all shards.
	PendingLimit int
	FullPolicy   string

	FlushTimeout    time.Duration
	FlushMaxRetries int

	// MaxRowsFactor and MaxAgeFactor relax the maximum thresholds while the
	// global load state calls for relaxed flushing.
	MaxRowsFactor int
	MaxAgeFactor  int
}

// EventWriter persists a batch of events. It returns the subset that was
// newly written, excluding rows the storage layer recognized as duplicates.
type EventWriter interface {
	BulkInsert(ctx context.Context, events []model.EventRecord) ([]model.EventRecord, error)
}

// Consumer receives newly written events for downstream processing.
type Consumer interface {
	Consume(events []model.EventRecord)
}

// Spiller moves events that could not be flushed into overflow storage.
type Spiller interface {
	Spill(ctx context.Context, events []model.EventRecord) error
}

// StateSource reports the global load state.
type StateSource interface {
	GlobalState() burst.LoadState
}

// Disposition is the outcome of submitting one event.
type Disposition struct {
	Accepted bool
	// Retryable marks a refusal the caller should surface as backpressure.
	// Non-retryable refusals were absorbed and counted as drops.
	Retryable bool
	Reason    string
}

// Manager owns the buffer shards and their flush workers.
type Manager struct {
	cfg      Config
	writer   EventWriter
	consumer Consumer
	spiller  Spiller
	source   StateSource
	logger   *slog.Logger
	metrics  metrics.Recorder

	shards []*shard
	depth  atomic.Int64

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a buffer manager. consumer, spiller, and source may be
// nil: without a spiller, exhausted batches are dropped and counted; without
// a source, thresholds never relax. If recorder is nil, metrics are
// discarded.
func NewManager(cfg Config, writer EventWriter, consumer Consumer, spiller Spiller, source StateSource, logger *slog.Logger, recorder metrics.Recorder) *Manager {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	m := &Manager{
		cfg:      cfg,
		writer:   writer,
		consumer: consumer,
		spiller:  spiller,
		source:   source,
		logger:   logger.With("component", "buffer.manager"),
		metrics:  recorder,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	m.shards = make([]*shard, cfg.Shards)
	for i := range m.shards {
		m.shards[i] = newShard(m, i)
	}
	return m
}

// Submit routes an event to its shard. Never blocks: a full buffer resolves
// immediately to a drop or a retryable refusal per the configured policy.
func (m *Manager) Submit(ev model.EventRecord) Disposition {
	if m.depth.Load() >= int64(m.cfg.PendingLimit) {
		m.metrics.IncEventDropped("buffer_full")
		if m.cfg.FullPolicy == FullPolicyReject {
			return Disposition{Retryable: true, Reason: "buffer_full"}
		}
		m.logger.Debug("buffer full, event dropped", "event_id", ev.EventID)
		return Disposition{Reason: "buffer_full"}
	}

	s := m.shards[m.shardFor(ev.EventID)]
	maxRows, maxAge := m.effectiveLimits()

	depth := m.depth.Add(1)
	m.metrics.SetBufferDepth(depth)

	if s.append(ev, maxRows, maxAge) {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return Disposition{Accepted: true}
}

// Depth returns the number of buffered plus in-flight events.
func (m *Manager) Depth() int64 {
	return m.depth.Load()
}

// Run starts one flush worker per shard and blocks until shutdown. On exit
// every shard drains its remaining events through the normal flush path.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("buffer manager already started")
	}
	m.started = true
	m.mu.Unlock()

	defer close(m.doneCh)
	m.logger.Info("buffer manager started",
		"shards", len(m.shards),
		"max_rows", m.cfg.MaxRows,
		"max_age", m.cfg.MaxAge,
	)

	var wg sync.WaitGroup
	for _, s := range m.shards {
		wg.Add(1)
		go func(s *shard) {
			defer wg.Done()
			s.run(ctx)
		}(s)
	}
	wg.Wait()

	m.logger.Info("buffer manager stopped")
	return nil
}

// Shutdown stops the workers and waits for the final drain. Callers must
// have started Run; the stop signal is honored even if Run has not yet
// scheduled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.mu.Unlock()

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) shardFor(eventID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(eventID))
	return int(h.Sum32() % uint32(len(m.shards)))
}

// effectiveLimits returns the maximum row and age thresholds, relaxed while
// the global load state asks for it. Minimum thresholds never change.
func (m *Manager) effectiveLimits() (int, time.Duration) {
	maxRows, maxAge := m.cfg.MaxRows, m.cfg.MaxAge
	if m.source == nil {
		return maxRows, maxAge
	}
	if burst.PolicyFor(m.source.GlobalState()).RelaxedFlush {
		maxRows *= m.cfg.MaxRowsFactor
		maxAge *= time.Duration(m.cfg.MaxAgeFactor)
	}
	return maxRows, maxAge
}

// flushBatch writes one batch with retries, falling back to the spiller when
// attempts are exhausted. Pending accounting is settled here regardless of
// outcome.
func (m *Manager) flushBatch(batch []model.EventRecord) {
	if len(batch) == 0 {
		return
	}
	defer func() {
		depth := m.depth.Add(-int64(len(batch)))
		m.metrics.SetBufferDepth(depth)
	}()

	var lastErr error
	for attempt := 0; attempt <= m.cfg.FlushMaxRetries; attempt++ {
		if attempt > 0 {
			m.metrics.IncFlush("retry")
			backoff := flushRetryBase << (attempt - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-m.stopCh:
				timer.Stop()
			case <-timer.C:
			}
		}

		// The insert context is independent of the run context so the final
		// drain can still reach the database.
		cctx, cancel := context.WithTimeout(context.Background(), m.cfg.FlushTimeout)
		start := time.Now()
		inserted, err := m.writer.BulkInsert(cctx, batch)
		cancel()

		if err == nil {
			m.metrics.IncFlush("success")
			m.metrics.ObserveFlushBatchSize(len(batch))
			m.metrics.ObserveFlushDuration(time.Since(start))
			if m.consumer != nil && len(inserted) > 0 {
				m.consumer.Consume(inserted)
			}
			m.logger.Debug("batch flushed",
				"rows", len(batch),
				"inserted", len(inserted),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return
		}

		lastErr = err
		m.logger.Warn("batch flush failed",
			"rows", len(batch),
			"attempt", attempt+1,
			"error", err,
		)
	}

	m.metrics.IncFlush("failure")
	m.spillOrDrop(batch, lastErr)
}

func (m *Manager) spillOrDrop(batch []model.EventRecord, cause error) {
	if m.spiller == nil {
		for range batch {
			m.metrics.IncEventDropped("flush_exhausted")
		}
		m.logger.Error("flush exhausted with no overflow configured, events dropped",
			"rows", len(batch),
			"error", cause,
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FlushTimeout)
	defer cancel()

	if err := m.spiller.Spill(ctx, batch); err != nil {
		for range batch {
			m.metrics.IncEventDropped("spill_failed")
		}
		m.logger.Error("overflow spill failed, events dropped",
			"rows", len(batch),
			"error", err,
		)
		return
	}

	m.metrics.IncEventsSpilled(len(batch))
	m.logger.Warn("flush exhausted, events spilled to overflow stream",
		"rows", len(batch),
		"error", cause,
	)
}
