package aggregate

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/metrics"
	"github.com/linkpulse/linkpulse/internal/model"
)

// StateSource reports the effective load state for a link. The burst
// controller satisfies this.
type StateSource interface {
	StateFor(linkID string) burst.LoadState
}

// EngineConfig tunes the incremental aggregation path.
type EngineConfig struct {
	// SampleN keeps 1 in N events for minute/hour buckets while the link is
	// under burst sampling. Kept events are weighted by N so counts stay
	// approximately unbiased.
	SampleN int

	// DedupWindow is how long applied event IDs are remembered.
	DedupWindow time.Duration

	// Retention is the horizon for fine-grained buckets. Older events still
	// update lifetime totals but no minute or hour bucket.
	Retention time.Duration
}

// Engine folds click events into pending bucket deltas. Events arrive here
// exactly once per durable insert: the flush path passes only rows the
// database reported as newly written, and the dedup window absorbs replays
// that race ahead of that report.
type Engine struct {
	cfg     EngineConfig
	store   *MemStore
	dedup   *dedupWindow
	source  StateSource
	metrics metrics.Recorder
	logger  *slog.Logger

	sampleTick atomic.Uint64
}

// NewEngine creates an engine backed by a fresh MemStore. If recorder is
// nil, metrics are discarded.
func NewEngine(cfg EngineConfig, source StateSource, logger *slog.Logger, recorder metrics.Recorder) *Engine {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Engine{
		cfg:     cfg,
		store:   NewMemStore(),
		dedup:   newDedupWindow(cfg.DedupWindow),
		source:  source,
		metrics: recorder,
		logger:  logger.With("component", "aggregate.engine"),
	}
}

// Store exposes the pending-delta store for the persister.
func (e *Engine) Store() *MemStore {
	return e.store
}

// Consume applies a batch of durably stored events to the in-memory deltas.
func (e *Engine) Consume(events []model.EventRecord) {
	if len(events) == 0 {
		return
	}
	now := time.Now().UTC()
	for i := range events {
		e.apply(&events[i], now)
	}
	e.metrics.SetTrackedBuckets(int64(e.store.Len()))
}

func (e *Engine) apply(ev *model.EventRecord, now time.Time) {
	if e.dedup.seen(ev.EventID, now) {
		e.metrics.IncDedupHit()
		return
	}

	policy := burst.PolicyFor(e.source.StateFor(ev.LinkID))
	selected, weight := e.sampleOne(policy)

	// Lifetime totals always get the exact event. ClickCount stays zero
	// here: the reconciler is the single writer of total click counts, fed
	// from the hot counters that were incremented at accept time.
	total := e.newDelta(ev, 0, 1)
	if !ev.IsBot && (!policy.SampleVisitors || selected) {
		total.Visitors = NewSketch()
		total.Visitors.Insert(ev.VisitorKey())
	}
	e.store.Apply(Key{LinkID: ev.LinkID, Granularity: GranularityTotal}, total)
	e.metrics.IncAggregateApplied(string(GranularityTotal))

	if now.Sub(ev.OccurredAt) > e.cfg.Retention {
		e.logger.Debug("event beyond bucket retention, totals only",
			"event_id", ev.EventID, "occurred_at", ev.OccurredAt)
		return
	}
	if policy.SampleAggregation && !selected {
		e.metrics.IncSampledOut()
		return
	}

	for _, g := range []Granularity{GranularityMinute, GranularityHour} {
		delta := e.newDelta(ev, weight, weight)
		if !ev.IsBot {
			delta.Visitors = NewSketch()
			delta.Visitors.Insert(ev.VisitorKey())
		}
		key := Key{LinkID: ev.LinkID, Granularity: g, Start: BucketStart(ev.OccurredAt, g)}
		e.store.Apply(key, delta)
		e.metrics.IncAggregateApplied(string(g))
	}
}

// sampleOne advances the deterministic 1-in-N selector. Outside sampling
// every event is selected with weight 1.
func (e *Engine) sampleOne(policy burst.Policy) (bool, int64) {
	if !policy.SampleAggregation && !policy.SampleVisitors {
		return true, 1
	}
	n := uint64(e.cfg.SampleN)
	if n <= 1 {
		return true, 1
	}
	if e.sampleTick.Add(1)%n == 0 {
		return true, int64(n)
	}
	return false, 1
}

// newDelta builds a single-event delta with the given click weight. Counts
// that feed averages carry the same weight so sampled averages stay
// consistent.
func (e *Engine) newDelta(ev *model.EventRecord, clicks, weight int64) *Bucket {
	b := &Bucket{
		ClickCount: clicks,
		FirstSeen:  ev.OccurredAt,
		LastSeen:   ev.OccurredAt,
	}
	if ev.UserID != "" {
		b.AuthenticatedCount = weight
	}
	if ev.IsBot {
		b.BotCount = weight
	}
	if ev.ResponseTimeMs > 0 {
		b.ResponseTimeSumMs = int64(ev.ResponseTimeMs) * weight
		b.ResponseTimeCount = weight
	}
	return b
}

// DedupSize reports how many event IDs the dedup window currently holds.
func (e *Engine) DedupSize() int {
	return e.dedup.size()
}
