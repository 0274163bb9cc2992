package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/linkpulse/linkpulse/internal/metrics"
)

// BucketSink durably applies a drained set of bucket deltas. Implementations
// must be additive: counts add onto stored values, first/last seen widen,
// visitor sketches union. The repository layer satisfies this.
type BucketSink interface {
	ApplyBucketDeltas(ctx context.Context, deltas map[Key]*Bucket) error
}

// Persister periodically drains the pending-delta store into the sink. A
// failed cycle restores the drained deltas so nothing is lost; the next tick
// retries with the merged accumulation.
type Persister struct {
	store    *MemStore
	sink     BucketSink
	interval time.Duration
	timeout  time.Duration
	metrics  metrics.Recorder
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPersister creates a persister. If recorder is nil, metrics are
// discarded.
func NewPersister(store *MemStore, sink BucketSink, interval, timeout time.Duration, logger *slog.Logger, recorder metrics.Recorder) *Persister {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Persister{
		store:    store,
		sink:     sink,
		interval: interval,
		timeout:  timeout,
		metrics:  recorder,
		logger:   logger.With("component", "aggregate.persister"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run persists on every interval tick until the context is cancelled or
// Shutdown is called, then performs one final drain so shutdown does not
// strand pending deltas.
func (p *Persister) Run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("aggregate persister started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.final()
			return
		case <-p.stopCh:
			p.final()
			return
		case <-ticker.C:
			p.persistOnce(ctx)
		}
	}
}

// Shutdown stops the loop and waits for the final persist to finish.
func (p *Persister) Shutdown(ctx context.Context) error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Persister) final() {
	// The run context is already cancelled at this point; give the last
	// cycle its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.persistOnce(ctx)
	p.logger.Info("aggregate persister stopped")
}

func (p *Persister) persistOnce(ctx context.Context) {
	pending := p.store.DrainAll()
	if len(pending) == 0 {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	if err := p.sink.ApplyBucketDeltas(cctx, pending); err != nil {
		p.store.RestoreAll(pending)
		p.metrics.IncPersist("failure")
		p.logger.Warn("bucket persist failed, deltas restored",
			"buckets", len(pending), "error", err)
		return
	}
	p.metrics.IncPersist("success")
	p.metrics.ObservePersistBatch(len(pending))
	p.logger.Debug("bucket deltas persisted",
		"buckets", len(pending), "duration_ms", time.Since(start).Milliseconds())
}
