// Package reconcile drains the hot counter cache into durable storage on a
// fixed interval. Each cycle reads-and-resets every nonzero per-link delta
// and hands the batch to a sink that applies it in one transaction, adding
// onto both the link's all-time aggregate bucket and the authoritative
// links.click_count column. Failed cycles restore their deltas so clicks are
// retried, never lost; sustained failure surfaces as degraded health rather
// than a crash.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/counter"
	"github.com/linkpulse/linkpulse/internal/metrics"
)

// CounterSink durably applies one cycle's drained click deltas, keyed by
// link id. Implementations must apply the whole batch atomically and
// additively (counts add onto stored values, never overwrite), so a cycle
// either lands in full or not at all. The repository layer satisfies this.
type CounterSink interface {
	ApplyCounterDeltas(ctx context.Context, deltas map[string]int64) error
}

// Reconciler runs the drain-and-apply cycle. A cycle that finds the previous
// one still in flight is skipped, never queued, so a delta is applied at
// most once per drain.
type Reconciler struct {
	counters *counter.Cache
	sink     CounterSink
	interval time.Duration
	timeout  time.Duration
	lagAlert time.Duration
	metrics  metrics.Recorder
	logger   *slog.Logger

	transitions <-chan burst.Transition
	inFlight    atomic.Bool
	lastSuccess atomic.Int64 // unix nanos of the last cycle that left no backlog

	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler creates a reconciler. lagAlert is the reconcile-lag threshold
// past which Degraded reports true; zero disables the alert. If recorder is
// nil, metrics are discarded.
func NewReconciler(counters *counter.Cache, sink CounterSink, interval, timeout, lagAlert time.Duration, logger *slog.Logger, recorder metrics.Recorder) *Reconciler {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	r := &Reconciler{
		counters: counters,
		sink:     sink,
		interval: interval,
		timeout:  timeout,
		lagAlert: lagAlert,
		metrics:  recorder,
		logger:   logger.With("component", "reconcile"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	// A process that has not completed a cycle yet is not degraded.
	r.lastSuccess.Store(time.Now().UnixNano())
	return r
}

// Watch subscribes the reconciler to load transitions so entering BURST
// triggers an immediate cycle instead of waiting for the next tick. Must be
// called before Run.
func (r *Reconciler) Watch(transitions <-chan burst.Transition) {
	r.transitions = transitions
}

// Run reconciles on every interval tick until the context is cancelled or
// Shutdown is called, then performs one final cycle so a clean shutdown does
// not strand pending deltas.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.doneCh)

	if r.transitions != nil {
		r.wg.Add(1)
		go r.watch(ctx)
	}
	defer r.wg.Wait()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval, "lag_alert", r.lagAlert)
	for {
		select {
		case <-ctx.Done():
			r.final()
			return
		case <-r.stopCh:
			r.final()
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

// Shutdown stops the loop and waits for the final cycle to finish.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lag returns the time since the last cycle that ended with no unreconciled
// backlog. An empty drain counts: nothing pending means fully caught up.
func (r *Reconciler) Lag() time.Duration {
	return time.Since(time.Unix(0, r.lastSuccess.Load()))
}

// Degraded reports whether reconciliation has been failing for longer than
// the alert threshold. Consulted by the readiness endpoint.
func (r *Reconciler) Degraded() bool {
	return r.lagAlert > 0 && r.Lag() > r.lagAlert
}

// watch forwards BURST entries to the cycle runner. Runs on its own
// goroutine so an early cycle can land between ticks; the in-flight guard
// keeps it from overlapping one already running.
func (r *Reconciler) watch(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case tr, ok := <-r.transitions:
			if !ok {
				return
			}
			if tr.To != burst.StateBurst {
				continue
			}
			r.logger.Info("burst entered, reconciling early",
				"scope", tr.Scope, "rate_per_sec", tr.Rate)
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) final() {
	// The run context is already cancelled at this point; give the last
	// cycle its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.reconcileOnce(ctx)
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.metrics.IncReconcile("skipped")
		r.logger.Debug("reconcile skipped, previous cycle still in flight")
		return
	}
	defer r.inFlight.Store(false)

	deltas := r.counters.DrainNonZero()
	if len(deltas) == 0 {
		r.markCaughtUp()
		return
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := r.sink.ApplyCounterDeltas(cctx, deltas); err != nil {
		var restored int64
		for linkID, delta := range deltas {
			r.counters.Restore(linkID, delta)
			r.metrics.IncCounterRestore()
			restored += delta
		}
		r.metrics.IncReconcile("failure")
		r.metrics.SetReconcileLag(r.Lag())
		r.logger.Warn("reconcile failed, deltas restored",
			"links", len(deltas), "clicks", restored, "error", err)
		return
	}

	r.metrics.IncReconcile("success")
	r.metrics.ObserveReconcileBatch(len(deltas))
	r.markCaughtUp()
	r.logger.Debug("counters reconciled",
		"links", len(deltas), "duration_ms", time.Since(start).Milliseconds())
}

func (r *Reconciler) markCaughtUp() {
	r.lastSuccess.Store(time.Now().UnixNano())
	r.metrics.SetReconcileLag(0)
}
