package burst

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkpulse/linkpulse/internal/metrics"
)

const (
	trackerShardCount = 32

	// A link tracker is dropped after this many consecutive idle ticks in
	// NORMAL state. Racing observations on a dropped tracker lose at most
	// one tick of signal, which the advisory classification tolerates.
	idleTickLimit = 600

	publishTimeout = 200 * time.Millisecond
)

// Config carries the rate thresholds (events/sec against the EWMA signal).
// Enter thresholds must sit above their exit counterparts; config validation
// enforces the gap.
type Config struct {
	Tick  time.Duration
	Alpha float64 // EWMA smoothing constant in (0, 1]

	GlobalElevatedEnter float64
	GlobalElevatedExit  float64
	GlobalBurstEnter    float64
	GlobalBurstExit     float64

	LinkElevatedEnter float64
	LinkElevatedExit  float64
	LinkBurstEnter    float64
	LinkBurstExit     float64

	// ExitDwell is how long the rate must stay below an exit threshold
	// before the state steps down one level.
	ExitDwell time.Duration
}

type thresholds struct {
	elevatedEnter float64
	elevatedExit  float64
	burstEnter    float64
	burstExit     float64
}

// tracker holds one scope's rate signal. The events counter and state are
// touched from the hot path via atomics; rate and dwell bookkeeping belong to
// the tick loop alone.
type tracker struct {
	events   uint64 // atomic: events observed in the current tick
	state    int32  // atomic: LoadState
	rateBits uint64 // atomic: math.Float64bits of the EWMA rate

	belowSince time.Time // tick-loop only
	idleTicks  int       // tick-loop only
}

func (t *tracker) loadState() LoadState {
	return LoadState(atomic.LoadInt32(&t.state))
}

func (t *tracker) loadRate() float64 {
	return math.Float64frombits(atomic.LoadUint64(&t.rateBits))
}

type trackerShard struct {
	mu       sync.RWMutex
	trackers map[string]*tracker
}

// TransitionPublisher pushes transitions to an external signal channel
// (the Redis stream). Implementations must tolerate being called from a
// short-lived goroutine.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, tr Transition) error
}

// Controller derives per-link and global load states from a tick-driven EWMA
// of the event rate, with hysteresis and a downgrade dwell.
type Controller struct {
	cfg       Config
	globalThr thresholds
	linkThr   thresholds

	global *tracker
	shards []*trackerShard

	listenerMu sync.Mutex
	listeners  []chan Transition

	publisher TransitionPublisher
	metrics   metrics.Recorder
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewController creates a Controller. publisher may be nil; transitions then
// only reach logs, metrics, and in-process subscribers.
func NewController(cfg Config, publisher TransitionPublisher, logger *slog.Logger, recorder metrics.Recorder) *Controller {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}

	shards := make([]*trackerShard, trackerShardCount)
	for i := range shards {
		shards[i] = &trackerShard{trackers: make(map[string]*tracker)}
	}

	return &Controller{
		cfg: cfg,
		globalThr: thresholds{
			elevatedEnter: cfg.GlobalElevatedEnter,
			elevatedExit:  cfg.GlobalElevatedExit,
			burstEnter:    cfg.GlobalBurstEnter,
			burstExit:     cfg.GlobalBurstExit,
		},
		linkThr: thresholds{
			elevatedEnter: cfg.LinkElevatedEnter,
			elevatedExit:  cfg.LinkElevatedExit,
			burstEnter:    cfg.LinkBurstEnter,
			burstExit:     cfg.LinkBurstExit,
		},
		global:    &tracker{},
		shards:    shards,
		publisher: publisher,
		metrics:   recorder,
		logger:    logger.With("component", "burst.controller"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (c *Controller) shardFor(linkID string) *trackerShard {
	var h uint32 = 2166136261
	for i := 0; i < len(linkID); i++ {
		h ^= uint32(linkID[i])
		h *= 16777619
	}
	return c.shards[h%trackerShardCount]
}

func (c *Controller) trackerFor(linkID string) *tracker {
	s := c.shardFor(linkID)

	s.mu.RLock()
	t, ok := s.trackers[linkID]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[linkID]; ok {
		return t
	}
	t = &tracker{}
	s.trackers[linkID] = t
	return t
}

// Observe counts one event toward the link's and the global rate signal.
// Hot-path safe: two atomic adds plus a short read-lock.
func (c *Controller) Observe(linkID string) {
	atomic.AddUint64(&c.global.events, 1)
	atomic.AddUint64(&c.trackerFor(linkID).events, 1)
}

// GlobalState returns the global load classification.
func (c *Controller) GlobalState() LoadState {
	return c.global.loadState()
}

// LinkState returns the link's own classification (NORMAL when untracked).
func (c *Controller) LinkState(linkID string) LoadState {
	s := c.shardFor(linkID)
	s.mu.RLock()
	t, ok := s.trackers[linkID]
	s.mu.RUnlock()
	if !ok {
		return StateNormal
	}
	return t.loadState()
}

// StateFor returns the effective state for a link: the stricter of global
// and per-link. A single viral link degrades its own traffic even while the
// process as a whole stays calm.
func (c *Controller) StateFor(linkID string) LoadState {
	global := c.GlobalState()
	link := c.LinkState(linkID)
	if link > global {
		return link
	}
	return global
}

// Subscribe registers an in-process transition listener. Sends never block:
// a slow listener misses transitions instead of stalling the controller.
// The channel closes when the controller stops.
func (c *Controller) Subscribe(buffer int) <-chan Transition {
	ch := make(chan Transition, buffer)
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, ch)
	c.listenerMu.Unlock()
	return ch
}

// Run drives the tick loop until ctx is canceled or Shutdown is called.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.closeListeners()

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	c.logger.Info("burst controller started",
		"tick", c.cfg.Tick,
		"global_burst_enter", c.cfg.GlobalBurstEnter,
		"link_burst_enter", c.cfg.LinkBurstEnter,
		"exit_dwell", c.cfg.ExitDwell,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// Shutdown stops the tick loop. Implements the server shutdown hook contract.
func (c *Controller) Shutdown(ctx context.Context) error {
	close(c.stopCh)
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) closeListeners() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for _, ch := range c.listeners {
		close(ch)
	}
	c.listeners = nil
}

func (c *Controller) tick(now time.Time) {
	c.advance(c.global, c.globalThr, "global", now)

	for _, s := range c.shards {
		s.mu.Lock()
		for linkID, t := range s.trackers {
			c.advance(t, c.linkThr, linkID, now)

			// Drop long-idle trackers so the map tracks active links only.
			if t.loadState() == StateNormal && t.loadRate() < 0.01 && atomic.LoadUint64(&t.events) == 0 {
				t.idleTicks++
				if t.idleTicks >= idleTickLimit {
					delete(s.trackers, linkID)
				}
			} else {
				t.idleTicks = 0
			}
		}
		s.mu.Unlock()
	}
}

// advance recomputes one tracker's EWMA and applies the state machine.
// Upgrades are immediate; downgrades require the rate to stay below the exit
// threshold for the full dwell, and step down one level at a time.
func (c *Controller) advance(t *tracker, thr thresholds, scope string, now time.Time) {
	events := atomic.SwapUint64(&t.events, 0)
	inst := float64(events) / c.cfg.Tick.Seconds()
	rate := c.cfg.Alpha*inst + (1-c.cfg.Alpha)*t.loadRate()
	atomic.StoreUint64(&t.rateBits, math.Float64bits(rate))

	state := t.loadState()
	next := state

	switch state {
	case StateNormal:
		if rate >= thr.burstEnter {
			next = StateBurst
		} else if rate >= thr.elevatedEnter {
			next = StateElevated
		}
		t.belowSince = time.Time{}

	case StateElevated:
		switch {
		case rate >= thr.burstEnter:
			next = StateBurst
			t.belowSince = time.Time{}
		case rate < thr.elevatedExit:
			if t.belowSince.IsZero() {
				t.belowSince = now
			} else if now.Sub(t.belowSince) >= c.cfg.ExitDwell {
				next = StateNormal
				t.belowSince = time.Time{}
			}
		default:
			t.belowSince = time.Time{}
		}

	case StateBurst:
		if rate < thr.burstExit {
			if t.belowSince.IsZero() {
				t.belowSince = now
			} else if now.Sub(t.belowSince) >= c.cfg.ExitDwell {
				next = StateElevated
				t.belowSince = time.Time{}
			}
		} else {
			t.belowSince = time.Time{}
		}
	}

	if next == state {
		return
	}

	atomic.StoreInt32(&t.state, int32(next))
	c.emit(Transition{Scope: scope, From: state, To: next, Rate: rate, At: now})
}

func (c *Controller) emit(tr Transition) {
	c.logger.Info("load state transition",
		"scope", tr.Scope,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"rate", tr.Rate,
	)

	c.metrics.IncStateTransition(tr.To.String())
	if tr.Scope == "global" {
		c.metrics.SetGlobalLoadState(int64(tr.To))
	}

	c.listenerMu.Lock()
	for _, ch := range c.listeners {
		select {
		case ch <- tr:
		default: // listener lagging; advisory signal, drop
		}
	}
	c.listenerMu.Unlock()

	if c.publisher != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()

			if err := c.publisher.PublishTransition(ctx, tr); err != nil {
				c.logger.Warn("failed to publish load transition",
					"scope", tr.Scope,
					"to", tr.To.String(),
					"error", err,
				)
			}
		}()
	}
}

// LinkLoad is a snapshot row for the load endpoint.
type LinkLoad struct {
	LinkID string  `json:"link_id"`
	State  string  `json:"state"`
	Rate   float64 `json:"rate"`
}

// Snapshot returns the global load plus up to limit tracked links, hottest
// first.
func (c *Controller) Snapshot(limit int) (LinkLoad, []LinkLoad) {
	global := LinkLoad{
		LinkID: "global",
		State:  c.global.loadState().String(),
		Rate:   c.global.loadRate(),
	}

	links := make([]LinkLoad, 0, 64)
	for _, s := range c.shards {
		s.mu.RLock()
		for linkID, t := range s.trackers {
			links = append(links, LinkLoad{
				LinkID: linkID,
				State:  t.loadState().String(),
				Rate:   t.loadRate(),
			})
		}
		s.mu.RUnlock()
	}

	sort.Slice(links, func(i, j int) bool { return links[i].Rate > links[j].Rate })
	if limit > 0 && len(links) > limit {
		links = links[:limit]
	}
	return global, links
}
