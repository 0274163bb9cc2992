// Package burst classifies event-rate load per link and globally, and tells
// the rest of the pipeline which degradation policy applies. Classification
// is advisory: it never blocks and never fails the hot path.
package burst

import "time"

// LoadState is the load classification consulted at pipeline decision points.
type LoadState int32

const (
	StateNormal LoadState = iota
	StateElevated
	StateBurst
)

// String returns the lowercase state name used in logs, metrics, and signals.
func (s LoadState) String() string {
	switch s {
	case StateElevated:
		return "elevated"
	case StateBurst:
		return "burst"
	default:
		return "normal"
	}
}

// Policy describes the pipeline behavior for a load state. The hot counter is
// absent on purpose: it runs unconditionally in every state.
type Policy struct {
	// RelaxedFlush widens the buffer's max-row and max-age flush thresholds
	// so bursts write fewer, larger batches.
	RelaxedFlush bool

	// SampleAggregation applies minute/hour bucket updates for 1-in-N events
	// (counts scaled by N) instead of every event.
	SampleAggregation bool

	// SampleVisitors inserts into the unique-visitor sketch only for sampled
	// events, making burst-window estimates a documented lower bound.
	SampleVisitors bool
}

// PolicyFor returns the policy table row for a state.
//
//	state     | flush              | minute/hour aggregation | visitor sketch
//	NORMAL    | every event        | every event             | always
//	ELEVATED  | every event        | every event             | always
//	BURST     | batched, relaxed   | sampled 1-in-N          | sampled
func PolicyFor(state LoadState) Policy {
	if state == StateBurst {
		return Policy{RelaxedFlush: true, SampleAggregation: true, SampleVisitors: true}
	}
	return Policy{}
}

// Transition records one observed state change for a scope ("global" or a
// link id). Consumed by monitoring, the reconciler, and burst alerts.
type Transition struct {
	Scope string
	From  LoadState
	To    LoadState
	Rate  float64 // EWMA events/sec at transition time
	At    time.Time
}
