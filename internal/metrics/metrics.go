// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the pipeline.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Ingestion boundary
	IncEventAccepted()
	IncEventRejected(reason string)
	IncEventDropped(cause string) // cause: "buffer_full", "flush_exhausted", "spill_failed", "dead_letter"

	// Buffer manager
	IncFlush(status string) // status: "success", "retry", "failure"
	ObserveFlushBatchSize(size int)
	ObserveFlushDuration(duration time.Duration)
	SetBufferDepth(depth int64)
	IncEventsSpilled(count int)
	IncEventsReplayed(status string) // status: "success", "failed"
	SetSpillQueueDepth(depth int64)

	// Aggregation engine
	IncAggregateApplied(granularity string) // granularity: "total", "minute", "hour"
	IncDedupHit()
	IncSampledOut()
	SetTrackedBuckets(count int64)
	IncPersist(status string) // status: "success", "failure"
	ObservePersistBatch(buckets int)

	// Burst controller
	SetGlobalLoadState(state int64) // 0 = normal, 1 = elevated, 2 = burst
	IncStateTransition(to string)   // to: "normal", "elevated", "burst"
	IncAlertDelivery(status string) // status: "success", "failure", "dropped"

	// Reconciliation
	IncReconcile(status string) // status: "success", "failure", "skipped"
	ObserveReconcileBatch(links int)
	SetReconcileLag(lag time.Duration)
	IncCounterRestore()
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
