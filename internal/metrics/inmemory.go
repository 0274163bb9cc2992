package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	EventsAccepted uint64
	EventsRejected uint64

	EventsDroppedBufferFull     uint64
	EventsDroppedFlushExhausted uint64
	EventsDroppedSpillFailed    uint64
	EventsDroppedDeadLetter     uint64
	EventsDroppedOther          uint64

	FlushSuccess          uint64
	FlushRetry            uint64
	FlushFailure          uint64
	FlushBatchCount       uint64
	FlushBatchTotalRows   uint64
	FlushDurationCount    uint64
	FlushDurationTotalNs  int64
	BufferDepth           int64
	EventsSpilled         uint64
	EventsReplayedSuccess uint64
	EventsReplayedFailed  uint64
	SpillQueueDepth       int64

	AggregateTotalApplied  uint64
	AggregateMinuteApplied uint64
	AggregateHourApplied   uint64
	DedupHits              uint64
	SampledOut             uint64
	TrackedBuckets         int64
	PersistSuccess         uint64
	PersistFailure         uint64
	PersistBatchCount      uint64
	PersistBatchTotal      uint64

	GlobalLoadState       int64
	TransitionsToNormal   uint64
	TransitionsToElevated uint64
	TransitionsToBurst    uint64
	AlertSuccess          uint64
	AlertFailure          uint64
	AlertDropped          uint64

	ReconcileSuccess    uint64
	ReconcileFailure    uint64
	ReconcileSkipped    uint64
	ReconcileBatchCount uint64
	ReconcileBatchTotal uint64
	ReconcileLagNs      int64
	CounterRestores     uint64
}

// InMemoryRecorder stores metrics in memory behind atomics. It backs the
// /metrics endpoint and the tests.
type InMemoryRecorder struct {
	eventsAccepted uint64
	eventsRejected uint64

	droppedBufferFull     uint64
	droppedFlushExhausted uint64
	droppedSpillFailed    uint64
	droppedDeadLetter     uint64
	droppedOther          uint64

	flushSuccess         uint64
	flushRetry           uint64
	flushFailure         uint64
	flushBatchCount      uint64
	flushBatchTotalRows  uint64
	flushDurationCount   uint64
	flushDurationTotalNs int64
	bufferDepth          int64
	eventsSpilled        uint64
	replaySuccess        uint64
	replayFailed         uint64
	spillQueueDepth      int64

	aggTotalApplied  uint64
	aggMinuteApplied uint64
	aggHourApplied   uint64
	dedupHits        uint64
	sampledOut       uint64
	trackedBuckets   int64
	persistSuccess   uint64
	persistFailure   uint64
	persistBatchCnt  uint64
	persistBatchTot  uint64

	globalLoadState       int64
	transitionsToNormal   uint64
	transitionsToElevated uint64
	transitionsToBurst    uint64
	alertSuccess          uint64
	alertFailure          uint64
	alertDropped          uint64

	reconcileSuccess    uint64
	reconcileFailure    uint64
	reconcileSkipped    uint64
	reconcileBatchCount uint64
	reconcileBatchTotal uint64
	reconcileLagNs      int64
	counterRestores     uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		EventsAccepted: atomic.LoadUint64(&m.eventsAccepted),
		EventsRejected: atomic.LoadUint64(&m.eventsRejected),

		EventsDroppedBufferFull:     atomic.LoadUint64(&m.droppedBufferFull),
		EventsDroppedFlushExhausted: atomic.LoadUint64(&m.droppedFlushExhausted),
		EventsDroppedSpillFailed:    atomic.LoadUint64(&m.droppedSpillFailed),
		EventsDroppedDeadLetter:     atomic.LoadUint64(&m.droppedDeadLetter),
		EventsDroppedOther:          atomic.LoadUint64(&m.droppedOther),

		FlushSuccess:          atomic.LoadUint64(&m.flushSuccess),
		FlushRetry:            atomic.LoadUint64(&m.flushRetry),
		FlushFailure:          atomic.LoadUint64(&m.flushFailure),
		FlushBatchCount:       atomic.LoadUint64(&m.flushBatchCount),
		FlushBatchTotalRows:   atomic.LoadUint64(&m.flushBatchTotalRows),
		FlushDurationCount:    atomic.LoadUint64(&m.flushDurationCount),
		FlushDurationTotalNs:  atomic.LoadInt64(&m.flushDurationTotalNs),
		BufferDepth:           atomic.LoadInt64(&m.bufferDepth),
		EventsSpilled:         atomic.LoadUint64(&m.eventsSpilled),
		EventsReplayedSuccess: atomic.LoadUint64(&m.replaySuccess),
		EventsReplayedFailed:  atomic.LoadUint64(&m.replayFailed),
		SpillQueueDepth:       atomic.LoadInt64(&m.spillQueueDepth),

		AggregateTotalApplied:  atomic.LoadUint64(&m.aggTotalApplied),
		AggregateMinuteApplied: atomic.LoadUint64(&m.aggMinuteApplied),
		AggregateHourApplied:   atomic.LoadUint64(&m.aggHourApplied),
		DedupHits:              atomic.LoadUint64(&m.dedupHits),
		SampledOut:             atomic.LoadUint64(&m.sampledOut),
		TrackedBuckets:         atomic.LoadInt64(&m.trackedBuckets),
		PersistSuccess:         atomic.LoadUint64(&m.persistSuccess),
		PersistFailure:         atomic.LoadUint64(&m.persistFailure),
		PersistBatchCount:      atomic.LoadUint64(&m.persistBatchCnt),
		PersistBatchTotal:      atomic.LoadUint64(&m.persistBatchTot),

		GlobalLoadState:       atomic.LoadInt64(&m.globalLoadState),
		TransitionsToNormal:   atomic.LoadUint64(&m.transitionsToNormal),
		TransitionsToElevated: atomic.LoadUint64(&m.transitionsToElevated),
		TransitionsToBurst:    atomic.LoadUint64(&m.transitionsToBurst),
		AlertSuccess:          atomic.LoadUint64(&m.alertSuccess),
		AlertFailure:          atomic.LoadUint64(&m.alertFailure),
		AlertDropped:          atomic.LoadUint64(&m.alertDropped),

		ReconcileSuccess:    atomic.LoadUint64(&m.reconcileSuccess),
		ReconcileFailure:    atomic.LoadUint64(&m.reconcileFailure),
		ReconcileSkipped:    atomic.LoadUint64(&m.reconcileSkipped),
		ReconcileBatchCount: atomic.LoadUint64(&m.reconcileBatchCount),
		ReconcileBatchTotal: atomic.LoadUint64(&m.reconcileBatchTotal),
		ReconcileLagNs:      atomic.LoadInt64(&m.reconcileLagNs),
		CounterRestores:     atomic.LoadUint64(&m.counterRestores),
	}
}

// IncEventAccepted increments the accepted-event counter.
func (m *InMemoryRecorder) IncEventAccepted() {
	atomic.AddUint64(&m.eventsAccepted, 1)
}

// IncEventRejected increments the rejected-event counter.
// The reason is carried by logs; the counter is aggregate.
func (m *InMemoryRecorder) IncEventRejected(reason string) {
	atomic.AddUint64(&m.eventsRejected, 1)
}

// IncEventDropped increments the dropped-event counter for a cause.
func (m *InMemoryRecorder) IncEventDropped(cause string) {
	switch cause {
	case "buffer_full":
		atomic.AddUint64(&m.droppedBufferFull, 1)
	case "flush_exhausted":
		atomic.AddUint64(&m.droppedFlushExhausted, 1)
	case "spill_failed":
		atomic.AddUint64(&m.droppedSpillFailed, 1)
	case "dead_letter":
		atomic.AddUint64(&m.droppedDeadLetter, 1)
	default:
		atomic.AddUint64(&m.droppedOther, 1)
	}
}

// IncFlush increments the flush counter for a status.
func (m *InMemoryRecorder) IncFlush(status string) {
	switch status {
	case "success":
		atomic.AddUint64(&m.flushSuccess, 1)
	case "retry":
		atomic.AddUint64(&m.flushRetry, 1)
	default:
		atomic.AddUint64(&m.flushFailure, 1)
	}
}

// ObserveFlushBatchSize records the row count of a flushed batch.
func (m *InMemoryRecorder) ObserveFlushBatchSize(size int) {
	atomic.AddUint64(&m.flushBatchCount, 1)
	atomic.AddUint64(&m.flushBatchTotalRows, uint64(size))
}

// ObserveFlushDuration records how long a flush took.
func (m *InMemoryRecorder) ObserveFlushDuration(duration time.Duration) {
	atomic.AddUint64(&m.flushDurationCount, 1)
	atomic.AddInt64(&m.flushDurationTotalNs, duration.Nanoseconds())
}

// SetBufferDepth records the current number of buffered events.
func (m *InMemoryRecorder) SetBufferDepth(depth int64) {
	atomic.StoreInt64(&m.bufferDepth, depth)
}

// IncEventsSpilled adds to the overflow-spill counter.
func (m *InMemoryRecorder) IncEventsSpilled(count int) {
	atomic.AddUint64(&m.eventsSpilled, uint64(count))
}

// IncEventsReplayed increments the replay counter for a status.
func (m *InMemoryRecorder) IncEventsReplayed(status string) {
	if status == "success" {
		atomic.AddUint64(&m.replaySuccess, 1)
		return
	}
	atomic.AddUint64(&m.replayFailed, 1)
}

// SetSpillQueueDepth records the pending backlog of the overflow stream.
func (m *InMemoryRecorder) SetSpillQueueDepth(depth int64) {
	atomic.StoreInt64(&m.spillQueueDepth, depth)
}

// IncAggregateApplied increments the applied-bucket counter for a granularity.
func (m *InMemoryRecorder) IncAggregateApplied(granularity string) {
	switch granularity {
	case "total":
		atomic.AddUint64(&m.aggTotalApplied, 1)
	case "minute":
		atomic.AddUint64(&m.aggMinuteApplied, 1)
	case "hour":
		atomic.AddUint64(&m.aggHourApplied, 1)
	}
}

// IncDedupHit increments the duplicate-event counter.
func (m *InMemoryRecorder) IncDedupHit() {
	atomic.AddUint64(&m.dedupHits, 1)
}

// IncSampledOut increments the sampled-out counter (BURST sampling).
func (m *InMemoryRecorder) IncSampledOut() {
	atomic.AddUint64(&m.sampledOut, 1)
}

// SetTrackedBuckets records how many buckets the engine holds in memory.
func (m *InMemoryRecorder) SetTrackedBuckets(count int64) {
	atomic.StoreInt64(&m.trackedBuckets, count)
}

// IncPersist increments the aggregate-persist counter for a status.
func (m *InMemoryRecorder) IncPersist(status string) {
	if status == "success" {
		atomic.AddUint64(&m.persistSuccess, 1)
		return
	}
	atomic.AddUint64(&m.persistFailure, 1)
}

// ObservePersistBatch records the bucket count of a persist cycle.
func (m *InMemoryRecorder) ObservePersistBatch(buckets int) {
	atomic.AddUint64(&m.persistBatchCnt, 1)
	atomic.AddUint64(&m.persistBatchTot, uint64(buckets))
}

// SetGlobalLoadState records the global load classification.
func (m *InMemoryRecorder) SetGlobalLoadState(state int64) {
	atomic.StoreInt64(&m.globalLoadState, state)
}

// IncStateTransition increments the transition counter toward a state.
func (m *InMemoryRecorder) IncStateTransition(to string) {
	switch to {
	case "normal":
		atomic.AddUint64(&m.transitionsToNormal, 1)
	case "elevated":
		atomic.AddUint64(&m.transitionsToElevated, 1)
	case "burst":
		atomic.AddUint64(&m.transitionsToBurst, 1)
	}
}

// IncAlertDelivery increments the burst-alert delivery counter for a status.
func (m *InMemoryRecorder) IncAlertDelivery(status string) {
	switch status {
	case "success":
		atomic.AddUint64(&m.alertSuccess, 1)
	case "dropped":
		atomic.AddUint64(&m.alertDropped, 1)
	default:
		atomic.AddUint64(&m.alertFailure, 1)
	}
}

// IncReconcile increments the reconcile-cycle counter for a status.
func (m *InMemoryRecorder) IncReconcile(status string) {
	switch status {
	case "success":
		atomic.AddUint64(&m.reconcileSuccess, 1)
	case "skipped":
		atomic.AddUint64(&m.reconcileSkipped, 1)
	default:
		atomic.AddUint64(&m.reconcileFailure, 1)
	}
}

// ObserveReconcileBatch records how many links a cycle reconciled.
func (m *InMemoryRecorder) ObserveReconcileBatch(links int) {
	atomic.AddUint64(&m.reconcileBatchCount, 1)
	atomic.AddUint64(&m.reconcileBatchTotal, uint64(links))
}

// SetReconcileLag records time since the last successful reconcile.
func (m *InMemoryRecorder) SetReconcileLag(lag time.Duration) {
	atomic.StoreInt64(&m.reconcileLagNs, lag.Nanoseconds())
}

// IncCounterRestore increments the restored-delta counter (failed reconcile).
func (m *InMemoryRecorder) IncCounterRestore() {
	atomic.AddUint64(&m.counterRestores, 1)
}
