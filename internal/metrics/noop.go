package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncEventAccepted()                              {}
func (n *NoopRecorder) IncEventRejected(reason string)                 {}
func (n *NoopRecorder) IncEventDropped(cause string)                   {}
func (n *NoopRecorder) IncFlush(status string)                         {}
func (n *NoopRecorder) ObserveFlushBatchSize(size int)                 {}
func (n *NoopRecorder) ObserveFlushDuration(duration time.Duration)    {}
func (n *NoopRecorder) SetBufferDepth(depth int64)                     {}
func (n *NoopRecorder) IncEventsSpilled(count int)                     {}
func (n *NoopRecorder) IncEventsReplayed(status string)                {}
func (n *NoopRecorder) SetSpillQueueDepth(depth int64)                 {}
func (n *NoopRecorder) IncAggregateApplied(granularity string)         {}
func (n *NoopRecorder) IncDedupHit()                                   {}
func (n *NoopRecorder) IncSampledOut()                                 {}
func (n *NoopRecorder) SetTrackedBuckets(count int64)                  {}
func (n *NoopRecorder) IncPersist(status string)                       {}
func (n *NoopRecorder) ObservePersistBatch(buckets int)                {}
func (n *NoopRecorder) SetGlobalLoadState(state int64)                 {}
func (n *NoopRecorder) IncStateTransition(to string)                   {}
func (n *NoopRecorder) IncAlertDelivery(status string)                 {}
func (n *NoopRecorder) IncReconcile(status string)                     {}
func (n *NoopRecorder) ObserveReconcileBatch(links int)                {}
func (n *NoopRecorder) SetReconcileLag(lag time.Duration)              {}
func (n *NoopRecorder) IncCounterRestore()                             {}
