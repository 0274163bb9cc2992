package handler

import (
	"fmt"
	"net/http"

	"github.com/linkpulse/linkpulse/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeMetric(w, "linkpulse_events_accepted_total %d\n", snap.EventsAccepted)
	writeMetric(w, "linkpulse_events_rejected_total %d\n", snap.EventsRejected)

	writeMetric(w, "linkpulse_events_dropped_total{cause=\"buffer_full\"} %d\n", snap.EventsDroppedBufferFull)
	writeMetric(w, "linkpulse_events_dropped_total{cause=\"flush_exhausted\"} %d\n", snap.EventsDroppedFlushExhausted)
	writeMetric(w, "linkpulse_events_dropped_total{cause=\"spill_failed\"} %d\n", snap.EventsDroppedSpillFailed)
	writeMetric(w, "linkpulse_events_dropped_total{cause=\"dead_letter\"} %d\n", snap.EventsDroppedDeadLetter)
	writeMetric(w, "linkpulse_events_dropped_total{cause=\"other\"} %d\n", snap.EventsDroppedOther)

	writeMetric(w, "linkpulse_flushes_total{status=\"success\"} %d\n", snap.FlushSuccess)
	writeMetric(w, "linkpulse_flushes_total{status=\"retry\"} %d\n", snap.FlushRetry)
	writeMetric(w, "linkpulse_flushes_total{status=\"failure\"} %d\n", snap.FlushFailure)
	writeMetric(w, "linkpulse_flush_batch_rows_count %d\n", snap.FlushBatchCount)
	writeMetric(w, "linkpulse_flush_batch_rows_sum %d\n", snap.FlushBatchTotalRows)
	writeMetric(w, "linkpulse_flush_duration_seconds_count %d\n", snap.FlushDurationCount)
	writeMetric(w, "linkpulse_flush_duration_seconds_sum %.6f\n", float64(snap.FlushDurationTotalNs)/1e9)
	writeMetric(w, "linkpulse_buffer_depth %d\n", snap.BufferDepth)

	writeMetric(w, "linkpulse_events_spilled_total %d\n", snap.EventsSpilled)
	writeMetric(w, "linkpulse_events_replayed_total{status=\"success\"} %d\n", snap.EventsReplayedSuccess)
	writeMetric(w, "linkpulse_events_replayed_total{status=\"failed\"} %d\n", snap.EventsReplayedFailed)
	writeMetric(w, "linkpulse_spill_queue_depth %d\n", snap.SpillQueueDepth)

	writeMetric(w, "linkpulse_aggregate_applied_total{granularity=\"total\"} %d\n", snap.AggregateTotalApplied)
	writeMetric(w, "linkpulse_aggregate_applied_total{granularity=\"minute\"} %d\n", snap.AggregateMinuteApplied)
	writeMetric(w, "linkpulse_aggregate_applied_total{granularity=\"hour\"} %d\n", snap.AggregateHourApplied)
	writeMetric(w, "linkpulse_dedup_hits_total %d\n", snap.DedupHits)
	writeMetric(w, "linkpulse_sampled_out_total %d\n", snap.SampledOut)
	writeMetric(w, "linkpulse_tracked_buckets %d\n", snap.TrackedBuckets)

	writeMetric(w, "linkpulse_persists_total{status=\"success\"} %d\n", snap.PersistSuccess)
	writeMetric(w, "linkpulse_persists_total{status=\"failure\"} %d\n", snap.PersistFailure)
	writeMetric(w, "linkpulse_persist_batch_buckets_count %d\n", snap.PersistBatchCount)
	writeMetric(w, "linkpulse_persist_batch_buckets_sum %d\n", snap.PersistBatchTotal)

	writeMetric(w, "linkpulse_global_load_state %d\n", snap.GlobalLoadState)
	writeMetric(w, "linkpulse_load_transitions_total{to=\"normal\"} %d\n", snap.TransitionsToNormal)
	writeMetric(w, "linkpulse_load_transitions_total{to=\"elevated\"} %d\n", snap.TransitionsToElevated)
	writeMetric(w, "linkpulse_load_transitions_total{to=\"burst\"} %d\n", snap.TransitionsToBurst)
	writeMetric(w, "linkpulse_alerts_total{status=\"success\"} %d\n", snap.AlertSuccess)
	writeMetric(w, "linkpulse_alerts_total{status=\"failure\"} %d\n", snap.AlertFailure)
	writeMetric(w, "linkpulse_alerts_total{status=\"dropped\"} %d\n", snap.AlertDropped)

	writeMetric(w, "linkpulse_reconciles_total{status=\"success\"} %d\n", snap.ReconcileSuccess)
	writeMetric(w, "linkpulse_reconciles_total{status=\"failure\"} %d\n", snap.ReconcileFailure)
	writeMetric(w, "linkpulse_reconciles_total{status=\"skipped\"} %d\n", snap.ReconcileSkipped)
	writeMetric(w, "linkpulse_reconcile_batch_links_count %d\n", snap.ReconcileBatchCount)
	writeMetric(w, "linkpulse_reconcile_batch_links_sum %d\n", snap.ReconcileBatchTotal)
	writeMetric(w, "linkpulse_reconcile_lag_seconds %.6f\n", float64(snap.ReconcileLagNs)/1e9)
	writeMetric(w, "linkpulse_counter_restores_total %d\n", snap.CounterRestores)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
