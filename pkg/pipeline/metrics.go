package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsReadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projectd_records_read_total",
		Help: "Change records read from the feed.",
	}, []string{"feed"})

	recordsDeferredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projectd_records_deferred_total",
		Help: "Records queued because their entity had a batch in flight.",
	}, []string{"feed"})

	batchesDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projectd_batches_dispatched_total",
		Help: "Batches handed to the dispatcher.",
	}, []string{"feed"})

	batchFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projectd_batch_failures_total",
		Help: "Batches whose write path failed (pipeline-fatal).",
	}, []string{"feed"})

	checkpointSeqGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "projectd_checkpoint_sequence",
		Help: "Highest batch sequence covered by the persisted checkpoint.",
	}, []string{"feed"})

	pendingRecordsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "projectd_pending_records",
		Help: "Records currently parked in the per-entity pending queue.",
	}, []string{"feed"})

	dispatchWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "projectd_dispatch_wait_seconds",
		Help:    "Time Dispatch spent blocked waiting for a concurrency permit.",
		Buckets: prometheus.DefBuckets,
	}, []string{"feed"})
)

func init() {
	prometheus.MustRegister(
		recordsReadTotal,
		recordsDeferredTotal,
		batchesDispatchedTotal,
		batchFailuresTotal,
		checkpointSeqGauge,
		pendingRecordsGauge,
		dispatchWaitSeconds,
	)
}
