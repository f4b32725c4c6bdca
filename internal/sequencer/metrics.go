package sequencer

import "github.com/prometheus/client_golang/prometheus"

var (
	appliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ui_sync_messages_applied_total",
		Help: "Messages handed to the applier in strict sequence order.",
	})
	duplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ui_sync_messages_duplicate_total",
		Help: "Stale duplicate messages discarded before the applier.",
	})
	bufferedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ui_sync_messages_buffered_total",
		Help: "Messages buffered because delivery was locked or out of order.",
	})
	forceReleaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ui_sync_force_release_total",
		Help: "Force-release timer firings by reason.",
	}, []string{"reason"})
	resyncTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ui_sync_resync_requests_total",
		Help: "Resynchronization requests sent after giving up on a gap.",
	})
)

func init() {
	prometheus.MustRegister(appliedTotal, duplicateTotal, bufferedTotal, forceReleaseTotal, resyncTotal)
}
