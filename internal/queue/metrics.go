package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	enqueued  *prometheus.CounterVec
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
	reclaimed *prometheus.CounterVec
}

// newMetrics registers on reg; a nil reg keeps the collectors unregistered
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "node_events",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Enqueue calls by queue and result.",
		}, []string{"queue", "result"}), // created|duplicate

		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "node_events",
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Handled jobs by queue, outcome and failure reason.",
		}, []string{"queue", "outcome", "reason"}), // completed|retry|dead

		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "node_events",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Handler run time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),

		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "node_events",
			Subsystem: "queue",
			Name:      "inflight_jobs",
			Help:      "Jobs currently being handled.",
		}, []string{"queue"}),

		reclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "node_events",
			Subsystem: "queue",
			Name:      "reclaimed_total",
			Help:      "Stalled jobs recovered by maintenance.",
		}, []string{"queue", "outcome"}), // waiting|dead
	}
}
