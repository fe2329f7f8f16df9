package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the worker loop (spec.md §6.5).
type Metrics struct {
	// ProcessedTotal is a counter of events successfully marked done.
	ProcessedTotal prometheus.Counter

	// FailedTotal is a counter of events marked retry or dead.
	FailedTotal prometheus.Counter

	// PollDuration is a histogram of time spent per poll cycle (claim through
	// commit).
	PollDuration prometheus.Histogram

	// BatchSize is a histogram of the number of events claimed per cycle.
	BatchSize prometheus.Histogram
}

// NewMetrics creates and registers all worker metrics under namespace. Pass
// a distinct namespace per registerer to run more than one worker in the
// same process without a duplicate-registration panic.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dispatcher"
	}

	return &Metrics{
		ProcessedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of outbox events successfully dispatched",
		}),

		FailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Total number of outbox events that failed dispatch (retry or dead)",
		}),

		PollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent claiming and committing one batch",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of events claimed per poll cycle",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}),
	}
}

// DefaultMetrics is the metrics instance used when a Worker is constructed
// without an explicit Metrics value.
var DefaultMetrics = NewMetrics("dispatcher")
