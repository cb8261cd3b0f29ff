package resolver

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricPrefix = "jobfleet_resolution_"

var (
	resolutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    metricPrefix + "latency_seconds",
		Help:    "Time taken to resolve a cluster and command for a job",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	resolutionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "outcomes_total",
			Help: "Resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// Index of the cluster criterion that selected the cluster. High values mean requests routinely fall back.
	criterionPosition = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    metricPrefix + "criterion_position",
		Help:    "Position of the cluster criterion that produced the resolved cluster",
		Buckets: prometheus.LinearBuckets(0, 1, 5),
	})
)

func recordOutcome(err error) {
	var noMatch *ErrNoMatchFound
	outcome := "matched"
	switch {
	case err == nil:
	case errors.As(err, &noMatch):
		outcome = "no_match"
	default:
		outcome = "error"
	}
	resolutionOutcomes.WithLabelValues(outcome).Inc()
}
