package jobfleet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/logging"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
)

const metricsPrefix = "jobfleet_"

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "connections",
		Help: "Number of connection records in the registry, live or stale",
	})
	jobsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: metricsPrefix + "jobs",
		Help: "Number of stored jobs by state",
	}, []string{"state"})
)

// storeMetrics recomputes the gauges backed by the registry and the job store.
type storeMetrics struct {
	connections registry.ConnectionRegistry
	jobs        database.JobRepository
}

func (m *storeMetrics) refreshConnections() {
	ctx := armadacontext.WithLogField(armadacontext.Background(), "service", "metrics")
	n, err := m.connections.Count(ctx)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to count connections")
		return
	}
	connectionsGauge.Set(float64(n))
}

func (m *storeMetrics) refreshJobs() {
	ctx := armadacontext.WithLogField(armadacontext.Background(), "service", "metrics")
	counts, err := m.jobs.CountJobsByState(ctx)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to count jobs")
		return
	}
	for _, state := range database.AllJobStates {
		jobsGauge.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
