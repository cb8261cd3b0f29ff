package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricPrefix = "jobfleet_reconciliation_"

var (
	passes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "passes_total",
			Help: "Reconciliation passes by result",
		},
		[]string{"result"},
	)

	expiredJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "expired_jobs_total",
		Help: "Jobs failed because their agent connection expired",
	})

	awolJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "awol_jobs_total",
		Help: "Jobs failed because no agent connected in time",
	})

	orphanedJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "orphaned_jobs_total",
		Help: "In-flight jobs failed after being left without an agent connection",
	})

	catalogEntities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "catalog_entities_total",
			Help: "Catalog entities removed or deactivated by cleanup, by action",
		},
		[]string{"action"},
	)

	deletedJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "deleted_jobs_total",
		Help: "Terminal jobs deleted after the retention period",
	})
)
