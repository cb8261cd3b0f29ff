package registry

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricPrefix = "jobfleet_registry_"

var registryOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricPrefix + "operations_total",
		Help: "Connection registry operations by operation and outcome",
	},
	[]string{"operation", "outcome"},
)

func recordOutcome(op string, err error) {
	var alreadyClaimed *ErrAlreadyClaimedByOther
	var notOwner *ErrNotOwner
	var unavailable *ErrRegistryUnavailable
	outcome := "ok"
	switch {
	case err == nil:
	case errors.As(err, &alreadyClaimed):
		outcome = "already_claimed"
	case errors.As(err, &notOwner):
		outcome = "not_owner"
	case errors.As(err, &unavailable):
		outcome = "unavailable"
	default:
		outcome = "error"
	}
	registryOperations.WithLabelValues(op, outcome).Inc()
}
