package resolver

import (
	"strings"

	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
)

// ErrNoMatchFound is returned when no cluster/command pair satisfies the request. Attempted holds the cluster
// criteria that were evaluated, in order. Criteria after the one that selected clusters are never evaluated and so
// never appear.
type ErrNoMatchFound struct {
	Attempted        []catalog.Criterion
	CommandCriterion catalog.Criterion
}

func (err *ErrNoMatchFound) Error() string {
	attempted := make([]string, 0, len(err.Attempted))
	for _, c := range err.Attempted {
		attempted = append(attempted, c.String())
	}
	return "no cluster/command match for cluster criteria [" + strings.Join(attempted, ", ") +
		"] and command criterion " + err.CommandCriterion.String()
}
