package resolver

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
)

// Resolver selects the cluster and command a job runs on.
type Resolver struct {
	lookup catalog.Lookup
}

func NewResolver(lookup catalog.Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve walks clusterCriteria in priority order. The first criterion matching at least one cluster wins and later
// criteria are never queried. Within the winning clusters the command criterion is applied to the commands each
// cluster exposes. The pair with the lowest cluster id, then lowest command id, is returned.
func (r *Resolver) Resolve(
	ctx *armadacontext.Context,
	clusterCriteria []catalog.Criterion,
	commandCriterion catalog.Criterion,
) (cluster *catalog.Cluster, command *catalog.Command, err error) {
	start := time.Now()
	defer func() {
		resolutionLatency.Observe(time.Since(start).Seconds())
		recordOutcome(err)
	}()

	attempted := make([]catalog.Criterion, 0, len(clusterCriteria))
	for i, criterion := range clusterCriteria {
		attempted = append(attempted, criterion)
		clusters, err := r.lookup.FindClustersMatching(ctx, criterion)
		if err != nil {
			return nil, nil, err
		}
		if len(clusters) == 0 {
			ctx.Log.Debugf("cluster criterion %d %s matched no clusters", i, criterion)
			continue
		}
		criterionPosition.Observe(float64(i))
		cluster, command, err := r.selectCommand(ctx, clusters, commandCriterion)
		if err != nil {
			return nil, nil, err
		}
		if cluster == nil {
			break
		}
		ctx.Log.Debugf("resolved cluster %s and command %s using cluster criterion %d", cluster.Id, command.Id, i)
		return cluster, command, nil
	}
	return nil, nil, errors.WithStack(&ErrNoMatchFound{Attempted: attempted, CommandCriterion: commandCriterion})
}

func (r *Resolver) selectCommand(
	ctx *armadacontext.Context,
	clusters []*catalog.Cluster,
	commandCriterion catalog.Criterion,
) (*catalog.Cluster, *catalog.Command, error) {
	candidates := make([]*catalog.Cluster, len(clusters))
	copy(candidates, clusters)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Id < candidates[j].Id })
	for _, cluster := range candidates {
		commands, err := r.lookup.FindCommandsOnCluster(ctx, cluster, commandCriterion)
		if err != nil {
			return nil, nil, err
		}
		if len(commands) == 0 {
			continue
		}
		best := commands[0]
		for _, command := range commands[1:] {
			if command.Id < best.Id {
				best = command
			}
		}
		return cluster, best, nil
	}
	return nil, nil, nil
}

// ResolveApplications returns the applications named by the request, in the order given, or the command's own
// application list when the request names none.
func (r *Resolver) ResolveApplications(
	ctx *armadacontext.Context,
	command *catalog.Command,
	requestedIds []string,
) ([]*catalog.Application, error) {
	if len(requestedIds) > 0 {
		return r.lookup.GetApplications(ctx, requestedIds)
	}
	return r.lookup.GetCommandApplications(ctx, command.Id)
}
