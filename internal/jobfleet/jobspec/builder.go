package jobspec

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/defaults"
	"github.com/armadaproject/jobfleet/internal/jobfleet/resolver"
)

// Builder turns requests into stored specifications. A job id is resolved at most once: building again for the same
// id returns the stored specification even if the catalog has changed since.
type Builder struct {
	resolver *resolver.Resolver
	defaults *defaults.Source
	specs    database.SpecificationRepository
	// jobId -> *JobSpecification
	recent *lru.Cache
	clock  clock.PassiveClock
}

func NewBuilder(
	resolver *resolver.Resolver,
	defaults *defaults.Source,
	specs database.SpecificationRepository,
	cacheSize int,
	clk clock.PassiveClock,
) (*Builder, error) {
	recent, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Builder{
		resolver: resolver,
		defaults: defaults,
		specs:    specs,
		recent:   recent,
		clock:    clk,
	}, nil
}

// Build returns the specification for request, resolving it if the job id hasn't been seen before. created reports
// whether this call produced the stored specification. request must carry a job id; see JobRequest.WithJobId.
func (b *Builder) Build(ctx *armadacontext.Context, request JobRequest) (spec *JobSpecification, created bool, err error) {
	if request.JobId == "" {
		return nil, false, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "jobId",
			Value:   request.JobId,
			Message: "job id must be assigned before building",
		})
	}
	if existing, err := b.Get(ctx, request.JobId); err == nil {
		return existing, false, nil
	} else if !isNotFound(err) {
		return nil, false, err
	}

	if err := request.validate(); err != nil {
		return nil, false, err
	}
	clusterCriteria, commandCriterion, err := resolver.ParseCriteria(request.ClusterCriteria, request.CommandCriterion)
	if err != nil {
		return nil, false, err
	}
	cluster, command, err := b.resolver.Resolve(ctx, clusterCriteria, commandCriterion)
	if err != nil {
		return nil, false, err
	}
	applications, err := b.resolver.ResolveApplications(ctx, command, request.ApplicationIds)
	if err != nil {
		return nil, false, err
	}
	systemDefaults := b.defaults.Current()
	settings := b.defaults.Config()
	spec = Compose(request, Resolved{
		Cluster:      cluster,
		Command:      command,
		Applications: applications,
		Resources:    defaults.ApplyDefaults(request.Resources, command, systemDefaults.Resources),
		Images:       defaults.ApplyImageDefaults(request.Images, command, systemDefaults.Images),
	}, Settings{
		ArchiveLocationPrefix: settings.ArchiveLocationPrefix,
		JobDirectory:          settings.JobDirectory,
	}, b.clock.Now().UTC())

	data, err := json.Marshal(spec)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	stored, created, err := b.specs.SaveSpecificationIfAbsent(ctx, request.JobId, data)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost a race with a concurrent build for the same job.
		spec, err = decode(stored)
		if err != nil {
			return nil, false, err
		}
	}
	b.recent.Add(request.JobId, spec)
	return spec, created, nil
}

// Get returns the stored specification for jobId or ErrNotFound.
func (b *Builder) Get(ctx *armadacontext.Context, jobId string) (*JobSpecification, error) {
	if cached, ok := b.recent.Get(jobId); ok {
		return cached.(*JobSpecification), nil
	}
	data, err := b.specs.GetSpecification(ctx, jobId)
	if err != nil {
		return nil, err
	}
	spec, err := decode(data)
	if err != nil {
		return nil, err
	}
	b.recent.Add(jobId, spec)
	return spec, nil
}

func decode(data []byte) (*JobSpecification, error) {
	spec := &JobSpecification{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, errors.Wrap(err, "stored job specification is corrupt")
	}
	return spec, nil
}

func isNotFound(err error) bool {
	var notFound *armadaerrors.ErrNotFound
	return errors.As(err, &notFound)
}
