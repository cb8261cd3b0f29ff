package service

import (
	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/common/logging"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/events"
	"github.com/armadaproject/jobfleet/internal/jobfleet/jobspec"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
)

const KilledByUserMessage = "killed by user"

// SpecificationBuilder is the part of jobspec.Builder the services need.
type SpecificationBuilder interface {
	Build(ctx *armadacontext.Context, request jobspec.JobRequest) (*jobspec.JobSpecification, bool, error)
	Get(ctx *armadacontext.Context, jobId string) (*jobspec.JobSpecification, error)
}

// JobStatus is a job as seen by clients.
type JobStatus struct {
	Job           *database.Job
	Specification *jobspec.JobSpecification
	// Node supervising the job's agent. Empty unless a live connection exists.
	Owner string
}

// SubmissionService accepts job requests, resolves them and records the resulting jobs.
type SubmissionService struct {
	builder     SpecificationBuilder
	jobs        database.JobRepository
	connections registry.ConnectionRegistry
	publisher   events.Publisher
	nodeId      string
}

func NewSubmissionService(
	builder SpecificationBuilder,
	jobs database.JobRepository,
	connections registry.ConnectionRegistry,
	publisher events.Publisher,
	nodeId string,
) *SubmissionService {
	return &SubmissionService{
		builder:     builder,
		jobs:        jobs,
		connections: connections,
		publisher:   publisher,
		nodeId:      nodeId,
	}
}

// Submit resolves request into a job specification and records the job as RESOLVED. Submitting again with the same
// job id returns the original specification without creating a second job.
func (s *SubmissionService) Submit(ctx *armadacontext.Context, request jobspec.JobRequest) (*jobspec.JobSpecification, error) {
	request = request.WithJobId()
	ctx = armadacontext.WithJobId(ctx, request.JobId)

	spec, created, err := s.builder.Build(ctx, request)
	if err != nil {
		return nil, err
	}
	if !created {
		_, err := s.jobs.GetJob(ctx, request.JobId)
		if err == nil {
			ctx.Log.Info("job already submitted")
			return spec, nil
		}
		var notFound *armadaerrors.ErrNotFound
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// The specification was stored but recording the job failed last time; finish the submission now.
	}

	job := &database.Job{
		JobId: spec.JobId(),
		Name:  spec.JobName(),
		User:  spec.User(),
		State: database.JobResolved,
	}
	err = s.jobs.CreateJob(ctx, job)
	var alreadyExists *armadaerrors.ErrAlreadyExists
	if errors.As(err, &alreadyExists) {
		return spec, nil
	}
	if err != nil {
		return nil, err
	}
	ctx.Log.Infof("job resolved to cluster %s and command %s", spec.Cluster().Id, spec.Command().Id)
	publish(ctx, s.publisher, &events.JobStateChanged{
		JobId:  job.JobId,
		To:     database.JobResolved,
		NodeId: s.nodeId,
		Time:   job.Created,
	})
	return spec, nil
}

// Status returns the job, its specification and the node currently supervising it.
func (s *SubmissionService) Status(ctx *armadacontext.Context, jobId string) (*JobStatus, error) {
	job, err := s.jobs.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	spec, err := s.builder.Get(ctx, jobId)
	if err != nil {
		return nil, err
	}
	owner, _, err := s.connections.Lookup(ctx, jobId)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: job, Specification: spec, Owner: owner}, nil
}

// Kill moves a job to KILLED. The agent learns about it on its next heartbeat.
func (s *SubmissionService) Kill(ctx *armadacontext.Context, jobId string) (*database.Job, error) {
	ctx = armadacontext.WithJobId(ctx, jobId)
	before, err := s.jobs.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.UpdateStateFrom(ctx, jobId, before.State, database.JobKilled, KilledByUserMessage)
	if err != nil {
		return nil, err
	}
	ctx.Log.Info("job killed")
	publish(ctx, s.publisher, &events.JobStateChanged{
		JobId:   jobId,
		From:    before.State,
		To:      database.JobKilled,
		Message: KilledByUserMessage,
		NodeId:  s.nodeId,
		Time:    job.LastModified,
	})
	return job, nil
}

// publish emits change. The transition has already happened, so a failure is only logged.
func publish(ctx *armadacontext.Context, publisher events.Publisher, change *events.JobStateChanged) {
	if err := publisher.Publish(ctx, []*events.JobStateChanged{change}, events.Always); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to publish job state change")
	}
}
