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

// AgentSessions handles the agents connected to this node. Every job's agent holds a connection record naming the
// node it is connected to; only that node may change the job on the agent's behalf.
type AgentSessions struct {
	connections registry.ConnectionRegistry
	jobs        database.JobRepository
	specs       SpecificationBuilder
	publisher   events.Publisher
	nodeId      string
}

func NewAgentSessions(
	connections registry.ConnectionRegistry,
	jobs database.JobRepository,
	specs SpecificationBuilder,
	publisher events.Publisher,
	nodeId string,
) *AgentSessions {
	return &AgentSessions{
		connections: connections,
		jobs:        jobs,
		specs:       specs,
		publisher:   publisher,
		nodeId:      nodeId,
	}
}

// Connect claims jobId for this node and returns the specification the agent should run. A RESOLVED job becomes
// CLAIMED; an agent reconnecting to a CLAIMED or RUNNING job keeps its state.
func (a *AgentSessions) Connect(ctx *armadacontext.Context, jobId string) (*jobspec.JobSpecification, error) {
	ctx = a.sessionContext(ctx, jobId)
	job, err := a.jobs.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return nil, errors.WithStack(&database.ErrIllegalTransition{JobId: jobId, From: job.State, To: database.JobClaimed})
	}
	spec, err := a.specs.Get(ctx, jobId)
	if err != nil {
		return nil, err
	}

	if err := a.connections.Claim(ctx, jobId, a.nodeId); err != nil {
		a.logRegistryError(ctx, err, "claim")
		return nil, err
	}

	if job.State == database.JobResolved {
		updated, err := a.jobs.UpdateStateFrom(ctx, jobId, database.JobResolved, database.JobClaimed, "")
		if err != nil {
			// Most likely failed or killed in the meantime; give the connection up.
			a.release(ctx, jobId)
			return nil, err
		}
		publish(ctx, a.publisher, &events.JobStateChanged{
			JobId:  jobId,
			From:   database.JobResolved,
			To:     database.JobClaimed,
			NodeId: a.nodeId,
			Time:   updated.LastModified,
		})
	}
	ctx.Log.Info("agent connected")
	return spec, nil
}

// Heartbeat refreshes the agent's connection and returns the job's current state, so that an agent can tell when
// its job has been killed.
func (a *AgentSessions) Heartbeat(ctx *armadacontext.Context, jobId string) (database.JobState, error) {
	ctx = a.sessionContext(ctx, jobId)
	if err := a.connections.Refresh(ctx, jobId, a.nodeId); err != nil {
		a.logRegistryError(ctx, err, "refresh")
		return "", err
	}
	job, err := a.jobs.GetJob(ctx, jobId)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// Disconnect releases the agent's connection. The job keeps its state; the reconciliation pass deals with jobs
// that are left without an agent.
func (a *AgentSessions) Disconnect(ctx *armadacontext.Context, jobId string) error {
	ctx = a.sessionContext(ctx, jobId)
	if err := a.connections.Release(ctx, jobId, a.nodeId); err != nil {
		a.logRegistryError(ctx, err, "release")
		return err
	}
	ctx.Log.Info("agent disconnected")
	return nil
}

// ReportStatus records a state change reported by the agent. Only the node owning the connection may do this.
// Reporting a terminal state also releases the connection.
func (a *AgentSessions) ReportStatus(
	ctx *armadacontext.Context,
	jobId string,
	state database.JobState,
	message string,
) (*database.Job, error) {
	ctx = a.sessionContext(ctx, jobId)
	if !state.IsValid() {
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "state", Value: state, Message: "unknown job state"})
	}
	if state == database.JobResolved {
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "state", Value: state, Message: "agents cannot report this state"})
	}
	if err := a.connections.Refresh(ctx, jobId, a.nodeId); err != nil {
		a.logRegistryError(ctx, err, "refresh")
		return nil, err
	}

	before, err := a.jobs.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	if before.State == state {
		// repeated report
		return before, nil
	}
	updated, err := a.jobs.UpdateStateFrom(ctx, jobId, before.State, state, message)
	if err != nil {
		return nil, err
	}
	ctx.Log.Infof("job moved from %s to %s", before.State, state)
	publish(ctx, a.publisher, &events.JobStateChanged{
		JobId:   jobId,
		From:    before.State,
		To:      state,
		Message: message,
		NodeId:  a.nodeId,
		Time:    updated.LastModified,
	})
	if state.IsTerminal() {
		a.release(ctx, jobId)
	}
	return updated, nil
}

func (a *AgentSessions) release(ctx *armadacontext.Context, jobId string) {
	if err := a.connections.Release(ctx, jobId, a.nodeId); err != nil {
		a.logRegistryError(ctx, err, "release")
	}
}

func (a *AgentSessions) sessionContext(ctx *armadacontext.Context, jobId string) *armadacontext.Context {
	return armadacontext.WithLogField(armadacontext.WithJobId(ctx, jobId), "nodeId", a.nodeId)
}

// A competing claim is routine during failover, so it's logged at info. A node acting on a job it doesn't own
// suggests a bug or a very late heartbeat.
func (a *AgentSessions) logRegistryError(ctx *armadacontext.Context, err error, op string) {
	var alreadyClaimed *registry.ErrAlreadyClaimedByOther
	var notOwner *registry.ErrNotOwner
	switch {
	case errors.As(err, &alreadyClaimed):
		ctx.Log.Infof("cannot %s connection: %s", op, err)
	case errors.As(err, &notOwner):
		ctx.Log.Warnf("cannot %s connection: %s", op, err)
	default:
		logging.WithStacktrace(ctx.Log, err).Errorf("cannot %s connection", op)
	}
}
