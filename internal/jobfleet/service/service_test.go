package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/common/util"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/defaults"
	"github.com/armadaproject/jobfleet/internal/jobfleet/events"
	"github.com/armadaproject/jobfleet/internal/jobfleet/jobspec"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
	"github.com/armadaproject/jobfleet/internal/jobfleet/resolver"
	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock       *clock.FakeClock
	jobs        *database.MemDbJobRepository
	connections *registry.InMemoryConnectionRegistry
	builder     *jobspec.Builder
	publisher   *recordingPublisher
	submission  *SubmissionService
	agents      *AgentSessions
	otherAgents *AgentSessions
}

func newFixture(t *testing.T) *fixture {
	ctx := armadacontext.Background()
	clk := clock.NewFakeClock(baseTime)
	c, err := catalog.NewMemDbCatalogWithClock(clk)
	require.NoError(t, err)
	require.NoError(t, c.UpsertCluster(ctx, &catalog.Cluster{
		Metadata: catalog.Metadata{Id: "c-1", Name: "batch", Tags: tags.MustNew("batch")},
		Status:   catalog.ClusterUp,
	}))
	require.NoError(t, c.UpsertCommand(ctx, &catalog.Command{
		Metadata:   catalog.Metadata{Id: "cmd-1", Name: "shell", Tags: tags.MustNew("shell")},
		Status:     catalog.StatusActive,
		Executable: []string{"/bin/sh"},
	}))
	require.NoError(t, c.AddCommandsToCluster(ctx, "c-1", []string{"cmd-1"}))

	jobs, err := database.NewMemDbJobRepository(clk)
	require.NoError(t, err)
	builder, err := jobspec.NewBuilder(
		resolver.NewResolver(c),
		defaults.NewStaticSource(configuration.ResolutionConfig{
			Defaults:               configuration.ResourceDefaults{Memory: resource.MustParse("1Gi")},
			ArchiveLocationPrefix:  "s3://archive",
			JobDirectory:           "/jobs",
			RefreshInterval:        time.Minute,
			SpecificationCacheSize: 8,
		}),
		jobs, 8, clk)
	require.NoError(t, err)

	connections := registry.NewInMemoryConnectionRegistry(10*time.Second, clk)
	publisher := &recordingPublisher{}
	return &fixture{
		clock:       clk,
		jobs:        jobs,
		connections: connections,
		builder:     builder,
		publisher:   publisher,
		submission:  NewSubmissionService(builder, jobs, connections, publisher, "node-a"),
		agents:      NewAgentSessions(connections, jobs, builder, publisher, "node-a"),
		otherAgents: NewAgentSessions(connections, jobs, builder, publisher, "node-b"),
	}
}

func testRequest(jobId string) jobspec.JobRequest {
	return jobspec.JobRequest{
		JobId:            jobId,
		Name:             "hello",
		User:             "alice",
		ClusterCriteria:  []catalog.CriterionFields{{Tags: []string{"batch"}}},
		CommandCriterion: catalog.CriterionFields{Tags: []string{"shell"}},
	}
}

func (f *fixture) submit(t *testing.T, jobId string) {
	_, err := f.submission.Submit(armadacontext.Background(), testRequest(jobId))
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, jobId string) database.JobState {
	job, err := f.jobs.GetJob(armadacontext.Background(), jobId)
	require.NoError(t, err)
	return job.State
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()

	spec, err := f.submission.Submit(ctx, testRequest(""))
	require.NoError(t, err)
	assert.True(t, util.IsULID(spec.JobId()))
	assert.Equal(t, "c-1", spec.Cluster().Id)
	assert.Equal(t, "cmd-1", spec.Command().Id)

	job, err := f.jobs.GetJob(ctx, spec.JobId())
	require.NoError(t, err)
	assert.Equal(t, database.JobResolved, job.State)
	assert.Equal(t, "alice", job.User)
	assert.Equal(t, "hello", job.Name)

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.JobStateChanged{JobId: spec.JobId(), To: database.JobResolved, NodeId: "node-a", Time: baseTime}, *published[0])
}

func TestSubmit_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()

	first, err := f.submission.Submit(ctx, testRequest("job-1"))
	require.NoError(t, err)
	f.clock.Step(time.Minute)
	second, err := f.submission.Submit(ctx, testRequest("job-1"))
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt(), second.CreatedAt())
	assert.Len(t, f.publisher.published(), 1)
	counts, err := f.jobs.CountJobsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[database.JobState]int{database.JobResolved: 1}, counts)
}

func TestSubmit_CompletesSubmissionWithStoredSpecification(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	_, _, err := f.builder.Build(ctx, testRequest("job-1"))
	require.NoError(t, err)

	_, err = f.submission.Submit(ctx, testRequest("job-1"))
	require.NoError(t, err)
	assert.Equal(t, database.JobResolved, f.state(t, "job-1"))
}

func TestSubmit_NoMatch(t *testing.T) {
	f := newFixture(t)
	request := testRequest("job-1")
	request.CommandCriterion = catalog.CriterionFields{Tags: []string{"python"}}

	_, err := f.submission.Submit(armadacontext.Background(), request)
	var noMatch *resolver.ErrNoMatchFound
	assert.ErrorAs(t, err, &noMatch)

	_, err = f.jobs.GetJob(armadacontext.Background(), "job-1")
	var notFound *armadaerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.Empty(t, f.publisher.published())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	f.submit(t, "job-1")

	status, err := f.submission.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, database.JobResolved, status.Job.State)
	assert.Equal(t, "job-1", status.Specification.JobId())
	assert.Empty(t, status.Owner)

	_, err = f.agents.Connect(ctx, "job-1")
	require.NoError(t, err)
	status, err = f.submission.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", status.Owner)

	_, err = f.submission.Status(ctx, "missing")
	var notFound *armadaerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestKill(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	f.submit(t, "job-1")
	_, err := f.agents.Connect(ctx, "job-1")
	require.NoError(t, err)

	job, err := f.submission.Kill(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, database.JobKilled, job.State)
	assert.Equal(t, KilledByUserMessage, job.StatusMessage)

	state, err := f.agents.Heartbeat(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, database.JobKilled, state)

	_, err = f.submission.Kill(ctx, "job-1")
	var illegal *database.ErrIllegalTransition
	assert.ErrorAs(t, err, &illegal)
}

func TestConnect(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	f.submit(t, "job-1")

	spec, err := f.agents.Connect(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", spec.JobId())
	assert.Equal(t, database.JobClaimed, f.state(t, "job-1"))
	owner, ok, err := f.connections.Lookup(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-a", owner)

	// Reconnecting to the same node is fine and doesn't emit another event.
	_, err = f.agents.Connect(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, database.JobClaimed, f.state(t, "job-1"))
	assert.Len(t, f.publisher.published(), 2)

	_, err = f.otherAgents.Connect(ctx, "job-1")
	var alreadyClaimed *registry.ErrAlreadyClaimedByOther
	require.ErrorAs(t, err, &alreadyClaimed)
	assert.Equal(t, "node-a", alreadyClaimed.Owner)
}

func TestConnect_TakesOverStaleConnection(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	f.submit(t, "job-1")
	_, err := f.agents.Connect(ctx, "job-1")
	require.NoError(t, err)
	_, err = f.agents.ReportStatus(ctx, "job-1", database.JobRunning, "")
	require.NoError(t, err)

	f.clock.Step(time.Minute)
	_, err = f.otherAgents.Connect(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, database.JobRunning, f.state(t, "job-1"))

	_, err = f.agents.Heartbeat(ctx, "job-1")
	var notOwner *registry.ErrNotOwner
	assert.ErrorAs(t, err, &notOwner)
}

func TestConnect_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	f.submit(t, "job-1")
	_, err := f.submission.Kill(ctx, "job-1")
	require.NoError(t, err)

	_, err = f.agents.Connect(ctx, "job-1")
	var illegal *database.ErrIllegalTransition
	assert.ErrorAs(t, err, &illegal)
	count, err := f.connections.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = f.agents.Connect(ctx, "missing")
	var notFound *armadaerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestReportStatus(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	f.submit(t, "job-1")
	_, err := f.agents.Connect(ctx, "job-1")
	require.NoError(t, err)

	_, err = f.otherAgents.ReportStatus(ctx, "job-1", database.JobRunning, "")
	var notOwner *registry.ErrNotOwner
	require.ErrorAs(t, err, &notOwner)
	assert.Equal(t, database.JobClaimed, f.state(t, "job-1"))

	job, err := f.agents.ReportStatus(ctx, "job-1", database.JobRunning, "started")
	require.NoError(t, err)
	assert.Equal(t, database.JobRunning, job.State)

	_, err = f.agents.ReportStatus(ctx, "job-1", database.JobRunning, "")
	require.NoError(t, err)

	job, err = f.agents.ReportStatus(ctx, "job-1", database.JobSucceeded, "exit 0")
	require.NoError(t, err)
	assert.Equal(t, database.JobSucceeded, job.State)
	assert.Equal(t, "exit 0", job.StatusMessage)

	_, ok, err := f.connections.Lookup(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	transitions := []database.JobState{}
	for _, event := range f.publisher.published() {
		transitions = append(transitions, event.To)
	}
	assert.Equal(t, []database.JobState{database.JobResolved, database.JobClaimed, database.JobRunning, database.JobSucceeded}, transitions)
}

func TestReportStatus_InvalidState(t *testing.T) {
	tests := map[string]struct {
		state database.JobState
	}{
		"unknown":  {state: "PAUSED"},
		"resolved": {state: database.JobResolved},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := armadacontext.Background()
			f.submit(t, "job-1")
			_, err := f.agents.Connect(ctx, "job-1")
			require.NoError(t, err)

			_, err = f.agents.ReportStatus(ctx, "job-1", tc.state, "")
			var invalid *armadaerrors.ErrInvalidArgument
			assert.ErrorAs(t, err, &invalid)
			assert.Equal(t, database.JobClaimed, f.state(t, "job-1"))
		})
	}
}

func TestReportStatus_IllegalTransition(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	f.submit(t, "job-1")
	_, err := f.agents.Connect(ctx, "job-1")
	require.NoError(t, err)

	_, err = f.agents.ReportStatus(ctx, "job-1", database.JobSucceeded, "")
	var illegal *database.ErrIllegalTransition
	assert.ErrorAs(t, err, &illegal)
}

func TestHeartbeatAndDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	f.submit(t, "job-1")
	_, err := f.agents.Connect(ctx, "job-1")
	require.NoError(t, err)

	f.clock.Step(8 * time.Second)
	state, err := f.agents.Heartbeat(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, database.JobClaimed, state)

	// Still live 16s after the claim because of the heartbeat.
	f.clock.Step(8 * time.Second)
	owner, ok, err := f.connections.Lookup(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-a", owner)

	var notOwner *registry.ErrNotOwner
	assert.ErrorAs(t, f.otherAgents.Disconnect(ctx, "job-1"), &notOwner)
	require.NoError(t, f.agents.Disconnect(ctx, "job-1"))
	assert.ErrorAs(t, f.agents.Disconnect(ctx, "job-1"), &notOwner)
	assert.Equal(t, database.JobClaimed, f.state(t, "job-1"))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.JobStateChanged
}

func (p *recordingPublisher) Publish(_ *armadacontext.Context, changes []*events.JobStateChanged, shouldPublish func() bool) error {
	if !shouldPublish() {
		return events.ErrNotLeader
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, changes...)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []*events.JobStateChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*events.JobStateChanged(nil), p.events...)
}
