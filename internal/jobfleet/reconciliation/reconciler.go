package reconciliation

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/common/logging"
	"github.com/armadaproject/jobfleet/internal/common/util"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/events"
	"github.com/armadaproject/jobfleet/internal/jobfleet/leader"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
)

const (
	ConnectionLostMessage = "agent connection lost"
	NeverConnectedMessage = "agent never connected"
)

// PassResult counts what a single reconciliation pass did.
type PassResult struct {
	Expired  int
	Awol     int
	Orphaned int
	Deleted  int
	// Catalog entities deleted or deactivated
	Catalog int
}

var inFlightStates = []database.JobState{database.JobClaimed, database.JobRunning}

// Reconciler is the leader-only task that fails jobs whose agents have gone away and purges old terminal jobs and
// unused catalog entities. Passes must not run concurrently.
type Reconciler struct {
	registry      registry.ConnectionRegistry
	jobs          database.JobRepository
	catalog       catalog.Cleanup
	leader        leader.LeaderController
	publisher     events.Publisher
	config        configuration.ReconciliationConfig
	connectionTtl time.Duration
	nodeId        string
	clock         clock.WithTicker

	// In-flight jobs seen without a live connection record, and when that was first noticed. Only meaningful for
	// the leader token it was built under.
	missingSince      map[string]time.Time
	missingSinceToken leader.LeaderToken
	lastCatalogSweep  time.Time
}

func NewReconciler(
	connections registry.ConnectionRegistry,
	jobs database.JobRepository,
	cleanup catalog.Cleanup,
	leaderController leader.LeaderController,
	publisher events.Publisher,
	config configuration.ReconciliationConfig,
	connectionTtl time.Duration,
	nodeId string,
	clk clock.WithTicker,
) *Reconciler {
	return &Reconciler{
		registry:      connections,
		jobs:          jobs,
		catalog:       cleanup,
		leader:        leaderController,
		publisher:     publisher,
		config:        config,
		connectionTtl: connectionTtl,
		nodeId:        nodeId,
		clock:         clk,
		missingSince:  map[string]time.Time{},
	}
}

// Run performs a pass every Interval until ctx is cancelled. Failed passes are logged and retried on the next tick.
func (r *Reconciler) Run(ctx *armadacontext.Context) error {
	ctx = armadacontext.WithLogField(ctx, "service", "reconciliation")
	ctx.Log.Infof("starting reconciliation with interval %s", r.config.Interval)
	defer ctx.Log.Info("reconciliation stopped")

	ticker := r.clock.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			start := r.clock.Now()
			result, err := r.RunOnce(ctx)
			if err != nil {
				passes.WithLabelValues("failed").Inc()
				logging.WithStacktrace(ctx.Log, err).Warn("reconciliation pass failed; will retry on next tick")
				continue
			}
			passes.WithLabelValues("completed").Inc()
			if result != (PassResult{}) {
				ctx.Log.WithFields(logrus.Fields{
					"expired":  result.Expired,
					"awol":     result.Awol,
					"orphaned": result.Orphaned,
					"deleted":  result.Deleted,
					"catalog":  result.Catalog,
				}).Infof("completed reconciliation pass in %s", r.clock.Since(start))
			}
		}
	}
}

// RunOnce performs a single pass if this node holds leadership. Losing leadership part way through ends the pass
// without error; whatever was already done stays done.
func (r *Reconciler) RunOnce(ctx *armadacontext.Context) (PassResult, error) {
	result := PassResult{}
	token := r.leader.GetToken()
	if !r.leader.ValidateToken(token) {
		ctx.Log.Debug("not leader; skipping reconciliation pass")
		return result, nil
	}
	isLeader := func() bool { return r.leader.ValidateToken(token) }

	n, err := r.failExpiredConnections(ctx, isLeader)
	result.Expired = n
	if err != nil {
		return result, ignoreLeadershipLost(err)
	}

	n, err = r.failAwolJobs(ctx, isLeader)
	result.Awol = n
	if err != nil {
		return result, ignoreLeadershipLost(err)
	}

	n, err = r.failOrphanedJobs(ctx, token, isLeader)
	result.Orphaned = n
	if err != nil {
		return result, ignoreLeadershipLost(err)
	}

	n, err = r.cleanCatalog(ctx, isLeader)
	result.Catalog = n
	if err != nil {
		return result, ignoreLeadershipLost(err)
	}

	n, err = database.PruneDb(ctx, r.jobs, database.PruneOptions{
		RetentionPeriod: r.config.RetentionPeriod,
		PageSize:        r.config.PageSize,
		MaxDeletions:    r.config.MaxDeletionsPerRun,
	}, r.clock, isLeader)
	result.Deleted = n
	deletedJobs.Add(float64(n))
	if errors.Is(err, database.ErrPruneInterrupted) {
		// Either leadership was lost or the context was cancelled; neither is a failure of the pass.
		return result, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return result, nil
		}
		return result, errors.WithMessage(err, "error pruning terminal jobs")
	}
	return result, nil
}

func (r *Reconciler) failExpiredConnections(ctx *armadacontext.Context, isLeader func() bool) (int, error) {
	expired, err := r.registry.Expire(ctx, r.clock.Now(), r.connectionTtl)
	if err != nil {
		return 0, errors.WithMessage(err, "error expiring connections")
	}
	if len(expired) == 0 {
		return 0, nil
	}
	ctx.Log.Infof("%d agent connections expired", len(expired))

	// Records are gone at this point. Jobs left unfailed by an error below are picked up by failOrphanedJobs.
	changes := make([]*events.JobStateChanged, 0, len(expired))
	var failErr error
batches:
	for _, batch := range util.Batch(expired, r.config.PageSize) {
		jobs, err := r.jobs.GetJobs(ctx, batch)
		if err != nil {
			failErr = errors.WithMessage(err, "error fetching jobs with expired connections")
			break
		}
		for _, jobId := range batch {
			job, ok := jobs[jobId]
			if !ok || job.State.IsTerminal() {
				continue
			}
			change, err := r.fail(ctx, job, ConnectionLostMessage, isLeader)
			if err != nil {
				failErr = err
				break batches
			}
			if change != nil {
				changes = append(changes, change)
			}
		}
	}
	expiredJobs.Add(float64(len(changes)))
	if err := r.publish(ctx, changes); err != nil {
		return len(changes), err
	}
	return len(changes), failErr
}

func (r *Reconciler) failAwolJobs(ctx *armadacontext.Context, isLeader func() bool) (int, error) {
	now := r.clock.Now()
	limits := []struct {
		state database.JobState
		limit time.Duration
	}{
		{state: database.JobResolved, limit: r.config.LaunchTimeLimit},
		{state: database.JobClaimed, limit: r.config.ClaimTimeLimit},
	}
	changes := make([]*events.JobStateChanged, 0)
	var failErr error
	for _, l := range limits {
		candidates, err := r.jobs.FindJobsInStateCreatedBefore(ctx, l.state, now.Add(-l.limit), r.config.MaxAwolPerRun)
		if err != nil {
			failErr = errors.WithMessagef(err, "error finding %s jobs older than %s", l.state, l.limit)
			break
		}
		for _, job := range candidates {
			_, connected, err := r.registry.Lookup(ctx, job.JobId)
			if err != nil {
				failErr = errors.WithMessagef(err, "error looking up connection of job %s", job.JobId)
				break
			}
			if connected {
				continue
			}
			change, err := r.fail(ctx, job, NeverConnectedMessage, isLeader)
			if err != nil {
				failErr = err
				break
			}
			if change != nil {
				changes = append(changes, change)
			}
		}
		if failErr != nil {
			break
		}
	}
	awolJobs.Add(float64(len(changes)))
	if err := r.publish(ctx, changes); err != nil {
		return len(changes), err
	}
	return len(changes), failErr
}

// failOrphanedJobs fails CLAIMED and RUNNING jobs that have had no live connection record for longer than the
// connection TTL. That covers agents that disconnected without finishing and records expired by a pass that then
// failed before it could fail their jobs. An agent reconnecting within the TTL keeps its job.
func (r *Reconciler) failOrphanedJobs(ctx *armadacontext.Context, token leader.LeaderToken, isLeader func() bool) (int, error) {
	if r.missingSinceToken != token {
		r.missingSince = map[string]time.Time{}
		r.missingSinceToken = token
	}
	now := r.clock.Now()
	stillMissing := make(map[string]bool)
	changes := make([]*events.JobStateChanged, 0)
	var failErr error
	after := ""
pages:
	for {
		if !isLeader() {
			failErr = errors.WithStack(leader.ErrLeadershipLost)
			break
		}
		jobs, err := r.jobs.FindJobsInStates(ctx, inFlightStates, after, r.config.PageSize)
		if err != nil {
			failErr = errors.WithMessage(err, "error finding in-flight jobs")
			break
		}
		for _, job := range jobs {
			after = job.JobId
			_, connected, err := r.registry.Lookup(ctx, job.JobId)
			if err != nil {
				failErr = errors.WithMessagef(err, "error looking up connection of job %s", job.JobId)
				break pages
			}
			if connected {
				delete(r.missingSince, job.JobId)
				continue
			}
			since, ok := r.missingSince[job.JobId]
			if !ok {
				r.missingSince[job.JobId] = now
				stillMissing[job.JobId] = true
				continue
			}
			if now.Sub(since) <= r.connectionTtl || len(changes) >= r.config.MaxAwolPerRun {
				stillMissing[job.JobId] = true
				continue
			}
			change, err := r.fail(ctx, job, ConnectionLostMessage, isLeader)
			if err != nil {
				failErr = err
				break pages
			}
			delete(r.missingSince, job.JobId)
			if change != nil {
				changes = append(changes, change)
			}
		}
		if len(jobs) < r.config.PageSize {
			break
		}
	}
	if failErr == nil {
		// Jobs no longer in flight
		for jobId := range r.missingSince {
			if !stillMissing[jobId] {
				delete(r.missingSince, jobId)
			}
		}
	}
	orphanedJobs.Add(float64(len(changes)))
	if err := r.publish(ctx, changes); err != nil {
		return len(changes), err
	}
	return len(changes), failErr
}

// cleanCatalog removes clusters, commands and applications nothing refers to any more. It runs at most once per
// CatalogCleanup.Interval. A failing step is logged and the remaining steps still run.
func (r *Reconciler) cleanCatalog(ctx *armadacontext.Context, isLeader func() bool) (int, error) {
	config := r.config.CatalogCleanup
	now := r.clock.Now()
	if !config.Enabled || (!r.lastCatalogSweep.IsZero() && now.Sub(r.lastCatalogSweep) < config.Interval) {
		return 0, nil
	}
	r.lastCatalogSweep = now

	createdBefore := now.Add(-config.MinimumAge)
	steps := []struct {
		action        string
		run           func(*armadacontext.Context, time.Time, int) (int, error)
		createdBefore time.Time
	}{
		{action: "clusters_deleted", run: r.catalog.DeleteTerminatedClusters, createdBefore: createdBefore},
		{action: "commands_deleted", run: r.catalog.DeleteUnusedCommands, createdBefore: createdBefore},
		{action: "commands_deactivated", run: r.catalog.DeactivateUnusedCommands, createdBefore: now.Add(-config.CommandDeactivationAge)},
		{action: "applications_deleted", run: r.catalog.DeleteUnusedApplications, createdBefore: createdBefore},
	}
	total := 0
	for _, step := range steps {
		changed := 0
		for {
			if !isLeader() {
				return total, errors.WithStack(leader.ErrLeadershipLost)
			}
			n, err := step.run(ctx, step.createdBefore, r.config.PageSize)
			changed += n
			if err != nil {
				logging.WithStacktrace(ctx.Log, err).Warnf("catalog cleanup step %s failed", step.action)
				break
			}
			if n < r.config.PageSize {
				break
			}
		}
		catalogEntities.WithLabelValues(step.action).Add(float64(changed))
		if changed > 0 {
			ctx.Log.Infof("catalog cleanup: %d %s", changed, strings.ReplaceAll(step.action, "_", " "))
		}
		total += changed
	}
	return total, nil
}

// fail moves job to FAILED provided it is still in the state it was observed in. A job that moved on in the
// meantime, or was deleted, is left alone and nil is returned.
func (r *Reconciler) fail(
	ctx *armadacontext.Context,
	job *database.Job,
	message string,
	isLeader func() bool,
) (*events.JobStateChanged, error) {
	if !isLeader() {
		return nil, errors.WithStack(leader.ErrLeadershipLost)
	}
	updated, err := r.jobs.UpdateStateFrom(ctx, job.JobId, job.State, database.JobFailed, message)
	var illegal *database.ErrIllegalTransition
	var notFound *armadaerrors.ErrNotFound
	if errors.As(err, &illegal) || errors.As(err, &notFound) {
		ctx.Log.WithField("jobId", job.JobId).Debugf("not failing job: %s", err)
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "error failing job %s", job.JobId)
	}
	ctx.Log.WithField("jobId", job.JobId).Infof("job failed: %s", message)
	return &events.JobStateChanged{
		JobId:   job.JobId,
		From:    job.State,
		To:      updated.State,
		Message: message,
		NodeId:  r.nodeId,
		Time:    updated.LastModified,
	}, nil
}

// publish sends transitions that are already committed, so it does so whether or not this node is still leader.
func (r *Reconciler) publish(ctx *armadacontext.Context, changes []*events.JobStateChanged) error {
	if len(changes) == 0 {
		return nil
	}
	return errors.WithMessage(r.publisher.Publish(ctx, changes, events.Always), "error publishing job state changes")
}

func ignoreLeadershipLost(err error) error {
	if errors.Is(err, leader.ErrLeadershipLost) {
		return nil
	}
	return err
}
