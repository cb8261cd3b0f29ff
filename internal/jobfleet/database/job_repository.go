package database

import (
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	commondb "github.com/armadaproject/jobfleet/internal/common/database"
)

type JobRepository interface {
	// CreateJob inserts a new job. Returns ErrAlreadyExists if a job with the same id exists.
	CreateJob(ctx *armadacontext.Context, job *Job) error
	// GetJob returns the job with the given id or ErrNotFound.
	GetJob(ctx *armadacontext.Context, jobId string) (*Job, error)
	// GetJobs returns the jobs with the given ids. Unknown ids are absent from the result.
	GetJobs(ctx *armadacontext.Context, jobIds []string) (map[string]*Job, error)
	// UpdateState moves a job to a new state, failing with ErrIllegalTransition if the lifecycle does not allow it.
	// The check and the write are a single atomic step.
	UpdateState(ctx *armadacontext.Context, jobId string, to JobState, message string) (*Job, error)
	// UpdateStateFrom is UpdateState guarded by the job currently being in state from.
	UpdateStateFrom(ctx *armadacontext.Context, jobId string, from, to JobState, message string) (*Job, error)
	// FindJobsInStateCreatedBefore returns up to limit jobs in state created before the cutoff, oldest first.
	FindJobsInStateCreatedBefore(ctx *armadacontext.Context, state JobState, cutoff time.Time, limit int) ([]*Job, error)
	// FindJobsInStates pages through the jobs in any of states by job id, returning up to limit jobs whose id sorts
	// after afterJobId.
	FindJobsInStates(ctx *armadacontext.Context, states []JobState, afterJobId string, limit int) ([]*Job, error)
	// DeleteTerminalJobsBefore deletes, in one transaction, up to limit terminal jobs (and their specifications)
	// last modified before the cutoff. Returns the number of jobs deleted.
	DeleteTerminalJobsBefore(ctx *armadacontext.Context, cutoff time.Time, limit int) (int, error)
	// CountJobsByState is used for metrics.
	CountJobsByState(ctx *armadacontext.Context) (map[JobState]int, error)
}

type SpecificationRepository interface {
	// SaveSpecificationIfAbsent stores specification for jobId unless one is already stored, in which case the
	// stored one is returned and created is false.
	SaveSpecificationIfAbsent(ctx *armadacontext.Context, jobId string, specification []byte) (stored []byte, created bool, err error)
	// GetSpecification returns the stored specification or ErrNotFound.
	GetSpecification(ctx *armadacontext.Context, jobId string) ([]byte, error)
}

// PostgresJobRepository is an implementation of JobRepository and SpecificationRepository that stores its state
// in postgres.
type PostgresJobRepository struct {
	db    *pgxpool.Pool
	clock clock.PassiveClock
}

func NewPostgresJobRepository(db *pgxpool.Pool, clk clock.PassiveClock) *PostgresJobRepository {
	return &PostgresJobRepository{db: db, clock: clk}
}

const jobColumns = `job_id, name, "user", state, status_message, created, last_modified`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var state string
	err := row.Scan(&job.JobId, &job.Name, &job.User, &state, &job.StatusMessage, &job.Created, &job.LastModified)
	if err != nil {
		return nil, err
	}
	job.State = JobState(state)
	return job, nil
}

func (r *PostgresJobRepository) CreateJob(ctx *armadacontext.Context, job *Job) error {
	now := r.clock.Now().UTC()
	if job.Created.IsZero() {
		job.Created = now
	}
	job.LastModified = job.Created
	if !job.State.IsValid() {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "state", Value: job.State, Message: "unknown job state"})
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.JobId, job.Name, job.User, string(job.State), job.StatusMessage, job.Created, job.LastModified)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.WithStack(&armadaerrors.ErrAlreadyExists{Type: "job", Value: job.JobId})
		}
		return errors.WithStack(err)
	}
	return nil
}

func (r *PostgresJobRepository) GetJob(ctx *armadacontext.Context, jobId string) (*Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobId))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return job, nil
}

func (r *PostgresJobRepository) GetJobs(ctx *armadacontext.Context, jobIds []string) (map[string]*Job, error) {
	rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ANY($1)`, jobIds)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	result := make(map[string]*Job, len(jobIds))
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result[job.JobId] = job
	}
	return result, errors.WithStack(rows.Err())
}

func (r *PostgresJobRepository) UpdateState(ctx *armadacontext.Context, jobId string, to JobState, message string) (*Job, error) {
	return r.updateState(ctx, jobId, to, message, statesLeadingTo(to))
}

func (r *PostgresJobRepository) UpdateStateFrom(ctx *armadacontext.Context, jobId string, from, to JobState, message string) (*Job, error) {
	allowed := []string{}
	if from.CanTransitionTo(to) {
		allowed = append(allowed, string(from))
	}
	return r.updateState(ctx, jobId, to, message, allowed)
}

func (r *PostgresJobRepository) updateState(ctx *armadacontext.Context, jobId string, to JobState, message string, allowedFrom []string) (*Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx,
		`UPDATE jobs SET state = $2, status_message = $3, last_modified = $4
		 WHERE job_id = $1 AND state = ANY($5)
		 RETURNING `+jobColumns,
		jobId, string(to), message, r.clock.Now().UTC(), allowedFrom))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(err)
	}
	current, err := r.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	return nil, errors.WithStack(&ErrIllegalTransition{JobId: jobId, From: current.State, To: to})
}

func (r *PostgresJobRepository) FindJobsInStateCreatedBefore(ctx *armadacontext.Context, state JobState, cutoff time.Time, limit int) ([]*Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 AND created < $2 ORDER BY created, job_id LIMIT $3`,
		string(state), cutoff, limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	result := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, job)
	}
	return result, errors.WithStack(rows.Err())
}

func (r *PostgresJobRepository) FindJobsInStates(ctx *armadacontext.Context, states []JobState, afterJobId string, limit int) ([]*Job, error) {
	stateStrings := make([]string, 0, len(states))
	for _, state := range states {
		stateStrings = append(stateStrings, string(state))
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ANY($1) AND job_id > $2 ORDER BY job_id LIMIT $3`,
		stateStrings, afterJobId, limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	result := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, job)
	}
	return result, errors.WithStack(rows.Err())
}

func (r *PostgresJobRepository) DeleteTerminalJobsBefore(ctx *armadacontext.Context, cutoff time.Time, limit int) (int, error) {
	deleted := 0
	err := commondb.ExecuteInTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`DELETE FROM jobs WHERE job_id IN (
			     SELECT job_id FROM jobs
			     WHERE state = ANY($1) AND last_modified < $2
			     ORDER BY last_modified
			     LIMIT $3
			     FOR UPDATE SKIP LOCKED)
			 RETURNING job_id`,
			terminalStateStrings(), cutoff, limit)
		if err != nil {
			return errors.WithStack(err)
		}
		jobIds, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return errors.WithStack(err)
		}
		if len(jobIds) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `DELETE FROM job_specifications WHERE job_id = ANY($1)`, jobIds)
		if err != nil {
			return errors.WithStack(err)
		}
		deleted = len(jobIds)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *PostgresJobRepository) CountJobsByState(ctx *armadacontext.Context) (map[JobState]int, error) {
	rows, err := r.db.Query(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	result := make(map[JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.WithStack(err)
		}
		result[JobState(state)] = count
	}
	return result, errors.WithStack(rows.Err())
}

func (r *PostgresJobRepository) SaveSpecificationIfAbsent(ctx *armadacontext.Context, jobId string, specification []byte) ([]byte, bool, error) {
	var stored []byte
	var created bool
	err := commondb.ExecuteInTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO job_specifications (job_id, specification, created) VALUES ($1, $2, $3)
			 ON CONFLICT (job_id) DO NOTHING`,
			jobId, specification, r.clock.Now().UTC())
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 1 {
			stored = specification
			created = true
			return nil
		}
		return errors.WithStack(
			tx.QueryRow(ctx, `SELECT specification FROM job_specifications WHERE job_id = $1`, jobId).Scan(&stored))
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (r *PostgresJobRepository) GetSpecification(ctx *armadacontext.Context, jobId string) ([]byte, error) {
	var stored []byte
	err := r.db.QueryRow(ctx, `SELECT specification FROM job_specifications WHERE job_id = $1`, jobId).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "specification", Value: jobId})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return stored, nil
}
