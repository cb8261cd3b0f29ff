package database

import (
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
)

const (
	jobsTable           = "jobs"
	specificationsTable = "job_specifications"

	idIndex    = "id"
	stateIndex = "state"
)

type specificationRow struct {
	JobId         string
	Specification []byte
}

// MemDbJobRepository is an in-memory JobRepository and SpecificationRepository backed by go-memdb, used when
// running a single node without postgres and in tests.
type MemDbJobRepository struct {
	db    *memdb.MemDB
	clock clock.PassiveClock
}

func NewMemDbJobRepository(clk clock.PassiveClock) (*MemDbJobRepository, error) {
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemDbJobRepository{db: db, clock: clk}, nil
}

func (r *MemDbJobRepository) CreateJob(_ *armadacontext.Context, job *Job) error {
	if !job.State.IsValid() {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "state", Value: job.State, Message: "unknown job state"})
	}
	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(jobsTable, idIndex, job.JobId)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&armadaerrors.ErrAlreadyExists{Type: "job", Value: job.JobId})
	}
	if job.Created.IsZero() {
		job.Created = r.clock.Now().UTC()
	}
	job.LastModified = job.Created
	stored := *job
	if err := txn.Insert(jobsTable, &stored); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemDbJobRepository) GetJob(_ *armadacontext.Context, jobId string) (*Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	job, err := getJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	cp := *job
	return &cp, nil
}

func (r *MemDbJobRepository) GetJobs(_ *armadacontext.Context, jobIds []string) (map[string]*Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	result := make(map[string]*Job, len(jobIds))
	for _, jobId := range jobIds {
		job, err := getJob(txn, jobId)
		if err != nil {
			return nil, err
		}
		if job != nil {
			cp := *job
			result[jobId] = &cp
		}
	}
	return result, nil
}

func (r *MemDbJobRepository) UpdateState(_ *armadacontext.Context, jobId string, to JobState, message string) (*Job, error) {
	return r.updateState(jobId, to, message, func(current JobState) bool { return current.CanTransitionTo(to) })
}

func (r *MemDbJobRepository) UpdateStateFrom(_ *armadacontext.Context, jobId string, from, to JobState, message string) (*Job, error) {
	return r.updateState(jobId, to, message, func(current JobState) bool {
		return current == from && current.CanTransitionTo(to)
	})
}

func (r *MemDbJobRepository) updateState(jobId string, to JobState, message string, allowed func(JobState) bool) (*Job, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	job, err := getJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	if !allowed(job.State) {
		return nil, errors.WithStack(&ErrIllegalTransition{JobId: jobId, From: job.State, To: to})
	}
	updated := *job
	updated.State = to
	updated.StatusMessage = message
	updated.LastModified = r.clock.Now().UTC()
	if err := txn.Insert(jobsTable, &updated); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	cp := updated
	return &cp, nil
}

func (r *MemDbJobRepository) FindJobsInStateCreatedBefore(_ *armadacontext.Context, state JobState, cutoff time.Time, limit int) ([]*Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, stateIndex, string(state))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*Job, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		job := obj.(*Job)
		if job.Created.Before(cutoff) {
			cp := *job
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Created.Equal(result[j].Created) {
			return result[i].JobId < result[j].JobId
		}
		return result[i].Created.Before(result[j].Created)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemDbJobRepository) FindJobsInStates(_ *armadacontext.Context, states []JobState, afterJobId string, limit int) ([]*Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	result := make([]*Job, 0)
	for _, state := range states {
		it, err := txn.Get(jobsTable, stateIndex, string(state))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			job := obj.(*Job)
			if job.JobId > afterJobId {
				cp := *job
				result = append(result, &cp)
			}
		}
	}
	slices.SortFunc(result, func(a, b *Job) int {
		return strings.Compare(a.JobId, b.JobId)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemDbJobRepository) DeleteTerminalJobsBefore(_ *armadacontext.Context, cutoff time.Time, limit int) (int, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	candidates := make([]*Job, 0)
	for _, state := range TerminalStates {
		it, err := txn.Get(jobsTable, stateIndex, string(state))
		if err != nil {
			return 0, errors.WithStack(err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			job := obj.(*Job)
			if job.LastModified.Before(cutoff) {
				candidates = append(candidates, job)
			}
		}
	}
	slices.SortFunc(candidates, func(a, b *Job) int {
		return a.LastModified.Compare(b.LastModified)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, job := range candidates {
		if err := txn.Delete(jobsTable, job); err != nil {
			return 0, errors.WithStack(err)
		}
		if _, err := txn.DeleteAll(specificationsTable, idIndex, job.JobId); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return len(candidates), nil
}

func (r *MemDbJobRepository) CountJobsByState(_ *armadacontext.Context) (map[JobState]int, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make(map[JobState]int)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		result[obj.(*Job).State]++
	}
	return result, nil
}

func (r *MemDbJobRepository) SaveSpecificationIfAbsent(_ *armadacontext.Context, jobId string, specification []byte) ([]byte, bool, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(specificationsTable, idIndex, jobId)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	if existing != nil {
		return slices.Clone(existing.(*specificationRow).Specification), false, nil
	}
	row := &specificationRow{JobId: jobId, Specification: slices.Clone(specification)}
	if err := txn.Insert(specificationsTable, row); err != nil {
		return nil, false, errors.WithStack(err)
	}
	txn.Commit()
	return specification, true, nil
}

func (r *MemDbJobRepository) GetSpecification(_ *armadacontext.Context, jobId string) ([]byte, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	existing, err := txn.First(specificationsTable, idIndex, jobId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if existing == nil {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "specification", Value: jobId})
	}
	return slices.Clone(existing.(*specificationRow).Specification), nil
}

func getJob(txn *memdb.Txn, jobId string) (*Job, error) {
	obj, err := txn.First(jobsTable, idIndex, jobId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*Job), nil
}

func jobDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex, // lookup by primary key
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "JobId"},
					},
					stateIndex: {
						Name:    stateIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
			specificationsTable: {
				Name: specificationsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "JobId"},
					},
				},
			},
		},
	}
}
