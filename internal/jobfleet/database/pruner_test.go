package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

func createTerminalJobs(t *testing.T, repo JobRepository, n int, lastModified time.Time) {
	for i := 0; i < n; i++ {
		err := repo.CreateJob(armadacontext.Background(), &Job{
			JobId:   fmt.Sprintf("job-%05d", i),
			State:   TerminalStates[i%len(TerminalStates)],
			Created: lastModified,
		})
		require.NoError(t, err)
	}
}

type countingDeleter struct {
	TerminalJobDeleter
	pages []int
	err   error
}

func (d *countingDeleter) DeleteTerminalJobsBefore(ctx *armadacontext.Context, cutoff time.Time, limit int) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	n, err := d.TerminalJobDeleter.DeleteTerminalJobsBefore(ctx, cutoff, limit)
	d.pages = append(d.pages, n)
	return n, err
}

func TestPruneDb(t *testing.T) {
	tests := map[string]struct {
		jobs              int
		pageSize          int
		maxDeletions      int
		expectedDeleted   int
		expectedPages     []int
		expectedRemaining int
	}{
		"capped by max deletions": {
			jobs:              2500,
			pageSize:          1000,
			maxDeletions:      1000,
			expectedDeleted:   1000,
			expectedPages:     []int{1000},
			expectedRemaining: 1500,
		},
		"several pages": {
			jobs:              2500,
			pageSize:          1000,
			maxDeletions:      10000,
			expectedDeleted:   2500,
			expectedPages:     []int{1000, 1000, 500},
			expectedRemaining: 0,
		},
		"last page trimmed to budget": {
			jobs:              100,
			pageSize:          30,
			maxDeletions:      75,
			expectedDeleted:   75,
			expectedPages:     []int{30, 30, 15},
			expectedRemaining: 25,
		},
		"nothing to delete": {
			jobs:            0,
			pageSize:        10,
			maxDeletions:    10,
			expectedDeleted: 0,
			expectedPages:   []int{0},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFakeClock(baseTime)
			repo, err := NewMemDbJobRepository(clk)
			require.NoError(t, err)
			createTerminalJobs(t, repo, tc.jobs, baseTime.Add(-30*24*time.Hour))

			deleter := &countingDeleter{TerminalJobDeleter: repo}
			deleted, err := PruneDb(
				armadacontext.Background(),
				deleter,
				PruneOptions{RetentionPeriod: 7 * 24 * time.Hour, PageSize: tc.pageSize, MaxDeletions: tc.maxDeletions},
				clk,
				func() bool { return true })
			require.NoError(t, err)
			assert.Equal(t, tc.expectedDeleted, deleted)
			assert.Equal(t, tc.expectedPages, deleter.pages)

			counts, err := repo.CountJobsByState(armadacontext.Background())
			require.NoError(t, err)
			remaining := 0
			for _, c := range counts {
				remaining += c
			}
			assert.Equal(t, tc.expectedRemaining, remaining)
		})
	}
}

func TestPruneDb_RespectsRetention(t *testing.T) {
	clk := clock.NewFakeClock(baseTime)
	repo, err := NewMemDbJobRepository(clk)
	require.NoError(t, err)
	createTerminalJobs(t, repo, 10, baseTime.Add(-time.Hour))

	deleted, err := PruneDb(armadacontext.Background(), repo,
		PruneOptions{RetentionPeriod: 24 * time.Hour, PageSize: 5, MaxDeletions: 100}, clk, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestPruneDb_StopsWhenToldTo(t *testing.T) {
	clk := clock.NewFakeClock(baseTime)
	repo, err := NewMemDbJobRepository(clk)
	require.NoError(t, err)
	createTerminalJobs(t, repo, 50, baseTime.Add(-30*24*time.Hour))

	pagesAllowed := 2
	deleted, err := PruneDb(armadacontext.Background(), repo,
		PruneOptions{RetentionPeriod: time.Hour, PageSize: 10, MaxDeletions: 100}, clk,
		func() bool {
			pagesAllowed--
			return pagesAllowed >= 0
		})
	assert.ErrorIs(t, err, ErrPruneInterrupted)
	assert.Equal(t, 20, deleted)
}

func TestPruneDb_StopsOnCancelledContext(t *testing.T) {
	clk := clock.NewFakeClock(baseTime)
	repo, err := NewMemDbJobRepository(clk)
	require.NoError(t, err)
	createTerminalJobs(t, repo, 5, baseTime.Add(-30*24*time.Hour))

	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	cancel()
	deleted, err := PruneDb(ctx, repo, PruneOptions{RetentionPeriod: time.Hour, PageSize: 10, MaxDeletions: 100}, clk, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, deleted)
}

func TestPruneDb_PageFailureKeepsEarlierPages(t *testing.T) {
	clk := clock.NewFakeClock(baseTime)
	repo, err := NewMemDbJobRepository(clk)
	require.NoError(t, err)
	createTerminalJobs(t, repo, 5, baseTime.Add(-30*24*time.Hour))

	deleter := &countingDeleter{TerminalJobDeleter: repo, err: errors.New("connection reset")}
	deleted, err := PruneDb(armadacontext.Background(), deleter,
		PruneOptions{RetentionPeriod: time.Hour, PageSize: 2, MaxDeletions: 100}, clk, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, deleted)

	counts, err := repo.CountJobsByState(armadacontext.Background())
	require.NoError(t, err)
	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 5, total)
}
