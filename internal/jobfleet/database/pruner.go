package database

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

// TerminalJobDeleter deletes one page of old terminal jobs per call, each page in its own transaction.
type TerminalJobDeleter interface {
	DeleteTerminalJobsBefore(ctx *armadacontext.Context, cutoff time.Time, limit int) (int, error)
}

type PruneOptions struct {
	// Jobs in a terminal state last modified longer ago than this are eligible for deletion.
	RetentionPeriod time.Duration
	PageSize        int
	// Deletion stops once this many jobs have been deleted in one run.
	MaxDeletions int
}

// PruneDb removes terminal jobs last modified more than RetentionPeriod ago. Jobs are deleted in pages, each page
// committed separately, so a failure midway leaves earlier pages deleted and the failing page untouched.
// Before every page the context is checked and shouldContinue is consulted; if either says stop, PruneDb returns
// the number deleted so far and ErrPruneInterrupted.
func PruneDb(
	ctx *armadacontext.Context,
	deleter TerminalJobDeleter,
	opts PruneOptions,
	clk clock.PassiveClock,
	shouldContinue func() bool,
) (int, error) {
	if opts.PageSize <= 0 || opts.MaxDeletions <= 0 {
		return 0, errors.Errorf("page size and max deletions must be positive, got %d and %d", opts.PageSize, opts.MaxDeletions)
	}
	start := clk.Now()
	cutoff := start.Add(-opts.RetentionPeriod)

	deleted := 0
	for deleted < opts.MaxDeletions {
		if ctx.Err() != nil {
			return deleted, errors.WithStack(ctx.Err())
		}
		if shouldContinue != nil && !shouldContinue() {
			return deleted, errors.WithStack(ErrPruneInterrupted)
		}
		limit := opts.PageSize
		if remaining := opts.MaxDeletions - deleted; remaining < limit {
			limit = remaining
		}
		pageStart := clk.Now()
		n, err := deleter.DeleteTerminalJobsBefore(ctx, cutoff, limit)
		if err != nil {
			return deleted, errors.WithMessage(err, "error deleting page of terminal jobs")
		}
		deleted += n
		ctx.Log.Debugf("Deleted %d jobs in %s", n, clk.Since(pageStart))
		if n < limit {
			// nothing more to delete
			break
		}
	}
	ctx.Log.Infof("Deleted %d jobs older than %s in %s", deleted, cutoff, clk.Since(start))
	return deleted, nil
}

var ErrPruneInterrupted = errors.New("pruning interrupted")
