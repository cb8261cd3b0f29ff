package health

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// MultiChecker is healthy only when every checker it holds is. Checkers may be added after it is serving.
type MultiChecker struct {
	mu       sync.RWMutex
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

// Check runs every checker and returns all failures together.
func (mc *MultiChecker) Check() error {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	var result *multierror.Error
	for _, checker := range mc.checkers {
		if err := checker.Check(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.checkers = append(mc.checkers, checker)
}
