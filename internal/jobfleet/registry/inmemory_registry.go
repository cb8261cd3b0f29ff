package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

type record struct {
	owner    string
	lastSeen time.Time
}

// InMemoryConnectionRegistry is a ConnectionRegistry for a single node. It has the same semantics as the redis
// registry.
type InMemoryConnectionRegistry struct {
	mu      sync.Mutex
	records map[string]record
	ttl     time.Duration
	clock   clock.PassiveClock
}

func NewInMemoryConnectionRegistry(ttl time.Duration, clk clock.PassiveClock) *InMemoryConnectionRegistry {
	return &InMemoryConnectionRegistry{
		records: make(map[string]record),
		ttl:     ttl,
		clock:   clk,
	}
}

func (r *InMemoryConnectionRegistry) Claim(_ *armadacontext.Context, jobId string, nodeId string) (err error) {
	defer func() { recordOutcome("claim", err) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if existing, ok := r.records[jobId]; ok && existing.owner != nodeId && isFresh(existing.lastSeen, now, r.ttl) {
		return errors.WithStack(&ErrAlreadyClaimedByOther{JobId: jobId, Owner: existing.owner})
	}
	r.records[jobId] = record{owner: nodeId, lastSeen: now}
	return nil
}

func (r *InMemoryConnectionRegistry) Refresh(_ *armadacontext.Context, jobId string, nodeId string) (err error) {
	defer func() { recordOutcome("refresh", err) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.records[jobId]
	if !ok || existing.owner != nodeId {
		return errors.WithStack(&ErrNotOwner{JobId: jobId, Caller: nodeId, Owner: existing.owner})
	}
	r.records[jobId] = record{owner: nodeId, lastSeen: r.clock.Now()}
	return nil
}

func (r *InMemoryConnectionRegistry) Release(_ *armadacontext.Context, jobId string, nodeId string) (err error) {
	defer func() { recordOutcome("release", err) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.records[jobId]
	if !ok || existing.owner != nodeId {
		return errors.WithStack(&ErrNotOwner{JobId: jobId, Caller: nodeId, Owner: existing.owner})
	}
	delete(r.records, jobId)
	return nil
}

func (r *InMemoryConnectionRegistry) Lookup(_ *armadacontext.Context, jobId string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.records[jobId]
	if !ok || !isFresh(existing.lastSeen, r.clock.Now(), r.ttl) {
		return "", false, nil
	}
	return existing.owner, true, nil
}

func (r *InMemoryConnectionRegistry) Expire(_ *armadacontext.Context, now time.Time, ttl time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := make([]string, 0)
	for jobId, existing := range r.records {
		if !isFresh(existing.lastSeen, now, ttl) {
			expired = append(expired, jobId)
			delete(r.records, jobId)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (r *InMemoryConnectionRegistry) Count(_ *armadacontext.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records), nil
}
