package routing

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
)

// Router finds the address of the node supervising a job.
type Router struct {
	registry    registry.ConnectionRegistry
	directory   NodeDirectory
	localNodeId string
	// node id -> address
	addresses *cache.Cache
}

func NewRouter(
	connections registry.ConnectionRegistry,
	directory NodeDirectory,
	localNodeId string,
	addressCacheTtl time.Duration,
) *Router {
	return &Router{
		registry:    connections,
		directory:   directory,
		localNodeId: localNodeId,
		addresses:   cache.New(addressCacheTtl, 2*addressCacheTtl),
	}
}

// Route returns the address of the node owning jobId's live connection. ok is false when the job has no live owner
// or the owner has no known address; callers must treat that as the job not being reachable right now.
func (r *Router) Route(ctx *armadacontext.Context, jobId string) (string, bool, error) {
	nodeId, ok, err := r.registry.Lookup(ctx, jobId)
	if err != nil || !ok {
		return "", false, err
	}
	if cached, found := r.addresses.Get(nodeId); found {
		return cached.(string), true, nil
	}
	address, ok, err := r.directory.Address(ctx, nodeId)
	if err != nil || !ok {
		return "", false, err
	}
	r.addresses.SetDefault(nodeId, address)
	return address, true, nil
}

// IsLocal reports whether this node owns jobId's live connection.
func (r *Router) IsLocal(ctx *armadacontext.Context, jobId string) (bool, error) {
	nodeId, ok, err := r.registry.Lookup(ctx, jobId)
	if err != nil {
		return false, err
	}
	return ok && nodeId == r.localNodeId, nil
}

// Owner returns the id of the node owning jobId's live connection.
func (r *Router) Owner(ctx *armadacontext.Context, jobId string) (string, bool, error) {
	return r.registry.Lookup(ctx, jobId)
}
