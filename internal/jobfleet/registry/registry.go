package registry

import (
	"time"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

// ConnectionRegistry records which node owns the live agent connection of each job. At most one record exists per
// job id.
type ConnectionRegistry interface {
	// Claim makes nodeId the owner of jobId. It succeeds if no record exists, if nodeId already owns the record or
	// if the current owner's last heartbeat is older than the connection TTL. Otherwise it returns
	// ErrAlreadyClaimedByOther.
	Claim(ctx *armadacontext.Context, jobId string, nodeId string) error
	// Refresh updates the last seen time of the record, only if nodeId owns it. Otherwise returns ErrNotOwner.
	Refresh(ctx *armadacontext.Context, jobId string, nodeId string) error
	// Release removes the record, only if nodeId owns it. Otherwise returns ErrNotOwner.
	Release(ctx *armadacontext.Context, jobId string, nodeId string) error
	// Lookup returns the owner of jobId if a live record exists.
	Lookup(ctx *armadacontext.Context, jobId string) (nodeId string, ok bool, err error)
	// Expire removes every record last seen more than ttl before now and returns the affected job ids.
	Expire(ctx *armadacontext.Context, now time.Time, ttl time.Duration) ([]string, error)
	// Count returns the number of records.
	Count(ctx *armadacontext.Context) (int, error)
}

// isFresh reports whether a record last seen at lastSeen is still within ttl at now.
func isFresh(lastSeen time.Time, now time.Time, ttl time.Duration) bool {
	return now.Sub(lastSeen) <= ttl
}
