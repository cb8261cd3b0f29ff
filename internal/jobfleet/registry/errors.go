package registry

import "fmt"

// ErrAlreadyClaimedByOther is returned by Claim when another node owns a live connection for the job.
type ErrAlreadyClaimedByOther struct {
	JobId string
	Owner string
}

func (err *ErrAlreadyClaimedByOther) Error() string {
	return fmt.Sprintf("job %s is already claimed by node %s", err.JobId, err.Owner)
}

// ErrNotOwner is returned by Refresh and Release when the caller does not own the job's connection record. The
// registry is left unchanged.
type ErrNotOwner struct {
	JobId  string
	Caller string
	// Owner is empty when no record exists.
	Owner string
}

func (err *ErrNotOwner) Error() string {
	if err.Owner == "" {
		return fmt.Sprintf("node %s does not own job %s: no connection record exists", err.Caller, err.JobId)
	}
	return fmt.Sprintf("node %s does not own job %s: owned by %s", err.Caller, err.JobId, err.Owner)
}

// ErrRegistryUnavailable is returned when the backing store times out or cannot be reached.
type ErrRegistryUnavailable struct {
	Op    string
	Cause error
}

func (err *ErrRegistryUnavailable) Error() string {
	return fmt.Sprintf("connection registry unavailable during %s: %v", err.Op, err.Cause)
}

func (err *ErrRegistryUnavailable) Unwrap() error {
	return err.Cause
}
