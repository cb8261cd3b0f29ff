package events

import (
	"time"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
)

// JobStateChanged is emitted for every job lifecycle transition.
type JobStateChanged struct {
	JobId   string            `json:"jobId"`
	From    database.JobState `json:"from,omitempty"`
	To      database.JobState `json:"to"`
	Message string            `json:"message,omitempty"`
	// Node that made the transition
	NodeId string    `json:"nodeId,omitempty"`
	Time   time.Time `json:"time"`
}

// Publisher is an interface to be implemented by structs that emit job state changes
type Publisher interface {
	// Publish emits events if shouldPublish returns true. Leader-only callers pass a check of their leader token so
	// that a node which lost leadership part way through a pass doesn't emit stale events.
	Publish(ctx *armadacontext.Context, events []*JobStateChanged, shouldPublish func() bool) error
	Close()
}

// Always is a shouldPublish function for callers that aren't leader gated.
func Always() bool {
	return true
}
