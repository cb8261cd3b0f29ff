package events

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(ctx *armadacontext.Context, events []*JobStateChanged, shouldPublish func() bool) error {
	if len(events) == 0 {
		return nil
	}
	if !shouldPublish() {
		return errors.WithStack(ErrNotLeader)
	}
	for _, event := range events {
		ctx.Log.WithFields(logrus.Fields{
			"jobId":   event.JobId,
			"from":    event.From,
			"to":      event.To,
			"nodeId":  event.NodeId,
			"message": event.Message,
		}).Info("job state changed")
	}
	return nil
}

func (p *LogPublisher) Close() {}
