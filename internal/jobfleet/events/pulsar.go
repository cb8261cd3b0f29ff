package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/logging"
)

var ErrNotLeader = errors.New("failed to publish as no longer leader")

// producer is the subset of pulsar.Producer used here.
type producer interface {
	SendAsync(ctx context.Context, msg *pulsar.ProducerMessage, callback func(pulsar.MessageID, *pulsar.ProducerMessage, error))
	Close()
}

// PulsarPublisher sends each event as a JSON message keyed by job id, so events for one job stay ordered.
type PulsarPublisher struct {
	producer producer
	// Timeout after which async messages sends will be considered failed
	sendTimeout time.Duration
}

func NewPulsarPublisher(
	pulsarClient pulsar.Client,
	producerOptions pulsar.ProducerOptions,
	sendTimeout time.Duration,
) (*PulsarPublisher, error) {
	producer, err := pulsarClient.CreateProducer(producerOptions)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newPulsarPublisher(producer, sendTimeout), nil
}

func newPulsarPublisher(producer producer, sendTimeout time.Duration) *PulsarPublisher {
	return &PulsarPublisher{producer: producer, sendTimeout: sendTimeout}
}

func (p *PulsarPublisher) Publish(ctx *armadacontext.Context, events []*JobStateChanged, shouldPublish func() bool) error {
	if len(events) == 0 {
		return nil
	}
	if !shouldPublish() {
		return errors.WithStack(ErrNotLeader)
	}
	msgs := make([]*pulsar.ProducerMessage, len(events))
	for i, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return errors.WithStack(err)
		}
		msgs[i] = &pulsar.ProducerMessage{
			Payload:   payload,
			Key:       event.JobId,
			EventTime: event.Time,
		}
	}

	wg := sync.WaitGroup{}
	wg.Add(len(msgs))
	sendCtx, cancel := armadacontext.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	var failed atomic.Int32
	for _, msg := range msgs {
		p.producer.SendAsync(sendCtx, msg, func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
			if err != nil {
				logging.WithStacktrace(ctx.Log, err).Error("error sending message to Pulsar")
				failed.Add(1)
			}
			wg.Done()
		})
	}
	wg.Wait()
	if n := failed.Load(); n > 0 {
		return errors.Errorf("%d of %d messages failed to send to Pulsar", n, len(msgs))
	}
	return nil
}

func (p *PulsarPublisher) Close() {
	p.producer.Close()
}
