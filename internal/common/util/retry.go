package util

import (
	"time"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

// RetryUntilSuccess calls performAction until it succeeds or ctx is cancelled, waiting backoff between attempts.
func RetryUntilSuccess(ctx *armadacontext.Context, performAction func() error, onError func(error), backoff time.Duration) {
	for {
		err := performAction()
		if err == nil {
			return
		}
		onError(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
