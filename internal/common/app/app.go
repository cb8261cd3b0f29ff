package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

// CreateContextWithShutdown returns a context that is cancelled once SIGINT or SIGTERM is received.
func CreateContextWithShutdown() *armadacontext.Context {
	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signals)
		select {
		case sig := <-signals:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
