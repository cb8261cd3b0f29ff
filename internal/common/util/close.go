package util

import (
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/jobfleet/internal/common/logging"
)

// CloseResource closes c, logging rather than returning any failure. Meant for deferred cleanup.
func CloseResource(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logging.
			WithStacktrace(log.WithField("resource", name), errors.WithStack(err)).
			Warnf("%s didn't close down cleanly", name)
	}
}
