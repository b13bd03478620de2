// Package debug provides opt-in tracing that is cheap when disabled.
package debug

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Output logs a debug line when enabled.
func Output(log logrus.FieldLogger, enabled bool, format string, args ...any) {
	if enabled {
		log.Debugf(format, args...)
	}
}

// Timing logs the start of an operation and returns a func that logs its
// duration. A no-op when disabled.
func Timing(log logrus.FieldLogger, enabled bool, operation string) func() {
	if !enabled {
		return func() {}
	}

	start := time.Now()
	log.WithField("op", operation).Debug("starting")

	return func() {
		log.WithFields(logrus.Fields{
			"op":      operation,
			"elapsed": time.Since(start).String(),
		}).Debug("completed")
	}
}
