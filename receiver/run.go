//go:build linux

package receiver

import (
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Run drives one engine to completion on a dedicated OS thread: start,
// loop until shutdown, release resources. Meant to be the body of the
// per-receiver goroutine in the commands.
func Run(r Runner, shouldShutdown *atomic.Bool, log *logrus.Logger) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if err := r.Close(); err != nil {
			log.WithError(err).WithField("name", r.Name()).
				Warn("closing receiver")
		}
	}()

	if err := r.Start(); err != nil {
		return err
	}
	return r.Loop(shouldShutdown)
}
