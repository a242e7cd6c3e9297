//go:build linux

// Package receiver implements the two benchmark receiver engines: an
// io_uring submission/completion loop and an epoll readiness loop. Both
// accept TCP connections on listen sockets handed to them, decode
// length-delimited request frames and answer each completed request with
// the demanded number of response bytes, while a stats window tracks
// throughput, CPU time and read batching.
package receiver

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// GlobalShutdown is the process-wide shutdown flag, flipped by the
// interrupt handler in the commands. Engines poll it once per loop
// iteration alongside their own flag.
var GlobalShutdown atomic.Bool

// Runner is a receiver engine. All methods except AddListenSock must be
// called from the engine's own thread; Loop blocks until the shutdown
// flag is observed and the drain completes.
type Runner interface {
	Name() string
	// AddListenSock transfers ownership of a listening socket.
	AddListenSock(fd int, v6 bool) error
	// Start performs one-time initialisation on the loop thread.
	Start() error
	// Loop runs the engine until shutdown.
	Loop(shouldShutdown *atomic.Bool) error
	// Stop marks the engine stopping and closes its listen sockets.
	// Safe to call once, from the loop thread only.
	Stop()
	// Close releases kernel resources. Call after Loop returns.
	Close() error
}

// LoopOptions control per-loop statistics reporting.
type LoopOptions struct {
	PrintRxStats   bool
	PrintReadStats bool
}

// counters is the accounting shared by both engines.
type counters struct {
	requestsRx uint64
	bytesRx    uint64
	sockCount  int
	log        *logrus.Logger
}

func (c *counters) didRead(n int) {
	c.bytesRx += uint64(n)
}

func (c *counters) finishedRequests(n uint32) {
	c.requestsRx += uint64(n)
}

func (c *counters) newSock() {
	c.sockCount++
	if c.sockCount%100 == 0 {
		c.log.WithField("socks", c.sockCount).Debug("add sock")
	}
}

func (c *counters) delSock() {
	c.sockCount--
	if c.sockCount%100 == 0 {
		c.log.WithField("socks", c.sockCount).Debug("del sock")
	}
}

func (c *counters) socks() int { return c.sockCount }

var workloadSink uint64

// runWorkload burns a deterministic amount of CPU per completed request
// to emulate application work between receive and response.
func runWorkload(requests uint32, amount uint64) {
	if requests == 0 || amount == 0 {
		return
	}
	x := workloadSink | 1
	for i := uint64(0); i < uint64(requests)*amount; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
	}
	workloadSink = x
}
