//go:build linux

package receiver

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/netbench-go/tcpsock"
)

// Receiver is a constructed engine bound to its port.
type Receiver struct {
	Runner Runner
	Port   uint16
	Engine string
	Desc   string
}

// New builds the engine a spec describes, picks an ephemeral port,
// creates the listening socket and hands it to the engine.
func New(spec RxSpec, v6 bool, log *logrus.Logger, opts LoopOptions) (Receiver, error) {
	port, err := tcpsock.PickPort(v6)
	if err != nil {
		return Receiver{}, fmt.Errorf("picking port: %w", err)
	}

	var (
		runner     Runner
		sockFlags  int
		backlog    int
		engineName string
	)
	switch spec.Kind {
	case EngineEpoll:
		name := fmt.Sprintf("epoll port=%d", port)
		runner, err = NewEPollRunner(spec.Epoll, name, log, opts)
		sockFlags = unix.SOCK_NONBLOCK
		backlog = spec.Epoll.Backlog
		engineName = "epoll"
	case EngineIoUring:
		name := fmt.Sprintf("io_uring port=%d", port)
		runner, err = NewIOUringRunner(spec.IoUring, name, log, opts)
		// io_uring does not get along with accepting on a nonblocking
		// socket unless the accept4 drain is enabled.
		if spec.IoUring.SupportsNonblockAccept {
			sockFlags = unix.SOCK_NONBLOCK
		}
		backlog = spec.IoUring.Backlog
		engineName = "io_uring"
	default:
		return Receiver{}, fmt.Errorf("bad engine %d", spec.Kind)
	}
	if err != nil {
		return Receiver{}, err
	}

	fd, err := tcpsock.MakeServer(port, v6, backlog, sockFlags)
	if err != nil {
		runner.Close()
		return Receiver{}, fmt.Errorf("making server socket: %w", err)
	}
	log.WithFields(logrus.Fields{"fd": fd, "v6": v6, "port": port}).
		Debug("made server sock")

	if err := runner.AddListenSock(fd, v6); err != nil {
		runner.Close()
		return Receiver{}, err
	}

	return Receiver{
		Runner: runner,
		Port:   port,
		Engine: engineName,
		Desc:   spec.Describe(),
	}, nil
}
