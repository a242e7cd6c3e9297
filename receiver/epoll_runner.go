//go:build linux

package receiver

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/netbench-go/protocol"
)

// epollConn is one accepted connection of the epoll engine.
type epollConn struct {
	fd           int
	toWrite      uint64
	writeInEpoll bool
	parser       protocol.Parser
}

// EPollRunner is the epoll receiver engine: level-triggered listeners,
// edge-triggered connections, reads drained to EAGAIN and writes either
// issued inline or deferred to the end of the wake with batch_send.
type EPollRunner struct {
	counters
	name  string
	rxCfg EpollRxConfig
	opts  LoopOptions

	epfd      int
	events    []unix.EpollEvent
	rcvbuf    []byte
	listeners map[int]bool // fd -> isv6
	conns     map[int]*epollConn
	stopping  bool
}

// NewEPollRunner creates the epoll instance and the shared receive
// buffer.
func NewEPollRunner(
	rxCfg EpollRxConfig, name string, log *logrus.Logger, opts LoopOptions,
) (*EPollRunner, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &EPollRunner{
		counters:  counters{log: log},
		name:      name,
		rxCfg:     rxCfg,
		opts:      opts,
		epfd:      epfd,
		events:    make([]unix.EpollEvent, rxCfg.MaxEvents),
		rcvbuf:    make([]byte, rxCfg.RecvSize),
		listeners: make(map[int]bool),
		conns:     make(map[int]*epollConn),
	}, nil
}

func (r *EPollRunner) Name() string { return r.name }

// AddListenSock registers a listening socket level-triggered for reads.
func (r *EPollRunner) AddListenSock(fd int, v6 bool) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add listener: %w", err)
	}
	r.listeners[fd] = v6
	r.log.WithFields(logrus.Fields{"fd": fd, "v6": v6}).Debug("listening")
	return nil
}

func (r *EPollRunner) Start() error { return nil }

func (r *EPollRunner) doAccept(fd int) error {
	for {
		sockFd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK)
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("accept4: %w", err)
		}
		ev := unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLET,
			Fd:     int32(sockFd),
		}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, sockFd, &ev); err != nil {
			return fmt.Errorf("epoll add sock: %w", err)
		}
		r.conns[sockFd] = &epollConn{fd: sockFd}
		r.newSock()
	}
}

// doRead drains the connection until EAGAIN or a short read. Returns
// true when the connection was torn down.
func (r *EPollRunner) doRead(ed *epollConn) (closed bool, err error) {
	for {
		var n int
		var rerr error
		if r.rxCfg.Recvmsg {
			n, _, _, _, rerr = unix.Recvmsg(ed.fd, r.rcvbuf, nil, 0)
		} else {
			n, rerr = unix.Read(ed.fd, r.rcvbuf)
		}
		if n <= 0 {
			if rerr == unix.EAGAIN {
				return false, nil
			}
			if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, ed.fd, nil); err != nil {
				return true, fmt.Errorf("epoll del fd=%d res=%d: %w", ed.fd, n, err)
			}
			r.delSock()
			unix.Close(ed.fd)
			delete(r.conns, ed.fd)
			return true, nil
		}

		r.didRead(n)
		consumed := ed.parser.Consume(r.rcvbuf[:n])
		runWorkload(consumed.Count, r.rxCfg.Workload)
		r.finishedRequests(consumed.Count)
		ed.toWrite += consumed.ToWrite

		if n < len(r.rcvbuf) {
			return false, nil
		}
	}
}

// doWrite drains the pending response bytes until EAGAIN, then fixes up
// the EPOLLOUT registration to match the remaining debt.
func (r *EPollRunner) doWrite(ed *epollConn) error {
	for ed.toWrite > 0 {
		n := min(ed.toWrite, uint64(len(r.rcvbuf)))
		sent, err := unix.SendmsgN(ed.fd, r.rcvbuf[:n], nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			// Something went wrong, probably the socket is dead.
			ed.toWrite = 0
		} else {
			ed.toWrite -= min(ed.toWrite, uint64(sent))
		}
	}

	// Write toggling re-registers level-triggered: a still-pending debt
	// must keep firing EPOLLOUT until drained.
	if ed.writeInEpoll && ed.toWrite == 0 {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ed.fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, ed.fd, &ev); err != nil {
			return fmt.Errorf("epoll remove write: %w", err)
		}
		ed.writeInEpoll = false
	} else if !ed.writeInEpoll && ed.toWrite > 0 {
		ev := unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLOUT,
			Fd:     int32(ed.fd),
		}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, ed.fd, &ev); err != nil {
			return fmt.Errorf("epoll add write: %w", err)
		}
		ed.writeInEpoll = true
	}
	return nil
}

func (r *EPollRunner) doSocket(
	ed *epollConn, events uint32, writeQueue *queue.Queue, reads *uint32,
) error {
	if events&unix.EPOLLIN != 0 {
		*reads++
		closed, err := r.doRead(ed)
		if err != nil || closed {
			return err
		}
	}
	if events&unix.EPOLLOUT != 0 || (ed.toWrite > 0 && !r.rxCfg.BatchSend) {
		return r.doWrite(ed)
	}
	if ed.toWrite > 0 {
		writeQueue.Add(ed)
	}
	return nil
}

// Loop runs the engine until the shutdown flag is observed.
func (r *EPollRunner) Loop(shouldShutdown *atomic.Bool) error {
	stats := newRxStats(r.name, r.opts.PrintReadStats, r.log)
	writeQueue := queue.New()

	for !shouldShutdown.Load() && !GlobalShutdown.Load() {
		stats.startWait()
		nevents, err := unix.EpollWait(r.epfd, r.events, 1000)
		if err == unix.EINTR {
			stats.doneWait()
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}
		stats.doneWait()

		if nevents == 0 {
			r.log.WithField("socks", r.socks()).Debug("epoll: no events")
		}

		var reads uint32
		for i := 0; i < nevents; i++ {
			ev := &r.events[i]
			fd := int(ev.Fd)
			if _, ok := r.listeners[fd]; ok {
				if err := r.doAccept(fd); err != nil {
					return err
				}
				continue
			}
			ed := r.conns[fd]
			if ed == nil {
				continue
			}
			if err := r.doSocket(ed, ev.Events, writeQueue, &reads); err != nil {
				return err
			}
		}

		for writeQueue.Length() > 0 {
			ed := writeQueue.Remove().(*epollConn)
			if r.conns[ed.fd] != ed || ed.toWrite == 0 {
				continue
			}
			if err := r.doWrite(ed); err != nil {
				return err
			}
		}

		if r.opts.PrintRxStats {
			stats.doneLoop(r.bytesRx, r.requestsRx, reads, false)
		}
	}

	r.log.WithField("socks", r.socks()).Debug("epoll runner done")
	return nil
}

// Stop closes the listen sockets; in-flight connections terminate as
// their reads fail.
func (r *EPollRunner) Stop() {
	if r.stopping {
		return
	}
	r.stopping = true
	for fd := range r.listeners {
		unix.Close(fd)
	}
}

// Close releases the remaining connection descriptors and the epoll
// instance.
func (r *EPollRunner) Close() error {
	r.Stop()
	for fd := range r.conns {
		unix.Close(fd)
	}
	var errs []error
	if r.epfd >= 0 {
		if err := unix.Close(r.epfd); err != nil {
			errs = append(errs, fmt.Errorf("closing epoll fd: %w", err))
		}
		r.epfd = -1
	}
	r.log.Debug("epoll runner cleaned up")
	return errors.Join(errs...)
}
