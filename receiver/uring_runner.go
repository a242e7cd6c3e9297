//go:build linux

package receiver

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/netbench-go/uring"
)

// Completion tags carried in the low 4 bits of user_data. The upper 60
// bits hold the connection key (or listener index for accepts), so the
// low nibble of the shifted payload is always zero.
const (
	tagOther  = 0
	tagAccept = 1
	tagRead   = 2
	tagWrite  = 3

	tagBits = 4
	tagMask = 1<<tagBits - 1
)

func tag(key uint64, t uint64) uint64 { return key<<tagBits | t }

func untag(ud uint64) (key uint64, t uint64) { return ud >> tagBits, ud & tagMask }

var (
	errNoSQE           = errors.New("no sqe available after submit")
	errAcceptBusy      = errors.New("only one direct accept in flight per listener")
	errNoFixedFileSlot = errors.New("fixed-file slot pool exhausted")
)

// listenSock is one listening socket owned by the io_uring engine.
type listenSock struct {
	fd            int
	v6            bool
	closed        bool
	nextAcceptIdx int32

	// Accept completion writes the peer address here; the storage must
	// outlive the SQE.
	sa    unix.RawSockaddrAny
	saLen uint32
}

func (ls *listenSock) close() {
	if !ls.closed {
		unix.Close(ls.fd)
		ls.closed = true
	}
}

// IOUringRunner is the io_uring receiver engine: a single-threaded
// submission/completion loop over one ring, dispatching completions by
// the user_data tag.
type IOUringRunner struct {
	counters
	name  string
	rxCfg IoUringRxConfig
	opts  LoopOptions

	ring     *uring.Ring
	provider bufferProvider

	listeners []*listenSock
	conns     map[uint64]*ioSock
	nextKey   uint64

	sendBuf []byte

	acceptFdPool []int32

	expected int
	stopping bool
	enobufs  uint32
}

// NewIOUringRunner constructs the ring with the configured feature
// flags (retrying once without the newer ones), registers the buffer
// provider and the fixed-file table, and returns the runner ready for
// AddListenSock and Start.
func NewIOUringRunner(
	rxCfg IoUringRxConfig, name string, log *logrus.Logger, opts LoopOptions,
) (*IOUringRunner, error) {
	if err := rxCfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	// Default to many CQEs per SQE slot: one completion can fan out
	// into several submissions (send, re-arm read) and multishot recv
	// posts completions with no SQE at all.
	cqeCount := rxCfg.CQECount
	if cqeCount <= 0 {
		cqeCount = 128 * rxCfg.SQECount
	}

	newerFlags := uring.SetupSubmitAll | uring.SetupCoopTaskrun
	mkParams := func(flags uint32) *uring.Params {
		p := &uring.Params{
			Flags:     flags | uring.SetupCQSize,
			CQEntries: uint32(cqeCount),
		}
		if rxCfg.DeferTaskrun {
			p.Flags |= uring.SetupDeferTaskrun |
				uring.SetupSingleIssuer | uring.SetupRDisabled
		}
		return p
	}

	ring, err := uring.Setup(uint32(rxCfg.SQECount), mkParams(newerFlags))
	if err != nil {
		log.WithError(err).Warn("trying ring init again without COOP_TASKRUN or SUBMIT_ALL")
		ring, err = uring.Setup(uint32(rxCfg.SQECount), mkParams(0))
		if err != nil {
			return nil, fmt.Errorf("io_uring queue init: %w", err)
		}
	}

	if ring.Features()&uring.FeatCQESkip != 0 {
		rxCfg.cqeSkipFlag = uring.SQECQESkipSuccess
	}

	r := &IOUringRunner{
		counters: counters{log: log},
		name:     name,
		rxCfg:    rxCfg,
		opts:     opts,
		ring:     ring,
		conns:    make(map[uint64]*ioSock),
		sendBuf:  make([]byte, 2048),
	}

	switch rxCfg.ProvideBuffers {
	case 1:
		r.provider, err = NewBufferProviderV1(&r.rxCfg)
	case 2:
		r.provider, err = NewBufferProviderV2(&r.rxCfg)
	}
	if err != nil {
		ring.Close()
		return nil, err
	}
	if r.provider != nil {
		if err := r.provider.InitialRegister(ring); err != nil {
			r.Close()
			return nil, err
		}
	}

	if rxCfg.FixedFiles {
		files := make([]int32, rxCfg.FixedFileCount)
		for i := range files {
			files[i] = -1
		}
		if err := ring.RegisterFiles(files); err != nil {
			r.Close()
			return nil, err
		}
		r.acceptFdPool = make([]int32, 0, rxCfg.FixedFileCount)
		for i := int32(rxCfg.FixedFileCount) - 1; i >= 0; i-- {
			r.acceptFdPool = append(r.acceptFdPool, i)
		}
	}

	return r, nil
}

func (r *IOUringRunner) Name() string { return r.name }

// AddListenSock takes ownership of a listening socket and arms its
// first accept.
func (r *IOUringRunner) AddListenSock(fd int, v6 bool) error {
	ls := &listenSock{fd: fd, v6: v6, nextAcceptIdx: -1}
	r.listeners = append(r.listeners, ls)
	return r.addAccept(ls, len(r.listeners)-1)
}

// Start runs the one-time initialisation that must happen on the loop
// thread: enabling a disabled ring, registering the ring fd, and the
// initial provide_buffers batch for V1.
func (r *IOUringRunner) Start() error {
	if r.rxCfg.DeferTaskrun {
		if err := r.ring.EnableRings(); err != nil {
			return err
		}
	}
	if r.rxCfg.RegisterRing {
		if err := r.ring.RegisterRingFd(); err != nil {
			return err
		}
	}
	if _, ok := r.provider.(*BufferProviderV1); ok {
		if err := r.provideBuffers(true); err != nil {
			return err
		}
		if err := r.submit(); err != nil {
			return err
		}
	}
	return nil
}

func (r *IOUringRunner) getSQE() (*uring.SQE, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		if err := r.submit(); err != nil {
			return nil, err
		}
		sqe = r.ring.GetSQE()
		if sqe == nil {
			return nil, errNoSQE
		}
	}
	r.expected++
	return sqe, nil
}

// submit drives the ring to zero outstanding submissions, tolerating
// partial submits.
func (r *IOUringRunner) submit() error {
	for r.expected > 0 {
		got, err := r.ring.Submit()
		if err != nil {
			return err
		}
		if got == 0 {
			if r.stopping {
				// Assume some kind of cancellation issue while draining.
				r.expected--
				continue
			}
			return fmt.Errorf("submitted nothing, wanted %d", r.expected)
		}
		if got > r.expected {
			got = r.expected
		}
		r.expected -= got
	}
	return nil
}

// submitAndWait1 submits all pending SQEs and blocks up to ts for one
// completion. Timeouts and interrupts are benign.
func (r *IOUringRunner) submitAndWait1(ts *unix.Timespec) error {
	err := r.ring.SubmitAndWaitTimeout(ts)
	switch {
	case err == nil:
		r.expected = 0
		return nil
	case errors.Is(err, unix.ETIME) || errors.Is(err, unix.EINTR):
		return nil
	default:
		return fmt.Errorf("submit_and_wait_timeout: %w", err)
	}
}

// provideBuffers issues provide_buffers SQEs when the V1 arena is past
// its low watermark (or force is set), compacting first if configured.
func (r *IOUringRunner) provideBuffers(force bool) error {
	p, ok := r.provider.(*BufferProviderV1)
	if !ok {
		return nil
	}
	if !(force || p.NeedsToProvide()) {
		return nil
	}
	if r.rxCfg.ProvidedBufferCompact {
		p.Compact()
	}
	for p.CanProvide() {
		sqe, err := r.getSQE()
		if err != nil {
			return err
		}
		p.Provide(sqe)
		sqe.SetUserData(0)
	}
	return nil
}

func (r *IOUringRunner) nextFdIdx() (int32, error) {
	n := len(r.acceptFdPool)
	if n == 0 {
		return -1, errNoFixedFileSlot
	}
	idx := r.acceptFdPool[n-1]
	r.acceptFdPool = r.acceptFdPool[:n-1]
	return idx, nil
}

func (r *IOUringRunner) addAccept(ls *listenSock, lsIdx int) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	ls.saLen = unix.SizeofSockaddrAny
	sa := uintptr(unsafe.Pointer(&ls.sa))
	saLen := uintptr(unsafe.Pointer(&ls.saLen))
	if r.rxCfg.FixedFiles {
		if ls.nextAcceptIdx >= 0 {
			return errAcceptBusy
		}
		idx, err := r.nextFdIdx()
		if err != nil {
			return err
		}
		ls.nextAcceptIdx = idx
		sqe.PrepAcceptDirect(int32(ls.fd), sa, saLen, unix.SOCK_NONBLOCK, uint32(idx))
	} else {
		sqe.PrepAccept(int32(ls.fd), sa, saLen, unix.SOCK_NONBLOCK)
	}
	sqe.SetUserData(tag(uint64(lsIdx), tagAccept))
	return nil
}

func (r *IOUringRunner) addConn(fd int32) error {
	r.nextKey++
	key := r.nextKey
	sock := newIoSock(&r.rxCfg, fd, key, r.provider != nil)
	r.conns[key] = sock
	r.newSock()
	return r.addRead(sock)
}

func (r *IOUringRunner) addRead(sock *ioSock) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sock.addRead(sqe, r.provider)
	sqe.SetUserData(tag(sock.key, tagRead))
	return nil
}

func (r *IOUringRunner) addSend(sock *ioSock, n uint32) error {
	if len(r.sendBuf) < int(n) {
		r.sendBuf = make([]byte, n)
	}
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sock.addSend(sqe, r.sendBuf, n)
	sqe.SetUserData(tag(sock.key, tagWrite))
	return nil
}

func (r *IOUringRunner) processAccept(cqe *uring.CQE) error {
	lsIdx, _ := untag(cqe.UserData)
	ls := r.listeners[lsIdx]
	res := cqe.Res

	if res >= 0 {
		usedFd := res
		if r.rxCfg.FixedFiles {
			if res > 0 {
				return fmt.Errorf(
					"direct accept returned fd %d; kernel lacks fixed-file accept", res)
			}
			if ls.nextAcceptIdx < 0 {
				return errors.New("direct accept completed without a reserved slot")
			}
			usedFd = ls.nextAcceptIdx
			ls.nextAcceptIdx = -1
		}
		if err := r.addConn(usedFd); err != nil {
			return err
		}
	} else if !r.stopping {
		return fmt.Errorf("unexpected accept result: %w (ud=%d)",
			unix.Errno(-res), cqe.UserData)
	}

	if r.stopping {
		return nil
	}

	if r.rxCfg.SupportsNonblockAccept && !r.rxCfg.FixedFiles {
		// Drain any connections that raced in behind this completion.
		for {
			fd, _, err := unix.Accept4(ls.fd, unix.SOCK_NONBLOCK)
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				return fmt.Errorf("accept4: %w", err)
			}
			if err := r.addConn(int32(fd)); err != nil {
				return err
			}
		}
	}
	return r.addAccept(ls, int(lsIdx))
}

func (r *IOUringRunner) processRead(cqe *uring.CQE) error {
	key, _ := untag(cqe.UserData)
	sock := r.conns[key]
	if sock == nil {
		// A multishot burst can trail completions behind the close.
		return nil
	}

	amount, recycleIdx, err := sock.didRead(r.provider, cqe)
	if err != nil {
		return err
	}

	if recycleIdx >= 0 {
		r.provider.ReturnIndex(uint16(recycleIdx))
		if err := r.provideBuffers(false); err != nil {
			return err
		}
	}

	if amount > 0 {
		if sends := sock.peekSend(); sends.ToWrite > 0 {
			r.finishedRequests(sends.Count)
			if err := r.addSend(sock, uint32(sends.ToWrite)); err != nil {
				return err
			}
			sock.didSend()
		}
		r.didRead(amount)
		if !r.rxCfg.MultishotRecv || cqe.Flags&uring.CQEFMore == 0 {
			return r.addRead(sock)
		}
		return nil
	}

	if r.provider != nil && cqe.Res == -int32(unix.ENOBUFS) {
		// The low-watermark policy must keep the kernel provisioned;
		// running dry is an invariant violation.
		r.enobufs++
		return fmt.Errorf(
			"out of provided buffers (count=%d, toProvide=%d, needs=%t)",
			r.enobufs, r.provider.ToProvideCount(), r.provider.NeedsToProvide())
	}
	if cqe.Res < 0 && !r.stopping {
		if cqe.Res != -int32(unix.ECONNRESET) {
			r.log.WithFields(logrus.Fields{
				"res": cqe.Res,
				"err": unix.Errno(-cqe.Res).Error(),
			}).Warn("unexpected read error, closing connection")
		}
	}

	if r.rxCfg.FixedFiles {
		sqe, err := r.getSQE()
		if err != nil {
			return err
		}
		sock.addClose(sqe)
		sqe.SetUserData(tag(sock.key, tagOther))
	} else {
		sock.doClose()
		delete(r.conns, key)
		r.delSock()
	}
	return nil
}

func (r *IOUringRunner) processClose(cqe *uring.CQE, key uint64, sock *ioSock) {
	res := cqe.Res
	if res == 0 || res == -int32(unix.EBADF) {
		if r.rxCfg.FixedFiles {
			// Recycle the slot only once the kernel let go of it.
			r.acceptFdPool = append(r.acceptFdPool, sock.fd)
		}
	} else {
		r.log.WithField("res", res).Warn("unable to close connection descriptor")
	}
	delete(r.conns, key)
	r.delSock()
}

func (r *IOUringRunner) processCqe(cqe *uring.CQE, reads *uint32) error {
	key, t := untag(cqe.UserData)
	switch t {
	case tagAccept:
		return r.processAccept(cqe)
	case tagRead:
		*reads++
		return r.processRead(cqe)
	case tagWrite:
		// Successful writes are usually CQE-skipped. Reads may delete
		// sockets, but only one read is ever outstanding per socket so
		// a write completion cannot race its socket's teardown.
		if cqe.Res < 0 {
			if sock := r.conns[key]; sock != nil && !sock.closing {
				r.log.WithFields(logrus.Fields{
					"res": cqe.Res,
					"fd":  sock.fd,
				}).Warn("bad socket write")
			}
		}
	case tagOther:
		if cqe.UserData == 0 {
			// Errored provide_buffers SQEs complete with no tag.
			return nil
		}
		if cqe.UserData == uring.UserDataTimeout {
			return nil
		}
		if sock := r.conns[key]; sock != nil && sock.closing {
			r.processClose(cqe, key, sock)
		}
	}
	return nil
}

// Loop runs the engine until the shutdown flag flips and the drain
// completes.
func (r *IOUringRunner) Loop(shouldShutdown *atomic.Bool) error {
	stats := newRxStats(r.name, r.opts.PrintReadStats, r.log)
	timeout := unix.Timespec{Sec: 1}

	for r.socks() > 0 || !r.stopping {
		wasOverflow := r.ring.CQOverflowPending()
		var reads uint32

		if err := r.provideBuffers(false); err != nil {
			return err
		}

		stats.startWait()
		switch {
		case wasOverflow:
			// Flush kernel-side overflowed CQEs into the ring before
			// processing.
			if err := r.ring.Getevents(); err != nil {
				return err
			}
			stats.doneWait()
		case r.expected > 0:
			err := r.submitAndWait1(&timeout)
			stats.doneWait()
			if err != nil {
				return err
			}
		default:
			ok, err := r.ring.WaitCQETimeout(&timeout)
			stats.doneWait()
			if err != nil {
				return err
			}
			if ok {
				if err := r.processCqe(r.ring.CQEAt(0), &reads); err != nil {
					return err
				}
				r.ring.CQAdvance(1)
			}
		}

		if shouldShutdown.Load() || GlobalShutdown.Load() {
			if r.stopping {
				// Eh, we gave the drain a good try.
				break
			}
			r.log.WithField("name", r.name).Info("stopping")
			r.Stop()
			timeout = unix.Timespec{Nsec: 100_000_000}
		}

		n := r.ring.CQReady()
		if r.rxCfg.MaxCQELoop > 0 && n > uint32(r.rxCfg.MaxCQELoop) {
			n = uint32(r.rxCfg.MaxCQELoop)
		}
		for i := uint32(0); i < n; i++ {
			if err := r.processCqe(r.ring.CQEAt(i), &reads); err != nil {
				return err
			}
		}
		r.ring.CQAdvance(n)

		if r.opts.PrintRxStats {
			stats.doneLoop(r.bytesRx, r.requestsRx, reads, wasOverflow)
		}
	}
	return nil
}

// Stop marks the engine stopping and closes its listen sockets.
func (r *IOUringRunner) Stop() {
	r.stopping = true
	for _, ls := range r.listeners {
		ls.close()
	}
}

// FixedFilePoolSize reports the number of free fixed-file slots.
func (r *IOUringRunner) FixedFilePoolSize() int { return len(r.acceptFdPool) }

// Close tears down the ring, the provider arena and any sockets still
// open.
func (r *IOUringRunner) Close() error {
	if r.socks() > 0 {
		r.log.WithFields(logrus.Fields{
			"socks":    r.socks(),
			"stopping": r.stopping,
		}).Debug("io_uring runner shutting down with sockets still open")
	}
	var errs []error
	if !r.rxCfg.FixedFiles {
		for _, s := range r.conns {
			if !s.closing {
				unix.Close(int(s.fd))
			}
		}
	}
	for _, ls := range r.listeners {
		ls.close()
	}
	if r.provider != nil {
		if err := r.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.ring != nil {
		if err := r.ring.Close(); err != nil {
			errs = append(errs, err)
		}
		r.ring = nil
	}
	return errors.Join(errs...)
}
