//go:build linux

package receiver

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/netbench-go/protocol"
	"github.com/romshark/netbench-go/uring"
)

var errNoBufferID = errors.New("buffer-select completion without buffer id")

// inlineReadSize is the per-socket receive buffer size used when no
// buffer provider is configured. With a provider the buffer only backs
// the recvmsg iovec template and can stay small.
const (
	inlineReadSize   = 4096
	providerReadSize = 64
)

// recvmsgOut is struct io_uring_recvmsg_out, the kernel-produced header
// at the start of every multishot recvmsg provided buffer.
type recvmsgOut struct {
	Namelen    uint32
	Controllen uint32
	Payloadlen uint32
	Flags      uint32
}

const recvmsgOutSize = int(unsafe.Sizeof(recvmsgOut{}))

// ioSock is one accepted connection of the io_uring engine. fd holds
// either a kernel fd or a fixed-file slot index. Methods prepare SQEs
// rather than executing I/O.
type ioSock struct {
	cfg *IoUringRxConfig
	fd  int32
	key uint64

	parser  protocol.Parser
	pending protocol.Consumed
	closing bool

	buf    []byte
	msghdr unix.Msghdr
	iov    unix.Iovec
}

func newIoSock(cfg *IoUringRxConfig, fd int32, key uint64, hasProvider bool) *ioSock {
	size := inlineReadSize
	if hasProvider {
		size = providerReadSize
	}
	s := &ioSock{
		cfg: cfg,
		fd:  fd,
		key: key,
		buf: make([]byte, size),
	}
	if cfg.Recvmsg {
		s.iov.Base = &s.buf[0]
		s.iov.SetLen(len(s.buf))
		s.msghdr.Iov = &s.iov
		if cfg.MultishotRecv || hasProvider {
			s.msghdr.Iovlen = 0
		} else {
			s.msghdr.Iovlen = 1
		}
	}
	return s
}

// addRead prepares the next receive SQE for this socket.
func (s *ioSock) addRead(sqe *uring.SQE, provider bufferProvider) {
	switch {
	case provider != nil:
		size := uint32(0)
		if !s.cfg.MultishotRecv {
			size = uint32(provider.SizePerBuffer())
		}
		if s.cfg.Recvmsg {
			if s.cfg.MultishotRecv {
				sqe.PrepRecvmsgMultishot(s.fd, &s.msghdr, 0)
			} else {
				sqe.PrepRecvmsg(s.fd, &s.msghdr, 0)
			}
		} else {
			if s.cfg.MultishotRecv {
				sqe.PrepRecvMultishot(s.fd, 0, size, 0)
			} else {
				sqe.PrepRecv(s.fd, 0, size, 0)
			}
		}
		sqe.Flags |= uring.SQEBufferSelect
		sqe.BufIG = BufferGroupID
	case s.cfg.Recvmsg:
		sqe.PrepRecvmsg(s.fd, &s.msghdr, 0)
	default:
		sqe.PrepRecv(s.fd, uintptr(unsafe.Pointer(&s.buf[0])), uint32(len(s.buf)), 0)
	}

	if s.cfg.FixedFiles {
		sqe.Flags |= uring.SQEFixedFile
	}
}

// addSend prepares a send of n bytes out of buf with MSG_WAITALL.
func (s *ioSock) addSend(sqe *uring.SQE, buf []byte, n uint32) {
	sqe.PrepSend(s.fd, uintptr(unsafe.Pointer(&buf[0])), n, unix.MSG_WAITALL)
	if s.cfg.FixedFiles {
		sqe.Flags |= uring.SQEFixedFile
	}
	sqe.Flags |= s.cfg.cqeSkipFlag
}

// addClose prepares the close for this socket's descriptor or slot.
func (s *ioSock) addClose(sqe *uring.SQE) {
	s.closing = true
	if s.cfg.FixedFiles {
		sqe.PrepCloseDirect(uint32(s.fd))
	} else {
		sqe.PrepClose(s.fd)
	}
}

// doClose synchronously closes a non-fixed descriptor.
func (s *ioSock) doClose() {
	s.closing = true
	unix.Close(int(s.fd))
}

// didRead consumes a read completion: locates the payload (provided
// buffer or inline), runs the parser and accumulates the response debt.
// recycleIdx is the provided-buffer id to return, or -1.
func (s *ioSock) didRead(provider bufferProvider, cqe *uring.CQE) (amount int, recycleIdx int, err error) {
	res := cqe.Res
	if res <= 0 {
		return int(res), -1, nil
	}

	if provider == nil {
		s.consume(s.buf[:res])
		return int(res), -1, nil
	}

	idx := cqe.BufferID()
	if idx < 0 {
		return 0, -1, errNoBufferID
	}
	data := provider.Data(uint16(idx))

	if s.cfg.MultishotRecv && s.cfg.Recvmsg {
		// The kernel prefixes the payload with a recvmsg_out header;
		// validate it and carve out the payload. Name and control are
		// zero-length with this msghdr template.
		// A completion too short for the header closes the connection.
		if int(res) < recvmsgOutSize {
			return 0, idx, nil
		}
		out := (*recvmsgOut)(unsafe.Pointer(&data[0]))
		payload := data[recvmsgOutSize:res]
		if int(out.Payloadlen) < len(payload) {
			payload = payload[:out.Payloadlen]
		}
		s.consume(payload)
		return len(payload), idx, nil
	}

	s.consume(data[:res])
	return int(res), idx, nil
}

func (s *ioSock) consume(b []byte) {
	consumed := s.parser.Consume(b)
	runWorkload(consumed.Count, s.cfg.Workload)
	s.pending.Add(consumed)
}

// peekSend returns the accumulated unsent response demand.
func (s *ioSock) peekSend() protocol.Consumed { return s.pending }

// didSend clears the accumulated demand once a send was issued.
func (s *ioSock) didSend() { s.pending = protocol.Consumed{} }
