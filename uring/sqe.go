//go:build linux

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcodes used by this module.
const (
	OpNop            uint8 = 0
	OpRecvmsg        uint8 = 10
	OpAccept         uint8 = 13
	OpClose          uint8 = 19
	OpSend           uint8 = 26
	OpRecv           uint8 = 27
	OpProvideBuffers uint8 = 31
)

// SQE flag bits.
const (
	SQEFixedFile      uint8 = 1 << 0
	SQEIODrain        uint8 = 1 << 1
	SQEIOLink         uint8 = 1 << 2
	SQEIOHardlink     uint8 = 1 << 3
	SQEAsync          uint8 = 1 << 4
	SQEBufferSelect   uint8 = 1 << 5
	SQECQESkipSuccess uint8 = 1 << 6
)

// ioprio bits for send/recv opcodes.
const (
	RecvsendPollFirst uint16 = 1 << 0
	RecvMultishot     uint16 = 1 << 1
)

// UserDataTimeout is the sentinel user_data liburing stamps on its
// internal timeout SQEs; tolerated in completion dispatch.
const UserDataTimeout = ^uint64(0)

// SQE is struct io_uring_sqe (64-byte layout). Union members that this
// module actually distinguishes get their own field names: OpFlags
// overlays msg_flags/accept_flags, BufIG overlays buf_index/buf_group,
// FileIndex overlays splice_fd_in/file_index.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIG       uint16
	Personality uint16
	FileIndex   uint32
	Addr3       uint64
	_           uint64
}

func (s *SQE) prepRW(op uint8, fd int32, addr uintptr, n uint32, off uint64) {
	s.Opcode = op
	s.Fd = fd
	s.Addr = uint64(addr)
	s.Len = n
	s.Off = off
}

// SetUserData attaches the completion correlation token.
func (s *SQE) SetUserData(ud uint64) { s.UserData = ud }

// PrepNop prepares a no-op request.
func (s *SQE) PrepNop() {
	s.prepRW(OpNop, -1, 0, 0, 0)
}

// PrepAccept prepares accept(2) on fd. sa/saLen point at caller-owned
// sockaddr storage that must outlive the completion.
func (s *SQE) PrepAccept(fd int32, sa, saLen uintptr, flags uint32) {
	s.prepRW(OpAccept, fd, sa, 0, uint64(saLen))
	s.OpFlags = flags
}

// PrepAcceptDirect is PrepAccept targeting fixed-file slot idx.
func (s *SQE) PrepAcceptDirect(fd int32, sa, saLen uintptr, flags uint32, idx uint32) {
	s.PrepAccept(fd, sa, saLen, flags)
	s.FileIndex = idx + 1
}

// PrepRecv prepares recv(2). With buffer select, addr is 0 and the
// kernel picks the buffer.
func (s *SQE) PrepRecv(fd int32, addr uintptr, n uint32, flags uint32) {
	s.prepRW(OpRecv, fd, addr, n, 0)
	s.OpFlags = flags
}

// PrepRecvMultishot prepares a multishot recv that keeps posting
// completions until cancelled or errored.
func (s *SQE) PrepRecvMultishot(fd int32, addr uintptr, n uint32, flags uint32) {
	s.PrepRecv(fd, addr, n, flags)
	s.Ioprio |= RecvMultishot
}

// PrepRecvmsg prepares recvmsg(2) with the given header.
func (s *SQE) PrepRecvmsg(fd int32, msg *unix.Msghdr, flags uint32) {
	s.prepRW(OpRecvmsg, fd, uintptr(unsafe.Pointer(msg)), 1, 0)
	s.OpFlags = flags
}

// PrepRecvmsgMultishot is the multishot variant of PrepRecvmsg.
func (s *SQE) PrepRecvmsgMultishot(fd int32, msg *unix.Msghdr, flags uint32) {
	s.PrepRecvmsg(fd, msg, flags)
	s.Ioprio |= RecvMultishot
}

// PrepSend prepares send(2).
func (s *SQE) PrepSend(fd int32, addr uintptr, n uint32, flags uint32) {
	s.prepRW(OpSend, fd, addr, n, 0)
	s.OpFlags = flags
}

// PrepClose prepares close(2) on a plain fd.
func (s *SQE) PrepClose(fd int32) {
	s.prepRW(OpClose, fd, 0, 0, 0)
}

// PrepCloseDirect prepares a close of fixed-file slot idx.
func (s *SQE) PrepCloseDirect(idx uint32) {
	s.prepRW(OpClose, 0, 0, 0, 0)
	s.FileIndex = idx + 1
}

// PrepProvideBuffers re-provisions nbufs contiguous buffers of bufLen
// bytes starting at addr, with buffer ids starting at bid, into group
// bgid.
func (s *SQE) PrepProvideBuffers(addr uintptr, bufLen, nbufs uint32, bgid, bid uint16) {
	s.prepRW(OpProvideBuffers, int32(nbufs), addr, bufLen, uint64(bid))
	s.BufIG = bgid
}
