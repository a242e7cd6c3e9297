//go:build linux

package uring

// CQE flag bits.
const (
	CQEFBuffer       uint32 = 1 << 0
	CQEFMore         uint32 = 1 << 1
	CQEFSockNonempty uint32 = 1 << 2
	CQEFNotif        uint32 = 1 << 3
)

// CQEBufferShift positions the provided-buffer id in CQE.Flags.
const CQEBufferShift = 16

// CQE is struct io_uring_cqe (16-byte layout).
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// BufferID extracts the provided-buffer id, or -1 when the completion
// does not carry one.
func (c *CQE) BufferID() int {
	if c.Flags&CQEFBuffer == 0 {
		return -1
	}
	return int(c.Flags >> CQEBufferShift)
}
