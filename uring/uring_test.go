//go:build linux

package uring

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStructLayouts(t *testing.T) {
	require.Equal(t, uintptr(64), unsafe.Sizeof(SQE{}))
	require.Equal(t, uintptr(16), unsafe.Sizeof(CQE{}))
	require.Equal(t, uintptr(16), unsafe.Sizeof(BufRingEntry{}))
	require.Equal(t, uintptr(40), unsafe.Sizeof(BufReg{}))
	require.Equal(t, uintptr(120), unsafe.Sizeof(Params{}))
	require.Equal(t, uintptr(24), unsafe.Sizeof(geteventsArg{}))

	// The buffer ring tail must land on entry 0's Resv field (offset 14).
	require.Equal(t, uintptr(14), unsafe.Offsetof(BufRingEntry{}.Resv))
}

func TestPrepProvideBuffers(t *testing.T) {
	var sqe SQE
	sqe.PrepProvideBuffers(0xdead0, 4096, 100, 1, 37)
	require.Equal(t, OpProvideBuffers, sqe.Opcode)
	require.Equal(t, int32(100), sqe.Fd)
	require.Equal(t, uint64(0xdead0), sqe.Addr)
	require.Equal(t, uint32(4096), sqe.Len)
	require.Equal(t, uint64(37), sqe.Off)
	require.Equal(t, uint16(1), sqe.BufIG)
}

func TestPrepCloseDirect(t *testing.T) {
	var sqe SQE
	sqe.PrepCloseDirect(12)
	require.Equal(t, OpClose, sqe.Opcode)
	require.Equal(t, int32(0), sqe.Fd)
	require.Equal(t, uint32(13), sqe.FileIndex)
}

func TestPrepRecvMultishot(t *testing.T) {
	var sqe SQE
	sqe.PrepRecvMultishot(7, 0, 0, 0)
	require.Equal(t, OpRecv, sqe.Opcode)
	require.Equal(t, int32(7), sqe.Fd)
	require.NotZero(t, sqe.Ioprio&RecvMultishot)
}

func TestBufRingPublish(t *testing.T) {
	ring := make([]BufRingEntry, 8)
	BufRingInit(ring)
	ring[0].Bid = 0x1234
	BufRingPublish(ring, 5)
	require.Equal(t, uint16(5), ring[0].Resv)
	require.Equal(t, uint16(0x1234), ring[0].Bid)
}

// TestNopRoundtrip submits a NOP and reaps its completion. Skipped on
// kernels or sandboxes where io_uring is unavailable.
func TestNopRoundtrip(t *testing.T) {
	params := &Params{
		Flags:     SetupCQSize,
		CQEntries: 32,
	}
	r, err := Setup(8, params)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	defer r.Close()

	sqe := r.GetSQE()
	require.NotNil(t, sqe)
	sqe.PrepNop()
	sqe.SetUserData(0x42 << 4)

	_, err = r.Submit()
	require.NoError(t, err)

	ts := unix.Timespec{Sec: 1}
	ok, err := r.WaitCQETimeout(&ts)
	require.NoError(t, err)
	require.True(t, ok)

	require.GreaterOrEqual(t, r.CQReady(), uint32(1))
	cqe := r.CQEAt(0)
	require.Equal(t, uint64(0x42<<4), cqe.UserData)
	require.Equal(t, int32(0), cqe.Res)
	r.CQAdvance(1)
	require.Equal(t, uint32(0), r.CQReady())
}
