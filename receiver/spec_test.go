//go:build linux

package receiver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRxSpecDefaults(t *testing.T) {
	spec, err := ParseRxSpec("io_uring")
	require.NoError(t, err)
	require.Equal(t, EngineIoUring, spec.Kind)
	require.Equal(t, 2, spec.IoUring.ProvideBuffers)
	require.True(t, spec.IoUring.FixedFiles)
	require.True(t, spec.IoUring.MultishotRecv)
	// Low watermark defaults to a quarter of the arena.
	require.Equal(t, 2000, spec.IoUring.ProvidedBufferLowWatermark)

	spec, err = ParseRxSpec("epoll")
	require.NoError(t, err)
	require.Equal(t, EngineEpoll, spec.Kind)
	require.False(t, spec.Epoll.BatchSend)
}

func TestParseRxSpecOptions(t *testing.T) {
	spec, err := ParseRxSpec(
		"io_uring provide_buffers=1 fixed_files=0 multishot_recv=0 " +
			"provided_buffer_count=400 provided_buffer_low_watermark=10 " +
			"recv_size=512 recvmsg=1 defer_taskrun=1 sqe_count=128")
	require.NoError(t, err)
	c := spec.IoUring
	require.Equal(t, 1, c.ProvideBuffers)
	require.False(t, c.FixedFiles)
	require.False(t, c.MultishotRecv)
	require.Equal(t, 400, c.ProvidedBufferCount)
	require.Equal(t, 10, c.ProvidedBufferLowWatermark)
	require.Equal(t, 512, c.RecvSize)
	require.True(t, c.Recvmsg)
	require.True(t, c.DeferTaskrun)
	require.Equal(t, 128, c.SQECount)

	spec, err = ParseRxSpec("epoll batch_send=1 workload=50")
	require.NoError(t, err)
	require.True(t, spec.Epoll.BatchSend)
	require.Equal(t, uint64(50), spec.Epoll.Workload)
}

func TestParseRxSpecErrors(t *testing.T) {
	_, err := ParseRxSpec("")
	require.Error(t, err)
	_, err = ParseRxSpec("kqueue")
	require.Error(t, err)
	_, err = ParseRxSpec("io_uring batch_send=1")
	require.Error(t, err)
	_, err = ParseRxSpec("epoll provide_buffers=1")
	require.Error(t, err)
	_, err = ParseRxSpec("io_uring sqe_count=abc")
	require.Error(t, err)
	_, err = ParseRxSpec("io_uring provide_buffers=9")
	require.Error(t, err)
}

func TestDescribeOnlyNonDefaults(t *testing.T) {
	spec, err := ParseRxSpec("io_uring")
	require.NoError(t, err)
	require.Empty(t, spec.Describe())

	spec, err = ParseRxSpec("io_uring provide_buffers=1 huge_pages=1")
	require.NoError(t, err)
	require.Contains(t, spec.Describe(), "provide_buffers=1")
	require.Contains(t, spec.Describe(), "huge_pages=true")

	spec, err = ParseRxSpec("epoll batch_send=1 description=custom")
	require.NoError(t, err)
	require.Equal(t, "custom", spec.Describe())
}

func TestTagRoundtrip(t *testing.T) {
	for _, tc := range []struct {
		key uint64
		t   uint64
	}{
		{0, tagOther}, {1, tagAccept}, {7, tagRead}, {1 << 50, tagWrite},
	} {
		ud := tag(tc.key, tc.t)
		key, tt := untag(ud)
		require.Equal(t, tc.key, key)
		require.Equal(t, tc.t, tt)
		// The low nibble of the shifted payload must stay clear.
		require.Zero(t, (ud>>tagBits<<tagBits)&tagMask)
	}
}
