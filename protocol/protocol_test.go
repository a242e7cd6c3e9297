package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func frame(responseBytes uint32, payload []byte) []byte {
	return AppendFrame(nil, responseBytes, payload)
}

func TestSingleFrameExactBoundary(t *testing.T) {
	var p Parser
	got := p.Consume(frame(1, []byte{0xAA, 0xBB, 0xCC, 0xDD}))
	require.Equal(t, uint32(1), got.Count)
	require.Equal(t, uint64(1), got.ToWrite)
}

func TestFrameSplitAcrossTwoReads(t *testing.T) {
	f := frame(7, []byte{1, 2, 3, 4})
	require.Len(t, f, 12)

	var p Parser
	got := p.Consume(f[:4])
	require.Equal(t, Consumed{}, got)

	got = p.Consume(f[4:])
	require.Equal(t, uint32(1), got.Count)
	require.Equal(t, uint64(7), got.ToWrite)
}

func TestTwoFramesInOneRead(t *testing.T) {
	buf := AppendFrame(nil, 2, []byte("A"))
	buf = AppendFrame(buf, 3, []byte("B"))

	var p Parser
	got := p.Consume(buf)
	require.Equal(t, uint32(2), got.Count)
	require.Equal(t, uint64(5), got.ToWrite)
}

// TestResumableAcrossAnySplit checks that any two-way split of a frame
// sequence parses identically to the single-chunk call.
func TestResumableAcrossAnySplit(t *testing.T) {
	buf := AppendFrame(nil, 9, []byte("hello"))
	buf = AppendFrame(buf, 100, []byte{0})
	buf = AppendFrame(buf, 1, make([]byte, 300))

	var whole Parser
	want := whole.Consume(buf)
	require.Equal(t, uint32(3), want.Count)

	for i := 0; i <= len(buf); i++ {
		var p Parser
		var got Consumed
		got.Add(p.Consume(buf[:i]))
		got.Add(p.Consume(buf[i:]))
		require.Equal(t, want, got, "split at %d", i)
	}
}

func TestResumableByteAtATime(t *testing.T) {
	buf := AppendFrame(nil, 42, []byte("payload"))
	buf = AppendFrame(buf, 7, []byte("x"))

	var p Parser
	var got Consumed
	for i := range buf {
		got.Add(p.Consume(buf[i : i+1]))
	}
	require.Equal(t, uint32(2), got.Count)
	require.Equal(t, uint64(49), got.ToWrite)
}

func TestHeaderEncoding(t *testing.T) {
	f := frame(0x01020304, []byte{9})
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(f[:4]))
	require.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(f[4:8]))
}
