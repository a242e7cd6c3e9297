//go:build linux

package receiver

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/netbench-go/uring"
)

func testV1Config(count int) *IoUringRxConfig {
	cfg := DefaultIoUringRxConfig()
	cfg.ProvideBuffers = 1
	cfg.ProvidedBufferCount = count
	cfg.RecvSize = 128
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		panic(err)
	}
	return &cfg
}

// drain hands every free range to dummy SQEs so the provider starts
// with nothing owned by userspace, like after the initial provide.
func drain(t *testing.T, p *BufferProviderV1) {
	t.Helper()
	var sqe uring.SQE
	for p.CanProvide() {
		p.Provide(&sqe)
	}
	require.Zero(t, p.ToProvideCount())
}

func TestV1InitialState(t *testing.T) {
	p, err := NewBufferProviderV1(testV1Config(64))
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 64, p.Count())
	require.Equal(t, 128, p.SizePerBuffer())
	require.Equal(t, 64, p.ToProvideCount())
	require.True(t, p.CanProvide())

	// At the default low watermark of a quarter arena, a full arena
	// always needs providing. Deliberate: keep the kernel topped up.
	require.True(t, p.NeedsToProvide())
}

func TestV1Coalescing(t *testing.T) {
	p, err := NewBufferProviderV1(testV1Config(64))
	require.NoError(t, err)
	defer p.Close()
	drain(t, p)

	for _, i := range []uint16{0, 1, 3, 2, 4} {
		p.ReturnIndex(i)
	}
	p.Compact()

	require.Equal(t, []bufRange{{start: 0, count: 5}}, p.toProvide)
	require.Equal(t, 5, p.ToProvideCount())
}

func TestV1OutOfOrderByOne(t *testing.T) {
	p, err := NewBufferProviderV1(testV1Config(64))
	require.NoError(t, err)
	defer p.Close()
	drain(t, p)

	// 1,3,2: 2 merges into 3, then (2,3) merges into 1, all without a
	// compact pass.
	for _, i := range []uint16{1, 3, 2} {
		p.ReturnIndex(i)
	}
	require.Equal(t, []bufRange{{start: 1, count: 3}}, p.toProvide)
	require.Equal(t, 3, p.ToProvideCount())
}

func TestV1CompactMinimal(t *testing.T) {
	p, err := NewBufferProviderV1(testV1Config(256))
	require.NoError(t, err)
	defer p.Close()
	drain(t, p)

	rng := rand.New(rand.NewSource(42))
	perm := rng.Perm(200)
	for _, i := range perm {
		p.ReturnIndex(uint16(i))
	}
	p.Compact()

	// 0..199 shuffled must compact to the single range.
	require.Equal(t, []bufRange{{start: 0, count: 200}}, p.toProvide)
	require.Equal(t, 200, p.ToProvideCount())
}

func TestV1CompactDisjointSum(t *testing.T) {
	p, err := NewBufferProviderV1(testV1Config(256))
	require.NoError(t, err)
	defer p.Close()
	drain(t, p)

	// Two separated runs returned out of order.
	for _, i := range []uint16{10, 12, 11, 100, 102, 101, 13, 99} {
		p.ReturnIndex(i)
	}
	p.Compact()

	require.Equal(t, 8, p.ToProvideCount())
	sum := 0
	for i, r := range p.toProvide {
		sum += int(r.count)
		if i > 0 {
			prev := p.toProvide[i-1]
			require.Greater(t, r.start, prev.start+prev.count,
				"ranges must be disjoint and unmergeable after compact")
		}
	}
	require.Equal(t, p.ToProvideCount(), sum)
	require.Len(t, p.toProvide, 2)
}

func TestV1ProvidePopsRanges(t *testing.T) {
	p, err := NewBufferProviderV1(testV1Config(64))
	require.NoError(t, err)
	defer p.Close()

	var sqe uring.SQE
	p.Provide(&sqe)
	require.Equal(t, uring.OpProvideBuffers, sqe.Opcode)
	require.Equal(t, int32(64), sqe.Fd)
	require.Equal(t, uint32(p.SizePerBuffer()), sqe.Len)
	require.Equal(t, uint16(BufferGroupID), sqe.BufIG)
	require.NotZero(t, sqe.Flags&uring.SQECQESkipSuccess)
	require.Zero(t, p.ToProvideCount())
	require.False(t, p.CanProvide())
}

func TestV2RingInit(t *testing.T) {
	cfg := DefaultIoUringRxConfig()
	cfg.ProvideBuffers = 2
	cfg.ProvidedBufferCount = 48
	cfg.RecvSize = 100
	require.NoError(t, cfg.ValidateAndSetDefaults())

	p, err := NewBufferProviderV2(&cfg)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 48, p.Count())
	// recv_size aligns up to 32.
	require.Equal(t, 128, p.SizePerBuffer())
	require.Equal(t, uint32(64), p.ringSize)
	require.Equal(t, uint32(63), p.ringMask)

	// Every buffer sits in the ring, tail published at count.
	require.Equal(t, uint16(48), p.tailCached)
	require.Equal(t, uint16(48), p.ring[0].Resv)
	for i := 1; i < 48; i++ {
		require.Equal(t, uint16(i), p.ring[i].Bid)
		require.Equal(t, uint32(128), p.ring[i].Len)
		require.NotZero(t, p.ring[i].Addr)
	}

	require.False(t, p.NeedsToProvide())
	require.False(t, p.CanProvide())
}

func TestV2StagedReturnPublishesInBatches(t *testing.T) {
	cfg := DefaultIoUringRxConfig()
	cfg.ProvideBuffers = 2
	cfg.ProvidedBufferCount = 64
	cfg.RecvSize = 64
	require.NoError(t, cfg.ValidateAndSetDefaults())

	p, err := NewBufferProviderV2(&cfg)
	require.NoError(t, err)
	defer p.Close()

	tail0 := p.tailCached
	for i := 0; i < 31; i++ {
		p.ReturnIndex(uint16(i))
	}
	// Short of a full batch: nothing published yet.
	require.Equal(t, 31, p.ToProvideCount())
	require.Equal(t, tail0, p.tailCached)
	require.Equal(t, tail0, p.ring[0].Resv)

	p.ReturnIndex(31)
	require.Zero(t, p.ToProvideCount())
	require.Equal(t, tail0+32, p.tailCached)
	require.Equal(t, tail0+32, p.ring[0].Resv)

	// Tail is monotonically non-decreasing across batches.
	for i := 0; i < 32; i++ {
		p.ReturnIndex(uint16(i))
	}
	require.Equal(t, tail0+64, p.tailCached)
}

func TestV2NoDuplicateInRing(t *testing.T) {
	cfg := DefaultIoUringRxConfig()
	cfg.ProvideBuffers = 2
	cfg.ProvidedBufferCount = 32
	cfg.RecvSize = 64
	require.NoError(t, cfg.ValidateAndSetDefaults())

	p, err := NewBufferProviderV2(&cfg)
	require.NoError(t, err)
	defer p.Close()

	// Consume and return a full ring's worth, then verify the window
	// between consumer head and producer tail holds distinct bids.
	for i := 0; i < 32; i++ {
		p.ReturnIndex(uint16(i))
	}
	head := uint16(32) // everything before the returns was consumed
	seen := make(map[uint16]bool)
	for i := head; i != p.tailCached; i++ {
		bid := p.ring[uint32(i)&p.ringMask].Bid
		require.False(t, seen[bid], "bid %d published twice", bid)
		seen[bid] = true
	}
	require.Len(t, seen, 32)

	bids := make([]int, 0, len(seen))
	for b := range seen {
		bids = append(bids, int(b))
	}
	sort.Ints(bids)
	require.Equal(t, 0, bids[0])
	require.Equal(t, 31, bids[len(bids)-1])
}
