//go:build linux

package receiver

import (
	"fmt"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/netbench-go/uring"
)

// BufferGroupID is the provided-buffer group both providers register
// under.
const BufferGroupID = 1

const bufferAlignment = 32

func alignBuffer(n int) int {
	return bufferAlignment * ((n + bufferAlignment - 1) / bufferAlignment)
}

// bufferProvider is the capability set the io_uring runner needs from a
// receive-buffer arena. V2's provide-side operations are vacuous because
// the kernel consumes directly from the shared ring.
type bufferProvider interface {
	Count() int
	SizePerBuffer() int
	ToProvideCount() int
	CanProvide() bool
	NeedsToProvide() bool
	Compact()
	ReturnIndex(i uint16)
	Provide(sqe *uring.SQE)
	InitialRegister(ring *uring.Ring) error
	Data(i uint16) []byte
	Close() error
}

// bufRange is a contiguous run of free buffer indices.
type bufRange struct {
	start uint16
	count uint16
}

// sortKey orders ranges by (start, count).
func (r bufRange) sortKey() uint32 {
	return uint32(r.start)<<16 | uint32(r.count)
}

// mergeIndex grows the range by one if i is adjacent on either side.
func (r *bufRange) mergeIndex(i uint16) bool {
	switch {
	case r.start > 0 && i == r.start-1:
		r.start = i
		r.count++
		return true
	case i == r.start+r.count:
		r.count++
		return true
	}
	return false
}

// merge absorbs o if the two ranges are adjacent.
func (r *bufRange) merge(o bufRange) bool {
	switch {
	case r.start+r.count == o.start:
		r.count += o.count
		return true
	case o.start+o.count == r.start:
		r.start = o.start
		r.count += o.count
		return true
	}
	return false
}

// BufferProviderV1 owns a contiguous receive-buffer arena re-provisioned
// to the kernel through provide_buffers SQEs. Free buffers are tracked
// as ranges so one SQE can hand back a whole run.
type BufferProviderV1 struct {
	arena         []byte
	count         int
	sizePerBuffer int
	lowWatermark  int

	toProvide      []bufRange
	toProvideTmp   []bufRange
	toProvideCount int
}

// NewBufferProviderV1 allocates the arena and marks every buffer as
// owned by userspace, ready for the initial provide.
func NewBufferProviderV1(cfg *IoUringRxConfig) (*BufferProviderV1, error) {
	count := cfg.ProvidedBufferCount
	sizePerBuffer := alignBuffer(cfg.RecvSize)

	arena, err := unix.Mmap(-1, 0, count*sizePerBuffer,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap buffer arena: %w", err)
	}

	p := &BufferProviderV1{
		arena:          arena,
		count:          count,
		sizePerBuffer:  sizePerBuffer,
		lowWatermark:   cfg.ProvidedBufferLowWatermark,
		toProvide:      make([]bufRange, 0, 128),
		toProvideTmp:   make([]bufRange, 0, 128),
		toProvideCount: count,
	}
	p.toProvide = append(p.toProvide, bufRange{start: 0, count: uint16(count)})
	return p, nil
}

func (p *BufferProviderV1) Count() int          { return p.count }
func (p *BufferProviderV1) SizePerBuffer() int  { return p.sizePerBuffer }
func (p *BufferProviderV1) ToProvideCount() int { return p.toProvideCount }

func (p *BufferProviderV1) CanProvide() bool { return len(p.toProvide) > 0 }

func (p *BufferProviderV1) NeedsToProvide() bool {
	return p.toProvideCount > p.lowWatermark
}

func (p *BufferProviderV1) InitialRegister(*uring.Ring) error { return nil }

// ReturnIndex puts buffer i back under userspace ownership. Adjacent
// returns coalesce into the tail range; the penultimate range is also
// tried to absorb the common out-of-order-by-one completion pattern
// (receive 1,3,2: 2 merges into 3, then (2,3) merges into 1).
func (p *BufferProviderV1) ReturnIndex(i uint16) {
	n := len(p.toProvide)
	switch {
	case n == 0:
		p.toProvide = append(p.toProvide, bufRange{start: i, count: 1})
	case p.toProvide[n-1].mergeIndex(i):
		if n >= 2 && p.toProvide[n-2].merge(p.toProvide[n-1]) {
			p.toProvide = p.toProvide[:n-1]
		}
	case n >= 2 && p.toProvide[n-2].mergeIndex(i):
		if p.toProvide[n-2].merge(p.toProvide[n-1]) {
			p.toProvide = p.toProvide[:n-1]
		}
	default:
		p.toProvide = append(p.toProvide, bufRange{start: i, count: 1})
	}
	p.toProvideCount++
}

// Compact merges the free ranges into the minimum-cardinality
// decomposition.
func (p *BufferProviderV1) Compact() {
	switch len(p.toProvide) {
	case 0, 1:
		return
	case 2:
		// Actually a common case due to the way the kernel completes.
		if p.toProvide[0].merge(p.toProvide[1]) {
			p.toProvide = p.toProvide[:1]
		}
		return
	}
	sort.Slice(p.toProvide, func(a, b int) bool {
		return p.toProvide[a].sortKey() < p.toProvide[b].sortKey()
	})
	p.toProvideTmp = p.toProvideTmp[:0]
	p.toProvideTmp = append(p.toProvideTmp, p.toProvide[0])
	for _, r := range p.toProvide[1:] {
		last := &p.toProvideTmp[len(p.toProvideTmp)-1]
		if !last.merge(r) {
			p.toProvideTmp = append(p.toProvideTmp, r)
		}
	}
	p.toProvide, p.toProvideTmp = p.toProvideTmp, p.toProvide
}

// Provide pops one range and writes the provide_buffers SQE for it.
func (p *BufferProviderV1) Provide(sqe *uring.SQE) {
	n := len(p.toProvide)
	r := p.toProvide[n-1]
	sqe.PrepProvideBuffers(p.bufferAddr(r.start), uint32(p.sizePerBuffer),
		uint32(r.count), BufferGroupID, r.start)
	sqe.Flags |= uring.SQECQESkipSuccess
	p.toProvideCount -= int(r.count)
	p.toProvide = p.toProvide[:n-1]
}

// Data returns buffer i's backing bytes.
func (p *BufferProviderV1) Data(i uint16) []byte {
	off := int(i) * p.sizePerBuffer
	return p.arena[off : off+p.sizePerBuffer]
}

func (p *BufferProviderV1) bufferAddr(i uint16) uintptr {
	return uintptr(unsafe.Pointer(&p.arena[int(i)*p.sizePerBuffer]))
}

// Close unmaps the arena.
func (p *BufferProviderV1) Close() error {
	if p.arena == nil {
		return nil
	}
	err := unix.Munmap(p.arena)
	p.arena = nil
	return err
}
