//go:build linux

package receiver

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/netbench-go/uring"
)

const hugePageSize = 1 << 21 // 2 MiB

// BufferProviderV2 exposes a kernel-shared ring of buffer descriptors.
// One anonymous mapping holds the ring header followed by the buffers;
// returned indices are staged in a small batch and published with a
// single release-ordered tail store to amortise the ordering cost.
type BufferProviderV2 struct {
	mem           []byte
	count         int
	sizePerBuffer int
	ringMemSize   int
	ringSize      uint32
	ringMask      uint32
	ring          []uring.BufRingEntry
	bufferBase    uintptr

	tailCached uint16
	staged     [32]uint16
	stagedLen  int
}

// NewBufferProviderV2 maps the arena, initialises the ring with every
// buffer and caches the published tail.
func NewBufferProviderV2(cfg *IoUringRxConfig) (*BufferProviderV2, error) {
	count := cfg.ProvidedBufferCount
	if count >= math.MaxUint16 {
		return nil, fmt.Errorf("buffer count too large: %d", count)
	}
	sizePerBuffer := alignBuffer(cfg.RecvSize)

	ringSize := uint32(1)
	for ringSize < uint32(count) {
		ringSize *= 2
	}
	ringMemSize := alignBuffer(int(ringSize) * int(unsafe.Sizeof(uring.BufRingEntry{})))
	mmapSize := ringMemSize + count*sizePerBuffer

	mmapFlags := unix.MAP_ANONYMOUS | unix.MAP_PRIVATE
	if cfg.HugePages {
		mmapSize = (mmapSize + hugePageSize - 1) &^ (hugePageSize - 1)
		mmapFlags |= unix.MAP_HUGETLB
		if err := checkHugePages(mmapSize / hugePageSize); err != nil {
			return nil, err
		}
	}

	mem, err := unix.Mmap(-1, 0, mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, mmapFlags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d byte buffer ring arena: %w", mmapSize, err)
	}

	p := &BufferProviderV2{
		mem:           mem,
		count:         count,
		sizePerBuffer: sizePerBuffer,
		ringMemSize:   ringMemSize,
		ringSize:      ringSize,
		ringMask:      uring.BufRingMask(ringSize),
		ring:          uring.BufRingSlice(unsafe.Pointer(&mem[0]), ringSize),
		bufferBase:    uintptr(unsafe.Pointer(&mem[ringMemSize])),
	}

	uring.BufRingInit(p.ring)
	for i := 0; i < count; i++ {
		p.populate(&p.ring[i], uint16(i))
	}
	p.tailCached = uint16(count)
	uring.BufRingPublish(p.ring, p.tailCached)

	return p, nil
}

func (p *BufferProviderV2) populate(e *uring.BufRingEntry, i uint16) {
	e.Addr = uint64(p.bufferBase) + uint64(i)*uint64(p.sizePerBuffer)
	e.Len = uint32(p.sizePerBuffer)
	e.Bid = i
}

func (p *BufferProviderV2) Count() int          { return p.count }
func (p *BufferProviderV2) SizePerBuffer() int  { return p.sizePerBuffer }
func (p *BufferProviderV2) ToProvideCount() int { return p.stagedLen }

// The kernel consumes directly from the shared ring; there is never a
// provide SQE to issue.
func (p *BufferProviderV2) CanProvide() bool     { return false }
func (p *BufferProviderV2) NeedsToProvide() bool { return false }
func (p *BufferProviderV2) Compact()             {}
func (p *BufferProviderV2) Provide(*uring.SQE)   {}

// InitialRegister registers the ring memory with the io_uring instance.
func (p *BufferProviderV2) InitialRegister(r *uring.Ring) error {
	return r.RegisterBufRing(uintptr(unsafe.Pointer(&p.mem[0])), p.ringSize,
		BufferGroupID)
}

// ReturnIndex stages buffer i for republication. A full staging batch is
// stamped into the ring and published with one tail store.
func (p *BufferProviderV2) ReturnIndex(i uint16) {
	p.staged[p.stagedLen] = i
	p.stagedLen++
	if p.stagedLen < len(p.staged) {
		return
	}
	p.stagedLen = 0
	for _, idx := range p.staged {
		p.populate(&p.ring[p.tailCached&uint16(p.ringMask)], idx)
		p.tailCached++
	}
	uring.BufRingPublish(p.ring, p.tailCached)
}

// Data returns buffer i's backing bytes.
func (p *BufferProviderV2) Data(i uint16) []byte {
	off := p.ringMemSize + int(i)*p.sizePerBuffer
	return p.mem[off : off+p.sizePerBuffer]
}

// Close unmaps the arena (ring included).
func (p *BufferProviderV2) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

// checkHugePages verifies /proc/meminfo advertises enough free 2 MiB
// pages for the requested mapping. Absent or unparsable meminfo is not
// an error; the mmap itself is the authority then.
func checkHugePages(needed int) error {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "HugePages_Free:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil
		}
		free, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil
		}
		if free < needed {
			return fmt.Errorf("need %d free huge pages, have %d", needed, free)
		}
		return nil
	}
	return nil
}
