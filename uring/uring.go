//go:build linux

// Package uring implements a minimal io_uring binding sufficient for a
// single-threaded network receiver: ring setup and teardown, SQE/CQE
// queue access over the mmap'd kernel rings, resource registration
// (file tables, provided-buffer rings, the ring fd itself) and the
// io_uring_enter entry points used for submission and completion waits.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - SQ ring: submission entries userspace hands to the kernel.
//   - CQ ring: completions the kernel posts back.
//   - Buffer ring: provided receive buffers the kernel selects from.
//   - Registered ring fd: an index into a per-task file table used in
//     place of the ring fd on every enter, saving an fdget per syscall.
package uring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrNoExtArg          = errors.New("kernel lacks IORING_FEAT_EXT_ARG, cannot wait with timeout")
	ErrRingNotDisabled   = errors.New("ring was not created disabled")
	ErrTooManyEntries    = errors.New("entries exceed IORING_MAX_ENTRIES")
	ErrAlreadyRegistered = errors.New("ring fd already registered")
)

// Setup flags.
const (
	SetupIOPoll       uint32 = 1 << 0
	SetupSQPoll       uint32 = 1 << 1
	SetupSQAff        uint32 = 1 << 2
	SetupCQSize       uint32 = 1 << 3
	SetupClamp        uint32 = 1 << 4
	SetupAttachWQ     uint32 = 1 << 5
	SetupRDisabled    uint32 = 1 << 6
	SetupSubmitAll    uint32 = 1 << 7
	SetupCoopTaskrun  uint32 = 1 << 8
	SetupTaskrunFlag  uint32 = 1 << 9
	SetupSQE128       uint32 = 1 << 10
	SetupCQE32        uint32 = 1 << 11
	SetupSingleIssuer uint32 = 1 << 12
	SetupDeferTaskrun uint32 = 1 << 13
)

// Feature flags reported by the kernel in Params.Features.
const (
	FeatSingleMmap     uint32 = 1 << 0
	FeatNoDrop         uint32 = 1 << 1
	FeatSubmitStable   uint32 = 1 << 2
	FeatRWCurPos       uint32 = 1 << 3
	FeatCurPersonality uint32 = 1 << 4
	FeatFastPoll       uint32 = 1 << 5
	FeatPoll32Bits     uint32 = 1 << 6
	FeatSQPollNonfixed uint32 = 1 << 7
	FeatExtArg         uint32 = 1 << 8
	FeatNativeWorkers  uint32 = 1 << 9
	FeatRsrcTags       uint32 = 1 << 10
	FeatCQESkip        uint32 = 1 << 11
	FeatLinkedFile     uint32 = 1 << 12
	FeatRegRegRing     uint32 = 1 << 13
)

// io_uring_enter flags.
const (
	EnterGetevents      uint32 = 1 << 0
	EnterSQWakeup       uint32 = 1 << 1
	EnterSQWait         uint32 = 1 << 2
	EnterExtArg         uint32 = 1 << 3
	EnterRegisteredRing uint32 = 1 << 4
)

// SQ ring flags (read from the shared kflags word).
const (
	SQNeedWakeup uint32 = 1 << 0
	SQCQOverflow uint32 = 1 << 1
	SQTaskrun    uint32 = 1 << 2
)

// io_uring_register opcodes.
const (
	regRegisterFiles    uint32 = 2
	regUnregisterFiles  uint32 = 3
	regEnableRings      uint32 = 12
	regRegisterRingFds  uint32 = 20
	regRegisterPbufRing uint32 = 22

	regUseRegisteredRing uint32 = 1 << 31
)

// mmap offsets on the ring fd.
const (
	offSQRing uint64 = 0
	offCQRing uint64 = 0x8000000
	offSQEs   uint64 = 0x10000000
)

const MaxEntries = 32768

// sqRingOffsets is struct io_sqring_offsets.
type sqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

// cqRingOffsets is struct io_cqring_offsets.
type cqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// Params is struct io_uring_params, filled in by io_uring_setup(2).
type Params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SQOff        sqRingOffsets
	CQOff        cqRingOffsets
}

// rsrcUpdate is struct io_uring_rsrc_update.
type rsrcUpdate struct {
	Offset uint32
	Resv   uint32
	Data   uint64
}

// geteventsArg is struct io_uring_getevents_arg, passed with EnterExtArg.
type geteventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	Pad       uint32
	TS        uint64
}

// Ring is one io_uring instance. Not safe for concurrent use; the whole
// point of the receiver design is a single issuer thread.
type Ring struct {
	fd         int
	enterFd    int
	registered bool
	flags      uint32
	features   uint32

	sqRingMem []byte
	cqRingMem []byte
	sqeMem    []byte

	sqHead      *uint32
	sqTail      *uint32
	sqMask      uint32
	sqEntries   uint32
	sqFlags     *uint32
	sqDropped   *uint32
	sqArray     []uint32
	sqes        []SQE
	sqeHead     uint32
	sqeTail     uint32

	cqHead     *uint32
	cqTail     *uint32
	cqMask     uint32
	cqEntries  uint32
	cqOverflow *uint32
	cqes       []CQE

	// waitTS is scratch for enter timeouts. The getevents arg carries
	// its address as a plain integer, so it must live at a stable heap
	// address rather than on a movable goroutine stack.
	waitTS unix.Timespec
}

// Setup creates an io_uring instance with sqEntries submission slots and
// the given params (flags and CQEntries are honoured; everything else is
// filled in by the kernel). The caller owns the returned Ring and must
// Close it.
func Setup(sqEntries uint32, params *Params) (*Ring, error) {
	if sqEntries > MaxEntries {
		return nil, ErrTooManyEntries
	}

	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(sqEntries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{
		fd:       int(fd),
		enterFd:  int(fd),
		flags:    params.Flags,
		features: params.Features,
	}
	if err := r.mmapQueues(params); err != nil {
		unix.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *Ring) mmapQueues(p *Params) error {
	sqSize := p.SQOff.Array + p.SQEntries*uint32(unsafe.Sizeof(uint32(0)))
	cqSize := p.CQOff.Cqes + p.CQEntries*uint32(unsafe.Sizeof(CQE{}))

	singleMmap := p.Features&FeatSingleMmap != 0
	if singleMmap && cqSize > sqSize {
		sqSize = cqSize
	}

	sqMem, err := unix.Mmap(r.fd, int64(offSQRing), int(sqSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap SQ ring: %w", err)
	}
	r.sqRingMem = sqMem

	cqMem := sqMem
	if !singleMmap {
		cqMem, err = unix.Mmap(r.fd, int64(offCQRing), int(cqSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMem)
			return fmt.Errorf("mmap CQ ring: %w", err)
		}
		r.cqRingMem = cqMem
	}

	sqeBytes := int(p.SQEntries) * int(unsafe.Sizeof(SQE{}))
	sqeMem, err := unix.Mmap(r.fd, int64(offSQEs), sqeBytes,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()
		return fmt.Errorf("mmap SQEs: %w", err)
	}
	r.sqeMem = sqeMem

	sqBase := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, p.SQOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, p.SQOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, p.SQOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sqBase, p.SQOff.RingEntries))
	r.sqFlags = (*uint32)(unsafe.Add(sqBase, p.SQOff.Flags))
	r.sqDropped = (*uint32)(unsafe.Add(sqBase, p.SQOff.Dropped))
	r.sqArray = unsafe.Slice(
		(*uint32)(unsafe.Add(sqBase, p.SQOff.Array)), r.sqEntries)
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&sqeMem[0])), p.SQEntries)

	cqBase := unsafe.Pointer(&cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.CQOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CQOff.RingMask))
	r.cqEntries = *(*uint32)(unsafe.Add(cqBase, p.CQOff.RingEntries))
	r.cqOverflow = (*uint32)(unsafe.Add(cqBase, p.CQOff.Overflow))
	r.cqes = unsafe.Slice(
		(*CQE)(unsafe.Add(cqBase, p.CQOff.Cqes)), r.cqEntries)

	return nil
}

func (r *Ring) unmap() {
	if r.sqeMem != nil {
		_ = unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.cqRingMem != nil {
		_ = unix.Munmap(r.cqRingMem)
		r.cqRingMem = nil
	}
	if r.sqRingMem != nil {
		_ = unix.Munmap(r.sqRingMem)
		r.sqRingMem = nil
	}
}

// Fd returns the raw ring file descriptor.
func (r *Ring) Fd() int { return r.fd }

// Features returns the kernel-reported feature mask.
func (r *Ring) Features() uint32 { return r.features }

// Close unmaps the rings and closes the ring fd.
func (r *Ring) Close() error {
	r.unmap()
	var errs []error
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing ring fd: %w", err))
		}
		r.fd = -1
	}
	return errors.Join(errs...)
}

/*---- Submission queue ----*/

// GetSQE reserves the next submission slot, or nil if the SQ is full.
// The returned entry is zeroed.
func (r *Ring) GetSQE() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	next := r.sqeTail + 1
	if next-head > r.sqEntries {
		return nil
	}
	sqe := &r.sqes[r.sqeTail&r.sqMask]
	r.sqeTail = next
	*sqe = SQE{}
	return sqe
}

// flushSQ publishes locally prepared SQEs to the shared ring tail and
// returns the number of entries the kernel has yet to consume.
func (r *Ring) flushSQ() uint32 {
	tail := r.sqeTail
	if r.sqeHead != tail {
		ktail := *r.sqTail
		for ; r.sqeHead != tail; r.sqeHead++ {
			r.sqArray[ktail&r.sqMask] = r.sqeHead & r.sqMask
			ktail++
		}
		// Publish entries before the tail store becomes visible.
		atomic.StoreUint32(r.sqTail, ktail)
	}
	return tail - atomic.LoadUint32(r.sqHead)
}

func (r *Ring) enter(toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSz uintptr) (int, error) {
	fd := r.fd
	if r.registered {
		flags |= EnterRegisteredRing
		fd = r.enterFd
	}
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(fd), uintptr(toSubmit), uintptr(minComplete),
		uintptr(flags), uintptr(arg), argSz)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// Submit pushes all prepared SQEs into the kernel without waiting.
// Returns the number of entries consumed by this call.
func (r *Ring) Submit() (int, error) {
	flushed := r.flushSQ()
	if flushed == 0 {
		return 0, nil
	}
	n, err := r.enter(flushed, 0, 0, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("io_uring_enter submit: %w", err)
	}
	return n, nil
}

// SubmitAndWaitTimeout submits all prepared SQEs and waits up to ts for
// one completion. unix.ETIME and unix.EINTR are returned as-is for the
// caller to treat as benign.
func (r *Ring) SubmitAndWaitTimeout(ts *unix.Timespec) error {
	if r.features&FeatExtArg == 0 {
		return ErrNoExtArg
	}
	flushed := r.flushSQ()
	r.waitTS = *ts
	arg := geteventsArg{
		TS: uint64(uintptr(unsafe.Pointer(&r.waitTS))),
	}
	_, err := r.enter(flushed, 1, EnterGetevents|EnterExtArg,
		unsafe.Pointer(&arg), unsafe.Sizeof(arg))
	return err
}

// WaitCQETimeout waits up to ts for one completion without submitting.
// Returns false on timeout or interrupt.
func (r *Ring) WaitCQETimeout(ts *unix.Timespec) (bool, error) {
	if r.CQReady() > 0 {
		return true, nil
	}
	if r.features&FeatExtArg == 0 {
		return false, ErrNoExtArg
	}
	r.waitTS = *ts
	arg := geteventsArg{
		TS: uint64(uintptr(unsafe.Pointer(&r.waitTS))),
	}
	_, err := r.enter(0, 1, EnterGetevents|EnterExtArg,
		unsafe.Pointer(&arg), unsafe.Sizeof(arg))
	if err == unix.ETIME || err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("io_uring_enter wait: %w", err)
	}
	return r.CQReady() > 0, nil
}

// Getevents flushes kernel-side completion state (including overflowed
// CQEs) into the CQ ring without submitting or waiting.
func (r *Ring) Getevents() error {
	_, err := r.enter(0, 0, EnterGetevents, nil, 0)
	if err != nil {
		return fmt.Errorf("io_uring_enter getevents: %w", err)
	}
	return nil
}

// SQFlags reads the shared SQ flag word.
func (r *Ring) SQFlags() uint32 {
	return atomic.LoadUint32(r.sqFlags)
}

// CQOverflowPending reports whether the kernel has CQEs waiting that did
// not fit in the CQ ring.
func (r *Ring) CQOverflowPending() bool {
	return r.SQFlags()&SQCQOverflow != 0
}

/*---- Completion queue ----*/

// CQReady returns the number of completions available to consume.
func (r *Ring) CQReady() uint32 {
	return atomic.LoadUint32(r.cqTail) - *r.cqHead
}

// CQEAt returns the i-th unconsumed completion. The caller must have
// checked CQReady and must not hold the pointer across CQAdvance.
func (r *Ring) CQEAt(i uint32) *CQE {
	return &r.cqes[(*r.cqHead+i)&r.cqMask]
}

// CQAdvance marks n completions as consumed.
func (r *Ring) CQAdvance(n uint32) {
	if n > 0 {
		atomic.StoreUint32(r.cqHead, *r.cqHead+n)
	}
}

/*---- Registration ----*/

func (r *Ring) register(op uint32, arg unsafe.Pointer, nr uint32) (int, error) {
	fd := r.fd
	if r.registered {
		op |= regUseRegisteredRing
		fd = r.enterFd
	}
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER,
		uintptr(fd), uintptr(op), uintptr(arg), uintptr(nr), 0, 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// RegisterFiles registers a fixed-file table. Entries of -1 are sparse
// slots to be filled by direct accept.
func (r *Ring) RegisterFiles(fds []int32) error {
	_, err := r.register(regRegisterFiles, unsafe.Pointer(&fds[0]), uint32(len(fds)))
	if err != nil {
		return fmt.Errorf("io_uring_register files: %w", err)
	}
	return nil
}

// RegisterBufRing registers a provided-buffer ring at addr with the
// given power-of-two entry count under group bgid.
func (r *Ring) RegisterBufRing(addr uintptr, entries uint32, bgid uint16) error {
	reg := BufReg{
		RingAddr:    uint64(addr),
		RingEntries: entries,
		Bgid:        bgid,
	}
	_, err := r.register(regRegisterPbufRing, unsafe.Pointer(&reg), 1)
	if err != nil {
		return fmt.Errorf("io_uring_register pbuf ring: %w", err)
	}
	return nil
}

// EnableRings enables a ring created with SetupRDisabled.
func (r *Ring) EnableRings() error {
	if r.flags&SetupRDisabled == 0 {
		return ErrRingNotDisabled
	}
	_, err := r.register(regEnableRings, nil, 0)
	if err != nil {
		return fmt.Errorf("io_uring_register enable rings: %w", err)
	}
	return nil
}

// RegisterRingFd registers the ring fd itself so that subsequent enters
// avoid the per-syscall fd lookup.
func (r *Ring) RegisterRingFd() error {
	if r.registered {
		return ErrAlreadyRegistered
	}
	upd := rsrcUpdate{
		Offset: ^uint32(0),
		Data:   uint64(r.fd),
	}
	_, err := r.register(regRegisterRingFds, unsafe.Pointer(&upd), 1)
	if err != nil {
		return fmt.Errorf("io_uring_register ring fd: %w", err)
	}
	r.enterFd = int(upd.Offset)
	r.registered = true
	return nil
}
