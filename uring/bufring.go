//go:build linux

package uring

import (
	"sync/atomic"
	"unsafe"
)

// BufRingEntry is struct io_uring_buf. The ring header overlays entry 0:
// the kernel's tail word lives in entry 0's Resv field.
type BufRingEntry struct {
	Addr uint64
	Len  uint32
	Bid  uint16
	Resv uint16
}

// BufReg is struct io_uring_buf_reg.
type BufReg struct {
	RingAddr    uint64
	RingEntries uint32
	Bgid        uint16
	Pad         uint16
	Resv        [3]uint64
}

// BufRingMask returns the index mask for a power-of-two ring size.
func BufRingMask(entries uint32) uint32 { return entries - 1 }

// BufRingSlice interprets raw ring memory as entries. base must be the
// start of the registered ring region.
func BufRingSlice(base unsafe.Pointer, entries uint32) []BufRingEntry {
	return unsafe.Slice((*BufRingEntry)(base), entries)
}

// BufRingInit zeroes the shared tail so the ring starts empty.
func BufRingInit(ring []BufRingEntry) {
	ring[0].Resv = 0
}

// BufRingPublish release-stores the new producer tail. The tail shares a
// 32-bit word with entry 0's bid, which is preserved as last written;
// the single-producer discipline makes the read-back safe.
func BufRingPublish(ring []BufRingEntry, tail uint16) {
	word := (*uint32)(unsafe.Pointer(&ring[0].Bid))
	atomic.StoreUint32(word, uint32(tail)<<16|uint32(ring[0].Bid))
}
