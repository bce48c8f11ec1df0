package virtqueue

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Both avail and used rings share a 4-byte header of two little-endian
// u16 fields (flags, idx) immediately followed by their ring[] array.
const ringHeaderLen = 4

// usedElemSize is the size of one used-ring entry: id u32, len u32.
const usedElemSize = 8

// headerWord reads bytes [0:4) of a ring buffer as one atomic 32-bit
// word. On a little-endian machine this word's low 16 bits are flags
// and its high 16 bits are idx, so a single atomic load/store over the
// pair gives us the ordering guarantee the virtio spec requires between
// publishing idx and the ring[] entries it exposes, without requiring a
// separate memory fence API.
func headerWord(buf []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[0]))
}

// availRing is a thin decoder over a guest-owned avail ring buffer.
// Layout: flags(u16) idx(u16) ring[qsz](u16) [used_event(u16)].
type availRing struct {
	buf []byte
	qsz uint16
}

func newAvailRing(buf []byte, qsz uint16) availRing {
	return availRing{buf: buf, qsz: qsz}
}

// Idx reads avail.idx with acquire semantics, so every ring[] entry it
// makes visible is observed with its final written value.
func (a availRing) Idx() uint16 {
	return uint16(atomic.LoadUint32(headerWord(a.buf)) >> 16)
}

// Flags returns avail.flags (VIRTQ_AVAIL_F_NO_INTERRUPT etc).
func (a availRing) Flags() uint16 {
	return binary.LittleEndian.Uint16(a.buf[0:2])
}

// RingAt returns the descriptor-chain head index published at avail
// ring slot pos (mod qsz).
func (a availRing) RingAt(pos uint16) uint16 {
	slot := pos % a.qsz
	off := ringHeaderLen + int(slot)*2
	return binary.LittleEndian.Uint16(a.buf[off : off+2])
}

// usedRing is a thin encoder over a device-owned used ring buffer.
// Layout: flags(u16) idx(u16) ring[qsz]{id(u32) len(u32)} [avail_event(u16)].
type usedRing struct {
	buf []byte
	qsz uint16
}

func newUsedRing(buf []byte, qsz uint16) usedRing {
	return usedRing{buf: buf, qsz: qsz}
}

func (u usedRing) Flags() uint16 {
	return binary.LittleEndian.Uint16(u.buf[0:2])
}

// Idx reads used.idx.
func (u usedRing) Idx() uint16 {
	return binary.LittleEndian.Uint16(u.buf[2:4])
}

// StoreIdxRelease publishes used.idx with release semantics: every prior
// WriteElem call becomes visible to the guest no later than this write.
func (u usedRing) StoreIdxRelease(idx uint16) {
	word := uint32(u.Flags()) | uint32(idx)<<16
	atomic.StoreUint32(headerWord(u.buf), word)
}

// WriteElem writes one used-ring entry {id, len} at slot pos (mod qsz).
// Does not publish idx; callers batch entries then call StoreIdxRelease.
func (u usedRing) WriteElem(pos uint16, id uint32, length uint32) {
	slot := pos % u.qsz
	off := ringHeaderLen + int(slot)*usedElemSize
	binary.LittleEndian.PutUint32(u.buf[off:off+4], id)
	binary.LittleEndian.PutUint32(u.buf[off+4:off+8], length)
}

// IDAt returns the id field of the used-ring entry at slot pos (mod
// qsz), used by inflight repair to recover which head a torn commit
// was publishing.
func (u usedRing) IDAt(pos uint16) uint16 {
	slot := pos % u.qsz
	off := ringHeaderLen + int(slot)*usedElemSize
	return uint16(binary.LittleEndian.Uint32(u.buf[off : off+4]))
}
