package virtqueue

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/behrlich/vhost-blk/internal/constants"
)

// InflightRegion is the crash-recoverable shadow state for one
// virtqueue: a header plus one record per descriptor slot, memory-mapped
// into a file shared with (and survivable across) a restart of this
// process. See internal/constants/virtio.go for the exact wire layout.
type InflightRegion struct {
	mu      sync.Mutex
	buf     []byte
	descNum int
	counter uint64 // next counter value to assign
}

// NewInflightRegion initializes buf (which must be at least
// InflightHeaderSize+descNum*InflightDescSize bytes) as a fresh region
// with no descriptors in flight.
func NewInflightRegion(buf []byte, descNum int) (*InflightRegion, error) {
	need := constants.InflightHeaderSize + descNum*constants.InflightDescSize
	if len(buf) < need {
		return nil, fmt.Errorf("virtqueue: inflight region too small: have %d bytes, need %d", len(buf), need)
	}
	r := &InflightRegion{buf: buf, descNum: descNum, counter: 1}
	binary.LittleEndian.PutUint16(r.buf[constants.InflightHeaderOffsetVersion:], constants.InflightVersion)
	binary.LittleEndian.PutUint32(r.buf[constants.InflightHeaderOffsetDescNum:], uint32(descNum))
	r.setUsedIdx64(0)
	r.setOldUsedIdx64(0)
	r.buf[constants.InflightHeaderOffsetUsedIdxOK] = 0
	for i := 0; i < descNum; i++ {
		r.setDescRaw(i, 0, 0)
	}
	return r, nil
}

func (r *InflightRegion) usedIdx64() uint64 {
	return binary.LittleEndian.Uint64(r.buf[constants.InflightHeaderOffsetUsedIdx:])
}

func (r *InflightRegion) setUsedIdx64(v uint64) {
	binary.LittleEndian.PutUint64(r.buf[constants.InflightHeaderOffsetUsedIdx:], v)
}

func (r *InflightRegion) oldUsedIdx64() uint64 {
	return binary.LittleEndian.Uint64(r.buf[constants.InflightHeaderOffsetOldUsedIdx:])
}

func (r *InflightRegion) setOldUsedIdx64(v uint64) {
	binary.LittleEndian.PutUint64(r.buf[constants.InflightHeaderOffsetOldUsedIdx:], v)
}

// AttachInflightRegion interprets buf as a previously-used region
// (written by this process or a predecessor that crashed). usedRingBuf
// and qsz identify the live used ring, needed to resolve the crash
// window described in repair. AttachInflightRegion repairs the region
// if necessary and returns the sorted list of descriptor head indices
// left marked inflight, oldest submission first, that must be replayed
// before any new avail entry is consumed.
func AttachInflightRegion(buf []byte, usedRingBuf []byte, qsz uint16) (*InflightRegion, []uint16, error) {
	if len(buf) < constants.InflightHeaderSize {
		return nil, nil, fmt.Errorf("virtqueue: inflight region smaller than header")
	}
	version := binary.LittleEndian.Uint16(buf[constants.InflightHeaderOffsetVersion:])
	if version != constants.InflightVersion {
		return nil, nil, fmt.Errorf("virtqueue: unsupported inflight region version %d", version)
	}
	descNum := int(binary.LittleEndian.Uint32(buf[constants.InflightHeaderOffsetDescNum:]))
	need := constants.InflightHeaderSize + descNum*constants.InflightDescSize
	if len(buf) < need {
		return nil, nil, fmt.Errorf("virtqueue: inflight region truncated: have %d bytes, need %d", len(buf), need)
	}

	r := &InflightRegion{buf: buf, descNum: descNum}
	used := newUsedRing(usedRingBuf, qsz)
	replay := r.repair(used)
	return r, replay, nil
}

// repair resolves the crash window in the commit sequence (see
// Complete) and collects every descriptor still marked inflight, in
// ascending counter order, so a caller can replay them against the
// backend before accepting new work.
//
// A crash between Complete's step 2 (the guest-visible used.idx
// release-store) and its step 5 (catching the shadow's used_idx field
// up to match) leaves region.used_idx one behind region.old_used_idx.
// old_used_idx already holds the correct, post-increment value, so
// repair reads the head id the commit was publishing straight out of
// the live used ring at that slot, clears its inflight bit (the chain
// really did complete, the guest already saw it), and catches
// region.used_idx up to old_used_idx.
func (r *InflightRegion) repair(used usedRing) []uint16 {
	if r.usedIdx64() != r.oldUsedIdx64() {
		pos := uint16(r.oldUsedIdx64() - 1)
		head := used.IDAt(pos)
		r.setDescRaw(int(head), r.counterOf(int(head)), 0)
		r.setUsedIdx64(r.oldUsedIdx64())
	}
	r.buf[constants.InflightHeaderOffsetUsedIdxOK] = 0

	type pending struct {
		idx     uint16
		counter uint64
	}
	var found []pending
	maxCounter := uint64(0)
	for i := 0; i < r.descNum; i++ {
		counter, inflight := r.descRaw(i)
		if counter > maxCounter {
			maxCounter = counter
		}
		if inflight != 0 {
			found = append(found, pending{idx: uint16(i), counter: counter})
		}
	}
	r.counter = maxCounter + 1

	sort.Slice(found, func(i, j int) bool { return found[i].counter < found[j].counter })
	replay := make([]uint16, len(found))
	for i, p := range found {
		replay[i] = p.idx
	}
	return replay
}

func (r *InflightRegion) descOffset(idx int) int {
	return constants.InflightHeaderSize + idx*constants.InflightDescSize
}

func (r *InflightRegion) descRaw(idx int) (counter uint64, inflight uint8) {
	off := r.descOffset(idx)
	return binary.LittleEndian.Uint64(r.buf[off : off+8]), r.buf[off+8]
}

func (r *InflightRegion) counterOf(idx int) uint64 {
	c, _ := r.descRaw(idx)
	return c
}

func (r *InflightRegion) setDescRaw(idx int, counter uint64, inflight uint8) {
	off := r.descOffset(idx)
	binary.LittleEndian.PutUint64(r.buf[off:off+8], counter)
	r.buf[off+8] = inflight
}

// Start stamps descriptor head idx with the next monotonic counter and
// marks it inflight. Called before the chain's head is considered
// consumed from the avail ring; does not touch used_idx.
func (r *InflightRegion) Start(idx uint16) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counter
	r.counter++
	r.setDescRaw(int(idx), c, 1)
	return c
}

// Complete runs the used-publication commit sequence for head idx,
// whose chain has just been written to the live used ring at position
// newUsedIdx-1 with release ordering (the caller does that ring write
// and release-store itself; this only updates the shadow region):
//
//  1. (caller) write {id,len} at used.ring[oldUsedIdx % qsz]
//  2. (caller) release-store used.idx = newUsedIdx
//  3. region.old_used_idx = newUsedIdx
//  4. region.desc[idx].inflight = 0
//  5. region.used_idx = newUsedIdx
//  6. region.used_idx_ok = 0
//
// A crash between step 2 and step 5 is resolved by repair, which reads
// the head id straight back out of the live used ring rather than
// trusting any field in the shadow region for it.
func (r *InflightRegion) Complete(idx uint16, newUsedIdx uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setOldUsedIdx64(uint64(newUsedIdx))
	counter, _ := r.descRaw(int(idx))
	r.setDescRaw(int(idx), counter, 0)
	r.setUsedIdx64(uint64(newUsedIdx))
	r.buf[constants.InflightHeaderOffsetUsedIdxOK] = 0
}

// UsedIdx returns the region's last durably-published used.idx.
func (r *InflightRegion) UsedIdx() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint16(r.usedIdx64())
}

// IsInflight reports whether idx is currently marked inflight (test/debug use).
func (r *InflightRegion) IsInflight(idx uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, inflight := r.descRaw(int(idx))
	return inflight != 0
}
