// Package virtqueue implements the split-virtqueue engine: descriptor
// chain walking, the avail/used ring protocol, and crash-recoverable
// inflight tracking for one virtio queue. It has no knowledge of what
// the descriptors mean (that's internal/blkdev's job) and never blocks
// — every exported method either completes immediately or returns an
// error.
package virtqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/behrlich/vhost-blk/internal/memmap"
)

// State is the virtqueue's lifecycle state.
type State int

const (
	StateUninit State = iota
	StateOperational
	StateBroken
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateOperational:
		return "operational"
	case StateBroken:
		return "broken"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// ErrBroken is returned by every operation once the queue has
// transitioned to StateBroken; Broken is sticky for the lifetime of the
// Virtqueue value.
var ErrBroken = errors.New("virtqueue: queue is broken")

// ErrNotOperational is returned when an operation is attempted outside
// StateOperational (e.g. before Attach or after Release).
var ErrNotOperational = errors.New("virtqueue: queue is not operational")

// Config describes the guest-resident layout of one virtqueue at attach
// time, as negotiated over the out-of-scope vhost-user control channel.
type Config struct {
	QueueSize   uint16
	DescTable   []byte // qsz * DescriptorSize bytes, guest-owned
	AvailBuf    []byte // guest-owned avail ring
	UsedBuf     []byte // device-owned used ring
	InflightBuf []byte // shared-memory shadow region, at least
	// InflightHeaderSize + qsz*InflightDescSize bytes; may be nil to
	// disable crash tracking (matches spec's allowance for queues that
	// don't negotiate VHOST_USER_PROTOCOL_F_INFLIGHT_SHMFD).

	// LastAvailIdx is the guest-observed avail-ring position negotiated
	// over SET_VRING_BASE. It must account for every head the guest has
	// already published, including ones left inflight by a crash — those
	// are resubmitted via the replay heads Attach returns, not
	// re-consumed from the avail ring. Nil means the front-end didn't
	// supply one (a queue's first-ever attach), in which case Attach
	// defaults it to the used-ring index, correct exactly when avail and
	// used have never diverged.
	LastAvailIdx *uint16
}

// Virtqueue is one attached, operational split virtqueue.
type Virtqueue struct {
	mu sync.Mutex

	mem    *memmap.Map
	qsz    uint16
	avail  availRing
	used   usedRing
	walker *walker

	inflight *InflightRegion

	lastAvailIdx uint16 // next avail.ring[] slot we haven't consumed
	usedIdx      uint16 // next used.ring[] slot we'll write, == used.Idx()

	state   State
	brokeBy error
}

// Attach brings a virtqueue to StateOperational. If cfg.InflightBuf is
// non-nil and was previously used, Attach repairs it and returns the
// descriptor heads that must be replayed (resubmitted to the backend
// and completed again) before any new request is dequeued, in the
// order they were originally dispatched.
func Attach(mem *memmap.Map, cfg Config) (*Virtqueue, []uint16, error) {
	if cfg.QueueSize == 0 || (cfg.QueueSize&(cfg.QueueSize-1)) != 0 {
		return nil, nil, fmt.Errorf("virtqueue: queue size %d is not a power of two", cfg.QueueSize)
	}
	if len(cfg.DescTable) < int(cfg.QueueSize)*16 {
		return nil, nil, fmt.Errorf("virtqueue: descriptor table too small for qsz=%d", cfg.QueueSize)
	}

	q := &Virtqueue{
		mem:    mem,
		qsz:    cfg.QueueSize,
		avail:  newAvailRing(cfg.AvailBuf, cfg.QueueSize),
		used:   newUsedRing(cfg.UsedBuf, cfg.QueueSize),
		walker: newWalker(mem, cfg.DescTable, cfg.QueueSize),
		state:  StateOperational,
	}
	q.usedIdx = q.used.Idx()

	var replay []uint16
	if cfg.InflightBuf != nil {
		region, pending, err := AttachInflightRegion(cfg.InflightBuf, cfg.UsedBuf, cfg.QueueSize)
		if err != nil {
			region, err = NewInflightRegion(cfg.InflightBuf, int(cfg.QueueSize))
			if err != nil {
				return nil, nil, err
			}
		} else {
			replay = pending
		}
		q.inflight = region
		q.usedIdx = region.UsedIdx()
	}

	if cfg.LastAvailIdx != nil {
		q.lastAvailIdx = *cfg.LastAvailIdx
	} else {
		q.lastAvailIdx = q.usedIdx
	}

	return q, replay, nil
}

func (q *Virtqueue) checkOperational() error {
	switch q.state {
	case StateOperational:
		return nil
	case StateBroken:
		return ErrBroken
	default:
		return ErrNotOperational
	}
}

// breakWith transitions the queue to StateBroken and records err. Once
// broken, a queue never recovers: Dequeue, PushUsed, ReplayHead and
// Release return ErrBroken from then on.
func (q *Virtqueue) breakWith(err error) error {
	q.state = StateBroken
	q.brokeBy = err
	return err
}

// State returns the queue's current lifecycle state.
func (q *Virtqueue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Release transitions an operational queue to StateReleased. No further
// operations are permitted: PushUsed returns ErrNotOperational from then
// on, so chains already returned by Dequeue and not yet completed are
// never published to the used ring. Their heads stay marked inflight in
// the shadow region (if any) and are returned for replay by the next
// Attach over it.
func (q *Virtqueue) Release() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOperational(); err != nil {
		return err
	}
	q.state = StateReleased
	return nil
}

// HasWork reports whether avail.idx has advanced past what we've
// consumed, i.e. whether Dequeue would return a request.
func (q *Virtqueue) HasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateOperational {
		return false
	}
	return q.avail.Idx() != q.lastAvailIdx
}

// Dequeue walks the next available descriptor chain, if any, validates
// it, and marks it inflight in the shadow region. It returns (nil, nil)
// if no new request is available. A malformed chain or a translation
// failure permanently breaks the queue, per the engine's "never return
// a half-trusted chain" invariant.
func (q *Virtqueue) Dequeue() (*IOV, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOperational(); err != nil {
		return nil, err
	}

	if q.avail.Idx() == q.lastAvailIdx {
		return nil, nil
	}

	head := q.avail.RingAt(q.lastAvailIdx)
	iov, err := q.walker.Walk(head)
	if err != nil {
		// Every chain-walk failure is Protocol or Translation kind, both
		// of which are fatal to the queue: we can no longer trust the
		// wire state enough to keep consuming avail entries.
		return nil, q.breakWith(err)
	}

	q.lastAvailIdx++
	if q.inflight != nil {
		q.inflight.Start(head)
	}
	return iov, nil
}

// PushUsed publishes the completion of a chain previously returned by
// Dequeue: it writes the used-ring entry, clears the inflight marker,
// and publishes used.idx with release ordering so the guest observes a
// fully-written entry before it observes the new index.
func (q *Virtqueue) PushUsed(iov *IOV, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOperational(); err != nil {
		return err
	}

	pos := q.usedIdx
	q.used.WriteElem(pos, uint32(iov.HeadIdx), length)
	q.usedIdx++
	q.used.StoreIdxRelease(q.usedIdx)

	if q.inflight != nil {
		q.inflight.Complete(iov.HeadIdx, q.usedIdx)
	}
	return nil
}

// ReplayHead re-walks a descriptor chain left inflight by a crash,
// without consuming an avail-ring slot (the guest already published it
// in a prior session). Used by the owning Runner to resubmit the
// descriptor heads Attach returned before accepting new avail entries.
func (q *Virtqueue) ReplayHead(head uint16) (*IOV, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOperational(); err != nil {
		return nil, err
	}
	iov, err := q.walker.Walk(head)
	if err != nil {
		return nil, q.breakWith(err)
	}
	return iov, nil
}

// QueueSize returns the negotiated queue size.
func (q *Virtqueue) QueueSize() uint16 { return q.qsz }
