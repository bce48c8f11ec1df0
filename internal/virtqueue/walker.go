package virtqueue

import (
	"errors"
	"fmt"

	"github.com/behrlich/vhost-blk/internal/constants"
	"github.com/behrlich/vhost-blk/internal/errkind"
	"github.com/behrlich/vhost-blk/internal/memmap"
)

// ErrMalformedChain covers every way a descriptor chain can violate the
// wire protocol: INDIRECT|NEXT set together, an out-of-range index, an
// indirect table whose length isn't a multiple of DescriptorSize, a
// chain that loops, or a chain longer than MaxChainDescriptors.
var ErrMalformedChain = errors.New("virtqueue: malformed descriptor chain")

// ErrChainTooLong is returned when a chain walk exceeds the configured
// bound, which is how loops (direct or through a repeated indirect
// table) are detected without tracking visited sets.
var ErrChainTooLong = errors.New("virtqueue: descriptor chain exceeds maximum length")

// walker reads descriptor chains out of a queue's descriptor table(s),
// translating and validating every buffer against the guest memory map
// before it is handed to a caller.
type walker struct {
	mem       *memmap.Map
	descTable []byte // this queue's direct descriptor table, qsz entries
	qsz       uint16
	maxIOV    int // qsz + largest indirect table capacity seen so far, at least qsz
}

func newWalker(mem *memmap.Map, descTable []byte, qsz uint16) *walker {
	return &walker{mem: mem, descTable: descTable, qsz: qsz, maxIOV: int(qsz)}
}

// Walk follows the chain starting at head within the queue's direct
// descriptor table and returns a validated IOV. It never blocks and
// never retains a reference to descTable beyond the call.
func (w *walker) Walk(head uint16) (*IOV, error) {
	if head >= w.qsz {
		return nil, errkind.New(errkind.Protocol, "walk", fmt.Errorf("%w: head index %d out of range (qsz=%d)", ErrMalformedChain, head, w.qsz))
	}

	iov := newIOV(head, w.maxIOV)

	table := w.descTable
	idx := head
	count := 0

	for {
		count++
		if count > constants.MaxChainDescriptors {
			return nil, errkind.New(errkind.Protocol, "walk", fmt.Errorf("%w: %w", ErrMalformedChain, ErrChainTooLong))
		}

		if int(idx)*constants.DescriptorSize+constants.DescriptorSize > len(table) {
			return nil, errkind.New(errkind.Protocol, "walk", fmt.Errorf("%w: descriptor index %d out of range", ErrMalformedChain, idx))
		}
		desc := DescriptorAt(table, idx)

		if desc.IsIndirect() {
			if desc.HasNext() {
				return nil, errkind.New(errkind.Protocol, "walk", fmt.Errorf("%w: INDIRECT and NEXT both set on descriptor %d", ErrMalformedChain, idx))
			}
			if err := w.walkIndirect(iov, desc, &count); err != nil {
				return nil, err
			}
			break
		}

		buf, err := w.translate(desc)
		if err != nil {
			return nil, err
		}
		iov.add(buf, desc.IsWrite(), idx)

		if !desc.HasNext() {
			break
		}
		idx = desc.Next
		if idx >= w.qsz {
			return nil, errkind.New(errkind.Protocol, "walk", fmt.Errorf("%w: next index %d out of range (qsz=%d)", ErrMalformedChain, idx, w.qsz))
		}
	}

	// A writable descriptor preceding a readable one is not rejected
	// here: the walker only records traversal order and the read/write
	// split (IOV.ReadableFirst), leaving block-layer direction semantics
	// to the virtio-blk dispatcher, which can fail just that one chain
	// without breaking the queue.
	return iov, nil
}

// walkIndirect follows an indirect descriptor table referenced by desc,
// appending every entry it resolves to iov. count is shared with the
// caller's loop-detection counter so a chain that alternates direct and
// indirect descriptors still can't exceed MaxChainDescriptors overall.
func (w *walker) walkIndirect(iov *IOV, desc Descriptor, count *int) error {
	if desc.Len == 0 || desc.Len%constants.DescriptorSize != 0 {
		return errkind.New(errkind.Protocol, "walk_indirect", fmt.Errorf("%w: indirect table length %d not a multiple of %d", ErrMalformedChain, desc.Len, constants.DescriptorSize))
	}

	table, err := w.mem.Translate(desc.Addr, uint64(desc.Len))
	if err != nil {
		return errkind.New(errkind.Translation, "walk_indirect", err)
	}

	numEntries := int(desc.Len) / constants.DescriptorSize
	if int(w.qsz)+numEntries > w.maxIOV {
		w.maxIOV = int(w.qsz) + numEntries
	}

	idx := uint16(0)
	for {
		*count++
		if *count > constants.MaxChainDescriptors {
			return errkind.New(errkind.Protocol, "walk_indirect", fmt.Errorf("%w: %w", ErrMalformedChain, ErrChainTooLong))
		}
		if int(idx) >= numEntries {
			return errkind.New(errkind.Protocol, "walk_indirect", fmt.Errorf("%w: indirect index %d out of range (table has %d entries)", ErrMalformedChain, idx, numEntries))
		}

		inner := DescriptorAt(table, idx)
		if inner.IsIndirect() {
			return errkind.New(errkind.Protocol, "walk_indirect", fmt.Errorf("%w: nested INDIRECT descriptor", ErrMalformedChain))
		}

		buf, err := w.translate(inner)
		if err != nil {
			return err
		}
		iov.add(buf, inner.IsWrite(), idx)

		if !inner.HasNext() {
			return nil
		}
		idx = inner.Next
	}
}

func (w *walker) translate(d Descriptor) ([]byte, error) {
	if d.Len == 0 {
		return nil, errkind.New(errkind.Protocol, "translate", fmt.Errorf("%w: zero-length descriptor", ErrMalformedChain))
	}
	buf, err := w.mem.Translate(d.Addr, uint64(d.Len))
	if err != nil {
		return nil, errkind.New(errkind.Translation, "translate", err)
	}
	return buf, nil
}
