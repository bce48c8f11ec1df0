package virtqueue

import (
	"testing"

	"github.com/behrlich/vhost-blk/internal/constants"
	"github.com/behrlich/vhost-blk/internal/memmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQSZ = 8

func writeDesc(table []byte, idx uint16, d Descriptor) {
	off := int(idx) * constants.DescriptorSize
	EncodeDescriptor(table[off:off+constants.DescriptorSize], d)
}

// newTestQueueMemory lays out a descriptor table at guest offset 0 and
// leaves the rest of the region free for data buffers and indirect
// tables, addressed by guest offset (== host offset, since the test
// region's GuestAddr is 0).
func newTestQueueMemory(t *testing.T) (*walkerFixture, []byte) {
	t.Helper()
	mem, view := newTestGuestMemory(t, 64*1024)
	descTable := view[0 : testQSZ*constants.DescriptorSize]
	return &walkerFixture{mem: mem, view: view, w: newWalker(mem, descTable, testQSZ)}, descTable
}

type walkerFixture struct {
	mem  *memmap.Map
	view []byte
	w    *walker
}

func TestWalkDirectChain(t *testing.T) {
	fx, descTable := newTestQueueMemory(t)

	writeDesc(descTable, 0, Descriptor{Addr: 8192, Len: 512, Flags: constants.DescFlagNext, Next: 1})
	writeDesc(descTable, 1, Descriptor{Addr: 16384, Len: 4096, Flags: constants.DescFlagWrite})

	iov, err := fx.w.Walk(0)
	require.NoError(t, err)
	require.Len(t, iov.Entries, 2)
	assert.False(t, iov.Entries[0].Write)
	assert.True(t, iov.Entries[1].Write)
	assert.EqualValues(t, 512, iov.ReadLen)
	assert.EqualValues(t, 4096, iov.WriteLen)
	assert.Len(t, iov.Entries[0].Buf, 512)
	assert.Len(t, iov.Entries[1].Buf, 4096)
}

func TestWalkIndirectChain(t *testing.T) {
	fx, descTable := newTestQueueMemory(t)

	// Indirect table of 2 entries living at guest offset 20000.
	indirect := fx.view[20000 : 20000+2*constants.DescriptorSize]
	writeDesc(indirect, 0, Descriptor{Addr: 8192, Len: 512, Flags: constants.DescFlagNext, Next: 1})
	writeDesc(indirect, 1, Descriptor{Addr: 16384, Len: 1024, Flags: constants.DescFlagWrite})

	writeDesc(descTable, 0, Descriptor{Addr: 20000, Len: 2 * constants.DescriptorSize, Flags: constants.DescFlagIndirect})

	iov, err := fx.w.Walk(0)
	require.NoError(t, err)
	require.Len(t, iov.Entries, 2)
	assert.EqualValues(t, 512, iov.ReadLen)
	assert.EqualValues(t, 1024, iov.WriteLen)
}

func TestWalkMixedDirectThenIndirect(t *testing.T) {
	fx, descTable := newTestQueueMemory(t)

	indirect := fx.view[20000 : 20000+1*constants.DescriptorSize]
	writeDesc(indirect, 0, Descriptor{Addr: 16384, Len: 512, Flags: constants.DescFlagWrite})

	writeDesc(descTable, 0, Descriptor{Addr: 8192, Len: 16, Flags: constants.DescFlagNext, Next: 1})
	writeDesc(descTable, 1, Descriptor{Addr: 20000, Len: constants.DescriptorSize, Flags: constants.DescFlagIndirect})

	iov, err := fx.w.Walk(0)
	require.NoError(t, err)
	require.Len(t, iov.Entries, 2)
	assert.False(t, iov.Entries[0].Write)
	assert.True(t, iov.Entries[1].Write)
}

func TestWalkRejectsIndirectAndNextTogether(t *testing.T) {
	fx, descTable := newTestQueueMemory(t)

	writeDesc(descTable, 0, Descriptor{Addr: 20000, Len: constants.DescriptorSize, Flags: constants.DescFlagIndirect | constants.DescFlagNext, Next: 1})

	_, err := fx.w.Walk(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedChain)
}

func TestWalkDoesNotRejectWriteBeforeRead(t *testing.T) {
	// The walker only records read/write order; it's the virtio-blk
	// dispatcher's job to reject a chain with the wrong buffer direction
	// for its opcode, without breaking the queue.
	fx, descTable := newTestQueueMemory(t)

	writeDesc(descTable, 0, Descriptor{Addr: 8192, Len: 16, Flags: constants.DescFlagNext | constants.DescFlagWrite, Next: 1})
	writeDesc(descTable, 1, Descriptor{Addr: 16384, Len: 16})

	iov, err := fx.w.Walk(0)
	require.NoError(t, err)
	require.Len(t, iov.Entries, 2)
	assert.True(t, iov.Entries[0].Write)
	assert.False(t, iov.Entries[1].Write)
	assert.False(t, iov.ReadableFirst())
}

func TestWalkDetectsLoop(t *testing.T) {
	fx, descTable := newTestQueueMemory(t)

	// A chain that points back to itself forever.
	writeDesc(descTable, 0, Descriptor{Addr: 8192, Len: 16, Flags: constants.DescFlagNext, Next: 0})

	_, err := fx.w.Walk(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainTooLong)
}

func TestWalkRejectsOutOfRangeHead(t *testing.T) {
	fx, _ := newTestQueueMemory(t)

	_, err := fx.w.Walk(testQSZ)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedChain)
}

func TestWalkRejectsNestedIndirect(t *testing.T) {
	fx, descTable := newTestQueueMemory(t)

	inner := fx.view[24000 : 24000+constants.DescriptorSize]
	writeDesc(inner, 0, Descriptor{Addr: 8192, Len: 16})

	indirect := fx.view[20000 : 20000+constants.DescriptorSize]
	writeDesc(indirect, 0, Descriptor{Addr: 24000, Len: constants.DescriptorSize, Flags: constants.DescFlagIndirect})

	writeDesc(descTable, 0, Descriptor{Addr: 20000, Len: constants.DescriptorSize, Flags: constants.DescFlagIndirect})

	_, err := fx.w.Walk(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedChain)
}
