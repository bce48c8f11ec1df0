package queue

import (
	"context"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/vhost-blk/backend"
	"github.com/behrlich/vhost-blk/internal/blkdev"
	"github.com/behrlich/vhost-blk/internal/constants"
	"github.com/behrlich/vhost-blk/internal/memmap"
	"github.com/behrlich/vhost-blk/internal/virtqueue"
	"github.com/stretchr/testify/require"
)

const testQSZ = 8

type testQueue struct {
	view       []byte
	descTable  []byte
	availBuf   []byte
	dataOffset int
	nextAvail  uint16
	vq         *virtqueue.Virtqueue
}

func newTestQueue(t *testing.T) *testQueue {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "guestmem")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	const size = 256 * 1024
	require.NoError(t, f.Truncate(size))

	mem := memmap.New()
	region, err := mem.AddRegion(int(f.Fd()), 0, size, 0)
	require.NoError(t, err)
	t.Cleanup(func() { mem.RemoveRegion(region) })

	view, err := mem.Translate(0, size)
	require.NoError(t, err)

	descTable := view[0 : testQSZ*constants.DescriptorSize]
	availOff := testQSZ * constants.DescriptorSize
	availSize := 4 + testQSZ*2
	availBuf := view[availOff : availOff+availSize]
	usedOff := availOff + availSize
	usedSize := 4 + testQSZ*8
	usedBuf := view[usedOff : usedOff+usedSize]
	dataOffset := usedOff + usedSize + 4096

	cfg := virtqueue.Config{QueueSize: testQSZ, DescTable: descTable, AvailBuf: availBuf, UsedBuf: usedBuf}
	vq, replay, err := virtqueue.Attach(mem, cfg)
	require.NoError(t, err)
	require.Empty(t, replay)

	return &testQueue{view: view, descTable: descTable, availBuf: availBuf, dataOffset: dataOffset, vq: vq}
}

func (tq *testQueue) writeDesc(idx uint16, addr uint64, length uint32, write bool, next uint16, hasNext bool) {
	off := int(idx) * constants.DescriptorSize
	var flags uint16
	if write {
		flags |= constants.DescFlagWrite
	}
	if hasNext {
		flags |= constants.DescFlagNext
	}
	binary.LittleEndian.PutUint64(tq.descTable[off:off+8], addr)
	binary.LittleEndian.PutUint32(tq.descTable[off+8:off+12], length)
	binary.LittleEndian.PutUint16(tq.descTable[off+12:off+14], flags)
	binary.LittleEndian.PutUint16(tq.descTable[off+14:off+16], next)
}

func (tq *testQueue) publishAvail(head uint16) {
	off := 4 + int(tq.nextAvail%testQSZ)*2
	binary.LittleEndian.PutUint16(tq.availBuf[off:off+2], head)
	tq.nextAvail++
	binary.LittleEndian.PutUint16(tq.availBuf[2:4], tq.nextAvail)
}

func (tq *testQueue) layoutFlushRequest() (hdrAddr, statusAddr uint64) {
	hdrAddr = uint64(tq.dataOffset)
	statusAddr = hdrAddr + 4096
	tq.writeDesc(0, hdrAddr, blkdev.RequestHeaderSize, false, 1, true)
	tq.writeDesc(1, statusAddr, 1, true, 0, false)
	b := tq.view[hdrAddr : hdrAddr+blkdev.RequestHeaderSize]
	binary.LittleEndian.PutUint32(b[0:4], blkdev.TypeFlush)
	return
}

func newKickFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func kick(t *testing.T, fd int) {
	t.Helper()
	one := make([]byte, 8)
	one[0] = 1
	_, err := unix.Write(fd, one)
	require.NoError(t, err)
}

func TestRunnerDispatchesOnKick(t *testing.T) {
	tq := newTestQueue(t)
	mem := backend.NewMemory(1 << 20)
	d := blkdev.NewDispatcher(tq.vq, blkdev.Config{Backend: mem, LogicalBlockSize: 512, TotalSectors: uint64(mem.Size()) / blkdev.SectorSize})
	kickFD := newKickFD(t)

	_, statusAddr := tq.layoutFlushRequest()
	tq.publishAvail(0)

	r, err := NewRunner(context.Background(), Config{QueueID: 0, Virtqueue: tq.vq, Dispatcher: d, KickFD: kickFD})
	require.NoError(t, err)
	require.NoError(t, r.Start(nil))
	t.Cleanup(func() { r.Close() })

	kick(t, kickFD)
	require.Eventually(t, func() bool {
		return tq.view[statusAddr] == blkdev.StatusOK
	}, time.Second, time.Millisecond)
}

func TestRunnerReplaysInflightHeadsOnStart(t *testing.T) {
	tq := newTestQueue(t)
	mem := backend.NewMemory(1 << 20)
	d := blkdev.NewDispatcher(tq.vq, blkdev.Config{Backend: mem, LogicalBlockSize: 512, TotalSectors: uint64(mem.Size()) / blkdev.SectorSize})
	kickFD := newKickFD(t)

	_, statusAddr := tq.layoutFlushRequest()
	tq.publishAvail(0)
	_, err := tq.vq.Dequeue() // leaves head 0 dequeued but never completed
	require.NoError(t, err)

	r, err := NewRunner(context.Background(), Config{QueueID: 0, Virtqueue: tq.vq, Dispatcher: d, KickFD: kickFD})
	require.NoError(t, err)
	require.NoError(t, r.Start([]uint16{0}))
	t.Cleanup(func() { r.Close() })

	require.Eventually(t, func() bool {
		return tq.view[statusAddr] == blkdev.StatusOK
	}, time.Second, time.Millisecond)
}

func TestRunnerCloseStopsLoop(t *testing.T) {
	tq := newTestQueue(t)
	mem := backend.NewMemory(1 << 20)
	d := blkdev.NewDispatcher(tq.vq, blkdev.Config{Backend: mem, LogicalBlockSize: 512, TotalSectors: uint64(mem.Size()) / blkdev.SectorSize})
	kickFD := newKickFD(t)

	r, err := NewRunner(context.Background(), Config{QueueID: 0, Virtqueue: tq.vq, Dispatcher: d, KickFD: kickFD})
	require.NoError(t, err)
	require.NoError(t, r.Start(nil))
	require.NoError(t, r.Close())
}
