package main

import (
	"fmt"

	"golang.org/x/sys/unix"

	vblk "github.com/behrlich/vhost-blk"
	"github.com/behrlich/vhost-blk/internal/constants"
	"github.com/behrlich/vhost-blk/internal/memmap"
	"github.com/behrlich/vhost-blk/internal/virtqueue"
)

// loopbackQueue builds a single vblk.QueueConfig entirely in-process,
// standing in for the negotiation a real vhost-user front-end would
// normally perform over the control socket (SET_MEM_TABLE,
// SET_VRING_ADDR, SET_VRING_KICK). That negotiation is out of scope for
// this module; this harness exists so the command has something to
// drive without a paired hypervisor attached.
type loopbackQueue struct {
	mem    *memmap.Map
	cfg    vblk.QueueConfig
	kickFD int
}

func newLoopbackQueue(qsz uint16) (*loopbackQueue, error) {
	fd, err := unix.MemfdCreate("vblk-mem-vq", 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	descSize := int(qsz) * constants.DescriptorSize
	availSize := 4 + int(qsz)*2 + 2
	usedSize := 4 + int(qsz)*8 + 2
	inflightSize := constants.InflightHeaderSize + int(qsz)*constants.InflightDescSize
	// leave generous headroom for descriptor-chain data buffers
	total := int64(descSize + availSize + usedSize + inflightSize + 4<<20)

	if err := unix.Ftruncate(fd, total); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	mem := memmap.New()
	if _, err := mem.AddRegion(fd, 0, uint64(total), 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("map queue memory: %w", err)
	}

	view, err := mem.Translate(0, uint64(total))
	if err != nil {
		return nil, fmt.Errorf("translate queue memory: %w", err)
	}

	off := 0
	descTable := view[off : off+descSize]
	off += descSize
	availBuf := view[off : off+availSize]
	off += availSize
	usedBuf := view[off : off+usedSize]
	off += usedSize
	inflightBuf := view[off : off+inflightSize]

	kickFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &loopbackQueue{
		mem: mem,
		cfg: vblk.QueueConfig{
			Memory: mem,
			Virtqueue: virtqueue.Config{
				QueueSize:   qsz,
				DescTable:   descTable,
				AvailBuf:    availBuf,
				UsedBuf:     usedBuf,
				InflightBuf: inflightBuf,
			},
			KickFD: kickFD,
		},
		kickFD: kickFD,
	}, nil
}

func (q *loopbackQueue) Close() error {
	return unix.Close(q.kickFD)
}
