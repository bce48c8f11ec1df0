// Package vhostuser defines the control-channel collaborator this
// backend runs on top of: the vhost-user UNIX-socket protocol that
// negotiates guest memory regions and per-queue ring addresses with a
// hypervisor. The protocol itself, and the eventfd/kickfd plumbing it
// hands out, are out of scope here; this package exists so
// internal/virtqueue has somewhere concrete to get its Config from.
package vhostuser

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/vhost-blk/internal/logging"
)

// Request is a vhost-user message type, sent from the front-end
// (hypervisor side) to the back-end on the control socket.
type Request uint32

const (
	RequestGetFeatures   Request = 1
	RequestSetFeatures   Request = 2
	RequestSetOwner      Request = 3
	RequestSetMemTable   Request = 5
	RequestSetVringNum   Request = 8
	RequestSetVringAddr  Request = 9
	RequestSetVringBase  Request = 10
	RequestGetVringBase  Request = 11
	RequestSetVringKick  Request = 12
	RequestSetVringCall  Request = 13
	RequestSetVringErr   Request = 14
	RequestGetProtoFeats Request = 15
	RequestSetProtoFeats Request = 16
	RequestGetQueueNum   Request = 17
	RequestSetVringEnable Request = 18
)

// header is the 12-byte frame every vhost-user message starts with.
type header struct {
	Request Request
	Flags   uint32
	Size    uint32
}

const headerSize = 12

func decodeHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, fmt.Errorf("vhostuser: short header: %d bytes", len(b))
	}
	return header{
		Request: Request(binary.LittleEndian.Uint32(b[0:4])),
		Flags:   binary.LittleEndian.Uint32(b[4:8]),
		Size:    binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// MemoryRegion is one guest memory region as negotiated by
// SET_MEM_TABLE, passed to the backend along with a file descriptor
// over SCM_RIGHTS ancillary data.
type MemoryRegion struct {
	GuestAddr uint64
	Size      uint64
	UserAddr  uint64 // front-end's virtual address of the region
	MmapOffset uint64
	FD         int
}

// VringAddr carries the three guest addresses virtqueue.Config needs:
// descriptor table, avail ring, used ring.
type VringAddr struct {
	Index      uint32
	DescUser   uint64
	AvailUser  uint64
	UsedUser   uint64
	LogUser    uint64
	Flags      uint32
}

// Controller is the set of vhost-user verbs, one method per control
// message, mirroring the message's own name. SocketController in this
// package implements it by sending each verb over a connected control
// socket with Sendmsg, passing fds as SCM_RIGHTS for
// SetMemTable/SetVringKick/SetVringCall.
type Controller interface {
	SetOwner() error
	GetFeatures() (uint64, error)
	SetFeatures(features uint64) error
	SetMemTable(regions []MemoryRegion) error
	SetVringNum(index uint32, num uint32) error
	SetVringAddr(addr VringAddr) error
	SetVringBase(index uint32, base uint32) error
	SetVringKick(index uint32, fd int) error
	SetVringCall(index uint32, fd int) error
	SetVringEnable(index uint32, enable bool) error
	Close() error
}

// SetLogger attaches a structured logger to controllers that support
// it, the same optional-capability pattern the rest of this module
// uses for Backend.
type LoggingController interface {
	Controller
	SetLogger(logger *logging.Logger)
}
