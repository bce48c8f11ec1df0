package vhostuser

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/vhost-blk/internal/logging"
	"golang.org/x/sys/unix"
)

// SocketController is a minimal reference Controller implementation
// that frames requests over a connected vhost-user control socket and
// passes memory-region fds and kick/call eventfds as SCM_RIGHTS
// ancillary data.
type SocketController struct {
	fd     int
	logger *logging.Logger
}

// NewSocketController wraps an already-connected UNIX socket fd (from
// net.UnixConn.File() or a raw unix.Socket/unix.Connect call).
func NewSocketController(fd int) *SocketController {
	return &SocketController{fd: fd, logger: logging.Default()}
}

func (c *SocketController) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

func (c *SocketController) Close() error {
	return unix.Close(c.fd)
}

func (c *SocketController) sendRequest(req Request, payload []byte, rights []int) error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(req))
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	msg := append(hdr, payload...)
	var oob []byte
	if len(rights) > 0 {
		oob = unix.UnixRights(rights...)
	}
	return unix.Sendmsg(c.fd, msg, oob, nil, 0)
}

func (c *SocketController) recvReply(want int) ([]byte, error) {
	buf := make([]byte, headerSize+want)
	n, _, _, _, err := unix.Recvmsg(c.fd, buf, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("vhostuser: recvmsg: %w", err)
	}
	if n < headerSize {
		return nil, fmt.Errorf("vhostuser: short reply: %d bytes", n)
	}
	return buf[headerSize:n], nil
}

func (c *SocketController) SetOwner() error {
	return c.sendRequest(RequestSetOwner, nil, nil)
}

func (c *SocketController) GetFeatures() (uint64, error) {
	if err := c.sendRequest(RequestGetFeatures, nil, nil); err != nil {
		return 0, err
	}
	reply, err := c.recvReply(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(reply[:8]), nil
}

func (c *SocketController) SetFeatures(features uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, features)
	return c.sendRequest(RequestSetFeatures, payload, nil)
}

// SetMemTable encodes the region table and hands each region's fd
// across as SCM_RIGHTS, one sendmsg per call matching the one
// ancillary-data-per-message constraint of SCM_RIGHTS.
func (c *SocketController) SetMemTable(regions []MemoryRegion) error {
	payload := make([]byte, 4+len(regions)*32)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(regions)))
	fds := make([]int, len(regions))
	for i, r := range regions {
		off := 4 + i*32
		binary.LittleEndian.PutUint64(payload[off:off+8], r.GuestAddr)
		binary.LittleEndian.PutUint64(payload[off+8:off+16], r.Size)
		binary.LittleEndian.PutUint64(payload[off+16:off+24], r.UserAddr)
		binary.LittleEndian.PutUint64(payload[off+24:off+32], r.MmapOffset)
		fds[i] = r.FD
	}
	return c.sendRequest(RequestSetMemTable, payload, fds)
}

func (c *SocketController) SetVringNum(index uint32, num uint32) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	binary.LittleEndian.PutUint32(payload[4:8], num)
	return c.sendRequest(RequestSetVringNum, payload, nil)
}

func (c *SocketController) SetVringAddr(addr VringAddr) error {
	payload := make([]byte, 40)
	binary.LittleEndian.PutUint32(payload[0:4], addr.Index)
	binary.LittleEndian.PutUint32(payload[4:8], addr.Flags)
	binary.LittleEndian.PutUint64(payload[8:16], addr.DescUser)
	binary.LittleEndian.PutUint64(payload[16:24], addr.UsedUser)
	binary.LittleEndian.PutUint64(payload[24:32], addr.AvailUser)
	binary.LittleEndian.PutUint64(payload[32:40], addr.LogUser)
	return c.sendRequest(RequestSetVringAddr, payload, nil)
}

func (c *SocketController) SetVringBase(index uint32, base uint32) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	binary.LittleEndian.PutUint32(payload[4:8], base)
	return c.sendRequest(RequestSetVringBase, payload, nil)
}

func (c *SocketController) SetVringKick(index uint32, fd int) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, index)
	return c.sendRequest(RequestSetVringKick, payload, []int{fd})
}

func (c *SocketController) SetVringCall(index uint32, fd int) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, index)
	return c.sendRequest(RequestSetVringCall, payload, []int{fd})
}

func (c *SocketController) SetVringEnable(index uint32, enable bool) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	if enable {
		binary.LittleEndian.PutUint32(payload[4:8], 1)
	}
	return c.sendRequest(RequestSetVringEnable, payload, nil)
}
