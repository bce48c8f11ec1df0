package blkdev

import (
	"fmt"

	"github.com/behrlich/vhost-blk/internal/constants"
	"github.com/behrlich/vhost-blk/internal/errkind"
	"github.com/behrlich/vhost-blk/internal/interfaces"
	"github.com/behrlich/vhost-blk/internal/virtqueue"
)

// Config describes the device this Dispatcher serves.
type Config struct {
	Backend          interfaces.Backend
	LogicalBlockSize uint32 // 0 defaults to constants.DefaultLogicalBlockSize
	TotalSectors     uint64 // device capacity, in 512-byte sectors
	Serial           string // returned for GET_ID, truncated/padded to 20 bytes
}

// Dispatcher validates virtio-blk request framing on top of one
// virtqueue and executes the resulting bio against an injected
// backend, synchronously: nothing in this package defers a completion
// to another goroutine, matching the engine's "no suspension points"
// contract. interfaces.Backend's methods already block, so there is no
// completion to hand off.
type Dispatcher struct {
	vq           *virtqueue.Virtqueue
	backend      interfaces.Backend
	blockSize    uint32
	totalSectors uint64
	serial       [GetIDResponseLength]byte
}

// GetIDResponseLength is the fixed response length for GET_ID.
const GetIDResponseLength = constants.GetIDResponseLength

// NewDispatcher builds a Dispatcher bound to vq and cfg.Backend.
func NewDispatcher(vq *virtqueue.Virtqueue, cfg Config) *Dispatcher {
	bs := cfg.LogicalBlockSize
	if bs == 0 {
		bs = constants.DefaultLogicalBlockSize
	}
	d := &Dispatcher{vq: vq, backend: cfg.Backend, blockSize: bs, totalSectors: cfg.TotalSectors}
	copy(d.serial[:], cfg.Serial)
	return d
}

// Dispatch validates and executes the request carried by iov, writes a
// status byte according to the outcome, and publishes the chain's
// completion on the owning virtqueue. The only error it returns is a
// failure to publish the completion itself (virtqueue.ErrBroken,
// virtqueue.ErrNotOperational); a malformed or semantically invalid
// request is reflected entirely as a status byte (or, for framing
// errors, as a deliberately untouched one) and never propagates up.
func (d *Dispatcher) Dispatch(iov *virtqueue.IOV) error {
	hdr, data, statusBuf, err := checkFraming(iov)
	if err != nil {
		// Framing error: status byte left exactly as the guest set it.
		return d.vq.PushUsed(iov, 0)
	}

	bio, err := d.buildBio(hdr, data)
	if err != nil {
		statusBuf[0] = StatusIOErr
		return d.vq.PushUsed(iov, 0)
	}

	status := d.execute(bio)
	statusBuf[0] = status
	bytesWritten := uint32(0)
	if status == StatusOK {
		bytesWritten = 1
	}
	return d.vq.PushUsed(iov, bytesWritten)
}

// checkFraming implements rule 1 and rule 2 of the dispatcher's
// validation: chain shape and a recognized request type. A FLUSH chain
// may be just header and status; every other type needs at least one
// data entry between them. It returns
// the decoded header, the data entries between header and status, and
// the status entry's buffer (guaranteed len==1) to write into.
func checkFraming(iov *virtqueue.IOV) (RequestHeader, []virtqueue.IOVEntry, []byte, error) {
	entries := iov.Entries
	if len(entries) < 2 {
		return RequestHeader{}, nil, nil, errkind.New(errkind.Framing, "check_framing", fmt.Errorf("chain has %d entries, need at least 2", len(entries)))
	}

	first := entries[0]
	if first.Write || len(first.Buf) < RequestHeaderSize {
		return RequestHeader{}, nil, nil, errkind.New(errkind.Framing, "check_framing", fmt.Errorf("bad header descriptor: write=%v len=%d", first.Write, len(first.Buf)))
	}

	last := entries[len(entries)-1]
	if !last.Write || len(last.Buf) != 1 {
		return RequestHeader{}, nil, nil, errkind.New(errkind.Framing, "check_framing", fmt.Errorf("bad status descriptor: write=%v len=%d", last.Write, len(last.Buf)))
	}

	hdr := decodeRequestHeader(first.Buf[:RequestHeaderSize])
	if !isKnownType(hdr.Type) {
		return RequestHeader{}, nil, nil, errkind.New(errkind.Framing, "check_framing", fmt.Errorf("unrecognized request type %d", hdr.Type))
	}
	if hdr.Type != TypeFlush && len(entries) < 3 {
		return RequestHeader{}, nil, nil, errkind.New(errkind.Framing, "check_framing", fmt.Errorf("chain has %d entries, need at least 3 for request type %d", len(entries), hdr.Type))
	}

	return hdr, entries[1 : len(entries)-1], last.Buf, nil
}

// buildBio implements rules 3 through 6: buffer-direction conformance,
// per-buffer length granularity, sector-range bounds, and the GET_ID
// special case. Every failure here is Semantic: framing was fine, the
// parameters weren't.
func (d *Dispatcher) buildBio(hdr RequestHeader, data []virtqueue.IOVEntry) (*Bio, error) {
	switch hdr.Type {
	case TypeFlush:
		if len(data) != 0 {
			return nil, errkind.New(errkind.Semantic, "build_bio", fmt.Errorf("FLUSH with %d data buffers, want 0", len(data)))
		}
		return newBio(hdr.Type, 0, 0, nil), nil

	case TypeGetID:
		if err := requireDirection(data, true); err != nil {
			return nil, err
		}
		if total := sumLen(data); total != GetIDResponseLength {
			return nil, errkind.New(errkind.Semantic, "build_bio", fmt.Errorf("GET_ID data is %d bytes, want %d", total, GetIDResponseLength))
		}
		return newBio(hdr.Type, 0, 0, buffersOf(data)), nil

	case TypeIn:
		if err := requireDirection(data, true); err != nil {
			return nil, err
		}
		return d.sectorBio(hdr, data)

	case TypeOut:
		if err := requireDirection(data, false); err != nil {
			return nil, err
		}
		return d.sectorBio(hdr, data)

	case TypeDiscard, TypeWriteZeroes:
		if err := requireDirection(data, false); err != nil {
			return nil, err
		}
		return d.discardBio(hdr, data)

	default:
		return nil, errkind.New(errkind.Semantic, "build_bio", fmt.Errorf("unhandled request type %d", hdr.Type))
	}
}

func requireDirection(data []virtqueue.IOVEntry, write bool) error {
	for _, e := range data {
		if e.Write != write {
			return errkind.New(errkind.Semantic, "require_direction", fmt.Errorf("data buffer direction mismatch: want write=%v", write))
		}
	}
	return nil
}

func sumLen(data []virtqueue.IOVEntry) int {
	n := 0
	for _, e := range data {
		n += len(e.Buf)
	}
	return n
}

func buffersOf(data []virtqueue.IOVEntry) [][]byte {
	bufs := make([][]byte, len(data))
	for i, e := range data {
		bufs[i] = e.Buf
	}
	return bufs
}

func (d *Dispatcher) sectorBio(hdr RequestHeader, data []virtqueue.IOVEntry) (*Bio, error) {
	var totalBytes uint64
	for _, e := range data {
		n := len(e.Buf)
		if n == 0 || uint32(n)%d.blockSize != 0 {
			return nil, errkind.New(errkind.Semantic, "sector_bio", fmt.Errorf("buffer length %d not a nonzero multiple of block size %d", n, d.blockSize))
		}
		totalBytes += uint64(n)
	}

	totalSectors := totalBytes / SectorSize
	if totalSectors == 0 {
		return nil, errkind.New(errkind.Semantic, "sector_bio", fmt.Errorf("zero-length I/O"))
	}
	if hdr.Sector+totalSectors > d.totalSectors {
		return nil, errkind.New(errkind.Semantic, "sector_bio", fmt.Errorf("request [%d,%d) exceeds device size %d sectors", hdr.Sector, hdr.Sector+totalSectors, d.totalSectors))
	}

	return newBio(hdr.Type, hdr.Sector, totalSectors, buffersOf(data)), nil
}

func (d *Dispatcher) discardBio(hdr RequestHeader, data []virtqueue.IOVEntry) (*Bio, error) {
	var totalSectors uint64
	var firstSector uint64
	haveFirst := false

	for _, e := range data {
		n := len(e.Buf)
		if n == 0 || n%discardSegmentSize != 0 {
			return nil, errkind.New(errkind.Semantic, "discard_bio", fmt.Errorf("discard buffer length %d not a nonzero multiple of %d", n, discardSegmentSize))
		}
		for off := 0; off < n; off += discardSegmentSize {
			seg := decodeDiscardSegment(e.Buf[off : off+discardSegmentSize])
			if !haveFirst {
				firstSector = seg.sector
				haveFirst = true
			}
			totalSectors += uint64(seg.numSectors)
			if seg.sector+uint64(seg.numSectors) > d.totalSectors {
				return nil, errkind.New(errkind.Semantic, "discard_bio", fmt.Errorf("discard segment [%d,%d) exceeds device size %d sectors", seg.sector, seg.sector+uint64(seg.numSectors), d.totalSectors))
			}
		}
	}

	if !haveFirst || totalSectors == 0 {
		return nil, errkind.New(errkind.Semantic, "discard_bio", fmt.Errorf("zero-length discard"))
	}

	return newBio(hdr.Type, firstSector, totalSectors, buffersOf(data)), nil
}

// execute runs bio against the backend synchronously and returns the
// status byte to report. A Backend error is always reported as
// StatusIOErr; the specific error is left for the caller's logger.
func (d *Dispatcher) execute(bio *Bio) byte {
	switch bio.Type {
	case TypeIn:
		off := int64(bio.FirstSector) * SectorSize
		for _, buf := range bio.Buffers {
			n, err := d.backend.ReadAt(buf, off)
			if err != nil && n < len(buf) {
				return StatusIOErr
			}
			off += int64(n)
		}
		return StatusOK

	case TypeOut:
		off := int64(bio.FirstSector) * SectorSize
		for _, buf := range bio.Buffers {
			n, err := d.backend.WriteAt(buf, off)
			if err != nil || n != len(buf) {
				return StatusIOErr
			}
			off += int64(n)
		}
		return StatusOK

	case TypeFlush:
		if err := d.backend.Flush(); err != nil {
			return StatusIOErr
		}
		return StatusOK

	case TypeGetID:
		serial := d.serial[:]
		for _, buf := range bio.Buffers {
			n := copy(buf, serial)
			serial = serial[n:]
		}
		return StatusOK

	case TypeDiscard:
		discard, ok := d.backend.(interfaces.DiscardBackend)
		if !ok {
			return StatusUnsupp
		}
		if err := discard.Discard(int64(bio.FirstSector)*SectorSize, int64(bio.TotalSectors)*SectorSize); err != nil {
			return StatusIOErr
		}
		return StatusOK

	case TypeWriteZeroes:
		wz, ok := d.backend.(interfaces.WriteZeroesBackend)
		if !ok {
			return StatusUnsupp
		}
		if err := wz.WriteZeroes(int64(bio.FirstSector)*SectorSize, int64(bio.TotalSectors)*SectorSize); err != nil {
			return StatusIOErr
		}
		return StatusOK

	default:
		return StatusUnsupp
	}
}
