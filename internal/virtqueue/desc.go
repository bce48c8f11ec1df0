package virtqueue

import (
	"encoding/binary"

	"github.com/behrlich/vhost-blk/internal/constants"
)

// Descriptor is one decoded split-virtqueue descriptor table entry.
// The wire layout (16 bytes, little-endian) is:
//
//	addr  u64  offset 0
//	len   u32  offset 8
//	flags u16  offset 12
//	next  u16  offset 14
//
// Descriptor is decoded field-by-field rather than overlaid with unsafe,
// since it describes bytes written by an untrusted peer.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// HasNext reports whether this descriptor chains to Next.
func (d Descriptor) HasNext() bool { return d.Flags&constants.DescFlagNext != 0 }

// IsWrite reports whether this descriptor is device-writable
// (VIRTQ_DESC_F_WRITE set — the device writes into guest memory here).
func (d Descriptor) IsWrite() bool { return d.Flags&constants.DescFlagWrite != 0 }

// IsIndirect reports whether Addr/Len describe an indirect descriptor
// table rather than a data buffer.
func (d Descriptor) IsIndirect() bool { return d.Flags&constants.DescFlagIndirect != 0 }

// DecodeDescriptor parses one 16-byte little-endian descriptor entry.
func DecodeDescriptor(b []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// EncodeDescriptor writes d in wire format into b, which must be at
// least DescriptorSize bytes.
func EncodeDescriptor(b []byte, d Descriptor) {
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

// DescriptorAt decodes the descriptor at index idx within a descriptor
// table occupying table (idx*DescriptorSize bytes per entry).
func DescriptorAt(table []byte, idx uint16) Descriptor {
	off := int(idx) * constants.DescriptorSize
	return DecodeDescriptor(table[off : off+constants.DescriptorSize])
}
