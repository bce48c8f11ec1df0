package constants

// Split virtqueue layout constants (virtio 1.x, §2.6 of the virtio spec).
const (
	// DescriptorSize is the size in bytes of one descriptor table entry.
	DescriptorSize = 16

	// MaxQueueSize is the largest queue size this engine will accept.
	// Must stay a power of two. Attach does not compare against it: it
	// requires a nonzero power-of-two uint16, and no such value exceeds this.
	MaxQueueSize = 32768

	// DescFlagNext marks a descriptor as chained to desc.Next.
	DescFlagNext = 0x1
	// DescFlagWrite marks a descriptor as device-writable (the device
	// writes into the buffer); descriptors without this bit are device-readable.
	DescFlagWrite = 0x2
	// DescFlagIndirect marks a descriptor's Addr/Len as pointing at an
	// indirect descriptor table instead of a data buffer.
	DescFlagIndirect = 0x4

	// MaxChainDescriptors bounds descriptor-chain walks so a corrupt or
	// malicious ring can never cause an unbounded loop.
	MaxChainDescriptors = 1 << 16
)

// Inflight shadow region layout (crash-recoverable inflight tracking).
//
//	offset  size  field
//	 0      2     version              (LE, = 1)
//	 2      2     reserved
//	 4      4     desc_num
//	 8      8     used_idx             (low 16 bits live)
//	16      8     old_used_idx
//	24      1     used_idx_ok
//	25      7     pad
//	32      N*16  desc[N]: counter u64 | inflight u8 | pad 7
const (
	// InflightVersion is the only region format version this engine writes
	// or accepts on attach.
	InflightVersion = 1

	// InflightHeaderSize is the fixed size of the inflight region header,
	// padded so the descriptor array starts on a 32-byte boundary.
	InflightHeaderSize = 32

	// InflightDescSize is the size of one per-descriptor inflight record.
	InflightDescSize = 16

	// InflightHeaderOffsetVersion through InflightHeaderOffsetUsedIdxOK are
	// the exact byte offsets of each header field, relative to the start
	// of the region. used_idx and old_used_idx are 8-byte fields on disk
	// even though only values up to a uint16 queue size are ever stored in
	// them.
	InflightHeaderOffsetVersion    = 0
	InflightHeaderOffsetReserved   = 2
	InflightHeaderOffsetDescNum    = 4
	InflightHeaderOffsetUsedIdx    = 8
	InflightHeaderOffsetOldUsedIdx = 16
	InflightHeaderOffsetUsedIdxOK  = 24
)

// DefaultLogicalBlockSize is the default virtio-blk logical sector size.
const DefaultLogicalBlockSize = 512

// GetIDResponseLength is the fixed response length for a VIRTIO_BLK_T_GET_ID
// request, per the virtio spec (20-byte serial string, NUL-padded).
const GetIDResponseLength = 20
