package blkdev

// Bio is the block-I/O descriptor built from one validated virtio-blk
// request: the data buffers with the request header and status byte
// already stripped off, plus the sector range they cover. Dispatch
// executes a Bio against the backend synchronously and writes its
// status byte itself; Bio carries no completion callback of its own.
type Bio struct {
	Type         uint32
	FirstSector  uint64
	TotalSectors uint64
	Buffers      [][]byte // device-readable for OUT/DISCARD/WRITE_ZEROES, writable for IN/GET_ID
}

func newBio(typ uint32, firstSector, totalSectors uint64, buffers [][]byte) *Bio {
	return &Bio{
		Type:         typ,
		FirstSector:  firstSector,
		TotalSectors: totalSectors,
		Buffers:      buffers,
	}
}

// ByteLen returns the total byte length across all data buffers.
func (b *Bio) ByteLen() uint64 {
	var n uint64
	for _, buf := range b.Buffers {
		n += uint64(len(buf))
	}
	return n
}
