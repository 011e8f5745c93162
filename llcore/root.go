package llcore

import (
	"encoding/binary"
	"fmt"
)

// RootSize is the fixed on-disk length of a serialized Root.
const RootSize = 32

// Root is the persistent descriptor spec.md §4.9 calls disk_sm_root: the
// handful of fields an LL instance needs to rehydrate itself from. The
// enclosing space-map layer (out of scope here) is responsible for
// writing it at commit time and handing it back to OpenMetadata/OpenDisk.
type Root struct {
	NrBlocks     uint64
	NrAllocated  uint64
	BitmapRoot   uint64
	RefCountRoot uint64
}

// MarshalBinary encodes r as a fixed-length little-endian record.
func (r Root) MarshalBinary() []byte {
	buf := make([]byte, RootSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.NrBlocks)
	binary.LittleEndian.PutUint64(buf[8:16], r.NrAllocated)
	binary.LittleEndian.PutUint64(buf[16:24], r.BitmapRoot)
	binary.LittleEndian.PutUint64(buf[24:32], r.RefCountRoot)
	return buf
}

// UnmarshalRoot decodes a Root from buf, which must be at least RootSize
// bytes. A shorter buffer is ErrTooSmall.
func UnmarshalRoot(buf []byte) (Root, error) {
	if len(buf) < RootSize {
		return Root{}, fmt.Errorf("%w: need %d bytes, got %d", ErrTooSmall, RootSize, len(buf))
	}
	return Root{
		NrBlocks:     binary.LittleEndian.Uint64(buf[0:8]),
		NrAllocated:  binary.LittleEndian.Uint64(buf[8:16]),
		BitmapRoot:   binary.LittleEndian.Uint64(buf[16:24]),
		RefCountRoot: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}
