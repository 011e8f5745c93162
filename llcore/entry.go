package llcore

import (
	"encoding/binary"

	"github.com/thinpool/spacemap/block"
)

// IndexEntrySize is the fixed on-disk size of an IndexEntry: an 8-byte
// blocknr plus two 4-byte counters.
const IndexEntrySize = 16

// IndexEntry is the per-bitmap-block metadata spec.md §3 describes:
// where the bitmap block lives, how many of its entries are currently
// zero, and a conservative lower bound on the first position that might
// be free. NoneFreeBefore is never required to be tight: it only narrows
// a future find_free scan, and must never exceed the true lowest free
// position.
type IndexEntry struct {
	Blocknr        block.Addr
	NrFree         uint32
	NoneFreeBefore uint32
}

// MarshalBinary encodes ie into a fresh IndexEntrySize-byte slice.
func (ie IndexEntry) MarshalBinary() []byte {
	buf := make([]byte, IndexEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ie.Blocknr))
	binary.LittleEndian.PutUint32(buf[8:12], ie.NrFree)
	binary.LittleEndian.PutUint32(buf[12:16], ie.NoneFreeBefore)
	return buf
}

// unmarshalIndexEntry decodes an IndexEntry from the first IndexEntrySize
// bytes of buf.
func unmarshalIndexEntry(buf []byte) IndexEntry {
	return IndexEntry{
		Blocknr:        block.Addr(binary.LittleEndian.Uint64(buf[0:8])),
		NrFree:         binary.LittleEndian.Uint32(buf[8:12]),
		NoneFreeBefore: binary.LittleEndian.Uint32(buf[12:16]),
	}
}
