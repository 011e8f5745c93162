package llcore

import (
	"fmt"

	"github.com/thinpool/spacemap/block"
	"github.com/thinpool/spacemap/btree"
	"github.com/thinpool/spacemap/txmgr"
)

// MaxMetadataBitmaps bounds the metadata flavor's bitmap-index universe:
// however many fixed-size IndexEntry records fit in one block alongside
// its header.
func MaxMetadataBitmaps(blockSize int) uint64 {
	return uint64((blockSize - blockHeaderSize) / IndexEntrySize)
}

// metadataIndex implements indexStore by keeping the whole per-bitmap-
// block index as a flat in-memory array, shadow-rewritten as a single
// block at commit. This is spec.md §4.7's bounded-address-space flavor.
type metadataIndex struct {
	st      *State
	entries []IndexEntry
}

func newMetadataIndex(st *State) *metadataIndex {
	return &metadataIndex{
		st:      st,
		entries: make([]IndexEntry, MaxMetadataBitmaps(st.blockSize)),
	}
}

func (mi *metadataIndex) initIndex() error {
	lease, err := mi.st.tm.NewBlock(IndexValidator{})
	if err != nil {
		return fmt.Errorf("llcore: allocate index block: %w", err)
	}
	mi.st.bitmapRoot = lease.Addr
	return mi.st.tm.Unlock(lease)
}

func (mi *metadataIndex) openIndex() error {
	lease, err := mi.st.tm.ReadLock(mi.st.bitmapRoot, IndexValidator{})
	if err != nil {
		return fmt.Errorf("llcore: read index block: %w", err)
	}
	body := lease.Data[blockHeaderSize:]
	for i := range mi.entries {
		off := i * IndexEntrySize
		mi.entries[i] = unmarshalIndexEntry(body[off : off+IndexEntrySize])
	}
	return mi.st.tm.Unlock(lease)
}

func (mi *metadataIndex) loadIE(index uint64) (IndexEntry, error) {
	if index >= uint64(len(mi.entries)) {
		return IndexEntry{}, fmt.Errorf("%w: index %d >= %d", ErrTooLarge, index, len(mi.entries))
	}
	return mi.entries[index], nil
}

func (mi *metadataIndex) saveIE(index uint64, ie IndexEntry) error {
	if index >= uint64(len(mi.entries)) {
		return fmt.Errorf("%w: index %d >= %d", ErrTooLarge, index, len(mi.entries))
	}
	mi.entries[index] = ie
	mi.st.bitmapIndexChanged = true
	return nil
}

func (mi *metadataIndex) maxEntries() uint64 { return uint64(len(mi.entries)) }

func (mi *metadataIndex) commit() error {
	if !mi.st.bitmapIndexChanged {
		return nil
	}
	lease, _, err := mi.st.tm.ShadowBlock(mi.st.bitmapRoot, IndexValidator{})
	if err != nil {
		return fmt.Errorf("llcore: shadow index block: %w", err)
	}
	body := lease.Data[blockHeaderSize:]
	for i, ie := range mi.entries {
		off := i * IndexEntrySize
		copy(body[off:off+IndexEntrySize], ie.MarshalBinary())
	}
	mi.st.bitmapRoot = lease.Addr
	return mi.st.tm.Unlock(lease)
}

// NewMetadata creates an empty LL instance backed by the bounded,
// array-in-a-block index specialization.
func NewMetadata(tm *txmgr.TransactionManager) (*State, error) {
	epb, err := entriesPerBlockFor(tm.BlockSize())
	if err != nil {
		return nil, err
	}
	st := &State{tm: tm, blockSize: tm.BlockSize(), entriesPerBlock: epb}
	mi := newMetadataIndex(st)
	st.index = mi
	if err := mi.initIndex(); err != nil {
		return nil, err
	}
	refRoot, err := btree.Empty(tm, st.overflowInfo())
	if err != nil {
		return nil, err
	}
	st.refCountRoot = refRoot
	return st, nil
}

// OpenMetadata rehydrates an LL instance from a previously serialized
// Root, using the bounded index specialization.
func OpenMetadata(tm *txmgr.TransactionManager, root Root) (*State, error) {
	epb, err := entriesPerBlockFor(tm.BlockSize())
	if err != nil {
		return nil, err
	}
	st := &State{
		tm:              tm,
		blockSize:       tm.BlockSize(),
		entriesPerBlock: epb,
		nrBlocks:        root.NrBlocks,
		nrAllocated:     root.NrAllocated,
		bitmapRoot:      block.Addr(root.BitmapRoot),
		refCountRoot:    block.Addr(root.RefCountRoot),
	}
	mi := newMetadataIndex(st)
	st.index = mi
	if err := mi.openIndex(); err != nil {
		return nil, err
	}
	return st, nil
}
