package llcore

import (
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/thinpool/spacemap/block"
	"github.com/thinpool/spacemap/btree"
	"github.com/thinpool/spacemap/txmgr"
)

const (
	defaultIndexCacheSize = 1024
	defaultFilterItems    = 100_000
	defaultFilterFalsePos = 0.01
)

// indexInfo describes the disk flavor's index B-tree: a fixed-size
// IndexEntry value, no combinators, no filter of its own (the filter this
// flavor carries sits on the overflow tree, not the index).
var indexInfo = btree.Info{ValueSize: IndexEntrySize}

type diskConfig struct {
	cacheSize   int
	filterItems uint
	filterFP    float64
}

func defaultDiskConfig() diskConfig {
	return diskConfig{
		cacheSize:   defaultIndexCacheSize,
		filterItems: defaultFilterItems,
		filterFP:    defaultFilterFalsePos,
	}
}

// Option configures a disk-flavor LL instance (NewDisk/OpenDisk).
type Option func(*diskConfig)

// WithIndexCacheSize overrides the direct-mapped index-entry cache's slot
// count, which must be a power of two. A non-power-of-two value is
// rejected with ErrInvalidConfig at NewDisk/OpenDisk time.
func WithIndexCacheSize(size int) Option {
	return func(c *diskConfig) { c.cacheSize = size }
}

// WithBloomFilter sizes the overflow tree's existence filter for an
// expected item count and false-positive rate, instead of the defaults.
func WithBloomFilter(estimatedItems uint, falsePositiveRate float64) Option {
	return func(c *diskConfig) {
		c.filterItems = estimatedItems
		c.filterFP = falsePositiveRate
	}
}

// ieCacheSlot is one line of diskIndex's direct-mapped write-back cache.
type ieCacheSlot struct {
	valid bool
	dirty bool
	index uint64
	entry IndexEntry
}

// diskIndex implements indexStore over an unbounded address space
// (spec.md §4.8): the per-bitmap-block index lives as a B-tree, fronted
// by a small direct-mapped cache so a run of Inc/Dec calls against the
// same handful of bitmap blocks doesn't pay a tree lookup per bit.
type diskIndex struct {
	st    *State
	cache []ieCacheSlot
}

// hashIndex is an avalanching 64-bit mixer (the splitmix64 finalizer) used
// to place an index entry in the direct-mapped cache.
func hashIndex(index uint64) uint64 {
	x := index
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func (di *diskIndex) slotNum(index uint64) int {
	return int(hashIndex(index) & uint64(len(di.cache)-1))
}

func (di *diskIndex) initIndex() error {
	root, err := btree.Empty(di.st.tm, indexInfo)
	if err != nil {
		return fmt.Errorf("llcore: alloc index tree: %w", err)
	}
	di.st.bitmapRoot = root
	return nil
}

func (di *diskIndex) openIndex() error {
	return nil
}

func (di *diskIndex) writeBackSlot(slotNum int) error {
	slot := &di.cache[slotNum]
	if !slot.valid || !slot.dirty {
		return nil
	}
	newRoot, err := btree.Insert(di.st.tm, indexInfo, di.st.bitmapRoot, slot.index, slot.entry.MarshalBinary())
	if err != nil {
		return fmt.Errorf("llcore: write back index entry %d: %w", slot.index, err)
	}
	di.st.bitmapRoot = newRoot
	slot.dirty = false
	return nil
}

func (di *diskIndex) loadIE(index uint64) (IndexEntry, error) {
	slotNum := di.slotNum(index)
	slot := di.cache[slotNum]
	if slot.valid && slot.index == index {
		return slot.entry, nil
	}
	if err := di.writeBackSlot(slotNum); err != nil {
		return IndexEntry{}, err
	}

	var raw [IndexEntrySize]byte
	if err := btree.Lookup(di.st.tm, indexInfo, di.st.bitmapRoot, index, raw[:]); err != nil {
		return IndexEntry{}, fmt.Errorf("llcore: load index entry %d: %w", index, err)
	}
	ie := unmarshalIndexEntry(raw[:])
	di.cache[slotNum] = ieCacheSlot{valid: true, index: index, entry: ie}
	return ie, nil
}

func (di *diskIndex) saveIE(index uint64, ie IndexEntry) error {
	slotNum := di.slotNum(index)
	if di.cache[slotNum].valid && di.cache[slotNum].index != index {
		if err := di.writeBackSlot(slotNum); err != nil {
			return err
		}
	}
	di.cache[slotNum] = ieCacheSlot{valid: true, dirty: true, index: index, entry: ie}
	di.st.bitmapIndexChanged = true
	return nil
}

// maxEntries reports an address space effectively unbounded by the index
// representation itself (the B-tree has no fixed capacity); the space
// map's logical size is bounded only by the underlying block device.
func (di *diskIndex) maxEntries() uint64 { return ^uint64(0) }

func (di *diskIndex) commit() error {
	for i := range di.cache {
		if err := di.writeBackSlot(i); err != nil {
			return err
		}
	}
	return nil
}

// NewDisk creates an empty LL instance backed by the unbounded,
// B-tree-indexed specialization used for a thin-pool data device.
func NewDisk(tm *txmgr.TransactionManager, opts ...Option) (*State, error) {
	cfg := defaultDiskConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cacheSize <= 0 || cfg.cacheSize&(cfg.cacheSize-1) != 0 {
		return nil, fmt.Errorf("%w: index cache size %d is not a power of two", ErrInvalidConfig, cfg.cacheSize)
	}

	epb, err := entriesPerBlockFor(tm.BlockSize())
	if err != nil {
		return nil, err
	}

	st := &State{
		tm:              tm,
		blockSize:       tm.BlockSize(),
		entriesPerBlock: epb,
		filter:          bloom.NewWithEstimates(cfg.filterItems, cfg.filterFP),
	}
	di := &diskIndex{st: st, cache: make([]ieCacheSlot, cfg.cacheSize)}
	st.index = di
	if err := di.initIndex(); err != nil {
		return nil, err
	}

	refRoot, err := btree.Empty(tm, st.overflowInfo())
	if err != nil {
		return nil, err
	}
	st.refCountRoot = refRoot
	return st, nil
}

// OpenDisk rehydrates an LL instance from a previously serialized Root,
// using the B-tree-indexed specialization. The overflow tree's existence
// filter is rebuilt from scratch since it is never itself persisted.
func OpenDisk(tm *txmgr.TransactionManager, root Root, opts ...Option) (*State, error) {
	cfg := defaultDiskConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cacheSize <= 0 || cfg.cacheSize&(cfg.cacheSize-1) != 0 {
		return nil, fmt.Errorf("%w: index cache size %d is not a power of two", ErrInvalidConfig, cfg.cacheSize)
	}

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
		filter:          bloom.NewWithEstimates(cfg.filterItems, cfg.filterFP),
	}
	di := &diskIndex{st: st, cache: make([]ieCacheSlot, cfg.cacheSize)}
	st.index = di
	if err := di.openIndex(); err != nil {
		return nil, err
	}
	if err := btree.RebuildFilter(tm, st.overflowInfo(), st.refCountRoot, st.filter); err != nil {
		return nil, fmt.Errorf("llcore: rebuild overflow filter: %w", err)
	}
	return st, nil
}
