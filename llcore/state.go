// Package llcore is the low-level space-map layer: a two-bit-per-block
// bitmap with B-tree overflow storage for exact reference counts >= 3,
// range increment/decrement that keeps the bitmap, the per-bitmap-block
// index, the overflow tree, and the allocated-block counter mutually
// consistent, all driven through a txmgr.TransactionManager so every
// mutation is copy-on-write.
//
// Two specializations share this file's algorithms: metadataIndex keeps
// the per-bitmap-block index as a flat array in one shadowed block
// (bounded address space, for the thin-pool metadata device itself);
// diskIndex keeps it as a B-tree fronted by a small write-back cache
// (unbounded address space, for the data device).
package llcore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/thinpool/spacemap/bitmap"
	"github.com/thinpool/spacemap/block"
	"github.com/thinpool/spacemap/btree"
	"github.com/thinpool/spacemap/txmgr"
)

// indexStore is the "vtable" spec.md §3/§9 describes as six function
// pointers: a narrow Go interface with two implementations
// (metadataIndex, diskIndex) rather than inheritance.
type indexStore interface {
	loadIE(index uint64) (IndexEntry, error)
	saveIE(index uint64, ie IndexEntry) error
	initIndex() error
	openIndex() error
	maxEntries() uint64
	commit() error
}

// State is one LL space-map instance: the bitmap/index/overflow-tree
// triple plus the aggregate counters spec.md §3 groups under "LL state".
// It is not safe for concurrent use — spec.md §5 assumes one writer per
// transaction, serialized externally.
type State struct {
	tm              *txmgr.TransactionManager
	blockSize       int
	entriesPerBlock uint32

	nrBlocks    uint64
	nrAllocated uint64

	bitmapRoot   block.Addr
	refCountRoot block.Addr

	bitmapIndexChanged bool

	index indexStore

	// filter is an optional existence pre-check over the overflow tree's
	// keys. Only the disk flavor attaches one (NewDisk/OpenDisk); the
	// metadata flavor's overflow tree is small enough that the filter
	// would cost more than the leaf-walk it skips.
	filter *bloom.BloomFilter
}

// overflowInfo describes the overflow B-tree's value shape: an exact
// 32-bit refcount, no per-value combinators (spec.md §6: "info record...
// optional inc/dec/equal hooks — all absent here").
func (st *State) overflowInfo() btree.Info {
	return btree.Info{ValueSize: 4, Filter: st.filter}
}

func payload(blockData []byte) []byte { return blockData[blockHeaderSize:] }

func ceilDiv(n, d uint64) uint64 {
	if n == 0 {
		return 0
	}
	return (n + d - 1) / d
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// entriesPerBlockFor computes spec.md §3's entries_per_block for a given
// block size, rejecting sizes whose payload wouldn't fit a whole number
// of 64-bit bitmap words.
func entriesPerBlockFor(blockSize int) (uint32, error) {
	payloadBytes := blockSize - blockHeaderSize
	if payloadBytes <= 0 || payloadBytes%8 != 0 {
		return 0, fmt.Errorf("%w: block size %d leaves a payload not a multiple of 8 bytes", ErrInvalidConfig, blockSize)
	}
	entries := uint64(payloadBytes) * 4
	if entries > 1<<32-1 {
		return 0, fmt.Errorf("%w: block size %d yields entries_per_block beyond 32 bits", ErrInvalidConfig, blockSize)
	}
	return uint32(entries), nil
}

// NrBlocks returns the size of the logical block-address universe.
func (st *State) NrBlocks() uint64 { return st.nrBlocks }

// NrAllocated returns the count of blocks with refcount >= 1.
func (st *State) NrAllocated() uint64 { return st.nrAllocated }

// BlockSize returns the underlying device's fixed block size.
func (st *State) BlockSize() int { return st.blockSize }

// lookupBitmap bounds-checks b, resolves it to (bitmap index, bit
// offset), loads the owning index entry, and returns the raw 0-3 bitmap
// value stored there.
func (st *State) lookupBitmap(b uint64) (v uint32, i uint64, j uint32, err error) {
	if b >= st.nrBlocks {
		return 0, 0, 0, fmt.Errorf("%w: %d >= %d", ErrOutOfBounds, b, st.nrBlocks)
	}
	i = b / uint64(st.entriesPerBlock)
	j = uint32(b - i*uint64(st.entriesPerBlock))

	ie, err := st.index.loadIE(i)
	if err != nil {
		return 0, 0, 0, err
	}
	lease, err := st.tm.ReadLock(ie.Blocknr, BitmapValidator{})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("llcore: read bitmap block: %w", err)
	}
	v = bitmap.Lookup(payload(lease.Data), j)
	if err := st.tm.Unlock(lease); err != nil {
		return 0, 0, 0, err
	}
	return v, i, j, nil
}

// Lookup returns the exact refcount of block b.
func (st *State) Lookup(b uint64) (uint32, error) {
	v, _, _, err := st.lookupBitmap(b)
	if err != nil {
		return 0, err
	}
	if v != 3 {
		return v, nil
	}
	var raw [4]byte
	if err := btree.Lookup(st.tm, st.overflowInfo(), st.refCountRoot, b, raw[:]); err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			return 0, fmt.Errorf("%w: block %d", ErrMissingOverflow, b)
		}
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}

// FindFreeBlock returns the first block in [begin, end) with refcount 0,
// or ErrNoSpace if none exists. ie.NoneFreeBefore only narrows the scan
// within one bitmap block; a NoSpace from one bitmap is never treated as
// authoritative for the whole range.
func (st *State) FindFreeBlock(begin, end uint64) (uint64, error) {
	if end > st.nrBlocks {
		end = st.nrBlocks
	}
	if begin >= end {
		return 0, ErrNoSpace
	}

	epb := uint64(st.entriesPerBlock)
	beginIndex := begin / epb
	endIndex := ceilDiv(end, epb)

	for i := beginIndex; i < endIndex; i++ {
		ie, err := st.index.loadIE(i)
		if err != nil {
			return 0, err
		}
		if ie.NrFree == 0 {
			continue
		}

		bitBegin := uint32(0)
		if i == beginIndex {
			bitBegin = uint32(begin - i*epb)
		}
		if ie.NoneFreeBefore > bitBegin {
			bitBegin = ie.NoneFreeBefore
		}
		bitEnd := st.entriesPerBlock
		if i == endIndex-1 {
			last := uint32(end - i*epb)
			if last < bitEnd {
				bitEnd = last
			}
		}
		if bitBegin >= bitEnd {
			continue
		}

		lease, err := st.tm.ReadLock(ie.Blocknr, BitmapValidator{})
		if err != nil {
			return 0, fmt.Errorf("llcore: read bitmap block: %w", err)
		}
		pos, ferr := bitmap.FindFree(payload(lease.Data), bitBegin, bitEnd)
		if err := st.tm.Unlock(lease); err != nil {
			return 0, err
		}
		if ferr != nil {
			if errors.Is(ferr, bitmap.ErrNoSpace) {
				continue
			}
			return 0, ferr
		}
		return i*epb + uint64(pos), nil
	}
	return 0, ErrNoSpace
}

// FindCommonFreeBlock finds a block free in st ("new") whose previous
// incarnation in old ("old", typically the space map as of the last
// commit) is also free, so callers can shadow into it without disturbing
// a block still needed for rollback.
func (st *State) FindCommonFreeBlock(old *State, begin, end uint64) (uint64, error) {
	for {
		b, err := st.FindFreeBlock(begin, end)
		if err != nil {
			return 0, err
		}
		if b >= old.nrBlocks {
			return b, nil
		}
		v, err := old.Lookup(b)
		if err != nil {
			return 0, err
		}
		if v == 0 {
			return b, nil
		}
		begin = b + 1
	}
}

// Insert sets block b's refcount to the absolute value refCount,
// returning the net change in nr_allocated (+1, -1, or 0). The original
// source carries a second `if (r)` early-exit here that is always false
// by construction at that point; it is omitted (see DESIGN.md).
func (st *State) Insert(b uint64, refCount uint32) (int, error) {
	if b >= st.nrBlocks {
		return 0, fmt.Errorf("%w: %d >= %d", ErrOutOfBounds, b, st.nrBlocks)
	}
	i := b / uint64(st.entriesPerBlock)
	j := uint32(b - i*uint64(st.entriesPerBlock))

	ie, err := st.index.loadIE(i)
	if err != nil {
		return 0, err
	}

	lease, _, err := st.tm.ShadowBlock(ie.Blocknr, BitmapValidator{})
	if err != nil {
		return 0, fmt.Errorf("llcore: shadow bitmap block: %w", err)
	}
	ie.Blocknr = lease.Addr

	oldV := bitmap.Lookup(payload(lease.Data), j)
	var oldCount uint32
	if oldV == 3 {
		var raw [4]byte
		if err := btree.Lookup(st.tm, st.overflowInfo(), st.refCountRoot, b, raw[:]); err != nil {
			st.tm.Unlock(lease)
			if errors.Is(err, btree.ErrNotFound) {
				return 0, fmt.Errorf("%w: block %d", ErrMissingOverflow, b)
			}
			return 0, err
		}
		oldCount = binary.LittleEndian.Uint32(raw[:])
	} else {
		oldCount = oldV
	}

	if refCount <= 2 {
		bitmap.Set(payload(lease.Data), j, refCount)
		if oldV == 3 {
			newRoot, err := btree.Remove(st.tm, st.overflowInfo(), st.refCountRoot, b)
			if err != nil {
				st.tm.Unlock(lease)
				return 0, err
			}
			st.refCountRoot = newRoot
		}
	} else {
		bitmap.Set(payload(lease.Data), j, 3)
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], refCount)
		newRoot, err := btree.Insert(st.tm, st.overflowInfo(), st.refCountRoot, b, raw[:])
		if err != nil {
			st.tm.Unlock(lease)
			return 0, err
		}
		st.refCountRoot = newRoot
	}

	delta := 0
	switch {
	case oldCount == 0 && refCount > 0:
		ie.NrFree--
		if ie.NoneFreeBefore == j {
			ie.NoneFreeBefore = j + 1
		}
		st.nrAllocated++
		delta = 1
	case oldCount > 0 && refCount == 0:
		ie.NrFree++
		if j < ie.NoneFreeBefore {
			ie.NoneFreeBefore = j
		}
		st.nrAllocated--
		delta = -1
	}

	if err := st.tm.Unlock(lease); err != nil {
		return 0, err
	}
	if err := st.index.saveIE(i, ie); err != nil {
		return 0, err
	}
	return delta, nil
}

// Commit flushes any cached index state (the disk flavor's write-back
// cache; a no-op array copy for the metadata flavor) and, only if
// something actually changed since the last commit, re-shadows the index
// root. A second consecutive Commit with nothing dirty is a no-op.
func (st *State) Commit() error {
	if err := st.index.commit(); err != nil {
		return err
	}
	st.bitmapIndexChanged = false
	return nil
}
