package llcore

import (
	"encoding/binary"
	"fmt"

	"github.com/thinpool/spacemap/bitmap"
	"github.com/thinpool/spacemap/block"
	"github.com/thinpool/spacemap/btree"
	"github.com/thinpool/spacemap/txmgr"
)

// incContext is the scoped resource guard spec.md §5/§9 calls for: at
// most one locked bitmap block and one locked overflow-tree leaf, held
// across a run of range-increment or range-decrement steps so repeated
// bits don't pay for repeated lock acquisition. exit releases whatever is
// still held, in the reverse order it would have been acquired, and is
// safe to call any number of times.
type incContext struct {
	tm *txmgr.TransactionManager

	bitmapLease   *block.Lease
	overflowLease *block.Lease
	overflowIndex int
}

func (ic *incContext) releaseOverflow() error {
	if ic.overflowLease == nil {
		return nil
	}
	err := ic.tm.Unlock(ic.overflowLease)
	ic.overflowLease = nil
	return err
}

func (ic *incContext) releaseBitmap() error {
	if ic.bitmapLease == nil {
		return nil
	}
	err := ic.tm.Unlock(ic.bitmapLease)
	ic.bitmapLease = nil
	return err
}

func (ic *incContext) exit() {
	ic.releaseOverflow()
	ic.releaseBitmap()
}

// Inc increments the refcount of every block in [begin, end), returning
// the net change in nr_allocated. Within one bitmap block the shadowed
// lease is held across every bit; it is released only when a transition
// needs the overflow tree (which may itself allocate, recursing through
// the same transaction), then reacquired with a plain write lock since it
// was already shadowed once this step.
func (st *State) Inc(begin, end uint64) (int, error) {
	if end > st.nrBlocks || begin > end {
		return 0, fmt.Errorf("%w: range [%d,%d) against %d blocks", ErrOutOfBounds, begin, end, st.nrBlocks)
	}

	ic := &incContext{tm: st.tm}
	defer ic.exit()

	epb := uint64(st.entriesPerBlock)
	total := 0
	b := begin
	for b < end {
		i := b / epb
		ie, err := st.index.loadIE(i)
		if err != nil {
			return total, err
		}

		lease, _, err := st.tm.ShadowBlock(ie.Blocknr, BitmapValidator{})
		if err != nil {
			return total, fmt.Errorf("llcore: shadow bitmap block: %w", err)
		}
		ie.Blocknr = lease.Addr
		ic.bitmapLease = lease

		jStart := uint32(b - i*epb)
		bitEnd := jStart + uint32(minU64(end-b, epb-uint64(jStart)))

		for j := jStart; j < bitEnd; j++ {
			delta, err := st.incOneBit(ic, &ie, i, j)
			if err != nil {
				return total, err
			}
			total += delta
		}

		if err := ic.releaseBitmap(); err != nil {
			return total, err
		}
		if err := st.index.saveIE(i, ie); err != nil {
			return total, err
		}
		b += uint64(bitEnd - jStart)
	}
	return total, nil
}

// incOneBit applies the transition table spec.md §4.4 gives for one bit.
func (st *State) incOneBit(ic *incContext, ie *IndexEntry, i uint64, j uint32) (int, error) {
	old := bitmap.Lookup(payload(ic.bitmapLease.Data), j)
	b := i*uint64(st.entriesPerBlock) + uint64(j)

	switch old {
	case 0:
		bitmap.Set(payload(ic.bitmapLease.Data), j, 1)
		ie.NrFree--
		if ie.NoneFreeBefore == j {
			ie.NoneFreeBefore = j + 1
		}
		st.nrAllocated++
		return 1, nil

	case 1:
		bitmap.Set(payload(ic.bitmapLease.Data), j, 2)
		return 0, nil

	case 2:
		if err := ic.releaseOverflow(); err != nil {
			return 0, err
		}
		if err := ic.releaseBitmap(); err != nil {
			return 0, err
		}
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], 3)
		newRoot, err := btree.Insert(st.tm, st.overflowInfo(), st.refCountRoot, b, raw[:])
		if err != nil {
			return 0, err
		}
		st.refCountRoot = newRoot

		lease, err := st.tm.WriteLock(ie.Blocknr, BitmapValidator{})
		if err != nil {
			return 0, fmt.Errorf("llcore: reacquire bitmap block: %w", err)
		}
		ic.bitmapLease = lease
		bitmap.Set(payload(ic.bitmapLease.Data), j, 3)
		return 0, nil

	case 3:
		if ic.overflowLease != nil && btree.LeafContainsKey(ic.overflowLease, ic.overflowIndex, 4, b) {
			v := btree.LeafValue(ic.overflowLease, ic.overflowIndex, 4)
			binary.LittleEndian.PutUint32(v, binary.LittleEndian.Uint32(v)+1)
			return 0, nil
		}
		if err := ic.releaseOverflow(); err != nil {
			return 0, err
		}
		newRoot, idx, leaf, err := btree.GetOverwriteLeaf(st.tm, st.overflowInfo(), st.refCountRoot, b)
		if err != nil {
			return 0, err
		}
		st.refCountRoot = newRoot
		if !btree.LeafContainsKey(leaf, idx, 4, b) {
			st.tm.Unlock(leaf)
			return 0, fmt.Errorf("%w: block %d", ErrMissingOverflow, b)
		}
		v := btree.LeafValue(leaf, idx, 4)
		binary.LittleEndian.PutUint32(v, binary.LittleEndian.Uint32(v)+1)
		ic.overflowLease = leaf
		ic.overflowIndex = idx
		return 0, nil
	}
	panic(fmt.Sprintf("llcore: impossible bitmap value %d", old))
}

// Dec decrements the refcount of every block in [begin, end), returning
// the net change in nr_allocated. Decrementing a block whose refcount is
// already 0 is ErrCannotDecZero.
func (st *State) Dec(begin, end uint64) (int, error) {
	if end > st.nrBlocks || begin > end {
		return 0, fmt.Errorf("%w: range [%d,%d) against %d blocks", ErrOutOfBounds, begin, end, st.nrBlocks)
	}

	ic := &incContext{tm: st.tm}
	defer ic.exit()

	epb := uint64(st.entriesPerBlock)
	total := 0
	b := begin
	for b < end {
		i := b / epb
		ie, err := st.index.loadIE(i)
		if err != nil {
			return total, err
		}

		lease, _, err := st.tm.ShadowBlock(ie.Blocknr, BitmapValidator{})
		if err != nil {
			return total, fmt.Errorf("llcore: shadow bitmap block: %w", err)
		}
		ie.Blocknr = lease.Addr
		ic.bitmapLease = lease

		jStart := uint32(b - i*epb)
		bitEnd := jStart + uint32(minU64(end-b, epb-uint64(jStart)))

		for j := jStart; j < bitEnd; j++ {
			delta, err := st.decOneBit(ic, &ie, i, j)
			if err != nil {
				return total, err
			}
			total += delta
		}

		if err := ic.releaseBitmap(); err != nil {
			return total, err
		}
		if err := st.index.saveIE(i, ie); err != nil {
			return total, err
		}
		b += uint64(bitEnd - jStart)
	}
	return total, nil
}

// decOneBit applies the transition table spec.md §4.5 gives for one bit.
func (st *State) decOneBit(ic *incContext, ie *IndexEntry, i uint64, j uint32) (int, error) {
	old := bitmap.Lookup(payload(ic.bitmapLease.Data), j)
	b := i*uint64(st.entriesPerBlock) + uint64(j)

	switch old {
	case 0:
		return 0, fmt.Errorf("%w: block %d", ErrCannotDecZero, b)

	case 1:
		bitmap.Set(payload(ic.bitmapLease.Data), j, 0)
		ie.NrFree++
		if j < ie.NoneFreeBefore {
			ie.NoneFreeBefore = j
		}
		st.nrAllocated--
		return -1, nil

	case 2:
		bitmap.Set(payload(ic.bitmapLease.Data), j, 1)
		return 0, nil

	case 3:
		var leaf *block.Lease
		var idx int
		if ic.overflowLease != nil && btree.LeafContainsKey(ic.overflowLease, ic.overflowIndex, 4, b) {
			leaf = ic.overflowLease
			idx = ic.overflowIndex
			ic.overflowLease = nil
		} else {
			if err := ic.releaseOverflow(); err != nil {
				return 0, err
			}
			newRoot, gidx, gleaf, err := btree.GetOverwriteLeaf(st.tm, st.overflowInfo(), st.refCountRoot, b)
			if err != nil {
				return 0, err
			}
			st.refCountRoot = newRoot
			if !btree.LeafContainsKey(gleaf, gidx, 4, b) {
				st.tm.Unlock(gleaf)
				return 0, fmt.Errorf("%w: block %d", ErrMissingOverflow, b)
			}
			leaf, idx = gleaf, gidx
		}

		v := btree.LeafValue(leaf, idx, 4)
		cur := binary.LittleEndian.Uint32(v)
		binary.LittleEndian.PutUint32(v, cur-1)

		if cur == 3 {
			if err := st.tm.Unlock(leaf); err != nil {
				return 0, err
			}
			newRoot, err := btree.Remove(st.tm, st.overflowInfo(), st.refCountRoot, b)
			if err != nil {
				return 0, err
			}
			st.refCountRoot = newRoot
			bitmap.Set(payload(ic.bitmapLease.Data), j, 2)
			return 0, nil
		}

		ic.overflowLease = leaf
		ic.overflowIndex = idx
		return 0, nil
	}
	panic(fmt.Sprintf("llcore: impossible bitmap value %d", old))
}

// Extend grows the logical block-address universe by extra blocks,
// allocating whatever new bitmap blocks are needed. nr_blocks is updated
// before any allocation happens: the allocator backing the transaction
// manager may itself be a space map whose own bookkeeping calls back into
// this instance, and that callback must see the enlarged universe.
func (st *State) Extend(extra uint64) error {
	newNr := st.nrBlocks + extra
	epb := uint64(st.entriesPerBlock)
	oldIndexes := ceilDiv(st.nrBlocks, epb)
	newIndexes := ceilDiv(newNr, epb)

	if newIndexes > st.index.maxEntries() {
		return fmt.Errorf("%w: %d index entries exceeds capacity %d", ErrTooLarge, newIndexes, st.index.maxEntries())
	}

	st.nrBlocks = newNr

	for i := oldIndexes; i < newIndexes; i++ {
		lease, err := st.tm.NewBlock(BitmapValidator{})
		if err != nil {
			return fmt.Errorf("llcore: allocate bitmap block %d: %w", i, err)
		}
		for k := range payload(lease.Data) {
			payload(lease.Data)[k] = 0
		}
		addr := lease.Addr
		if err := st.tm.Unlock(lease); err != nil {
			return err
		}

		validCount := uint32(minU64(epb, newNr-i*epb))
		if err := st.index.saveIE(i, IndexEntry{Blocknr: addr, NrFree: validCount, NoneFreeBefore: 0}); err != nil {
			return err
		}
	}
	return nil
}
