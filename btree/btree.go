// Package btree is the generic, single-value-type COW B-tree collaborator
// spec.md deliberately places out of scope as an implementation but whose
// contract the LL core depends on (spec.md §6): Empty/Lookup/Insert/Remove/
// GetOverwriteLeaf over a block.Manager, via a txmgr.TransactionManager for
// shadowing. llcore uses one instance for the disk flavor's index and
// another for the overflow ref-count tree.
//
// The real dm_btree is a recursive, arbitrary-depth structure keyed by a
// stack of nested key levels. This collaborator narrows that to the shape
// both llcore trees actually need: a single uint64 key, a fixed-size value,
// and two block kinds — one directory node holding (minKey, leaf address)
// pairs in sorted order, and any number of leaf nodes holding the sorted
// (key, value) pairs themselves. Lookup is a binary search of the directory
// followed by a binary search of the leaf; insert that overflows a leaf
// splits it in two and grows the directory by one entry. There is no
// merging on remove and no second directory level — within the key ranges
// this module exercises (a few hundred index or overflow entries) that
// never matters, and it keeps the collaborator legible.
package btree

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/thinpool/spacemap/block"
	"github.com/thinpool/spacemap/txmgr"
)

// Sentinel errors returned by tree operations.
var (
	ErrNotFound      = errors.New("btree: key not found")
	ErrNotThisBlock  = errors.New("btree: block read from wrong address")
	ErrBadChecksum   = errors.New("btree: checksum mismatch")
	ErrDirectoryFull = errors.New("btree: directory has no room for another leaf")
	ErrValueSize     = errors.New("btree: value does not match Info.ValueSize")
)

const (
	leafXor = 0x5a1e
	dirXor  = 0x5a1d
)

// Info describes the shape of values stored in one tree and the optional
// combinators dm_btree's caller normally supplies. Inc and Dec are optional
// per-value hooks; no operation in this package calls them, and llcore
// leaves both unset. Filter is an optional root-level existence pre-check:
// Lookup consults it before reading any block, Insert and RebuildFilter add
// keys to it, and Remove leaves it unchanged. llcore attaches one to the
// disk flavor's overflow tree.
type Info struct {
	ValueSize int
	Inc       func(value []byte)
	Dec       func(value []byte)
	Filter    *bloom.BloomFilter
}

func (info Info) leafValidator() block.Validator { return leafValidator{} }
func (info Info) dirValidator() block.Validator  { return dirValidator{} }

// leafValidator and dirValidator stamp and check the 16-byte shared header.
// They use distinct XOR constants so a leaf block fed to the wrong
// validator fails its checksum rather than silently parsing garbage.
type leafValidator struct{}

func (v leafValidator) PrepareForWrite(loc block.Addr, buf []byte) {
	setBlocknr(buf, uint64(loc))
	setChecksum(buf, computeChecksum(buf, leafXor))
}

func (v leafValidator) Check(loc block.Addr, buf []byte) error {
	if blocknrOf(buf) != uint64(loc) {
		return fmt.Errorf("%w: want %d got %d", ErrNotThisBlock, loc, blocknrOf(buf))
	}
	if checksumOf(buf) != computeChecksum(buf, leafXor) {
		return ErrBadChecksum
	}
	return nil
}

type dirValidator struct{}

func (v dirValidator) PrepareForWrite(loc block.Addr, buf []byte) {
	setBlocknr(buf, uint64(loc))
	setChecksum(buf, computeChecksum(buf, dirXor))
}

func (v dirValidator) Check(loc block.Addr, buf []byte) error {
	if blocknrOf(buf) != uint64(loc) {
		return fmt.Errorf("%w: want %d got %d", ErrNotThisBlock, loc, blocknrOf(buf))
	}
	if checksumOf(buf) != computeChecksum(buf, dirXor) {
		return ErrBadChecksum
	}
	return nil
}

// Empty creates a fresh, empty tree (one leaf plus a one-entry directory
// pointing at it) and returns its root.
func Empty(tm *txmgr.TransactionManager, info Info) (block.Addr, error) {
	leaf, err := tm.NewBlock(info.leafValidator())
	if err != nil {
		return 0, fmt.Errorf("btree: alloc leaf: %w", err)
	}
	setNrEntries(leaf.Data, 0)
	leafAddr := leaf.Addr
	if err := tm.Unlock(leaf); err != nil {
		return 0, err
	}

	dir, err := tm.NewBlock(info.dirValidator())
	if err != nil {
		return 0, fmt.Errorf("btree: alloc directory: %w", err)
	}
	setNrEntries(dir.Data, 1)
	setDirMinKeyAt(dir.Data, 0, 0)
	setDirLeafAddrAt(dir.Data, 0, uint64(leafAddr))
	root := dir.Addr
	if err := tm.Unlock(dir); err != nil {
		return 0, err
	}
	return root, nil
}

// Lookup copies the value stored at key into value, which must be exactly
// info.ValueSize bytes. It returns ErrNotFound if key is absent.
func Lookup(tm *txmgr.TransactionManager, info Info, root block.Addr, key uint64, value []byte) error {
	if len(value) != info.ValueSize {
		return ErrValueSize
	}
	if info.Filter != nil && !info.Filter.Test(keyBytes(key)) {
		return ErrNotFound
	}

	dir, err := tm.ReadLock(root, info.dirValidator())
	if err != nil {
		return fmt.Errorf("btree: read directory: %w", err)
	}
	dn := int(nrEntries(dir.Data))
	leafIdx := dirFindLeafIndex(dir.Data, dn, key)
	leafAddr := block.Addr(dirLeafAddrAt(dir.Data, leafIdx))
	if err := tm.Unlock(dir); err != nil {
		return err
	}

	leaf, err := tm.ReadLock(leafAddr, info.leafValidator())
	if err != nil {
		return fmt.Errorf("btree: read leaf: %w", err)
	}
	defer tm.Unlock(leaf)

	n := int(nrEntries(leaf.Data))
	idx := leafLowerBound(leaf.Data, n, info.ValueSize, key)
	if !leafContainsKey(leaf.Data, n, info.ValueSize, idx, key) {
		return ErrNotFound
	}
	copy(value, leafValueAt(leaf.Data, idx, info.ValueSize))
	return nil
}

// Insert writes value at key, creating or overwriting as needed, and
// returns the tree's new root. It shadows the one leaf the key belongs
// to, plus the directory if the leaf moved or gained a sibling.
func Insert(tm *txmgr.TransactionManager, info Info, root block.Addr, key uint64, value []byte) (block.Addr, error) {
	if len(value) != info.ValueSize {
		return root, ErrValueSize
	}

	dir, err := tm.ReadLock(root, info.dirValidator())
	if err != nil {
		return root, fmt.Errorf("btree: read directory: %w", err)
	}
	dn := int(nrEntries(dir.Data))
	leafIdx := dirFindLeafIndex(dir.Data, dn, key)
	leafAddr := block.Addr(dirLeafAddrAt(dir.Data, leafIdx))
	if err := tm.Unlock(dir); err != nil {
		return root, err
	}

	leaf, _, err := tm.ShadowBlock(leafAddr, info.leafValidator())
	if err != nil {
		return root, fmt.Errorf("btree: shadow leaf: %w", err)
	}

	n := int(nrEntries(leaf.Data))
	idx := leafLowerBound(leaf.Data, n, info.ValueSize, key)
	capacity := leafCapacity(len(leaf.Data), info.ValueSize)

	switch {
	case leafContainsKey(leaf.Data, n, info.ValueSize, idx, key):
		copy(leafValueAt(leaf.Data, idx, info.ValueSize), value)
		if err := tm.Unlock(leaf); err != nil {
			return root, err
		}
		return updateDirectoryEntry(tm, info, root, leafIdx, leafAddr, leaf.Addr)

	case n < capacity:
		leafInsertAt(leaf.Data, n, info.ValueSize, idx, key, value)
		setNrEntries(leaf.Data, uint32(n+1))
		if err := tm.Unlock(leaf); err != nil {
			return root, err
		}
		if info.Filter != nil {
			info.Filter.Add(keyBytes(key))
		}
		return updateDirectoryEntry(tm, info, root, leafIdx, leafAddr, leaf.Addr)

	default:
		newRoot, err := splitAndInsert(tm, info, root, leafIdx, leaf, idx, key, value)
		if err == nil && info.Filter != nil {
			info.Filter.Add(keyBytes(key))
		}
		return newRoot, err
	}
}

// splitAndInsert divides a full leaf into two, inserts the new key into
// whichever half it belongs, and grows the directory by one entry.
func splitAndInsert(tm *txmgr.TransactionManager, info Info, root block.Addr, leafIdx int, leaf *block.Lease, idx int, key uint64, value []byte) (block.Addr, error) {
	n := int(nrEntries(leaf.Data))
	mid := n / 2

	sibling, err := tm.NewBlock(info.leafValidator())
	if err != nil {
		tm.Unlock(leaf)
		return root, fmt.Errorf("btree: alloc sibling leaf: %w", err)
	}

	upperCount := n - mid
	for i := 0; i < upperCount; i++ {
		setLeafKeyAt(sibling.Data, i, info.ValueSize, leafKeyAt(leaf.Data, mid+i, info.ValueSize))
		copy(leafValueAt(sibling.Data, i, info.ValueSize), leafValueAt(leaf.Data, mid+i, info.ValueSize))
	}
	setNrEntries(sibling.Data, uint32(upperCount))
	setNrEntries(leaf.Data, uint32(mid))

	target := leaf
	targetMid := idx
	if idx >= mid {
		target = sibling
		targetMid = idx - mid
	}
	tn := int(nrEntries(target.Data))
	leafInsertAt(target.Data, tn, info.ValueSize, targetMid, key, value)
	setNrEntries(target.Data, uint32(tn+1))

	// Sibling's minimum key is read only now, after target's insertion in
	// case the new key landed at the front of the sibling.
	siblingMinKey := leafKeyAt(sibling.Data, 0, info.ValueSize)

	newLeafAddr := leaf.Addr
	newSiblingAddr := sibling.Addr
	if err := tm.Unlock(leaf); err != nil {
		tm.Unlock(sibling)
		return root, err
	}
	if err := tm.Unlock(sibling); err != nil {
		return root, err
	}

	dir, _, err := tm.ShadowBlock(root, info.dirValidator())
	if err != nil {
		return root, fmt.Errorf("btree: shadow directory: %w", err)
	}
	dn := int(nrEntries(dir.Data))
	if dn >= dirCapacity(len(dir.Data)) {
		tm.Unlock(dir)
		return root, ErrDirectoryFull
	}
	setDirLeafAddrAt(dir.Data, leafIdx, uint64(newLeafAddr))
	dirInsertAt(dir.Data, dn, leafIdx+1, siblingMinKey, uint64(newSiblingAddr))
	setNrEntries(dir.Data, uint32(dn+1))
	newRoot := dir.Addr
	if err := tm.Unlock(dir); err != nil {
		return root, err
	}
	return newRoot, nil
}

// updateDirectoryEntry shadows the directory and points entry leafIdx at
// newLeafAddr when the leaf moved to a new address; when the leaf kept its
// address the directory is left untouched.
func updateDirectoryEntry(tm *txmgr.TransactionManager, info Info, root block.Addr, leafIdx int, oldLeafAddr, newLeafAddr block.Addr) (block.Addr, error) {
	if oldLeafAddr == newLeafAddr {
		return root, nil
	}
	dir, _, err := tm.ShadowBlock(root, info.dirValidator())
	if err != nil {
		return root, fmt.Errorf("btree: shadow directory: %w", err)
	}
	setDirLeafAddrAt(dir.Data, leafIdx, uint64(newLeafAddr))
	newRoot := dir.Addr
	if err := tm.Unlock(dir); err != nil {
		return root, err
	}
	return newRoot, nil
}

// Remove deletes key if present and returns the tree's new root. Removing
// an absent key is not an error, matching dm_btree_remove. Leaves are never
// merged or freed on removal — within the scale this collaborator serves,
// a sparse leaf costs nothing worth the complexity of rebalancing.
func Remove(tm *txmgr.TransactionManager, info Info, root block.Addr, key uint64) (block.Addr, error) {
	dir, err := tm.ReadLock(root, info.dirValidator())
	if err != nil {
		return root, fmt.Errorf("btree: read directory: %w", err)
	}
	dn := int(nrEntries(dir.Data))
	leafIdx := dirFindLeafIndex(dir.Data, dn, key)
	leafAddr := block.Addr(dirLeafAddrAt(dir.Data, leafIdx))
	if err := tm.Unlock(dir); err != nil {
		return root, err
	}

	leaf, _, err := tm.ShadowBlock(leafAddr, info.leafValidator())
	if err != nil {
		return root, fmt.Errorf("btree: shadow leaf: %w", err)
	}
	n := int(nrEntries(leaf.Data))
	idx := leafLowerBound(leaf.Data, n, info.ValueSize, key)
	if !leafContainsKey(leaf.Data, n, info.ValueSize, idx, key) {
		if err := tm.Unlock(leaf); err != nil {
			return root, err
		}
		return updateDirectoryEntry(tm, info, root, leafIdx, leafAddr, leaf.Addr)
	}
	leafRemoveAt(leaf.Data, n, info.ValueSize, idx)
	setNrEntries(leaf.Data, uint32(n-1))
	if err := tm.Unlock(leaf); err != nil {
		return root, err
	}
	return updateDirectoryEntry(tm, info, root, leafIdx, leafAddr, leaf.Addr)
}

// GetOverwriteLeaf locates (or, if absent, the position where it would be
// inserted) the leaf for key and returns it still exclusively locked,
// together with the index of key's slot. It does not insert key — the
// caller (llcore's inc_context, mirroring dm_btree's leaf-held fast path)
// uses the returned lease to read or mutate a value already present in
// place via LeafValue, without a second tree traversal. Callers must
// Unlock the returned lease exactly once.
func GetOverwriteLeaf(tm *txmgr.TransactionManager, info Info, root block.Addr, key uint64) (newRoot block.Addr, index int, leaf *block.Lease, err error) {
	dir, err := tm.ReadLock(root, info.dirValidator())
	if err != nil {
		return root, 0, nil, fmt.Errorf("btree: read directory: %w", err)
	}
	dn := int(nrEntries(dir.Data))
	leafIdx := dirFindLeafIndex(dir.Data, dn, key)
	leafAddr := block.Addr(dirLeafAddrAt(dir.Data, leafIdx))
	if err := tm.Unlock(dir); err != nil {
		return root, 0, nil, err
	}

	leaf, _, err = tm.ShadowBlock(leafAddr, info.leafValidator())
	if err != nil {
		return root, 0, nil, fmt.Errorf("btree: shadow leaf: %w", err)
	}

	if leaf.Addr != leafAddr {
		newRoot, err = updateDirectoryEntry(tm, info, root, leafIdx, leafAddr, leaf.Addr)
		if err != nil {
			tm.Unlock(leaf)
			return root, 0, nil, err
		}
	} else {
		newRoot = root
	}

	n := int(nrEntries(leaf.Data))
	idx := leafLowerBound(leaf.Data, n, info.ValueSize, key)
	return newRoot, idx, leaf, nil
}

// LeafValue returns a slice directly into a locked leaf lease's backing
// buffer for the entry at index, for in-place mutation without another
// encode/decode pass. index must come from GetOverwriteLeaf or Lookup's
// internal search, and the caller is responsible for checking
// LeafContainsKey first if presence matters.
func LeafValue(leaf *block.Lease, index int, valueSize int) []byte {
	return leafValueAt(leaf.Data, index, valueSize)
}

// LeafKey returns the key stored at index in a locked leaf lease.
func LeafKey(leaf *block.Lease, index int, valueSize int) uint64 {
	return leafKeyAt(leaf.Data, index, valueSize)
}

// LeafContainsKey reports whether index, as returned by GetOverwriteLeaf,
// actually holds key rather than merely being the slot it would occupy.
func LeafContainsKey(leaf *block.Lease, index int, valueSize int, key uint64) bool {
	n := int(nrEntries(leaf.Data))
	return leafContainsKey(leaf.Data, n, valueSize, index, key)
}

// RebuildFilter scans every leaf in the tree and populates filter with
// every key present, for cold-start reconstruction of the in-memory
// existence filter (spec.md's disk flavor opens an existing on-disk tree
// with no filter yet built).
func RebuildFilter(tm *txmgr.TransactionManager, info Info, root block.Addr, filter *bloom.BloomFilter) error {
	dir, err := tm.ReadLock(root, info.dirValidator())
	if err != nil {
		return fmt.Errorf("btree: read directory: %w", err)
	}
	dn := int(nrEntries(dir.Data))
	leafAddrs := make([]block.Addr, dn)
	for i := 0; i < dn; i++ {
		leafAddrs[i] = block.Addr(dirLeafAddrAt(dir.Data, i))
	}
	if err := tm.Unlock(dir); err != nil {
		return err
	}

	for _, addr := range leafAddrs {
		leaf, err := tm.ReadLock(addr, info.leafValidator())
		if err != nil {
			return fmt.Errorf("btree: read leaf %d: %w", addr, err)
		}
		n := int(nrEntries(leaf.Data))
		for i := 0; i < n; i++ {
			filter.Add(keyBytes(leafKeyAt(leaf.Data, i, info.ValueSize)))
		}
		if err := tm.Unlock(leaf); err != nil {
			return err
		}
	}
	return nil
}

func keyBytes(key uint64) []byte {
	var b [8]byte
	b[0] = byte(key)
	b[1] = byte(key >> 8)
	b[2] = byte(key >> 16)
	b[3] = byte(key >> 24)
	b[4] = byte(key >> 32)
	b[5] = byte(key >> 40)
	b[6] = byte(key >> 48)
	b[7] = byte(key >> 56)
	return b[:]
}
