package btree

import (
	"encoding/binary"
	"hash/crc32"
)

// Every node (leaf or directory) shares a 16-byte header: the block's own
// address (so Check can detect a block read from the wrong location), a
// CRC32 checksum, and an entry count. The checksum covers everything after
// itself, mirroring spec.md §4.1's validator convention.
const nodeHeaderSize = 16

func nrEntries(data []byte) uint32           { return binary.LittleEndian.Uint32(data[12:16]) }
func setNrEntries(data []byte, n uint32)     { binary.LittleEndian.PutUint32(data[12:16], n) }
func blocknrOf(data []byte) uint64           { return binary.LittleEndian.Uint64(data[0:8]) }
func setBlocknr(data []byte, addr uint64)    { binary.LittleEndian.PutUint64(data[0:8], addr) }
func checksumOf(data []byte) uint32          { return binary.LittleEndian.Uint32(data[8:12]) }
func setChecksum(data []byte, csum uint32)   { binary.LittleEndian.PutUint32(data[8:12], csum) }

func computeChecksum(data []byte, xor uint32) uint32 {
	return crc32.ChecksumIEEE(data[12:]) ^ xor
}

// --- leaf layout: header, then nrEntries * (8-byte key + valueSize value) ---

func leafEntrySize(valueSize int) int { return 8 + valueSize }

func leafCapacity(blockSize, valueSize int) int {
	return (blockSize - nodeHeaderSize) / leafEntrySize(valueSize)
}

func leafEntryOffset(i, valueSize int) int {
	return nodeHeaderSize + i*leafEntrySize(valueSize)
}

func leafKeyAt(data []byte, i, valueSize int) uint64 {
	off := leafEntryOffset(i, valueSize)
	return binary.LittleEndian.Uint64(data[off : off+8])
}

func setLeafKeyAt(data []byte, i, valueSize int, key uint64) {
	off := leafEntryOffset(i, valueSize)
	binary.LittleEndian.PutUint64(data[off:off+8], key)
}

func leafValueAt(data []byte, i, valueSize int) []byte {
	off := leafEntryOffset(i, valueSize) + 8
	return data[off : off+valueSize]
}

// leafLowerBound returns the index of the first entry with key >= target,
// or n if every entry is smaller.
func leafLowerBound(data []byte, n, valueSize int, target uint64) int {
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if leafKeyAt(data, mid, valueSize) < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func leafContainsKey(data []byte, n, valueSize, idx int, key uint64) bool {
	return idx >= 0 && idx < n && leafKeyAt(data, idx, valueSize) == key
}

// leafInsertAt shifts entries [idx, n) right by one slot and writes key,
// value at idx. Caller must ensure n < leafCapacity first.
func leafInsertAt(data []byte, n, valueSize, idx int, key uint64, value []byte) {
	for i := n; i > idx; i-- {
		copy(leafValueAt(data, i, valueSize), leafValueAt(data, i-1, valueSize))
		setLeafKeyAt(data, i, valueSize, leafKeyAt(data, i-1, valueSize))
	}
	setLeafKeyAt(data, idx, valueSize, key)
	copy(leafValueAt(data, idx, valueSize), value)
}

// leafRemoveAt shifts entries (idx, n) left by one slot, dropping idx.
func leafRemoveAt(data []byte, n, valueSize, idx int) {
	for i := idx; i < n-1; i++ {
		copy(leafValueAt(data, i, valueSize), leafValueAt(data, i+1, valueSize))
		setLeafKeyAt(data, i, valueSize, leafKeyAt(data, i+1, valueSize))
	}
}

// --- directory layout: header, then nrEntries * (8-byte minKey + 8-byte leafAddr) ---

const dirEntrySize = 16

func dirCapacity(blockSize int) int { return (blockSize - nodeHeaderSize) / dirEntrySize }

func dirEntryOffset(i int) int { return nodeHeaderSize + i*dirEntrySize }

func dirMinKeyAt(data []byte, i int) uint64 {
	off := dirEntryOffset(i)
	return binary.LittleEndian.Uint64(data[off : off+8])
}

func setDirMinKeyAt(data []byte, i int, key uint64) {
	off := dirEntryOffset(i)
	binary.LittleEndian.PutUint64(data[off:off+8], key)
}

func dirLeafAddrAt(data []byte, i int) uint64 {
	off := dirEntryOffset(i) + 8
	return binary.LittleEndian.Uint64(data[off : off+8])
}

func setDirLeafAddrAt(data []byte, i int, addr uint64) {
	off := dirEntryOffset(i) + 8
	binary.LittleEndian.PutUint64(data[off:off+8], addr)
}

// dirFindLeafIndex returns the rightmost entry whose minKey <= key. The
// directory always has at least one entry with minKey 0, so this never
// fails to find a leaf.
func dirFindLeafIndex(data []byte, n int, key uint64) int {
	lo, hi := 0, n-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if dirMinKeyAt(data, mid) <= key {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// dirInsertAt shifts entries [idx, n) right by one slot and writes a new
// (minKey, leafAddr) pair at idx. Caller must ensure n < dirCapacity first.
func dirInsertAt(data []byte, n, idx int, minKey, leafAddr uint64) {
	for i := n; i > idx; i-- {
		setDirMinKeyAt(data, i, dirMinKeyAt(data, i-1))
		setDirLeafAddrAt(data, i, dirLeafAddrAt(data, i-1))
	}
	setDirMinKeyAt(data, idx, minKey)
	setDirLeafAddrAt(data, idx, leafAddr)
}
