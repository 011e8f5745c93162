package llcore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/thinpool/spacemap/block"
)

// Every bitmap and index block shares a 16-byte header: an 8-byte
// self-location, a 4-byte checksum, and 4 bytes of padding kept for 64-bit
// alignment of the payload that follows (spec.md §6's on-disk format).
const blockHeaderSize = 16

const (
	indexChecksumXOR  = 160478
	bitmapChecksumXOR = 240779
)

func headerBlocknr(buf []byte) uint64        { return binary.LittleEndian.Uint64(buf[0:8]) }
func setHeaderBlocknr(buf []byte, v uint64)  { binary.LittleEndian.PutUint64(buf[0:8], v) }
func headerChecksum(buf []byte) uint32       { return binary.LittleEndian.Uint32(buf[8:12]) }
func setHeaderChecksum(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf[8:12], v) }

// checksumBody computes the checksum over everything after the checksum
// field itself, per spec.md §4.1.
func checksumBody(buf []byte, xor uint32) uint32 {
	return crc32.ChecksumIEEE(buf[12:]) ^ xor
}

// IndexValidator prepares and checks the metadata flavor's single index
// block. Both it and BitmapValidator implement block.Validator.
type IndexValidator struct{}

func (IndexValidator) PrepareForWrite(loc block.Addr, buf []byte) {
	setHeaderBlocknr(buf, uint64(loc))
	setHeaderChecksum(buf, checksumBody(buf, indexChecksumXOR))
}

func (IndexValidator) Check(loc block.Addr, buf []byte) error {
	if headerBlocknr(buf) != uint64(loc) {
		return fmt.Errorf("%w: index block wants %d, stamped %d", ErrNotThisBlock, loc, headerBlocknr(buf))
	}
	if headerChecksum(buf) != checksumBody(buf, indexChecksumXOR) {
		return ErrBadChecksum
	}
	return nil
}

// BitmapValidator prepares and checks a bitmap block.
type BitmapValidator struct{}

func (BitmapValidator) PrepareForWrite(loc block.Addr, buf []byte) {
	setHeaderBlocknr(buf, uint64(loc))
	setHeaderChecksum(buf, checksumBody(buf, bitmapChecksumXOR))
}

func (BitmapValidator) Check(loc block.Addr, buf []byte) error {
	if headerBlocknr(buf) != uint64(loc) {
		return fmt.Errorf("%w: bitmap block wants %d, stamped %d", ErrNotThisBlock, loc, headerBlocknr(buf))
	}
	if headerChecksum(buf) != checksumBody(buf, bitmapChecksumXOR) {
		return ErrBadChecksum
	}
	return nil
}
