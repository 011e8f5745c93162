package llcore

import "errors"

// Error kinds spec.md §7 names. They are sentinel values, not a typed
// hierarchy — every caller compares with errors.Is, and wrapping with
// fmt.Errorf's %w preserves that across every layer that adds context.
var (
	// ErrOutOfBounds is returned when a block address is >= nr_blocks.
	ErrOutOfBounds = errors.New("llcore: block address out of bounds")
	// ErrNoSpace is returned when find_free_block exhausts every bitmap.
	ErrNoSpace = errors.New("llcore: no free block in range")
	// ErrTooLarge is returned when extend would exceed the index's
	// max_entries.
	ErrTooLarge = errors.New("llcore: extend exceeds index capacity")
	// ErrCannotDecZero is returned by Dec on a block whose refcount is 0.
	ErrCannotDecZero = errors.New("llcore: cannot decrement a zero refcount")
	// ErrMissingOverflow signals corruption: the bitmap says a block is in
	// overflow (value 3) but the overflow tree has no entry for it.
	ErrMissingOverflow = errors.New("llcore: bitmap value 3 with no overflow entry")
	// ErrBadChecksum and ErrNotThisBlock are raised by the validators.
	ErrBadChecksum  = errors.New("llcore: checksum mismatch")
	ErrNotThisBlock = errors.New("llcore: block read from wrong address")
	// ErrTooSmall is returned when a root descriptor buffer is shorter
	// than the fixed record.
	ErrTooSmall = errors.New("llcore: root buffer too small")
	// ErrInvalidConfig is returned when block_size would make
	// entries_per_block exceed what the index's 32-bit offsets can address.
	ErrInvalidConfig = errors.New("llcore: invalid configuration")
)
