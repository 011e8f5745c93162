package block

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Option configures a MemoryManager.
type Option func(*MemoryManager)

// WithInitialCapacity pre-sizes the backing store to n blocks, avoiding
// reallocation for callers that know their rough working set up front.
func WithInitialCapacity(n int) Option {
	return func(m *MemoryManager) {
		if n > 0 {
			m.slots = make([][]byte, 0, n)
			m.locks = make([]*sync.RWMutex, 0, n)
		}
	}
}

// MemoryManager is an in-memory block.Manager double: every block lives in
// a Go byte slice, and a bitset.BitSet tracks which slots are in use so
// NewBlock can hand out the first free one rather than always growing.
type MemoryManager struct {
	mu        sync.Mutex
	blockSize int
	slots     [][]byte
	locks     []*sync.RWMutex
	used      *bitset.BitSet
}

// NewMemoryManager creates an empty in-memory device with the given fixed
// block size.
func NewMemoryManager(blockSize int, opts ...Option) *MemoryManager {
	m := &MemoryManager{
		blockSize: blockSize,
		used:      bitset.New(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BlockSize implements Manager.
func (m *MemoryManager) BlockSize() int { return m.blockSize }

// NewBlock implements Manager. It reuses the lowest-numbered free slot if
// one exists (via the bitset's NextClear), otherwise it grows the device.
func (m *MemoryManager) NewBlock(v Validator) (*Lease, error) {
	m.mu.Lock()

	idx, ok := m.used.NextClear(0)
	if !ok || int(idx) >= len(m.slots) {
		idx = uint(len(m.slots))
		m.slots = append(m.slots, make([]byte, m.blockSize))
		m.locks = append(m.locks, &sync.RWMutex{})
	}
	m.used.Set(idx)
	lock := m.locks[idx]
	buf := m.slots[idx]

	m.mu.Unlock()

	lock.Lock()
	clear(buf)
	addr := Addr(idx)
	return m.newLease(addr, buf, LockExclusive, v, lock.Unlock), nil
}

// Free returns a slot to the manager's free-slot tracker, for use by the
// transaction manager when it discards blocks allocated during a
// transaction that is being rolled back.
func (m *MemoryManager) Free(loc Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used.Clear(uint(loc))
}

// ReadLock implements Manager.
func (m *MemoryManager) ReadLock(loc Addr, v Validator) (*Lease, error) {
	buf, lock, err := m.slot(loc)
	if err != nil {
		return nil, err
	}
	lock.RLock()
	if v != nil {
		if err := v.Check(loc, buf); err != nil {
			lock.RUnlock()
			return nil, err
		}
	}
	return m.newLease(loc, buf, LockShared, nil, lock.RUnlock), nil
}

// WriteLock implements Manager. Unlike ReadLock it does not run v.Check —
// spec.md §4.1 only attaches validators at shadow_block, new_block, and
// read_lock.
func (m *MemoryManager) WriteLock(loc Addr, v Validator) (*Lease, error) {
	buf, lock, err := m.slot(loc)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	return m.newLease(loc, buf, LockExclusive, v, lock.Unlock), nil
}

// Unlock implements Manager.
func (m *MemoryManager) Unlock(l *Lease) error { return l.Unlock() }

func (m *MemoryManager) newLease(addr Addr, buf []byte, mode LockMode, v Validator, unlock func()) *Lease {
	return &Lease{
		Addr:      addr,
		Data:      buf,
		Mode:      mode,
		validator: v,
		unlock: func() error {
			unlock()
			return nil
		},
	}
}

func (m *MemoryManager) slot(loc Addr) ([]byte, *sync.RWMutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(loc) >= len(m.slots) {
		return nil, nil, fmt.Errorf("block: address %d out of range (%d slots)", loc, len(m.slots))
	}
	return m.slots[loc], m.locks[loc], nil
}
