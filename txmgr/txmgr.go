// Package txmgr provides the transaction-manager collaborator spec.md §6
// requires: shadowing (copy-on-write), new-block allocation, locking, and
// commit/rollback boundaries. One TransactionManager instance backs a
// single in-flight transaction, per spec.md §5's single-writer model.
package txmgr

import (
	"fmt"
	"sync"

	"github.com/thinpool/spacemap/block"
)

// Option configures a TransactionManager.
type Option func(*TransactionManager)

// TransactionManager owns shadowing, commit, and rollback of blocks for a
// single logical writer. It is not safe for concurrent use by more than
// one goroutine at a time — spec.md §5 assumes external serialization.
type TransactionManager struct {
	mu sync.Mutex
	bm block.Manager

	// shadowed maps an address as it was known at the start of this
	// transaction epoch to the private, writable copy allocated for it.
	shadowed map[block.Addr]block.Addr
	// allocated holds every address allocated during the current epoch,
	// whether via NewBlock or as the private-copy side of ShadowBlock.
	// Rollback frees all of them back to the manager.
	allocated map[block.Addr]struct{}
}

// New creates a transaction manager over bm.
func New(bm block.Manager, opts ...Option) *TransactionManager {
	tm := &TransactionManager{
		bm:        bm,
		shadowed:  make(map[block.Addr]block.Addr),
		allocated: make(map[block.Addr]struct{}),
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// BlockSize returns the underlying manager's fixed block size.
func (tm *TransactionManager) BlockSize() int { return tm.bm.BlockSize() }

// NewBlock reserves a fresh block for the current transaction.
func (tm *TransactionManager) NewBlock(v block.Validator) (*block.Lease, error) {
	lease, err := tm.bm.NewBlock(v)
	if err != nil {
		return nil, err
	}

	tm.mu.Lock()
	tm.allocated[lease.Addr] = struct{}{}
	tm.mu.Unlock()

	return lease, nil
}

// ShadowBlock returns a writable copy of the block at loc. The first shadow
// of a given address within the current epoch copies it to a new address;
// subsequent shadows of that same address in the same epoch return the
// already-shadowed copy. wasShadowed reports which case occurred.
func (tm *TransactionManager) ShadowBlock(loc block.Addr, v block.Validator) (lease *block.Lease, wasShadowed bool, err error) {
	tm.mu.Lock()
	if newAddr, ok := tm.shadowed[loc]; ok {
		tm.mu.Unlock()
		lease, err := tm.bm.WriteLock(newAddr, v)
		return lease, true, err
	}
	tm.mu.Unlock()

	old, err := tm.bm.ReadLock(loc, v)
	if err != nil {
		return nil, false, fmt.Errorf("txmgr: shadow read of %d: %w", loc, err)
	}
	data := append([]byte(nil), old.Data...)
	if err := old.Unlock(); err != nil {
		return nil, false, err
	}

	fresh, err := tm.bm.NewBlock(v)
	if err != nil {
		return nil, false, fmt.Errorf("txmgr: shadow alloc for %d: %w", loc, err)
	}
	copy(fresh.Data, data)

	tm.mu.Lock()
	tm.shadowed[loc] = fresh.Addr
	tm.allocated[fresh.Addr] = struct{}{}
	tm.mu.Unlock()

	return fresh, false, nil
}

// ReadLock acquires a block for shared access.
func (tm *TransactionManager) ReadLock(loc block.Addr, v block.Validator) (*block.Lease, error) {
	return tm.bm.ReadLock(loc, v)
}

// WriteLock acquires a block for exclusive, in-place access without
// shadowing. Used to re-acquire a bitmap block already shadowed earlier in
// the same range operation (spec.md §4.4's ensure_bitmap).
func (tm *TransactionManager) WriteLock(loc block.Addr, v block.Validator) (*block.Lease, error) {
	return tm.bm.WriteLock(loc, v)
}

// Unlock releases a lease obtained from this manager.
func (tm *TransactionManager) Unlock(l *block.Lease) error {
	return l.Unlock()
}

// Commit makes every block allocated this epoch durable and recycles the
// addresses superseded by a shadow. It advances the transaction to a fresh
// epoch.
func (tm *TransactionManager) Commit() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if freer, ok := tm.bm.(block.Freer); ok {
		for old := range tm.shadowed {
			freer.Free(old)
		}
	}

	tm.shadowed = make(map[block.Addr]block.Addr)
	tm.allocated = make(map[block.Addr]struct{})
	return nil
}

// Rollback discards every block allocated during the current epoch and
// reverts to the previously committed snapshot. Callers are expected to
// abandon any in-memory state built on top of the discarded blocks.
func (tm *TransactionManager) Rollback() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if freer, ok := tm.bm.(block.Freer); ok {
		for addr := range tm.allocated {
			freer.Free(addr)
		}
	}

	tm.shadowed = make(map[block.Addr]block.Addr)
	tm.allocated = make(map[block.Addr]struct{})
}
