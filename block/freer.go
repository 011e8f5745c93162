package block

// Freer is implemented by managers that can return a block to their
// free-slot tracker. The transaction manager uses it to recycle blocks
// superseded by a shadow, and to discard speculative allocations on
// rollback. Not every Manager need implement it.
type Freer interface {
	Free(loc Addr)
}
