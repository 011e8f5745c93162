package llcore

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/thinpool/spacemap/block"
	"github.com/thinpool/spacemap/btree"
	"github.com/thinpool/spacemap/txmgr"
)

// TestScenarioS1MetadataIncToOverflowAndBack walks one block through every
// bitmap transition, matching the bitmap cell to the overflow tree exactly
// as spec.md §8's S1 describes.
func TestScenarioS1MetadataIncToOverflowAndBack(t *testing.T) {
	st := newMetadataForTest(t, 128)
	if err := st.Extend(1024); err != nil {
		t.Fatal(err)
	}

	v, err := st.Lookup(0)
	if err != nil || v != 0 {
		t.Fatalf("expected lookup(0)==0, got %d, %v", v, err)
	}

	if _, err := st.Inc(0, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := st.Lookup(0); v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}

	if _, err := st.Inc(0, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := st.Lookup(0); v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}

	if _, err := st.Inc(0, 1); err != nil {
		t.Fatal(err)
	}
	bv, _, _, err := st.lookupBitmap(0)
	if err != nil {
		t.Fatal(err)
	}
	if bv != 3 {
		t.Fatalf("expected bitmap cell 3, got %d", bv)
	}
	v, err = st.Lookup(0)
	if err != nil || v != 3 {
		t.Fatalf("expected overflow value 3, got %d, %v", v, err)
	}

	if _, err := st.Dec(0, 1); err != nil {
		t.Fatal(err)
	}
	bv, _, _, err = st.lookupBitmap(0)
	if err != nil {
		t.Fatal(err)
	}
	if bv != 2 {
		t.Fatalf("expected bitmap cell back to 2, got %d", bv)
	}
	if err := lookupOverflow(st, 0); !errors.Is(err, errKeyAbsentForTest) {
		t.Fatalf("expected overflow tree to have no key 0 after 3->2 transition, err=%v", err)
	}
}

func TestScenarioS2DiskExtendAcrossBitmapBoundary(t *testing.T) {
	_, st := newDiskForTest(t, 128)
	epb := uint64(st.entriesPerBlock)

	if err := st.Extend(epb + 5); err != nil {
		t.Fatal(err)
	}

	ie0Before, err := st.index.loadIE(0)
	if err != nil {
		t.Fatal(err)
	}
	ie1Before, err := st.index.loadIE(1)
	if err != nil {
		t.Fatal(err)
	}

	delta, err := st.Inc(epb-1, epb+5)
	if err != nil {
		t.Fatal(err)
	}
	if delta != 6 {
		t.Fatalf("expected +6 allocated, got %d", delta)
	}

	ie0After, err := st.index.loadIE(0)
	if err != nil {
		t.Fatal(err)
	}
	ie1After, err := st.index.loadIE(1)
	if err != nil {
		t.Fatal(err)
	}
	if ie0Before.NrFree-ie0After.NrFree != 1 {
		t.Fatalf("expected ie[0].nr_free to drop by 1, dropped by %d", ie0Before.NrFree-ie0After.NrFree)
	}
	if ie1Before.NrFree-ie1After.NrFree != 5 {
		t.Fatalf("expected ie[1].nr_free to drop by 5, dropped by %d", ie1Before.NrFree-ie1After.NrFree)
	}
}

func TestScenarioS3InsertAbsoluteThenDrop(t *testing.T) {
	st := newMetadataForTest(t, 128)
	if err := st.Extend(10); err != nil {
		t.Fatal(err)
	}

	delta, err := st.Insert(4, 7)
	if err != nil {
		t.Fatal(err)
	}
	if delta != 1 {
		t.Fatalf("expected +1, got %d", delta)
	}
	if v, _ := st.Lookup(4); v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}

	delta, err = st.Insert(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if delta != 0 {
		t.Fatalf("expected 0 delta (still allocated), got %d", delta)
	}
	if v, _ := st.Lookup(4); v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	if err := lookupOverflow(st, 4); !errors.Is(err, errKeyAbsentForTest) {
		t.Fatalf("expected no overflow key for block 4, err=%v", err)
	}
}

func TestScenarioS4FindFreeBlockTracksAllocation(t *testing.T) {
	st := newMetadataForTest(t, 128)
	if err := st.Extend(20); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Inc(0, 10); err != nil {
		t.Fatal(err)
	}
	b, err := st.FindFreeBlock(0, st.NrBlocks())
	if err != nil {
		t.Fatal(err)
	}
	if b != 10 {
		t.Fatalf("expected first free block 10, got %d", b)
	}

	if _, err := st.Inc(10, 20); err != nil {
		t.Fatal(err)
	}
	if _, err := st.FindFreeBlock(0, st.NrBlocks()); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestScenarioS5FindCommonFreeBlockSkipsOldAllocated(t *testing.T) {
	bm := block.NewMemoryManager(128)
	tm := txmgr.New(bm)

	oldSt, err := NewMetadata(tm)
	if err != nil {
		t.Fatal(err)
	}
	if err := oldSt.Extend(10); err != nil {
		t.Fatal(err)
	}
	if _, err := oldSt.Inc(0, 5); err != nil {
		t.Fatal(err)
	}

	newSt, err := NewMetadata(tm)
	if err != nil {
		t.Fatal(err)
	}
	if err := newSt.Extend(10); err != nil {
		t.Fatal(err)
	}
	// newSt has nothing allocated; every block in [0,10) looks free to it,
	// but blocks [0,5) are still allocated in oldSt.
	b, err := newSt.FindCommonFreeBlock(oldSt, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if b < 5 {
		t.Fatalf("expected a block >= 5 (old-free), got %d", b)
	}

	if _, err := newSt.Inc(5, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := newSt.FindCommonFreeBlock(oldSt, 0, 10); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace once every new-free block is old-allocated, got %v", err)
	}
}

func TestScenarioS6DiskPersistenceRoundTrip(t *testing.T) {
	bm := block.NewMemoryManager(128)
	tm := txmgr.New(bm)
	st, err := NewDisk(tm)
	if err != nil {
		t.Fatal(err)
	}
	epb := uint64(st.entriesPerBlock)
	if err := st.Extend(epb * 2); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Inc(0, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Inc(epb, epb+3); err != nil {
		t.Fatal(err)
	}
	// Push block 1 into overflow.
	for i := 0; i < 4; i++ {
		if _, err := st.Inc(1, 2); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Commit(); err != nil {
		t.Fatal(err)
	}
	tm.Commit()

	root := Root{
		NrBlocks:     st.NrBlocks(),
		NrAllocated:  st.NrAllocated(),
		BitmapRoot:   uint64(st.bitmapRoot),
		RefCountRoot: uint64(st.refCountRoot),
	}
	rootBytes := root.MarshalBinary()
	decoded, err := UnmarshalRoot(rootBytes)
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenDisk(tm, decoded)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.NrBlocks() != st.NrBlocks() || reopened.NrAllocated() != st.NrAllocated() {
		t.Fatalf("counters mismatch after reopen: blocks %d/%d allocated %d/%d",
			reopened.NrBlocks(), st.NrBlocks(), reopened.NrAllocated(), st.NrAllocated())
	}
	for b := uint64(0); b < epb*2; b++ {
		want, err := st.Lookup(b)
		if err != nil {
			t.Fatal(err)
		}
		got, err := reopened.Lookup(b)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("block %d: want %d got %d", b, want, got)
		}
	}
}

// TestExtendRecursesThroughAllocation extends twice, the second time
// across a bitmap-block boundary. Extend sets nr_blocks before allocating
// its new bitmap blocks so that an allocator consulting this instance
// would see the enlarged universe. The in-memory manager here never
// consults it, so the assertions below check only the end state (nr_blocks
// and a fresh block reading 0), not that ordering.
func TestExtendRecursesThroughAllocation(t *testing.T) {
	st := newMetadataForTest(t, 128)
	epb := uint64(st.entriesPerBlock)

	if err := st.Extend(epb); err != nil {
		t.Fatal(err)
	}
	if err := st.Extend(epb + 1); err != nil {
		t.Fatal(err)
	}
	if st.NrBlocks() != 2*epb+1 {
		t.Fatalf("expected %d blocks, got %d", 2*epb+1, st.NrBlocks())
	}
	v, err := st.Lookup(2 * epb)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected fresh block to read 0, got %d", v)
	}
}

func TestExtendZeroIsNoop(t *testing.T) {
	st := newMetadataForTest(t, 128)
	if err := st.Extend(10); err != nil {
		t.Fatal(err)
	}
	before := st.NrBlocks()
	if err := st.Extend(0); err != nil {
		t.Fatal(err)
	}
	if st.NrBlocks() != before {
		t.Fatalf("expected extend(0) to be a no-op, nr_blocks changed to %d", st.NrBlocks())
	}
}

// errKeyAbsentForTest and lookupOverflow let the scenario tests assert
// directly on overflow-tree absence without reaching into btree internals
// from outside the package.
var errKeyAbsentForTest = errors.New("llcore test: overflow key absent")

func lookupOverflow(st *State, b uint64) error {
	var raw [4]byte
	err := btree.Lookup(st.tm, st.overflowInfo(), st.refCountRoot, b, raw[:])
	if errors.Is(err, btree.ErrNotFound) {
		return errKeyAbsentForTest
	}
	return err
}

// TestInvariantsAgainstReferenceModel randomly drives Insert/Inc/Dec and
// checks every state against a plain map[uint64]uint32 reference,
// covering spec.md §8 invariants 1, 4, and 8.
func TestInvariantsAgainstReferenceModel(t *testing.T) {
	st := newMetadataForTest(t, 128)
	const n = 64
	if err := st.Extend(n); err != nil {
		t.Fatal(err)
	}

	ref := make(map[uint64]uint32)
	rng := rand.New(rand.NewSource(1))

	checkAll := func() {
		t.Helper()
		allocated := uint64(0)
		for b := uint64(0); b < n; b++ {
			want := ref[b]
			got, err := st.Lookup(b)
			if err != nil {
				t.Fatalf("lookup %d: %v", b, err)
			}
			if got != want {
				t.Fatalf("block %d: reference says %d, state says %d", b, want, got)
			}
			if want >= 1 {
				allocated++
			}
		}
		if st.NrAllocated() != allocated {
			t.Fatalf("nr_allocated mismatch: state %d, reference %d", st.NrAllocated(), allocated)
		}
	}

	for step := 0; step < 500; step++ {
		b := uint64(rng.Intn(n))
		switch rng.Intn(3) {
		case 0:
			if ref[b] == 0 {
				continue
			}
			if _, err := st.Dec(b, b+1); err != nil {
				t.Fatalf("step %d dec %d: %v", step, b, err)
			}
			ref[b]--
		case 1:
			if _, err := st.Inc(b, b+1); err != nil {
				t.Fatalf("step %d inc %d: %v", step, b, err)
			}
			ref[b]++
		default:
			v := uint32(rng.Intn(6))
			if _, err := st.Insert(b, v); err != nil {
				t.Fatalf("step %d insert %d=%d: %v", step, b, v, err)
			}
			ref[b] = v
		}
	}
	checkAll()

	// Invariant 8: inc then dec over the same range restores every count.
	before := make(map[uint64]uint32, len(ref))
	for k, v := range ref {
		before[k] = v
	}
	if _, err := st.Inc(0, n); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Dec(0, n); err != nil {
		t.Fatal(err)
	}
	for b := uint64(0); b < n; b++ {
		got, err := st.Lookup(b)
		if err != nil {
			t.Fatal(err)
		}
		if got != before[b] {
			t.Fatalf("inc;dec did not restore block %d: want %d got %d", b, before[b], got)
		}
	}
}
