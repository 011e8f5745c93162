package main

import (
	"fmt"
	"log"

	"github.com/thinpool/spacemap/block"
	"github.com/thinpool/spacemap/llcore"
	"github.com/thinpool/spacemap/txmgr"
)

func main() {
	bm := block.NewMemoryManager(4096)
	tm := txmgr.New(bm)

	st, err := llcore.NewMetadata(tm)
	if err != nil {
		log.Fatalf("new metadata space map: %v", err)
	}

	const universe = 1000
	if err := st.Extend(universe); err != nil {
		log.Fatalf("extend: %v", err)
	}
	fmt.Printf("extended to %d blocks, %d allocated\n", st.NrBlocks(), st.NrAllocated())

	if _, err := st.Inc(0, 10); err != nil {
		log.Fatalf("inc: %v", err)
	}
	for b := uint64(0); b < 5; b++ {
		if _, err := st.Inc(b, b+1); err != nil {
			log.Fatalf("inc %d: %v", b, err)
		}
	}
	fmt.Printf("after incrementing: %d allocated\n", st.NrAllocated())

	v, err := st.Lookup(0)
	if err != nil {
		log.Fatalf("lookup 0: %v", err)
	}
	fmt.Printf("block 0 refcount: %d\n", v)

	free, err := st.FindFreeBlock(0, universe)
	if err != nil {
		log.Fatalf("find free: %v", err)
	}
	fmt.Printf("first free block: %d\n", free)

	if err := st.Commit(); err != nil {
		log.Fatalf("commit ll state: %v", err)
	}
	if err := tm.Commit(); err != nil {
		log.Fatalf("commit transaction: %v", err)
	}
	fmt.Println("committed")
}
