package bitmap

import (
	"errors"
	"math/rand"
	"testing"
)

func TestSetLookupRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	for j := uint32(0); j < entriesPerWord; j++ {
		for v := uint32(0); v < 4; v++ {
			Set(buf, j, v)
			if got := Lookup(buf, j); got != v {
				t.Fatalf("j=%d v=%d: got %d", j, v, got)
			}
			Set(buf, j, 0)
		}
	}
}

func TestSetPreservesOtherEntries(t *testing.T) {
	buf := make([]byte, 8)
	for j := uint32(0); j < entriesPerWord; j++ {
		Set(buf, j, (j%3)+1)
	}
	for j := uint32(0); j < entriesPerWord; j++ {
		want := (j % 3) + 1
		if got := Lookup(buf, j); got != want {
			t.Fatalf("j=%d: want %d got %d", j, want, got)
		}
	}
}

// wordFullyUsedReference is a naive per-bit reference implementation of
// WordFullyUsed, checked against the bit-trick identity per spec.md §9.
func wordFullyUsedReference(buf []byte, j uint32) bool {
	base := (j / entriesPerWord) * entriesPerWord
	for k := base; k < base+entriesPerWord; k++ {
		if Lookup(buf, k) == 0 {
			return false
		}
	}
	return true
}

func TestWordFullyUsedMatchesReference(t *testing.T) {
	buf := make([]byte, 8)

	// All-zero and all-ones.
	cases := [][entriesPerWord]uint32{}
	var allZero, allOnes [entriesPerWord]uint32
	for i := range allOnes {
		allOnes[i] = 3
	}
	cases = append(cases, allZero, allOnes)

	// Every pattern with exactly one zero entry.
	for i := 0; i < entriesPerWord; i++ {
		var pattern [entriesPerWord]uint32
		for k := range pattern {
			pattern[k] = 3
		}
		pattern[i] = 0
		cases = append(cases, pattern)
	}

	// A sample of random patterns.
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		var pattern [entriesPerWord]uint32
		for k := range pattern {
			pattern[k] = uint32(rng.Intn(4))
		}
		cases = append(cases, pattern)
	}

	for ci, pattern := range cases {
		for k, v := range pattern {
			Set(buf, uint32(k), v)
		}
		want := wordFullyUsedReference(buf, 0)
		got := WordFullyUsed(buf, 0)
		if got != want {
			t.Fatalf("case %d: pattern=%v want=%v got=%v", ci, pattern, want, got)
		}
	}
}

func TestFindFreeSkipsFullWords(t *testing.T) {
	buf := make([]byte, 16) // two words, 64 entries
	for j := uint32(0); j < 2*entriesPerWord; j++ {
		Set(buf, j, 3)
	}
	Set(buf, 40, 0)

	pos, err := FindFree(buf, 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 40 {
		t.Fatalf("expected 40, got %d", pos)
	}
}

func TestFindFreeMidWord(t *testing.T) {
	buf := make([]byte, 8)
	for j := uint32(0); j < entriesPerWord; j++ {
		Set(buf, j, 1)
	}
	Set(buf, 17, 0)

	pos, err := FindFree(buf, 5, 32)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 17 {
		t.Fatalf("expected 17, got %d", pos)
	}
}

func TestFindFreeNoSpace(t *testing.T) {
	buf := make([]byte, 8)
	for j := uint32(0); j < entriesPerWord; j++ {
		Set(buf, j, 2)
	}

	if _, err := FindFree(buf, 0, 32); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}
