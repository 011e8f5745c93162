package llcore

import (
	"errors"
	"testing"
)

func TestRootMarshalRoundTrip(t *testing.T) {
	r := Root{NrBlocks: 1000, NrAllocated: 42, BitmapRoot: 7, RefCountRoot: 9}
	buf := r.MarshalBinary()
	if len(buf) != RootSize {
		t.Fatalf("expected %d bytes, got %d", RootSize, len(buf))
	}
	got, err := UnmarshalRoot(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestUnmarshalRootTooSmallIsError(t *testing.T) {
	if _, err := UnmarshalRoot(make([]byte, RootSize-1)); !errors.Is(err, ErrTooSmall) {
		t.Fatalf("expected ErrTooSmall, got %v", err)
	}
}
