package addr

import (
	"math"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		page uint32
		tid  uint16
	}{
		{0, 0},
		{1, 1},
		{math.MaxUint32, math.MaxUint16},
		{0x00010000, 1},
		{0xFFFFFFFE, 42},
	}
	for _, c := range cases {
		a := New(c.page, c.tid)
		if got := a.Page(); got != c.page {
			t.Fatalf("page: want %d got %d (addr=%x)", c.page, got, a)
		}
		if got := a.Tid(); got != c.tid {
			t.Fatalf("tid: want %d got %d (addr=%x)", c.tid, got, a)
		}
	}
}

func TestPreservesFullPageNumber(t *testing.T) {
	// A page number above 16 bits must not be truncated.
	a := New(0x00020001, 7)
	if a.Page() != 0x00020001 {
		t.Fatalf("page number truncated: got 0x%x", a.Page())
	}
}
