package codec

import "testing"

func TestU16RoundTrip(t *testing.T) {
	b := make([]byte, 2)
	for _, v := range []uint16{0, 1, 255, 256, 65535} {
		PutU16(b, v)
		if got := U16(b); got != v {
			t.Fatalf("U16 round trip: want %d got %d", v, got)
		}
	}
}

func TestI32RoundTrip(t *testing.T) {
	b := make([]byte, 4)
	for _, v := range []int32{0, 1, -1, 1 << 20, -(1 << 20)} {
		PutI32(b, v)
		if got := I32(b); got != v {
			t.Fatalf("I32 round trip: want %d got %d", v, got)
		}
	}
}

func TestI64RoundTrip(t *testing.T) {
	b := make([]byte, 8)
	for _, v := range []int64{0, 1, -1, 1 << 40, -(1 << 40)} {
		PutI64(b, v)
		if got := I64(b); got != v {
			t.Fatalf("I64 round trip: want %d got %d", v, got)
		}
	}
}

func TestU32BigEndianLayout(t *testing.T) {
	b := make([]byte, 4)
	PutU32(b, 0x01020304)
	want := []byte{0x01, 0x02, 0x03, 0x04}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("byte %d: want 0x%x got 0x%x", i, want[i], b[i])
		}
	}
}
