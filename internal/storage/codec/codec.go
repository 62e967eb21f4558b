// Package codec provides fixed-width, big-endian integer encoding into and
// out of page buffers. It performs no allocation beyond what the caller
// supplies.
package codec

// PutU16 writes v into b[0:2], big-endian.
func PutU16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// U16 reads a big-endian uint16 from b[0:2].
func U16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// PutI32 writes v into b[0:4], big-endian.
func PutI32(b []byte, v int32) {
	PutU32(b, uint32(v))
}

// I32 reads a big-endian int32 from b[0:4].
func I32(b []byte) int32 {
	return int32(U32(b))
}

// PutU32 writes v into b[0:4], big-endian.
func PutU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// U32 reads a big-endian uint32 from b[0:4].
func U32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// PutI64 writes v into b[0:8], big-endian.
func PutI64(b []byte, v int64) {
	PutU64(b, uint64(v))
}

// I64 reads a big-endian int64 from b[0:8].
func I64(b []byte) int64 {
	return int64(U64(b))
}

// PutU64 writes v into b[0:8], big-endian.
func PutU64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

// U64 reads a big-endian uint64 from b[0:8].
func U64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}
