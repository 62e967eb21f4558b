// Package storeerr defines the sentinel errors returned by the storage
// engine's internal packages. Callers use errors.Is against these values;
// wrapped context is added with fmt.Errorf("%w: ...").
package storeerr

import "errors"

var (
	ErrIO              = errors.New("i/o error")
	ErrCorruption      = errors.New("header checksum or chain link inconsistency")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrSerialization   = errors.New("error during serialization")
	ErrDeserialization = errors.New("error during deserialization")

	ErrKeyNotFound = errors.New("key not found")
	ErrBTree       = errors.New("btree structural invariant violated")

	ErrLockTimeout    = errors.New("lock acquisition timed out")
	ErrReadOnly       = errors.New("write attempted on a read-only engine")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrPageFull      = errors.New("page has no room for the requested write")
	ErrNoFreePage    = errors.New("no free page available")
	ErrCacheFull     = errors.New("cache is full and no entry is currently evictable")
	ErrRecordNotFound = errors.New("record not found at address")
	ErrIteratorDone  = errors.New("iterator exhausted")

	ErrFallbackNotFound = errors.New("fallback ancestor walk did not locate the target")
)
