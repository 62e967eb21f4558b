// Package pagefile implements the fixed-size paged container that backs
// the DOM storage engine: a single on-disk file holding a persisted
// header (page size, free-list head, B+-tree root) followed by a
// sequence of fixed-size pages. Freed pages are threaded onto a
// singly-linked free list through their own payload bytes and reused
// before the file is extended.
package pagefile

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	commonutils "github.com/sushant-115/domstore/internal/common_utils"
	"github.com/sushant-115/domstore/internal/storage/codec"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

// Page status kinds, stored in the first byte of every page.
const (
	StatusFree      byte = 0
	StatusData      byte = 1
	StatusBTreeInner byte = 2
	StatusBTreeLeaf  byte = 3
	StatusReserved   byte = 4
)

const (
	headerMagic   uint32 = 0x444f4d31 // "DOM1"
	headerVersion uint32 = 1

	// Fixed-size prefix of page 0. The page counts, freeListHead and
	// btreeRoot are mutated in place, and the header is rewritten each
	// time one of them changes.
	headerFixedSize = 4 + 4 + 4 + 8 + 8 + 2 + 8 + 8 + 4 // magic,version,pageSize,pageCount,totalCount,keyLen,freeListHead,btreeRoot,reservedCount

	// Generic per-page header: status(1) + dirty(1) + recordLen(4).
	PageHeaderSize = 1 + 1 + 4
)

// Header is the persisted file header living in page 0.
type Header struct {
	PageSize     uint32
	PageCount    int64 // number of pages ever allocated (including freed)
	TotalCount   int64 // number of live (non-free) pages
	KeyLen       int16 // 0 means "variable length"
	FreeListHead int64 // page number of the free-list head, -1 if empty
	BTreeRoot    int64 // page number of the B+-tree root, -1 if none yet
	Reserved     []int64
}

// Page is an in-memory copy of one fixed-size disk page, including its
// generic header fields and raw payload bytes.
//
// latch guards the page's byte contents against concurrent disk I/O and
// free-list mutation from within this package. It is a narrower,
// in-process complement to the engine-wide lock held by callers during
// higher-level operations, not a replacement for it.
type Page struct {
	Number uint32
	Data   []byte // full page, including the generic header
	dirty  bool
	latch  sync.RWMutex
}

// RLock acquires the page's latch for reading.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read lock acquired with RLock.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires the page's latch for writing.
func (p *Page) Lock() {
	p.latch.Lock()
	commonutils.PrintCaller("pagefile: page locked", uint64(p.Number), 2)
}

// Unlock releases a write lock acquired with Lock.
func (p *Page) Unlock() {
	commonutils.PrintCaller("pagefile: page unlocked", uint64(p.Number), 2)
	p.latch.Unlock()
}

// TryLock attempts to acquire the page's latch for writing without
// blocking, reporting whether it succeeded.
func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Status returns the page's kind byte.
func (p *Page) Status() byte { return p.Data[0] }

// SetStatus sets the page's kind byte.
func (p *Page) SetStatus(s byte) { p.Data[0] = s }

// RecordLen returns the generic record-length header field.
func (p *Page) RecordLen() int32 { return codec.I32(p.Data[2:6]) }

// SetRecordLen sets the generic record-length header field.
func (p *Page) SetRecordLen(v int32) { codec.PutI32(p.Data[2:6], v) }

// Payload returns the page bytes following the generic header.
func (p *Page) Payload() []byte { return p.Data[PageHeaderSize:] }

func (p *Page) IsDirty() bool   { return p.dirty }
func (p *Page) MarkDirty()      { p.dirty = true }
func (p *Page) clearDirty()     { p.dirty = false }

// File is the open paged container. All methods are safe for concurrent
// use; callers relying on higher-level invariants still need the engine
// lock (internal/storage/enginelock) to serialize mutations.
type File struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
	header   Header
	log      *zap.Logger
}

// SetLogger installs the logger used for I/O-failure diagnostics. A nil
// logger is ignored, leaving the current one (a no-op by default) in
// place.
func (pf *File) SetLogger(l *zap.Logger) {
	if l != nil {
		pf.log = l
	}
}

// Create creates a new, empty paged file at path. It fails if a file
// already exists there.
func Create(path string, pageSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", storeerr.ErrIO, path, err)
	}
	pf := &File{
		f:        f,
		pageSize: pageSize,
		log:      zap.NewNop(),
		header: Header{
			PageSize:     uint32(pageSize),
			PageCount:    1, // page 0 is the header itself
			TotalCount:   0,
			FreeListHead: -1,
			BTreeRoot:    -1,
		},
	}
	if err := pf.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return pf, nil
}

// Open opens an existing paged file at path and validates its header.
func Open(path string, pageSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", storeerr.ErrIO, path, err)
	}
	pf := &File{f: f, pageSize: pageSize, log: zap.NewNop()}
	if err := pf.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if pf.header.PageSize != uint32(pageSize) {
		f.Close()
		return nil, fmt.Errorf("%w: file page size %d does not match configured %d", storeerr.ErrCorruption, pf.header.PageSize, pageSize)
	}
	return pf, nil
}

// OpenOrCreate opens path if it exists, otherwise creates it.
func OpenOrCreate(path string, pageSize int) (*File, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path, pageSize)
	}
	return Open(path, pageSize)
}

func (pf *File) PageSize() int { return pf.pageSize }

func (pf *File) Header() Header {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.header
}

func (pf *File) SetBTreeRoot(page uint32) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.header.BTreeRoot = int64(page)
	return pf.writeHeader()
}

func (pf *File) writeHeader() error {
	buf := make([]byte, pf.pageSize)
	codec.PutU32(buf[0:4], headerMagic)
	codec.PutU32(buf[4:8], headerVersion)
	codec.PutU32(buf[8:12], pf.header.PageSize)
	codec.PutI64(buf[12:20], pf.header.PageCount)
	codec.PutI64(buf[20:28], pf.header.TotalCount)
	codec.PutU16(buf[28:30], uint16(pf.header.KeyLen))
	codec.PutI64(buf[30:38], pf.header.FreeListHead)
	codec.PutI64(buf[38:46], pf.header.BTreeRoot)
	codec.PutI32(buf[46:50], int32(len(pf.header.Reserved)))
	off := 50
	for _, r := range pf.header.Reserved {
		if off+8 > pf.pageSize {
			return fmt.Errorf("%w: reserved page list overflows header page", storeerr.ErrSerialization)
		}
		codec.PutI64(buf[off:off+8], r)
		off += 8
	}
	if _, err := pf.f.WriteAt(buf, 0); err != nil {
		pf.log.Warn("pagefile: header write failed", zap.Error(err))
		return fmt.Errorf("%w: writing header: %v", storeerr.ErrIO, err)
	}
	return nil
}

func (pf *File) readHeader() error {
	buf := make([]byte, pf.pageSize)
	n, err := pf.f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		pf.log.Warn("pagefile: header read failed", zap.Error(err))
		return fmt.Errorf("%w: reading header: %v", storeerr.ErrIO, err)
	}
	if n < headerFixedSize {
		pf.log.Warn("pagefile: header truncated", zap.Int("bytesRead", n))
		return fmt.Errorf("%w: header truncated", storeerr.ErrCorruption)
	}
	magic := codec.U32(buf[0:4])
	if magic != headerMagic {
		pf.log.Warn("pagefile: bad header magic", zap.Uint32("magic", magic))
		return fmt.Errorf("%w: bad magic 0x%x", storeerr.ErrCorruption, magic)
	}
	pf.header.PageSize = codec.U32(buf[8:12])
	pf.header.PageCount = codec.I64(buf[12:20])
	pf.header.TotalCount = codec.I64(buf[20:28])
	pf.header.KeyLen = int16(codec.U16(buf[28:30]))
	pf.header.FreeListHead = codec.I64(buf[30:38])
	pf.header.BTreeRoot = codec.I64(buf[38:46])
	count := codec.I32(buf[46:50])
	pf.header.Reserved = make([]int64, 0, count)
	off := 50
	for i := int32(0); i < count; i++ {
		pf.header.Reserved = append(pf.header.Reserved, codec.I64(buf[off:off+8]))
		off += 8
	}
	return nil
}

// GetPage reads page n from disk into a fresh in-memory Page.
func (pf *File) GetPage(n uint32) (*Page, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.readPageLocked(n)
}

func (pf *File) readPageLocked(n uint32) (*Page, error) {
	data := make([]byte, pf.pageSize)
	offset := int64(n) * int64(pf.pageSize)
	read, err := pf.f.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		pf.log.Warn("pagefile: page read failed", zap.Uint32("page", n), zap.Error(err))
		return nil, fmt.Errorf("%w: reading page %d: %v", storeerr.ErrIO, n, err)
	}
	if read != pf.pageSize {
		pf.log.Warn("pagefile: short page read", zap.Uint32("page", n), zap.Int("bytesRead", read))
		return nil, fmt.Errorf("%w: short read for page %d: got %d bytes", storeerr.ErrIO, n, read)
	}
	return &Page{Number: n, Data: data}, nil
}

// WritePage persists p's current contents and clears its dirty flag.
func (pf *File) WritePage(p *Page) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.writePageLocked(p)
}

func (pf *File) writePageLocked(p *Page) error {
	p.RLock()
	defer p.RUnlock()
	offset := int64(p.Number) * int64(pf.pageSize)
	if _, err := pf.f.WriteAt(p.Data, offset); err != nil {
		pf.log.Warn("pagefile: page write failed", zap.Uint32("page", p.Number), zap.Error(err))
		return fmt.Errorf("%w: writing page %d: %v", storeerr.ErrIO, p.Number, err)
	}
	p.clearDirty()
	return nil
}

// GetFreePage returns a zeroed page ready for reuse, popping the head of
// the on-disk free list if one exists or else extending the file.
func (pf *File) GetFreePage() (*Page, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if pf.header.FreeListHead >= 0 {
		head := uint32(pf.header.FreeListHead)
		p, err := pf.readPageLocked(head)
		if err != nil {
			return nil, err
		}
		next := codec.I64(p.Payload()[0:8])
		pf.header.FreeListHead = next
		pf.header.TotalCount++
		if err := pf.writeHeader(); err != nil {
			return nil, err
		}
		p.Lock()
		for i := range p.Data {
			p.Data[i] = 0
		}
		p.Unlock()
		p.MarkDirty()
		return p, nil
	}

	n := uint32(pf.header.PageCount)
	blank := make([]byte, pf.pageSize)
	offset := int64(n) * int64(pf.pageSize)
	if _, err := pf.f.WriteAt(blank, offset); err != nil {
		pf.log.Warn("pagefile: extending file failed", zap.Uint32("page", n), zap.Error(err))
		return nil, fmt.Errorf("%w: extending file for page %d: %v", storeerr.ErrIO, n, err)
	}
	pf.header.PageCount++
	pf.header.TotalCount++
	if err := pf.writeHeader(); err != nil {
		return nil, err
	}
	p := &Page{Number: n, Data: blank}
	p.MarkDirty()
	return p, nil
}

// UnlinkPage resets p to the free state and pushes it onto the free
// list, persisting both the page and the updated list head. Callers
// must have already removed p from any cache and any chain it belonged
// to.
func (pf *File) UnlinkPage(p *Page) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	p.Lock()
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.Unlock()
	p.SetStatus(StatusFree)
	codec.PutI64(p.Payload()[0:8], pf.header.FreeListHead)
	if err := pf.writePageLocked(p); err != nil {
		return err
	}
	pf.header.FreeListHead = int64(p.Number)
	pf.header.TotalCount--
	return pf.writeHeader()
}

// Flush fsyncs the underlying file.
func (pf *File) Flush() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.f.Sync(); err != nil {
		pf.log.Warn("pagefile: fsync failed", zap.Error(err))
		return fmt.Errorf("%w: fsync: %v", storeerr.ErrIO, err)
	}
	return nil
}

// Close syncs and closes the underlying file.
func (pf *File) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	_ = pf.f.Sync()
	return pf.f.Close()
}
