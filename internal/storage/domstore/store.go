// Package domstore implements the DOM record store: append, insert-
// after, update, and remove of variable-length records on chains of
// fixed-size data pages, addressed by tuple identifiers that survive
// physical relocation. It is the largest and most delicate component
// of the engine because records move across pages on split but must
// remain reachable by the address a caller was handed at write time.
package domstore

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/codec"
	"github.com/sushant-115/domstore/internal/storage/datacache"
	"github.com/sushant-115/domstore/internal/storage/pagefile"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

// OwnerHandle is an opaque per-session identifier for the current
// append target. Sessions issue one at start and drop it at close.
type OwnerHandle uint64

// Store is the DOM record store over one paged file.
type Store struct {
	mu    sync.Mutex
	pf    *pagefile.File
	cache *datacache.Cache
	log   *zap.Logger

	tails map[OwnerHandle]uint32 // owner -> current tail page number
}

// New wraps an already-open page file and data-page cache.
func New(pf *pagefile.File, cache *datacache.Cache) *Store {
	return &Store{
		pf:    pf,
		cache: cache,
		log:   zap.NewNop(),
		tails: make(map[OwnerHandle]uint32),
	}
}

// SetLogger installs the logger used for structural-failure diagnostics.
// A nil logger is ignored.
func (s *Store) SetLogger(l *zap.Logger) {
	if l != nil {
		s.log = l
	}
}

// SetCurrentPage installs page as owner's append target.
func (s *Store) SetCurrentPage(owner OwnerHandle, page uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tails[owner] = page
}

// CloseDocument drops owner's append target, freeing the slot.
func (s *Store) CloseDocument(owner OwnerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tails, owner)
}

func (s *Store) fetchDataPage(n uint32) (*DataPage, error) {
	if item, ok := s.cache.Get(n); ok {
		dp := item.(*DataPage)
		dp.pinned = true
		return dp, nil
	}
	page, err := s.pf.GetPage(n)
	if err != nil {
		return nil, err
	}
	dp := wrapDataPage(s, page)
	dp.pinned = true
	if err := s.cache.Add(dp, 1); err != nil {
		return nil, err
	}
	return dp, nil
}

func (s *Store) releaseDataPage(dp *DataPage) {
	dp.pinned = false
}

func (s *Store) newDataPage() (*DataPage, error) {
	page, err := s.pf.GetFreePage()
	if err != nil {
		return nil, err
	}
	page.SetStatus(pagefile.StatusData)
	dp := wrapDataPage(s, page)
	dp.pinned = true
	dp.SetRecordCount(0)
	dp.SetDataLength(0)
	dp.SetNextDataPage(noChain)
	dp.SetPrevDataPage(noChain)
	dp.SetNextTid(1)
	if err := s.cache.Add(dp, 1); err != nil {
		return nil, err
	}
	return dp, nil
}

// Add appends value to owner's current document, allocating a fresh
// tail page first if owner has none yet or the current tail has no
// room.
func (s *Store) Add(owner OwnerHandle, value []byte) (addr.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needed := recordHeaderSize + len(value)

	tailNum, ok := s.tails[owner]
	var tail *DataPage
	var err error
	if !ok {
		tail, err = s.newDataPage()
		if err != nil {
			return 0, err
		}
		s.tails[owner] = tail.Number()
	} else {
		tail, err = s.fetchDataPage(tailNum)
		if err != nil {
			return 0, err
		}
	}

	if int(tail.DataLength())+needed > tail.workSize() {
		if needed > tail.workSize() {
			s.releaseDataPage(tail)
			return 0, fmt.Errorf("%w: record of %d bytes exceeds page work size %d", storeerr.ErrPageFull, len(value), tail.workSize())
		}
		fresh, err := s.newDataPage()
		if err != nil {
			s.releaseDataPage(tail)
			return 0, err
		}
		fresh.SetPrevDataPage(int64(tail.Number()))
		tail.SetNextDataPage(int64(fresh.Number()))
		s.releaseDataPage(tail)
		tail = fresh
		s.tails[owner] = tail.Number()
	}

	tid := tail.NextTid()
	tail.SetNextTid(tid + 1)
	tail.writeRecordAt(int(tail.DataLength()), tid, value)
	tail.SetDataLength(tail.DataLength() + int32(needed))
	tail.SetRecordCount(tail.RecordCount() + 1)

	address := addr.New(tail.Number(), tid)
	s.releaseDataPage(tail)
	return address, nil
}

// findValuePosition locates the record identified by address, walking
// the chain forward from address's origin page if the tid migrated to
// a later page during a split. The caller owns releasing the returned
// page. recordOffset is the offset of the record's tid field within
// the returned page's record area.
func (s *Store) findValuePosition(address addr.Address) (dp *DataPage, recordOffset int, err error) {
	pageNum := address.Page()
	targetTid := address.Tid()

	dp, err = s.fetchDataPage(pageNum)
	if err != nil {
		return nil, 0, err
	}
	for {
		buf := dp.records()
		off := 0
		limit := int(dp.DataLength())
		for off < limit {
			tid := codec.U16(buf[off : off+2])
			length := codec.U16(buf[off+2 : off+4])
			if tid == targetTid {
				return dp, off, nil
			}
			off += recordHeaderSize + int(length)
		}
		next := dp.NextDataPage()
		s.releaseDataPage(dp)
		if next < 0 {
			s.log.Warn("domstore: record not found after walking chain",
				zap.Uint32("originPage", pageNum), zap.Uint16("tid", targetTid))
			return nil, 0, fmt.Errorf("%w: address page=%d tid=%d", storeerr.ErrRecordNotFound, pageNum, targetTid)
		}
		dp, err = s.fetchDataPage(uint32(next))
		if err != nil {
			return nil, 0, err
		}
	}
}

// Get returns the bytes stored at address.
func (s *Store) Get(address addr.Address) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dp, off, err := s.findValuePosition(address)
	if err != nil {
		return nil, err
	}
	buf := dp.records()
	length := int(codec.U16(buf[off+2 : off+4]))
	value := append([]byte(nil), buf[off+recordHeaderSize:off+recordHeaderSize+length]...)
	s.releaseDataPage(dp)
	return value, nil
}

// Update overwrites the bytes at address in place. The new value must
// be exactly as long as the stored one: a longer value is rejected as
// InvalidArgument, a shorter one as a deliberate "no shrink" policy
// choice carried over from the source this store is modeled on (see
// the update section of the design notes for why shrinking isn't
// supported).
func (s *Store) Update(address addr.Address, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dp, off, err := s.findValuePosition(address)
	if err != nil {
		return err
	}
	buf := dp.records()
	oldLen := int(codec.U16(buf[off+2 : off+4]))
	if len(value) > oldLen {
		s.releaseDataPage(dp)
		return fmt.Errorf("%w: value too long (%d > %d)", storeerr.ErrInvalidArgument, len(value), oldLen)
	}
	if len(value) < oldLen {
		s.releaseDataPage(dp)
		return fmt.Errorf("%w: update does not support shrinking a value (%d < %d)", storeerr.ErrInvalidArgument, len(value), oldLen)
	}
	copy(buf[off+recordHeaderSize:off+recordHeaderSize+oldLen], value)
	dp.page.MarkDirty()
	s.releaseDataPage(dp)
	return nil
}

// Remove deletes the record at address. If the containing page becomes
// empty, it is unlinked from its chain and returned to the free list.
func (s *Store) Remove(address addr.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.removeAt(address)
	return err
}

// removeAt performs the removal and reports whether the page was
// unlinked, which the iterator needs to know to advance correctly.
func (s *Store) removeAt(address addr.Address) (unlinked bool, err error) {
	dp, off, err := s.findValuePosition(address)
	if err != nil {
		return false, err
	}

	buf := dp.records()
	length := int(codec.U16(buf[off+2 : off+4]))
	recSize := recordHeaderSize + length
	dataLen := int(dp.DataLength())

	copy(buf[off:dataLen-recSize], buf[off+recSize:dataLen])
	dp.SetDataLength(int32(dataLen - recSize))
	dp.SetRecordCount(dp.RecordCount() - 1)

	if dp.RecordCount() == 0 {
		if err := s.unlinkPage(dp); err != nil {
			s.releaseDataPage(dp)
			return false, err
		}
		return true, nil
	}
	s.releaseDataPage(dp)
	return false, nil
}

// unlinkPage removes dp from its chain, clears it, and returns it to
// the free list. dp must have record_count == 0.
func (s *Store) unlinkPage(dp *DataPage) error {
	prev := dp.PrevDataPage()
	next := dp.NextDataPage()

	if prev >= 0 {
		prevPage, err := s.fetchDataPage(uint32(prev))
		if err != nil {
			return err
		}
		prevPage.SetNextDataPage(next)
		s.releaseDataPage(prevPage)
	}
	if next >= 0 {
		nextPage, err := s.fetchDataPage(uint32(next))
		if err != nil {
			return err
		}
		nextPage.SetPrevDataPage(prev)
		s.releaseDataPage(nextPage)
	}

	for owner, tailNum := range s.tails {
		if tailNum == dp.Number() {
			if prev >= 0 {
				s.tails[owner] = uint32(prev)
			} else {
				delete(s.tails, owner)
			}
		}
	}

	s.cache.Remove(dp.Number())
	return s.pf.UnlinkPage(dp.page)
}

// InsertAfter inserts value immediately after the record at address,
// returning the new record's address. See the three insertion cases in
// the design notes: mid-page shift, mid-chain split, and append to a
// fresh page.
func (s *Store) InsertAfter(address addr.Address, value []byte) (addr.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dp, off, err := s.findValuePosition(address)
	if err != nil {
		return 0, err
	}

	buf := dp.records()
	existingLen := int(codec.U16(buf[off+2 : off+4]))
	endOfExisting := off + recordHeaderSize + existingLen
	dataLen := int(dp.DataLength())
	needed := recordHeaderSize + len(value)
	workSize := dp.workSize()

	if dataLen+needed <= workSize {
		return s.insertMidPage(dp, endOfExisting, dataLen, needed, value)
	}
	if endOfExisting == dataLen {
		return s.insertAppendNewPage(dp, value)
	}
	return s.insertMidChainSplit(dp, endOfExisting, dataLen, needed, value, workSize)
}

func (s *Store) insertMidPage(dp *DataPage, endOfExisting, dataLen, needed int, value []byte) (addr.Address, error) {
	buf := dp.records()
	copy(buf[endOfExisting+needed:dataLen+needed], buf[endOfExisting:dataLen])

	tid := dp.NextTid()
	dp.SetNextTid(tid + 1)
	dp.writeRecordAt(endOfExisting, tid, value)
	dp.SetDataLength(int32(dataLen + needed))
	dp.SetRecordCount(dp.RecordCount() + 1)

	address := addr.New(dp.Number(), tid)
	s.releaseDataPage(dp)
	return address, nil
}

func (s *Store) insertAppendNewPage(dp *DataPage, value []byte) (addr.Address, error) {
	fresh, err := s.newDataPage()
	if err != nil {
		s.releaseDataPage(dp)
		return 0, err
	}
	fresh.SetPrevDataPage(int64(dp.Number()))
	fresh.SetNextDataPage(dp.NextDataPage())
	if next := dp.NextDataPage(); next >= 0 {
		following, err := s.fetchDataPage(uint32(next))
		if err != nil {
			s.releaseDataPage(dp)
			s.releaseDataPage(fresh)
			return 0, err
		}
		following.SetPrevDataPage(int64(fresh.Number()))
		s.releaseDataPage(following)
	}
	dp.SetNextDataPage(int64(fresh.Number()))

	tid := fresh.NextTid()
	fresh.SetNextTid(tid + 1)
	fresh.writeRecordAt(0, tid, value)
	fresh.SetDataLength(int32(recordHeaderSize + len(value)))
	fresh.SetRecordCount(1)

	address := addr.New(fresh.Number(), tid)
	s.releaseDataPage(dp)
	s.releaseDataPage(fresh)
	return address, nil
}

func (s *Store) insertMidChainSplit(dp *DataPage, endOfExisting, dataLen, needed int, value []byte, workSize int) (addr.Address, error) {
	tailBytes := append([]byte(nil), dp.records()[endOfExisting:dataLen]...)

	split, err := s.newDataPage()
	if err != nil {
		s.releaseDataPage(dp)
		return 0, err
	}
	split.SetPrevDataPage(int64(dp.Number()))
	split.SetNextDataPage(dp.NextDataPage())
	split.SetNextTid(dp.NextTid())

	if next := dp.NextDataPage(); next >= 0 {
		following, err := s.fetchDataPage(uint32(next))
		if err != nil {
			s.releaseDataPage(dp)
			s.releaseDataPage(split)
			return 0, err
		}
		following.SetPrevDataPage(int64(split.Number()))
		s.releaseDataPage(following)
	}
	dp.SetNextDataPage(int64(split.Number()))

	copy(split.records()[:len(tailBytes)], tailBytes)
	split.SetDataLength(int32(len(tailBytes)))
	split.SetRecordCount(split.scanRecordCount())

	dp.SetDataLength(int32(endOfExisting))
	dp.SetRecordCount(dp.scanRecordCount())

	newDataLen := int(dp.DataLength())
	if newDataLen+needed > workSize {
		s.releaseDataPage(dp)
		s.releaseDataPage(split)
		return 0, fmt.Errorf("%w: record of %d bytes exceeds page work size %d", storeerr.ErrPageFull, len(value), workSize)
	}

	tid := dp.NextTid()
	dp.SetNextTid(tid + 1)
	dp.writeRecordAt(newDataLen, tid, value)
	dp.SetDataLength(int32(newDataLen + needed))
	dp.SetRecordCount(dp.RecordCount() + 1)

	address := addr.New(dp.Number(), tid)
	s.releaseDataPage(dp)
	s.releaseDataPage(split)
	return address, nil
}

// FindRange issues cb for the bytes stored at every address in
// addresses, in order, stopping early if cb returns false. It is the
// record-fetching half of a B+-tree BW query; the caller supplies the
// matching addresses from btree.Tree.Query.
func (s *Store) FindRange(addresses []addr.Address, cb func(value []byte) bool) error {
	for _, a := range addresses {
		value, err := s.Get(a)
		if err != nil {
			return err
		}
		if !cb(value) {
			return nil
		}
	}
	return nil
}

// Flush writes back every dirty cached data page.
func (s *Store) Flush() error {
	return s.cache.Flush()
}
