package domstore

import (
	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/enginelock"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

// Iterator produces a lazy, finite, non-restartable forward traversal
// of a record chain starting at a given address. It acquires the
// engine lock for each step and releases it before returning, so a
// partially consumed iterator can be dropped without leaking a hold.
type Iterator struct {
	store *Store
	lock  *enginelock.RWLock
	owner enginelock.OwnerID

	curPage   uint32
	curOffset int
	done      bool

	lastPage   uint32
	lastOffset int
	lastTid    uint16
	hasLast    bool
}

// NewIterator resolves its starting position once, from address, and
// returns an iterator ready for repeated Next calls.
func NewIterator(store *Store, lock *enginelock.RWLock, owner enginelock.OwnerID, start addr.Address) (*Iterator, error) {
	it := &Iterator{store: store, lock: lock, owner: owner}

	if err := lock.Acquire(owner, enginelock.Shared); err != nil {
		return nil, err
	}
	defer lock.Release(owner)

	dp, off, err := store.findValuePosition(start)
	if err != nil {
		return nil, err
	}
	it.curPage = dp.Number()
	it.curOffset = off
	store.releaseDataPage(dp)
	return it, nil
}

// Next returns the next record's value and address, or
// storeerr.ErrIteratorDone once the chain is exhausted.
func (it *Iterator) Next() ([]byte, addr.Address, error) {
	if it.done {
		return nil, 0, storeerr.ErrIteratorDone
	}

	if err := it.lock.Acquire(it.owner, enginelock.Shared); err != nil {
		return nil, 0, err
	}
	defer it.lock.Release(it.owner)

	dp, err := it.store.fetchDataPage(it.curPage)
	if err != nil {
		return nil, 0, err
	}

	for it.curOffset >= int(dp.DataLength()) {
		next := dp.NextDataPage()
		it.store.releaseDataPage(dp)
		if next < 0 {
			it.done = true
			return nil, 0, storeerr.ErrIteratorDone
		}
		it.curPage = uint32(next)
		it.curOffset = 0
		dp, err = it.store.fetchDataPage(it.curPage)
		if err != nil {
			return nil, 0, err
		}
	}

	buf := dp.records()
	tid := readU16(buf, it.curOffset)
	length := readU16(buf, it.curOffset+2)
	value := append([]byte(nil), buf[it.curOffset+4:it.curOffset+4+int(length)]...)

	it.lastPage = it.curPage
	it.lastOffset = it.curOffset
	it.lastTid = tid
	it.hasLast = true

	address := addr.New(it.curPage, tid)
	it.curOffset += recordHeaderSize + int(length)
	it.store.releaseDataPage(dp)
	return value, address, nil
}

// Remove deletes the record most recently returned by Next. Calling it
// without a preceding successful Next, or calling it twice in a row,
// is a programming error and returns storeerr.ErrIteratorDone.
func (it *Iterator) Remove() error {
	if !it.hasLast {
		return storeerr.ErrIteratorDone
	}
	if err := it.lock.Acquire(it.owner, enginelock.Exclusive); err != nil {
		return err
	}
	defer it.lock.Release(it.owner)

	dp, err := it.store.fetchDataPage(it.lastPage)
	if err != nil {
		return err
	}
	successor := dp.NextDataPage()
	it.store.releaseDataPage(dp)

	address := addr.New(it.lastPage, it.lastTid)
	unlinked, err := it.store.removeAt(address)
	if err != nil {
		return err
	}
	it.hasLast = false

	if unlinked {
		if successor < 0 {
			it.done = true
			return nil
		}
		it.curPage = uint32(successor)
		it.curOffset = 0
		return nil
	}

	// The remaining bytes shifted left by the removed record's size, so
	// the next record now starts exactly where the removed one did.
	it.curOffset = it.lastOffset
	return nil
}

func readU16(buf []byte, off int) uint16 {
	return uint16(buf[off])<<8 | uint16(buf[off+1])
}
