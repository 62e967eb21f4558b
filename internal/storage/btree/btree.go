// Package btree implements the true B+-tree that maps opaque,
// lexicographically ordered keys to 64-bit record addresses. Only
// leaves carry values; inner nodes route via separator keys. Leaves
// are chained left to right so range and predicate scans never need to
// walk back up the tree.
package btree

import (
	"bytes"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/btreecache"
	"github.com/sushant-115/domstore/internal/storage/pagefile"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

// Tree is the ordered key -> address map backing the DOM record store's
// index. All structural mutations (insert/delete/split) run under the
// tree's own mutex; callers above still need the engine-wide lock
// (internal/storage/enginelock) for cross-operation consistency with
// the record store.
type Tree struct {
	mu    sync.Mutex
	pf    *pagefile.File
	cache *btreecache.Cache
	log   *zap.Logger

	hasRoot bool
	root    uint32
}

// Open builds a Tree over an already-open page file, recovering the
// root page number from the file header if one was persisted.
func Open(pf *pagefile.File, cache *btreecache.Cache) *Tree {
	h := pf.Header()
	t := &Tree{pf: pf, cache: cache, log: zap.NewNop()}
	if h.BTreeRoot >= 0 {
		t.hasRoot = true
		t.root = uint32(h.BTreeRoot)
	}
	return t
}

// SetLogger installs the logger used for structural-failure diagnostics.
// A nil logger is ignored.
func (t *Tree) SetLogger(l *zap.Logger) {
	if l != nil {
		t.log = l
	}
}

func (t *Tree) avail() int {
	return t.pf.PageSize() - pagefile.PageHeaderSize - checksumSize
}

func (t *Tree) fetch(pageNum uint32) (*node, error) {
	if item, ok := t.cache.Get(pageNum); ok {
		n := item.(*node)
		n.pinned = true
		t.cache.Pin(pageNum)
		return n, nil
	}
	page, err := t.pf.GetPage(pageNum)
	if err != nil {
		return nil, err
	}
	n, err := deserializeNode(page)
	if err != nil {
		t.log.Warn("btree: node deserialization failed", zap.Uint32("page", pageNum), zap.Error(err))
		return nil, err
	}
	n.tree = t
	n.pinned = true
	if err := t.cache.Add(n, 1); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *Tree) release(n *node) {
	n.pinned = false
	t.cache.Unpin(n.page.Number)
}

func (t *Tree) newLeaf() (*node, error) {
	page, err := t.pf.GetFreePage()
	if err != nil {
		return nil, err
	}
	n := &node{tree: t, page: page, isLeaf: true, nextLeaf: noLeaf, dirty: true, pinned: true}
	if err := t.cache.Add(n, 1); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *Tree) newInner() (*node, error) {
	page, err := t.pf.GetFreePage()
	if err != nil {
		return nil, err
	}
	n := &node{tree: t, page: page, isLeaf: false, dirty: true, pinned: true}
	if err := t.cache.Add(n, 1); err != nil {
		return nil, err
	}
	return n, nil
}

// FindValue resolves key to its address, returning ok=false if the key
// is absent (KEY_NOT_FOUND is a normal return, not an error).
func (t *Tree) FindValue(key []byte) (addr.Address, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasRoot {
		return 0, false, nil
	}
	n, err := t.fetch(t.root)
	if err != nil {
		return 0, false, err
	}
	for !n.isLeaf {
		idx := childIndex(n.keys, key)
		child := n.children[idx]
		t.release(n)
		n, err = t.fetch(child)
		if err != nil {
			return 0, false, err
		}
	}
	defer t.release(n)
	i, found := search(n.keys, key)
	if !found {
		return 0, false, nil
	}
	return n.values[i], true, nil
}

// AddValue inserts or overwrites key -> address.
func (t *Tree) AddValue(key []byte, address addr.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasRoot {
		leaf, err := t.newLeaf()
		if err != nil {
			return err
		}
		leaf.keys = [][]byte{cloneKey(key)}
		leaf.values = []addr.Address{address}
		t.release(leaf)
		t.hasRoot = true
		t.root = leaf.page.Number
		return t.pf.SetBTreeRoot(t.root)
	}

	rootNode, err := t.fetch(t.root)
	if err != nil {
		return err
	}
	promotedKey, promotedChild, err := t.insert(rootNode, key, address)
	t.release(rootNode)
	if err != nil {
		return err
	}
	if promotedKey == nil {
		return nil
	}

	newRoot, err := t.newInner()
	if err != nil {
		return err
	}
	newRoot.keys = [][]byte{promotedKey}
	newRoot.children = []uint32{t.root, promotedChild}
	t.release(newRoot)
	t.root = newRoot.page.Number
	return t.pf.SetBTreeRoot(t.root)
}

// insert descends into n, inserting key/address, and returns a
// non-nil promotedKey when n split and the caller (n's parent) must
// link in promotedChild as the new right sibling.
func (t *Tree) insert(n *node, key []byte, address addr.Address) ([]byte, uint32, error) {
	if n.isLeaf {
		i, found := search(n.keys, key)
		if found {
			n.values[i] = address
		} else {
			n.keys = insertAt(n.keys, i, cloneKey(key))
			n.values = insertAddrAt(n.values, i, address)
		}
		n.dirty = true
		n.page.MarkDirty()
		if t.fits(n) {
			return nil, 0, nil
		}
		return t.splitLeaf(n)
	}

	idx := childIndex(n.keys, key)
	child, err := t.fetch(n.children[idx])
	if err != nil {
		return nil, 0, err
	}
	promotedKey, promotedChild, err := t.insert(child, key, address)
	t.release(child)
	if err != nil {
		return nil, 0, err
	}
	if promotedKey == nil {
		return nil, 0, nil
	}

	n.keys = insertAt(n.keys, idx, promotedKey)
	n.children = insertU32At(n.children, idx+1, promotedChild)
	n.dirty = true
	n.page.MarkDirty()
	if t.fits(n) {
		return nil, 0, nil
	}
	return t.splitInner(n)
}

func (t *Tree) splitLeaf(n *node) ([]byte, uint32, error) {
	mid := len(n.keys) / 2
	right, err := t.newLeaf()
	if err != nil {
		return nil, 0, err
	}
	right.keys = append([][]byte(nil), n.keys[mid:]...)
	right.values = append([]addr.Address(nil), n.values[mid:]...)
	right.nextLeaf = n.nextLeaf
	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	n.nextLeaf = right.page.Number
	n.dirty = true
	n.page.MarkDirty()
	right.dirty = true
	right.page.MarkDirty()
	separator := right.keys[0]
	rightNum := right.page.Number
	t.release(right)
	return separator, rightNum, nil
}

func (t *Tree) splitInner(n *node) ([]byte, uint32, error) {
	mid := len(n.keys) / 2
	separator := n.keys[mid]

	right, err := t.newInner()
	if err != nil {
		return nil, 0, err
	}
	right.keys = append([][]byte(nil), n.keys[mid+1:]...)
	right.children = append([]uint32(nil), n.children[mid+1:]...)
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	n.dirty = true
	n.page.MarkDirty()
	right.dirty = true
	right.page.MarkDirty()
	rightNum := right.page.Number
	t.release(right)
	return separator, rightNum, nil
}

// fits reports whether n's current contents will serialize within one
// page. It mirrors node.serialize's byte accounting without writing.
func (t *Tree) fits(n *node) bool {
	size := 1 + 2 // flags + numKeys
	for _, k := range n.keys {
		size += 2 + len(k)
	}
	if n.isLeaf {
		size += 8 * len(n.values)
		size += 4 // nextLeaf
	} else {
		size += 2 // numChildren
		size += 4 * len(n.children)
	}
	return size <= t.avail()
}

// RemoveValue deletes key. Underfull leaves are tolerated; this tree
// never rebalances or merges on delete.
func (t *Tree) RemoveValue(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasRoot {
		return fmt.Errorf("%w: %x", storeerr.ErrKeyNotFound, key)
	}
	n, err := t.fetch(t.root)
	if err != nil {
		return err
	}
	for !n.isLeaf {
		idx := childIndex(n.keys, key)
		child := n.children[idx]
		t.release(n)
		n, err = t.fetch(child)
		if err != nil {
			return err
		}
	}
	defer t.release(n)
	i, found := search(n.keys, key)
	if !found {
		return fmt.Errorf("%w: %x", storeerr.ErrKeyNotFound, key)
	}
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.values = append(n.values[:i], n.values[i+1:]...)
	n.dirty = true
	n.page.MarkDirty()
	return nil
}

// Query runs a range/predicate scan. cb is invoked for each matching
// (key, address) pair in ascending key order and may return false to
// stop the scan early.
func (t *Tree) Query(q IndexQuery, cb func(key []byte, address addr.Address) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasRoot {
		return nil
	}

	var leafNum uint32
	if lb := q.lowerBound(); lb != nil {
		n, err := t.fetch(t.root)
		if err != nil {
			return err
		}
		for !n.isLeaf {
			idx := childIndex(n.keys, lb)
			child := n.children[idx]
			t.release(n)
			n, err = t.fetch(child)
			if err != nil {
				return err
			}
		}
		leafNum = n.page.Number
		t.release(n)
	} else {
		n, err := t.fetch(t.root)
		if err != nil {
			return err
		}
		for !n.isLeaf {
			child := n.children[0]
			t.release(n)
			n, err = t.fetch(child)
			if err != nil {
				return err
			}
		}
		leafNum = n.page.Number
		t.release(n)
	}

	for leafNum != noLeaf {
		leaf, err := t.fetch(leafNum)
		if err != nil {
			return err
		}
		for i, k := range leaf.keys {
			if q.exceeds(k) {
				t.release(leaf)
				return nil
			}
			if q.Match(k) {
				if !cb(k, leaf.values[i]) {
					t.release(leaf)
					return nil
				}
			}
		}
		next := leaf.nextLeaf
		t.release(leaf)
		leafNum = next
	}
	return nil
}

// Flush writes back every dirty cached node.
func (t *Tree) Flush() error {
	return t.cache.Flush()
}

// --- sorted-slice helpers ---

// search returns the index of key in keys and whether it was found; if
// absent, the index is the insertion point that keeps keys sorted.
func search(keys [][]byte, key []byte) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(keys[mid], key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childIndex returns the child slot to descend into for key, given an
// inner node's separator keys: keys[i] separates children[i] from
// children[i+1].
func childIndex(keys [][]byte, key []byte) int {
	i, found := search(keys, key)
	if found {
		return i + 1
	}
	return i
}

func cloneKey(key []byte) []byte {
	return append([]byte(nil), key...)
}

func insertAt(keys [][]byte, i int, key []byte) [][]byte {
	keys = append(keys, nil)
	copy(keys[i+1:], keys[i:])
	keys[i] = key
	return keys
}

func insertAddrAt(values []addr.Address, i int, v addr.Address) []addr.Address {
	values = append(values, 0)
	copy(values[i+1:], values[i:])
	values[i] = v
	return values
}

func insertU32At(children []uint32, i int, v uint32) []uint32 {
	children = append(children, 0)
	copy(children[i+1:], children[i:])
	children[i] = v
	return children
}
