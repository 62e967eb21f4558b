package domstore

import (
	"fmt"

	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/btree"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

// NodeProxy exposes the external XML document structure (parent,
// first child, child count) that the fallback traversal needs to walk
// ancestors and descendants without consulting the B+-tree.
type NodeProxy interface {
	GID() int64
	ParentID() int64
	FirstChildID() int64
	ChildCount() int64
}

// ProxyResolver looks up a NodeProxy by logical node id.
type ProxyResolver interface {
	Resolve(gid int64) (NodeProxy, error)
}

// RecordDecoder extracts the logical node id a stored record
// represents, used while scanning descendants for the target gid.
type RecordDecoder func(value []byte) (gid int64, err error)

// FindValueFallback walks up from targetGID's ancestors until one is
// present in tree, then forward-scans that ancestor's descendants in
// document order looking for targetGID. keyFor encodes a gid (plus
// whatever document id the caller's B+-tree keys are scoped by) into
// the tree's key space. depth is the number of ancestor hops taken
// before an indexed ancestor was found (0 if targetGID itself was
// indexed), reported by callers to the fallback-depth metric.
func FindValueFallback(
	tree *btree.Tree,
	store *Store,
	resolver ProxyResolver,
	keyFor func(gid int64) []byte,
	decode RecordDecoder,
	targetGID int64,
) (address addr.Address, depth int, err error) {
	gid := targetGID
	for {
		proxy, err := resolver.Resolve(gid)
		if err != nil {
			return 0, depth, err
		}

		if address, ok, err := tree.FindValue(keyFor(gid)); err == nil && ok {
			found, err := scanDescendants(store, decode, address, targetGID)
			return found, depth, err
		} else if err != nil {
			return 0, depth, err
		}

		parent := proxy.ParentID()
		if parent < 1 {
			return 0, depth, fmt.Errorf("%w: gid=%d", storeerr.ErrFallbackNotFound, gid)
		}
		gid = parent
		depth++
	}
}

// scanDescendants walks the record chain forward from the ancestor's
// address, decoding each record's gid, until targetGID is found or the
// chain ends.
func scanDescendants(store *Store, decode RecordDecoder, start addr.Address, targetGID int64) (addr.Address, error) {
	dp, off, err := store.findValuePosition(start)
	if err != nil {
		return 0, err
	}

	for {
		buf := dp.records()
		limit := int(dp.DataLength())
		for off < limit {
			tid := readU16(buf, off)
			length := readU16(buf, off+2)
			value := buf[off+4 : off+4+int(length)]

			gid, err := decode(value)
			if err != nil {
				store.releaseDataPage(dp)
				return 0, err
			}
			if gid == targetGID {
				address := addr.New(dp.Number(), tid)
				store.releaseDataPage(dp)
				return address, nil
			}
			off += recordHeaderSize + int(length)
		}

		next := dp.NextDataPage()
		store.releaseDataPage(dp)
		if next < 0 {
			return 0, fmt.Errorf("%w: gid=%d", storeerr.ErrFallbackNotFound, targetGID)
		}
		dp, err = store.fetchDataPage(uint32(next))
		if err != nil {
			return 0, err
		}
		off = 0
	}
}
