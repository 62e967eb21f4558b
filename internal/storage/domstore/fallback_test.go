package domstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/btree"
	"github.com/sushant-115/domstore/internal/storage/btreecache"
	"github.com/sushant-115/domstore/internal/storage/codec"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

type fakeProxy struct {
	gid, parent int64
}

func (p fakeProxy) GID() int64          { return p.gid }
func (p fakeProxy) ParentID() int64     { return p.parent }
func (p fakeProxy) FirstChildID() int64 { return 0 }
func (p fakeProxy) ChildCount() int64   { return 0 }

type fakeResolver map[int64]fakeProxy

func (r fakeResolver) Resolve(gid int64) (NodeProxy, error) {
	p, ok := r[gid]
	if !ok {
		return nil, fmt.Errorf("no proxy registered for gid %d", gid)
	}
	return p, nil
}

func keyForGID(gid int64) []byte {
	b := make([]byte, 8)
	codec.PutI64(b, gid)
	return b
}

func encodeGID(gid int64) []byte {
	b := make([]byte, 8)
	codec.PutI64(b, gid)
	return b
}

func decodeGID(value []byte) (int64, error) {
	return codec.I64(value), nil
}

func newTestTree(t *testing.T, s *Store) *btree.Tree {
	t.Helper()
	return btree.Open(s.pf, btreecache.New(16))
}

// TestFallbackWalksAncestorsUntilOneIsIndexed covers spec.md §8's
// boundary case where the target gid itself is unindexed and the
// fallback walk must climb several ancestors before finding one that
// the B+-tree does know about.
func TestFallbackWalksAncestorsUntilOneIsIndexed(t *testing.T) {
	s := newTestStore(t, 16)
	tree := newTestTree(t, s)
	owner := OwnerHandle(1)

	ancestorAddr, err := s.Add(owner, encodeGID(1))
	require.NoError(t, err)
	require.NoError(t, tree.AddValue(keyForGID(1), ancestorAddr))

	_, err = s.Add(owner, encodeGID(4))
	require.NoError(t, err)

	resolver := fakeResolver{
		4: {gid: 4, parent: 3},
		3: {gid: 3, parent: 2},
		2: {gid: 2, parent: 1},
		1: {gid: 1, parent: 0},
	}

	address, depth, err := FindValueFallback(tree, s, resolver, keyForGID, decodeGID, 4)
	require.NoError(t, err)
	require.Equal(t, 3, depth)

	v, err := s.Get(address)
	require.NoError(t, err)
	gid, err := decodeGID(v)
	require.NoError(t, err)
	require.Equal(t, int64(4), gid)
}

// TestFallbackScansDescendantsAcrossMultiplePages covers spec.md §8's
// "deepest descendant of a chain spanning multiple pages" case: the
// indexed ancestor's descendant chain grows past one data page's work
// size, forcing scanDescendants to follow NextDataPage.
func TestFallbackScansDescendantsAcrossMultiplePages(t *testing.T) {
	s := newTestStore(t, 16)
	tree := newTestTree(t, s)
	owner := OwnerHandle(1)

	const first, last = int64(100), int64(159) // 60 records * 12 bytes > one 482-byte work area
	var ancestorAddr addr.Address
	for gid := first; gid <= last; gid++ {
		a, err := s.Add(owner, encodeGID(gid))
		require.NoError(t, err)
		if gid == first {
			ancestorAddr = a
		}
	}
	require.NoError(t, tree.AddValue(keyForGID(first), ancestorAddr))

	resolver := fakeResolver{
		last:  {gid: last, parent: first},
		first: {gid: first, parent: 0},
	}

	address, depth, err := FindValueFallback(tree, s, resolver, keyForGID, decodeGID, last)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
	require.NotEqual(t, ancestorAddr.Page(), address.Page(), "target record should have spilled onto a later page in the chain")

	v, err := s.Get(address)
	require.NoError(t, err)
	gid, err := decodeGID(v)
	require.NoError(t, err)
	require.Equal(t, last, gid)
}

// TestFallbackFailsWhenAncestorChainIsExhausted covers the gid < 1
// failure path: the walk climbs to a root-less proxy with no indexed
// ancestor anywhere in the chain.
func TestFallbackFailsWhenAncestorChainIsExhausted(t *testing.T) {
	s := newTestStore(t, 16)
	tree := newTestTree(t, s)

	resolver := fakeResolver{
		5: {gid: 5, parent: 0},
	}

	_, depth, err := FindValueFallback(tree, s, resolver, keyForGID, decodeGID, 5)
	require.ErrorIs(t, err, storeerr.ErrFallbackNotFound)
	require.Equal(t, 0, depth)
}
