package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/btreecache"
	"github.com/sushant-115/domstore/internal/storage/pagefile"
)

func newTestTree(t *testing.T, capacity int) *Tree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idx.dom")
	pf, err := pagefile.Create(path, 512)
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })
	cache := btreecache.New(capacity)
	return Open(pf, cache)
}

func TestFindValueOnEmptyTree(t *testing.T) {
	tree := newTestTree(t, 16)
	_, ok, err := tree.FindValue([]byte("x"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddThenFindValue(t *testing.T) {
	tree := newTestTree(t, 16)
	a := addr.New(3, 1)
	require.NoError(t, tree.AddValue([]byte("a"), a))
	got, ok, err := tree.FindValue([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, got)
}

func TestAddOverwritesExistingKey(t *testing.T) {
	tree := newTestTree(t, 16)
	require.NoError(t, tree.AddValue([]byte("a"), addr.New(1, 1)))
	require.NoError(t, tree.AddValue([]byte("a"), addr.New(2, 2)))
	got, ok, err := tree.FindValue([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, addr.New(2, 2), got)
}

func TestRemoveValue(t *testing.T) {
	tree := newTestTree(t, 16)
	require.NoError(t, tree.AddValue([]byte("a"), addr.New(1, 1)))
	require.NoError(t, tree.RemoveValue([]byte("a")))
	_, ok, err := tree.FindValue([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveMissingKeyErrors(t *testing.T) {
	tree := newTestTree(t, 16)
	err := tree.RemoveValue([]byte("missing"))
	require.Error(t, err)
}

func TestManyInsertsForceSplits(t *testing.T) {
	tree := newTestTree(t, 64)
	n := 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, tree.AddValue(key, addr.New(uint32(i), uint16(i%65536))))
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		got, ok, err := tree.FindValue(key)
		require.NoError(t, err)
		require.True(t, ok, "key %s should be found", key)
		require.Equal(t, addr.New(uint32(i), uint16(i%65536)), got)
	}
}

func TestQueryBetweenIsOrderedAndBounded(t *testing.T) {
	tree := newTestTree(t, 64)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, tree.AddValue(key, addr.New(uint32(i), 0)))
	}
	var got []string
	err := tree.Query(IndexQuery{Kind: Between, Low: []byte("k010"), High: []byte("k015")}, func(k []byte, a addr.Address) bool {
		got = append(got, string(k))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"k010", "k011", "k012", "k013", "k014", "k015"}, got)
}

func TestQueryPrefix(t *testing.T) {
	tree := newTestTree(t, 64)
	require.NoError(t, tree.AddValue([]byte("doc1/a"), addr.New(1, 0)))
	require.NoError(t, tree.AddValue([]byte("doc1/b"), addr.New(2, 0)))
	require.NoError(t, tree.AddValue([]byte("doc2/a"), addr.New(3, 0)))

	var got []string
	err := tree.Query(IndexQuery{Kind: Prefix, Key: []byte("doc1/")}, func(k []byte, a addr.Address) bool {
		got = append(got, string(k))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"doc1/a", "doc1/b"}, got)
}

func TestQueryNegate(t *testing.T) {
	tree := newTestTree(t, 64)
	require.NoError(t, tree.AddValue([]byte("a"), addr.New(1, 0)))
	require.NoError(t, tree.AddValue([]byte("b"), addr.New(2, 0)))

	var got []string
	err := tree.Query(IndexQuery{Kind: Negate, Inner: &IndexQuery{Kind: Equal, Key: []byte("a")}}, func(k []byte, a addr.Address) bool {
		got = append(got, string(k))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, got)
}

func TestRootPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.dom")
	pf, err := pagefile.Create(path, 512)
	require.NoError(t, err)
	cache := btreecache.New(16)
	tree := Open(pf, cache)
	require.NoError(t, tree.AddValue([]byte("a"), addr.New(7, 1)))
	require.NoError(t, tree.Flush())
	require.NoError(t, pf.Close())

	pf2, err := pagefile.Open(path, 512)
	require.NoError(t, err)
	defer pf2.Close()
	tree2 := Open(pf2, btreecache.New(16))
	got, ok, err := tree2.FindValue([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, addr.New(7, 1), got)
}
