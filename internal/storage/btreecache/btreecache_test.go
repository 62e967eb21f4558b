package btreecache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

type fakeNode struct {
	key    uint32
	dirty  bool
	pinned bool
	synced bool
}

func (f *fakeNode) CacheKey() uint32  { return f.key }
func (f *fakeNode) IsDirty() bool     { return f.dirty }
func (f *fakeNode) AllowUnload() bool { return !f.pinned }
func (f *fakeNode) Sync() error {
	f.synced = true
	f.dirty = false
	return nil
}

func TestEvictsOldestUnloadable(t *testing.T) {
	c := New(2)
	n1 := &fakeNode{key: 1}
	n2 := &fakeNode{key: 2}
	require.NoError(t, c.Add(n1, 1))
	require.NoError(t, c.Add(n2, 1))
	require.NoError(t, c.Add(&fakeNode{key: 3}, 1))

	_, ok := c.Get(1)
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get(2)
	require.True(t, ok)
}

func TestSkipsPinnedEntries(t *testing.T) {
	c := New(2)
	pinned := &fakeNode{key: 1, pinned: true}
	require.NoError(t, c.Add(pinned, 1))
	require.NoError(t, c.Add(&fakeNode{key: 2}, 1))
	require.NoError(t, c.Add(&fakeNode{key: 3}, 1))

	_, ok := c.Get(1)
	require.True(t, ok, "pinned entry must not be evicted")
	_, ok = c.Get(2)
	require.False(t, ok)
}

func TestDirtyVictimSyncedBeforeEviction(t *testing.T) {
	c := New(1)
	victim := &fakeNode{key: 1, dirty: true}
	require.NoError(t, c.Add(victim, 1))
	require.NoError(t, c.Add(&fakeNode{key: 2}, 1))
	require.True(t, victim.synced)
}

func TestCacheFullWhenNothingEvictable(t *testing.T) {
	c := New(1)
	require.NoError(t, c.Add(&fakeNode{key: 1, pinned: true}, 1))
	err := c.Add(&fakeNode{key: 2}, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, storeerr.ErrCacheFull))
}
