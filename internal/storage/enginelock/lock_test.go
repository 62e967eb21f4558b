package enginelock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

func TestSharedHoldersCoexist(t *testing.T) {
	l := New(time.Second)
	a, b := NewOwnerID(), NewOwnerID()
	require.NoError(t, l.Acquire(a, Shared))
	require.NoError(t, l.Acquire(b, Shared))
	l.Release(a)
	l.Release(b)
}

func TestExclusiveExcludesReaders(t *testing.T) {
	l := New(80 * time.Millisecond)
	owner := NewOwnerID()
	require.NoError(t, l.Acquire(owner, Exclusive))

	reader := NewOwnerID()
	err := l.Acquire(reader, Shared)
	require.ErrorIs(t, err, storeerr.ErrLockTimeout)
	l.Release(owner)
}

func TestReentrantAcquireDoesNotDeadlock(t *testing.T) {
	l := New(time.Second)
	owner := NewOwnerID()
	require.NoError(t, l.Acquire(owner, Shared))
	require.NoError(t, l.Acquire(owner, Shared))
	l.Release(owner)
	require.False(t, l.HoldsExclusive())
	l.Release(owner)
}

func TestSameOwnerUpgradeToExclusiveExcludesOtherReaders(t *testing.T) {
	l := New(80 * time.Millisecond)
	owner := NewOwnerID()
	require.NoError(t, l.Acquire(owner, Shared))
	require.NoError(t, l.Acquire(owner, Exclusive))
	require.True(t, l.HoldsExclusive())

	other := NewOwnerID()
	err := l.Acquire(other, Shared)
	require.ErrorIs(t, err, storeerr.ErrLockTimeout)

	l.Release(owner)
	l.Release(owner)
	require.False(t, l.HoldsExclusive())
}

func TestMutualExclusionUnderConcurrency(t *testing.T) {
	l := New(time.Second)
	var mu sync.Mutex
	violations := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := NewOwnerID()
			if err := l.Acquire(owner, Exclusive); err != nil {
				return
			}
			mu.Lock()
			held := l.HoldsExclusive()
			mu.Unlock()
			if !held {
				violations++
			}
			time.Sleep(time.Millisecond)
			l.Release(owner)
		}()
	}
	wg.Wait()
	require.Equal(t, 0, violations)
}
