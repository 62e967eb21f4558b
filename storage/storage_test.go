package storage

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/btree"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dom.dat")
	e, err := Create(path, WithPageSize(512), WithDataBuffers(8), WithBTreeBuffers(8))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutThenGetRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Begin()
	defer e.End(owner)

	_, err := e.Put(owner, []byte("k"), []byte("abc"))
	require.NoError(t, err)

	v, ok, err := e.Get(owner, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", string(v))
}

func TestPutRemoveThenGetMisses(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Begin()
	defer e.End(owner)

	_, err := e.Put(owner, []byte("k"), []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, e.RemoveKey(owner, []byte("k")))

	_, ok, err := e.Get(owner, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateSameLengthThenRejectsLonger(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Begin()
	defer e.End(owner)

	_, err := e.Put(owner, []byte("k"), []byte("abc"))
	require.NoError(t, err)

	require.NoError(t, e.UpdateKey(owner, []byte("k"), []byte("xyz")))
	v, ok, err := e.Get(owner, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xyz", string(v))

	err = e.UpdateKey(owner, []byte("k"), []byte("much longer"))
	require.Error(t, err)
}

func TestAppendThreeRecordsAssignsSequentialTids(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Begin()
	defer e.End(owner)

	a1, err := e.Put(owner, nil, []byte("100 bytes of data..........................................................................."))
	require.NoError(t, err)
	a2, err := e.Put(owner, nil, []byte("r2"))
	require.NoError(t, err)
	a3, err := e.Put(owner, nil, []byte("r3"))
	require.NoError(t, err)

	require.Equal(t, uint16(1), a1.Tid())
	require.Equal(t, uint16(2), a2.Tid())
	require.Equal(t, uint16(3), a3.Tid())
	require.Equal(t, a1.Page(), a2.Page())
	require.Equal(t, a2.Page(), a3.Page())
}

func TestInsertAfterFirstRecordShiftsSecond(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Begin()
	defer e.End(owner)

	a1, err := e.Put(owner, nil, []byte("first"))
	require.NoError(t, err)
	a2, err := e.Put(owner, nil, []byte("second"))
	require.NoError(t, err)

	_, err = e.InsertAfter(owner, a1, []byte("inserted"))
	require.NoError(t, err)

	v, err := e.GetAddress(owner, a2)
	require.NoError(t, err)
	require.Equal(t, "second", string(v))
}

func TestFindRangeReturnsValuesInKeyOrder(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Begin()
	defer e.End(owner)

	keys := [][]byte{[]byte("b"), []byte("a"), []byte("c")}
	for _, k := range keys {
		_, err := e.Put(owner, k, append([]byte("val-"), k...))
		require.NoError(t, err)
	}

	values, err := e.FindRange(owner, []byte("a"), []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []string{"val-a", "val-b"}, toStrings(values))
}

func TestFindKeysPrefixQuery(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Begin()
	defer e.End(owner)

	for _, k := range []string{"doc.1", "doc.2", "other.1"} {
		_, err := e.Put(owner, []byte(k), []byte("v"))
		require.NoError(t, err)
	}

	keys, err := e.FindKeys(owner, btree.IndexQuery{Kind: btree.Prefix, Key: []byte("doc.")})
	require.NoError(t, err)
	require.Equal(t, []string{"doc.1", "doc.2"}, toStrings(keys))
}

func TestIteratorYieldsRecordsInOrder(t *testing.T) {
	e := newTestEngine(t)
	owner := e.Begin()
	defer e.End(owner)

	var first addr.Address
	for i, v := range []string{"r1", "r2", "r3"} {
		a, err := e.Put(owner, nil, []byte(v))
		require.NoError(t, err)
		if i == 0 {
			first = a
		}
	}

	it, err := e.Iterator(owner, first)
	require.NoError(t, err)

	var got []string
	for {
		v, _, err := it.Next()
		if err != nil {
			break
		}
		got = append(got, string(v))
	}
	require.Equal(t, []string{"r1", "r2", "r3"}, got)
}

func TestConcurrentWriterThenReaderSeesCommittedRecords(t *testing.T) {
	e := newTestEngine(t)
	writer := e.Begin()
	defer e.End(writer)

	const n = 200
	var first addr.Address
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			a, err := e.Put(writer, nil, []byte{byte(i)})
			require.NoError(t, err)
			if i == 0 {
				first = a
			}
		}
	}()
	wg.Wait()

	reader := e.Begin()
	defer e.End(reader)

	it, err := e.Iterator(reader, first)
	require.NoError(t, err)

	count := 0
	for i := 0; i < n; i++ {
		v, _, err := it.Next()
		require.NoError(t, err)
		require.Equal(t, byte(i), v[0])
		count++
	}
	require.Equal(t, n, count)
}

func toStrings(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
