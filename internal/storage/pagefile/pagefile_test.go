package pagefile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dom")
	pf, err := Create(path, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })
	return pf
}

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.dom")
	pf, err := Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, pf.SetBTreeRoot(5))
	require.NoError(t, pf.Close())

	reopened, err := Open(path, 4096)
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 5, reopened.Header().BTreeRoot)
}

func TestGetFreePageExtendsFile(t *testing.T) {
	pf := newTestFile(t)
	p1, err := pf.GetFreePage()
	require.NoError(t, err)
	p2, err := pf.GetFreePage()
	require.NoError(t, err)
	require.NotEqual(t, p1.Number, p2.Number)
}

func TestUnlinkThenReuse(t *testing.T) {
	pf := newTestFile(t)
	p1, err := pf.GetFreePage()
	require.NoError(t, err)
	require.NoError(t, pf.UnlinkPage(p1))

	p2, err := pf.GetFreePage()
	require.NoError(t, err)
	require.Equal(t, p1.Number, p2.Number, "freed page should be reused before extending the file")
}

func TestWritePageRoundTrip(t *testing.T) {
	pf := newTestFile(t)
	p, err := pf.GetFreePage()
	require.NoError(t, err)
	p.SetStatus(StatusData)
	copy(p.Payload(), []byte("hello"))
	require.NoError(t, pf.WritePage(p))
	require.False(t, p.IsDirty())

	reread, err := pf.GetPage(p.Number)
	require.NoError(t, err)
	require.Equal(t, StatusData, reread.Status())
	require.Equal(t, "hello", string(reread.Payload()[:5]))
}
