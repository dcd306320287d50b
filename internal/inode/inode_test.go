package inode_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/buffercache"
	"github.com/pintosgo/corevm/internal/freemap"
	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/kerrors"
	"github.com/pintosgo/corevm/internal/metrics"
)

func newTestStore(t *testing.T, sectors uint32) *inode.Store {
	t.Helper()
	st, _ := newTestStoreAndMap(t, sectors)
	return st
}

// newTestStoreAndMap formats a device and reserves sector 2 in the free
// map, since every test creates its inode there and Store.Create expects
// the caller to have reserved the sector.
func newTestStoreAndMap(t *testing.T, sectors uint32) (*inode.Store, *freemap.Map) {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	cache := buffercache.New(dev, metrics.NewUnregistered(), nil)
	fm, err := freemap.Format(cache, sectors)
	require.NoError(t, err)
	s, err := fm.Alloc()
	require.NoError(t, err)
	require.EqualValues(t, 2, s)
	return inode.NewStore(cache, fm), fm
}

func TestReadWriteRoundTrips(t *testing.T) {
	st := newTestStore(t, 512)
	require.NoError(t, st.Create(2, 0, false))

	in, err := st.Open(2)
	require.NoError(t, err)
	defer in.Close()

	want := make([]byte, 3000)
	for i := range want {
		want[i] = byte(i)
	}

	n, err := in.WriteAt(want, 0)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, int64(3000), in.Length())

	got := make([]byte, len(want))
	n, err = in.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, got)
}

func TestWriteHoleZeroFillsGap(t *testing.T) {
	st := newTestStore(t, 512)
	require.NoError(t, st.Create(2, 0, false))

	in, err := st.Open(2)
	require.NoError(t, err)
	defer in.Close()

	const holeEnd = 5000
	_, err = in.WriteAt([]byte{0xAB}, holeEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(holeEnd+1), in.Length())

	gap := make([]byte, holeEnd)
	n, err := in.ReadAt(gap, 0)
	require.NoError(t, err)
	assert.Equal(t, holeEnd, n)
	for i, b := range gap {
		if b != 0 {
			t.Fatalf("byte %d in hole is %#x, want 0", i, b)
		}
	}

	var tail [1]byte
	_, err = in.ReadAt(tail[:], holeEnd)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), tail[0])
}

func TestReadAtEndOfFileReturnsShortCountAndEOF(t *testing.T) {
	st := newTestStore(t, 512)
	require.NoError(t, st.Create(2, 0, false))

	in, err := st.Open(2)
	require.NoError(t, err)
	defer in.Close()

	_, err = in.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := in.ReadAt(buf, 2)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("llo"), buf[:n])
}

func TestRemoveDefersDeallocationUntilLastClose(t *testing.T) {
	st, fm := newTestStoreAndMap(t, 512)
	require.NoError(t, st.Create(2, 0, false))

	first, err := st.Open(2)
	require.NoError(t, err)
	second, err := st.Open(2)
	require.NoError(t, err)

	_, err = first.WriteAt([]byte("still alive"), 0)
	require.NoError(t, err)

	first.Remove()
	assert.True(t, first.Removed())

	// Still open via second handle: readable and writable.
	buf := make([]byte, len("still alive"))
	_, err = second.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "still alive", string(buf))

	require.NoError(t, first.Close())

	// second handle still usable after first closes.
	_, err = second.ReadAt(buf, 0)
	require.NoError(t, err)

	require.NoError(t, second.Close())

	// Sector 2 and its one data sector (3) should now be back in the free map.
	assert.False(t, fm.InUse(2))
	assert.False(t, fm.InUse(3))
}

func TestWriteForcesDepthPromotion(t *testing.T) {
	st := newTestStore(t, 4096)
	require.NoError(t, st.Create(2, 0, false))

	in, err := st.Open(2)
	require.NoError(t, err)
	defer in.Close()

	// 124 direct sectors hold 124*512 = 63488 bytes; force a depth-1 tree.
	buf := make([]byte, 200000)
	_, err = in.WriteAt(buf, 0)
	require.NoError(t, err)

	got := make([]byte, len(buf))
	_, err = in.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, buf, got)
}

func TestDenyWriteRejectsWrites(t *testing.T) {
	st := newTestStore(t, 512)
	require.NoError(t, st.Create(2, 0, false))

	in, err := st.Open(2)
	require.NoError(t, err)
	defer in.Close()

	in.DenyWrite()
	_, err = in.WriteAt([]byte("nope"), 0)
	assert.ErrorIs(t, err, kerrors.ErrDenied)

	in.AllowWrite()
	_, err = in.WriteAt([]byte("now ok"), 0)
	assert.NoError(t, err)
}

func TestOpenSameSectorSharesOneInode(t *testing.T) {
	st := newTestStore(t, 512)
	require.NoError(t, st.Create(2, 0, false))

	a, err := st.Open(2)
	require.NoError(t, err)
	b, err := st.Open(2)
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}
