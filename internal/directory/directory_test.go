package directory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/buffercache"
	"github.com/pintosgo/corevm/internal/directory"
	"github.com/pintosgo/corevm/internal/freemap"
	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/metrics"
)

func newTestFS(t *testing.T, sectors uint32) (*inode.Store, *freemap.Map) {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	cache := buffercache.New(dev, metrics.NewUnregistered(), nil)
	fm, err := freemap.Format(cache, sectors)
	require.NoError(t, err)
	st := inode.NewStore(cache, fm)
	require.NoError(t, directory.Create(st, directory.RootSector, 16))
	return st, fm
}

func TestPathSplitExamples(t *testing.T) {
	cases := []struct {
		path, parent, base string
	}{
		{"/a/b/c", "/a/b", "c"},
		{"a/b/c/", "a/b", "c"},
		{"a///b/", "a", "b"},
		{"/a", "/", "a"},
		{"/", "", "/"},
		{"a", "", "a"},
	}
	for _, c := range cases {
		parent, base := directory.Split(c.path)
		assert.Equal(t, c.parent, parent, "parent for %q", c.path)
		assert.Equal(t, c.base, base, "base for %q", c.path)
	}
}

func TestAddLookupRemoveRoundTrip(t *testing.T) {
	st, fm := newTestFS(t, 512)

	root, err := directory.OpenRoot(st)
	require.NoError(t, err)
	defer root.Close()

	fileSector, err := fm.Alloc()
	require.NoError(t, err)
	require.NoError(t, st.Create(fileSector, 0, false))

	require.NoError(t, root.Add("hello.txt", fileSector))

	s, found, err := root.Lookup("hello.txt")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fileSector, s)

	require.NoError(t, root.Remove(st, "hello.txt"))
	_, found, err = root.Lookup("hello.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddDuplicateNameFails(t *testing.T) {
	st, fm := newTestFS(t, 512)
	root, err := directory.OpenRoot(st)
	require.NoError(t, err)
	defer root.Close()

	s1, _ := fm.Alloc()
	require.NoError(t, st.Create(s1, 0, false))
	require.NoError(t, root.Add("dup", s1))

	s2, _ := fm.Alloc()
	require.NoError(t, st.Create(s2, 0, false))
	assert.Error(t, root.Add("dup", s2))
}

func TestRemoveRefusesNonEmptyDirectory(t *testing.T) {
	st, fm := newTestFS(t, 512)
	root, err := directory.OpenRoot(st)
	require.NoError(t, err)
	defer root.Close()

	subSector, err := fm.Alloc()
	require.NoError(t, err)
	require.NoError(t, directory.Create(st, subSector, 8))

	subIn, err := st.Open(subSector)
	require.NoError(t, err)
	sub, err := directory.Open(subIn)
	require.NoError(t, err)
	require.NoError(t, sub.AddDotEntries(root))

	require.NoError(t, root.Add("sub", subSector))

	fileSector, err := fm.Alloc()
	require.NoError(t, err)
	require.NoError(t, st.Create(fileSector, 0, false))
	require.NoError(t, sub.Add("child.txt", fileSector))
	require.NoError(t, sub.Close())

	err = root.Remove(st, "sub")
	assert.Error(t, err)
}

func TestReaddirSkipsDotEntriesAndUnusedSlots(t *testing.T) {
	st, fm := newTestFS(t, 512)
	root, err := directory.OpenRoot(st)
	require.NoError(t, err)
	defer root.Close()
	require.NoError(t, root.AddDotEntries(root))

	for _, name := range []string{"a", "b", "c"} {
		s, err := fm.Alloc()
		require.NoError(t, err)
		require.NoError(t, st.Create(s, 0, false))
		require.NoError(t, root.Add(name, s))
	}
	require.NoError(t, root.Remove(st, "b"))

	var got []string
	for {
		name, ok, err := root.Readdir()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, name)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, got)
}

func TestResolveNestedPath(t *testing.T) {
	st, fm := newTestFS(t, 512)
	root, err := directory.OpenRoot(st)
	require.NoError(t, err)
	defer root.Close()

	subSector, err := fm.Alloc()
	require.NoError(t, err)
	require.NoError(t, directory.Create(st, subSector, 8))
	subIn, err := st.Open(subSector)
	require.NoError(t, err)
	sub, err := directory.Open(subIn)
	require.NoError(t, err)
	require.NoError(t, sub.AddDotEntries(root))
	require.NoError(t, root.Add("sub", subSector))

	fileSector, err := fm.Alloc()
	require.NoError(t, err)
	require.NoError(t, st.Create(fileSector, 0, false))
	require.NoError(t, sub.Add("leaf.txt", fileSector))
	require.NoError(t, sub.Close())

	resolved, err := directory.Resolve(st, nil, "/sub/leaf.txt")
	require.NoError(t, err)
	assert.Equal(t, fileSector, resolved)
}

func TestResolveThroughNonDirectoryFails(t *testing.T) {
	st, fm := newTestFS(t, 512)
	root, err := directory.OpenRoot(st)
	require.NoError(t, err)
	defer root.Close()

	fileSector, err := fm.Alloc()
	require.NoError(t, err)
	require.NoError(t, st.Create(fileSector, 0, false))
	require.NoError(t, root.Add("plain.txt", fileSector))

	_, err = directory.Resolve(st, nil, "/plain.txt/extra")
	assert.Error(t, err)
}
