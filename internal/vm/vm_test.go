package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/buffercache"
	"github.com/pintosgo/corevm/internal/frame"
	"github.com/pintosgo/corevm/internal/freemap"
	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/metrics"
	"github.com/pintosgo/corevm/internal/swap"
	"github.com/pintosgo/corevm/internal/vm"
)

type testEnv struct {
	store   *inode.Store
	frames  *frame.Table
	swapDev *swap.Swap
}

func newTestEnv(t *testing.T, frameCapacity int) *testEnv {
	t.Helper()
	dev := blockdev.NewMemDevice(512)
	cache := buffercache.New(dev, metrics.NewUnregistered(), nil)
	fm, err := freemap.Format(cache, 512)
	require.NoError(t, err)
	// Tests create their file at sector 2, the first sector Format leaves
	// free; reserve it so the file's data allocations never reuse it.
	s, err := fm.Alloc()
	require.NoError(t, err)
	require.EqualValues(t, 2, s)
	store := inode.NewStore(cache, fm)

	swapDevice := blockdev.NewMemDevice(uint32(swap.SectorsPerPage * 8))
	return &testEnv{
		store:   store,
		frames:  frame.New(frameCapacity, metrics.NewUnregistered(), nil),
		swapDev: swap.New(swapDevice),
	}
}

func (e *testEnv) createFile(t *testing.T, sector uint32, content []byte) *inode.Inode {
	t.Helper()
	require.NoError(t, e.store.Create(sector, 0, false))
	in, err := e.store.Open(sector)
	require.NoError(t, err)
	_, err = in.WriteAt(content, 0)
	require.NoError(t, err)
	return in
}

func TestFaultLoadsNotLoadedCodePage(t *testing.T) {
	env := newTestEnv(t, 4)
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i + 1)
	}
	file := env.createFile(t, 2, content)
	defer file.Close()

	table := vm.New(env.frames, env.swapDev, metrics.NewUnregistered(), nil)
	require.NoError(t, table.InsertCode(0x1000, file, 0, 100, true))

	ok, err := table.Fault(0x1000)
	require.NoError(t, err)
	assert.True(t, ok)

	e, found := table.Lookup(0x1000)
	require.True(t, found)
	assert.Equal(t, vm.Loaded, e.State())
	assert.Equal(t, content, e.Data()[:100])
	for _, b := range e.Data()[100:] {
		assert.Equal(t, byte(0), b)
	}
}

func TestFaultOnUnknownPageIsUnresolved(t *testing.T) {
	env := newTestEnv(t, 4)
	table := vm.New(env.frames, env.swapDev, metrics.NewUnregistered(), nil)

	ok, err := table.Fault(0x9999000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFaultOnKernelAddressIsUnresolved(t *testing.T) {
	env := newTestEnv(t, 4)
	table := vm.New(env.frames, env.swapDev, metrics.NewUnregistered(), nil)
	require.NoError(t, table.InsertZero(vm.KernelBase, true))

	ok, err := table.Fault(vm.KernelBase)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertStackForcesImmediateLoad(t *testing.T) {
	env := newTestEnv(t, 4)
	table := vm.New(env.frames, env.swapDev, metrics.NewUnregistered(), nil)

	require.NoError(t, table.InsertStack(0x7fff0000))

	e, found := table.Lookup(0x7fff0000)
	require.True(t, found)
	assert.Equal(t, vm.Loaded, e.State())
}

func TestEvictionSwapsOutThenFaultSwapsBackIn(t *testing.T) {
	env := newTestEnv(t, 1)
	table := vm.New(env.frames, env.swapDev, metrics.NewUnregistered(), nil)

	require.NoError(t, table.InsertZero(0x1000, true))
	require.NoError(t, table.InsertZero(0x2000, true))

	ok, err := table.Fault(0x1000)
	require.NoError(t, err)
	require.True(t, ok)

	first, _ := table.Lookup(0x1000)
	copy(first.Data(), []byte("hello"))
	first.Touch(true)

	// Loading the second page evicts the first (only one frame).
	ok, err = table.Fault(0x2000)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, vm.Swapped, first.State())

	ok, err = table.Fault(0x1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vm.Loaded, first.State())
	assert.Equal(t, []byte("hello"), first.Data()[:5])
}

func TestMmapEvictionWritesBackDirtyPage(t *testing.T) {
	env := newTestEnv(t, 1)
	file := env.createFile(t, 2, make([]byte, 10))
	defer file.Close()

	table := vm.New(env.frames, env.swapDev, metrics.NewUnregistered(), nil)
	require.NoError(t, table.InsertMmap(0x10000000, file, 0, 5))
	require.NoError(t, table.InsertZero(0x2000, true))

	ok, err := table.Fault(0x10000000)
	require.NoError(t, err)
	require.True(t, ok)

	mmapEntry, _ := table.Lookup(0x10000000)
	copy(mmapEntry.Data(), []byte("hello"))
	mmapEntry.Touch(true)

	ok, err = table.Fault(0x2000)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, vm.NotLoaded, mmapEntry.State())

	buf := make([]byte, 5)
	_, err = file.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestDestroyReleasesLoadedFrame(t *testing.T) {
	env := newTestEnv(t, 4)
	table := vm.New(env.frames, env.swapDev, metrics.NewUnregistered(), nil)

	require.NoError(t, table.InsertZero(0x1000, true))
	_, err := table.Fault(0x1000)
	require.NoError(t, err)
	assert.Equal(t, 1, env.frames.InUseCount())

	require.NoError(t, table.Destroy(0x1000))
	assert.Equal(t, 0, env.frames.InUseCount())

	_, found := table.Lookup(0x1000)
	assert.False(t, found)
}

func TestDestroyAllReleasesSwappedSlot(t *testing.T) {
	env := newTestEnv(t, 1)
	table := vm.New(env.frames, env.swapDev, metrics.NewUnregistered(), nil)

	require.NoError(t, table.InsertZero(0x1000, true))
	require.NoError(t, table.InsertZero(0x2000, true))

	_, err := table.Fault(0x1000)
	require.NoError(t, err)
	_, err = table.Fault(0x2000)
	require.NoError(t, err)

	assert.Equal(t, 1, env.swapDev.InUseCount())

	require.NoError(t, table.DestroyAll())
	assert.Equal(t, 0, env.swapDev.InUseCount())
	assert.Equal(t, 0, env.frames.InUseCount())
}
