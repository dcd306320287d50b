package process_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/frame"
	"github.com/pintosgo/corevm/internal/fs"
	"github.com/pintosgo/corevm/internal/metrics"
	"github.com/pintosgo/corevm/internal/mmap"
	"github.com/pintosgo/corevm/internal/process"
	"github.com/pintosgo/corevm/internal/sleepqueue"
	"github.com/pintosgo/corevm/internal/swap"
	"github.com/pintosgo/corevm/internal/vm"
)

func newTestManager(t *testing.T) (*process.Manager, *fs.FS) {
	t.Helper()
	dev := blockdev.NewMemDevice(512)
	fsys, err := fs.Format(dev, 512, metrics.NewUnregistered(), nil)
	require.NoError(t, err)

	swapDev := blockdev.NewMemDevice(uint32(swap.SectorsPerPage * 64))
	swapPart := swap.New(swapDev)
	frames := frame.New(8, metrics.NewUnregistered(), nil)

	newTable := func() *vm.Table {
		return vm.New(frames, swapPart, metrics.NewUnregistered(), nil)
	}
	newMmaps := func(supp *vm.Table) *mmap.Table {
		return mmap.New(fsys.Inodes(), supp)
	}

	return process.NewManager(fsys, sleepqueue.New(), newTable, newMmaps), fsys
}

func TestExecuteWaitExitHandshake(t *testing.T) {
	m, fsys := newTestManager(t)

	root, err := fsys.OpenRootDir()
	require.NoError(t, err)
	init := m.Root(root)

	pid, err := m.Execute(init, func(child *process.Process) error {
		return nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, init.ID, pid)

	child, ok := m.Get(pid)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		require.NoError(t, m.Exit(child, 42))
		close(done)
	}()

	code, err := m.Wait(init, pid)
	require.NoError(t, err)
	assert.Equal(t, 42, code)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Exit did not complete after Wait's handshake")
	}

	_, err = m.Wait(init, pid)
	assert.Error(t, err)
}

func TestWaitDoesNotReturnBeforeChildTeardownCompletes(t *testing.T) {
	m, fsys := newTestManager(t)
	root, err := fsys.OpenRootDir()
	require.NoError(t, err)
	init := m.Root(root)

	require.NoError(t, fsys.Create(root, "mapped.txt", 0))

	pid, err := m.Execute(init, func(child *process.Process) error {
		return nil
	})
	require.NoError(t, err)

	child, ok := m.Get(pid)
	require.True(t, ok)

	in, err := fsys.OpenFile(root, "mapped.txt")
	require.NoError(t, err)
	_, err = in.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	fd := child.OpenFD(in)

	mapIn, err := fsys.OpenFile(root, "mapped.txt")
	require.NoError(t, err)
	mapID, err := child.Mmaps.Create(mapIn, 0x40000000)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		require.NoError(t, m.Exit(child, 7))
		close(done)
	}()

	code, err := m.Wait(init, pid)
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	// By the time Wait has returned, Exit's teardown must already have
	// closed the fd and torn down the mmap region: the handshake's second
	// phase only fires after teardown completes.
	_, ok = child.Get(fd)
	assert.False(t, ok)
	_, ok = child.Mmaps.Lookup(mapID)
	assert.False(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Exit did not complete after Wait's handshake")
	}
}

func TestExecuteFailureReturnsNegativeOne(t *testing.T) {
	m, fsys := newTestManager(t)
	root, err := fsys.OpenRootDir()
	require.NoError(t, err)
	init := m.Root(root)

	pid, err := m.Execute(init, func(child *process.Process) error {
		return assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, -1, pid)

	_, err = m.Wait(init, -1)
	assert.Error(t, err)
}

func TestFDReadWriteAdvancesPosition(t *testing.T) {
	m, fsys := newTestManager(t)
	root, err := fsys.OpenRootDir()
	require.NoError(t, err)
	init := m.Root(root)

	require.NoError(t, fsys.Create(root, "a.txt", 0))
	in, err := fsys.OpenFile(root, "a.txt")
	require.NoError(t, err)

	fd := init.OpenFD(in)
	n, err := init.Write(fd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, init.Seek(fd, 0))
	buf := make([]byte, 5)
	n, err = init.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	pos, err := init.Tell(fd)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)

	require.NoError(t, init.CloseFD(fd))
	_, ok := init.Get(fd)
	assert.False(t, ok)
}
