// Package process implements per-process state and the three-semaphore
// load/wait/exit coordination protocol, grounded on the map-keyed-registry-
// plus-coarse-mutex pattern used elsewhere in this module (here:
// map[int]*OpenFile guarded by Process.mu), generalized from inode handles
// to file descriptors and mmap regions.
package process

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pintosgo/corevm/internal/directory"
	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/kerrors"
	"github.com/pintosgo/corevm/internal/mmap"
	"github.com/pintosgo/corevm/internal/sleepqueue"
	"github.com/pintosgo/corevm/internal/vm"
)

// firstFD is the lowest file descriptor a process may hand out; 0 and 1
// are reserved for stdin/stdout by convention and never allocated here.
const firstFD = 2

// binarySemaphore is a down/signal gate built on golang.org/x/sync/semaphore,
// draining its one permit at construction so the first down blocks until
// a matching signal, mirroring the original kernel's sema_init(&s, 0).
type binarySemaphore struct {
	sem *semaphore.Weighted
}

func newBinarySemaphore() *binarySemaphore {
	s := semaphore.NewWeighted(1)
	_ = s.Acquire(context.Background(), 1)
	return &binarySemaphore{sem: s}
}

func (b *binarySemaphore) down(ctx context.Context) error {
	return b.sem.Acquire(ctx, 1)
}

func (b *binarySemaphore) signal() {
	b.sem.Release(1)
}

// OpenFile is one process' handle on a file: the shared, stateless inode
// plus the per-fd byte position internal/inode itself does not track.
type OpenFile struct {
	In *inode.Inode
	pos int64
}

// Process is one user process' kernel-side state: FD table, mmap table,
// supplemental page table, current directory, the executable held open
// with writes denied, and the three load/wait/exit coordination
// semaphores.
type Process struct {
	ID int
	Parent *Process

	mu sync.Mutex
	cwd *directory.Dir
	fds map[int]*OpenFile
	nextFD int
	children map[int]*Process

	exe *inode.Inode

	Supp *vm.Table
	Mmaps *mmap.Table
	sleep *sleepqueue.Queue

	exitCode int
	loadErr error

	load *binarySemaphore
	wait *binarySemaphore
	exit *binarySemaphore
}

func newProcess(id int, parent *Process, cwd *directory.Dir, supp *vm.Table, mmaps *mmap.Table, sq *sleepqueue.Queue) *Process {
	return &Process{
		ID: id,
		Parent: parent,
		cwd: cwd,
		fds: make(map[int]*OpenFile),
		nextFD: firstFD,
		children: make(map[int]*Process),
		Supp: supp,
		Mmaps: mmaps,
		sleep: sq,
		load: newBinarySemaphore(),
		wait: newBinarySemaphore(),
		exit: newBinarySemaphore(),
	}
}

// Cwd returns the process' current working directory.
func (p *Process) Cwd() *directory.Dir {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// Chdir replaces the process' current working directory, closing the
// previous one.
func (p *Process) Chdir(d *directory.Dir) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.cwd
	p.cwd = d
	if old != nil {
		return old.Close()
	}
	return nil
}

// SetExecutable records the process' own executable file, held with
// writes denied for the process' lifetime.
func (p *Process) SetExecutable(in *inode.Inode) {
	in.DenyWrite()
	p.mu.Lock()
	p.exe = in
	p.mu.Unlock()
}

// OpenFD installs in under a freshly allocated descriptor >= 2.
func (p *Process) OpenFD(in *inode.Inode) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextFD
	p.nextFD++
	p.fds[fd] = &OpenFile{In: in}
	return fd
}

// Get returns the open file registered under fd.
func (p *Process) Get(fd int) (*OpenFile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fds[fd]
	return f, ok
}

// CloseFD closes and forgets fd.
func (p *Process) CloseFD(fd int) error {
	p.mu.Lock()
	f, ok := p.fds[fd]
	if ok {
		delete(p.fds, fd)
	}
	p.mu.Unlock()
	if !ok {
		return kerrors.ErrNotFound
	}
	return f.In.Close()
}

// Read reads from fd at its current position, advancing it by the number
// of bytes read (read_at/seek/tell collapsed onto a stateful descriptor,
// since internal/inode itself has no position).
func (p *Process) Read(fd int, buf []byte) (int, error) {
	f, ok := p.Get(fd)
	if !ok {
		return 0, kerrors.ErrNotFound
	}
	p.mu.Lock()
	pos := f.pos
	p.mu.Unlock()

	n, err := f.In.ReadAt(buf, pos)

	p.mu.Lock()
	f.pos += int64(n)
	p.mu.Unlock()
	return n, err
}

// Write writes to fd at its current position, advancing it by the number
// of bytes written.
func (p *Process) Write(fd int, buf []byte) (int, error) {
	f, ok := p.Get(fd)
	if !ok {
		return 0, kerrors.ErrNotFound
	}
	p.mu.Lock()
	pos := f.pos
	p.mu.Unlock()

	n, err := f.In.WriteAt(buf, pos)

	p.mu.Lock()
	f.pos += int64(n)
	p.mu.Unlock()
	return n, err
}

// Seek repositions fd.
func (p *Process) Seek(fd int, pos int64) error {
	f, ok := p.Get(fd)
	if !ok {
		return kerrors.ErrNotFound
	}
	p.mu.Lock()
	f.pos = pos
	p.mu.Unlock()
	return nil
}

// Tell returns fd's current position.
func (p *Process) Tell(fd int) (int64, error) {
	f, ok := p.Get(fd)
	if !ok {
		return 0, kerrors.ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return f.pos, nil
}

// Sleep suspends the calling goroutine for ticks ticks, using now as the
// caller's notion of the current tick.
func (p *Process) Sleep(now, ticks uint64) {
	p.sleep.Sleep(now + ticks)
}
