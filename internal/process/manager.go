package process

import (
	"context"
	"sync"

	"github.com/pintosgo/corevm/internal/directory"
	"github.com/pintosgo/corevm/internal/fs"
	"github.com/pintosgo/corevm/internal/kerrors"
	"github.com/pintosgo/corevm/internal/mmap"
	"github.com/pintosgo/corevm/internal/sleepqueue"
	"github.com/pintosgo/corevm/internal/vm"
)

// Manager is the process table: every live Process keyed by pid, plus the
// shared file system and sleep queue every process' operations go
// through. One Manager corresponds to one running kernel instance.
type Manager struct {
	mu sync.Mutex
	fsys *fs.FS
	sleep *sleepqueue.Queue
	newTable func() *vm.Table
	newMmaps func(supp *vm.Table) *mmap.Table
	procs map[int]*Process
	nextID int
}

// NewManager builds an empty process table over fsys, whose Inodes store
// backs every process' executable and mmap handles. newTable constructs a
// fresh supplemental page table per process (closing over the shared
// frame pool and swap device); newMmaps builds that process' mmap table
// over its own supplemental page table.
func NewManager(fsys *fs.FS, sq *sleepqueue.Queue, newTable func() *vm.Table, newMmaps func(supp *vm.Table) *mmap.Table) *Manager {
	return &Manager{
		fsys: fsys,
		sleep: sq,
		newTable: newTable,
		newMmaps: newMmaps,
		procs: make(map[int]*Process),
		nextID: 1,
	}
}

// Root spawns the initial, parentless process with the given working
// directory and no executable loaded yet (the caller installs one via
// Process.SetExecutable).
func (m *Manager) Root(cwd *directory.Dir) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	supp := m.newTable()
	p := newProcess(id, nil, cwd, supp, m.newMmaps(supp), m.sleep)
	m.procs[id] = p
	return p
}

// Execute spawns a child process, runs load (the child's executable-load
// procedure) on its own goroutine, and blocks the caller until the child
// signals load's success or failure. On failure the child is discarded
// and never becomes wait-able.
func (m *Manager) Execute(parent *Process, load func(child *Process) error) (int, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	supp := m.newTable()
	child := newProcess(id, parent, nil, supp, m.newMmaps(supp), m.sleep)
	m.procs[id] = child
	m.mu.Unlock()

	go func() {
		err := load(child)
		child.mu.Lock()
		child.loadErr = err
		child.mu.Unlock()
		child.load.signal()
	}()

	if err := child.load.down(context.Background()); err != nil {
		return -1, err
	}
	if child.loadErr != nil {
		m.mu.Lock()
		delete(m.procs, id)
		m.mu.Unlock()
		return -1, child.loadErr
	}

	parent.mu.Lock()
	parent.children[id] = child
	parent.mu.Unlock()
	return id, nil
}

// Wait blocks until the child has recorded its exit code and performs the
// two-phase exit/wait handshake so that a second Wait on the same pid
// returns -1, since the child is forgotten as parent's child on the first
// Wait.
func (m *Manager) Wait(parent *Process, pid int) (int, error) {
	parent.mu.Lock()
	child, ok := parent.children[pid]
	if ok {
		delete(parent.children, pid)
	}
	parent.mu.Unlock()
	if !ok {
		return -1, kerrors.ErrNotFound
	}

	ctx := context.Background()
	if err := child.wait.down(ctx); err != nil {
		return -1, err
	}
	child.mu.Lock()
	code := child.exitCode
	child.mu.Unlock()
	child.exit.signal()

	if err := child.wait.down(ctx); err != nil {
		return -1, err
	}
	child.exit.signal()

	return code, nil
}

// Exit records the exit code, signals a waiting parent that the exit
// code is ready, tears down the process' own resources, then signals
// again that teardown has finished — bracketing teardown between the
// two handshake phases so Wait cannot return until cleanup is actually
// done, mirroring process_exit's sema_up/sema_down pair before and
// after reparenting/closing fds/freeing the fd table/closing exe.
func (m *Manager) Exit(p *Process, code int) error {
	p.mu.Lock()
	p.exitCode = code
	parent := p.Parent
	p.mu.Unlock()

	ctx := context.Background()
	if parent != nil {
		p.wait.signal()
		if err := p.exit.down(ctx); err != nil {
			return err
		}
	}

	// Children of an exiting parent can no longer be waited on.
	p.mu.Lock()
	for _, c := range p.children {
		c.mu.Lock()
		c.Parent = nil
		c.mu.Unlock()
	}
	fds := make([]int, 0, len(p.fds))
	for fd := range p.fds {
		fds = append(fds, fd)
	}
	cwd := p.cwd
	exe := p.exe
	p.mu.Unlock()

	for _, fd := range fds {
		_ = p.CloseFD(fd)
	}
	if err := p.Mmaps.DestroyAll(); err != nil {
		return err
	}
	if err := p.Supp.DestroyAll(); err != nil {
		return err
	}
	if exe != nil {
		exe.AllowWrite()
		if err := exe.Close(); err != nil {
			return err
		}
	}
	if cwd != nil {
		if err := cwd.Close(); err != nil {
			return err
		}
	}

	if parent != nil {
		p.wait.signal()
		if err := p.exit.down(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.procs, p.ID)
	m.mu.Unlock()
	return nil
}

// Get returns the live process registered under pid.
func (m *Manager) Get(pid int) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	return p, ok
}
