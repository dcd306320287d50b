package vm

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pintosgo/corevm/internal/frame"
	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/kerrors"
	"github.com/pintosgo/corevm/internal/metrics"
	"github.com/pintosgo/corevm/internal/swap"
)

// Table is one process's supplemental page table: a map from
// page-aligned user address to Entry, plus the system-wide frame pool
// and swap partition it shares with every other process' table.
type Table struct {
	mu sync.Mutex
	entries map[uint64]*Entry

	frames *frame.Table
	swapDev *swap.Swap
	metrics *metrics.Registry
	log *slog.Logger
}

// New builds an empty supplemental page table over the given shared
// frame pool and swap partition.
func New(frames *frame.Table, swapDev *swap.Swap, m *metrics.Registry, log *slog.Logger) *Table {
	return &Table{
		entries: make(map[uint64]*Entry),
		frames: frames,
		swapDev: swapDev,
		metrics: m,
		log: log,
	}
}

func (t *Table) insert(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[e.upage]; exists {
		return kerrors.ErrAlreadyExists
	}
	t.entries[e.upage] = e
	return nil
}

func (t *Table) newEntry(upage uint64, kind Kind, writable bool) *Entry {
	return &Entry{
		upage: PageAlign(upage),
		kind: kind,
		writable: writable,
		state: NotLoaded,
		frameIndex: -1,
		swapSlot: -1,
		frames: t.frames,
		swapDev: t.swapDev,
	}
}

// InsertCode registers a page backed by executable-file content:
// readBytes bytes read from file at offset, the remainder zero-filled.
func (t *Table) InsertCode(upage uint64, file *inode.Inode, offset int64, readBytes int, writable bool) error {
	e := t.newEntry(upage, KindCode, writable)
	e.file = file
	e.offset = offset
	e.readBytes = readBytes
	return t.insert(e)
}

// InsertZero registers an all-zero page with no backing file.
func (t *Table) InsertZero(upage uint64, writable bool) error {
	e := t.newEntry(upage, KindZero, writable)
	return t.insert(e)
}

// InsertMmap registers one page of a memory-mapped file, mirroring
// per-page Mmap entries.
func (t *Table) InsertMmap(upage uint64, file *inode.Inode, offset int64, readBytes int) error {
	e := t.newEntry(upage, KindMmap, true)
	e.file = file
	e.offset = offset
	e.readBytes = readBytes
	return t.insert(e)
}

// InsertStack registers a new stack page and forces it to load
// immediately, so the page is present for the upcoming access.
func (t *Table) InsertStack(upage uint64) error {
	e := t.newEntry(upage, KindZero, true)
	if err := t.insert(e); err != nil {
		return err
	}
	return t.loadFile(e)
}

// Lookup returns the entry for upage's containing page, if any.
func (t *Table) Lookup(addr uint64) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[PageAlign(addr)]
	return e, ok
}

// Fault resolves a page fault at addr. It returns false (with no error)
// for a kernel-range address or an address with no entry — unresolved,
// for the caller to kill the faulting process on.
func (t *Table) Fault(addr uint64) (bool, error) {
	if addr >= KernelBase {
		return false, nil
	}

	e, ok := t.Lookup(addr)
	if !ok {
		if t.metrics != nil {
			t.metrics.PageFaultsFailed.Inc()
		}
		return false, nil
	}

	if t.metrics != nil {
		t.metrics.PageFaults.Inc()
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	switch state {
	case NotLoaded:
		if err := t.loadFile(e); err != nil {
			return false, err
		}
		return true, nil
	case Swapped:
		if err := t.unswap(e); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

// loadFile allocates a frame (with eviction), reads the entry's backing
// content (if any) and zeros the rest, installs it, and marks Loaded.
//
// e.mu is never held across the call into t.frames: the frame table's
// eviction scan calls back into other entries' Pinned/Accessed/Evict
// under its own lock, so holding e.mu here (for a different entry than
// whatever the scan might pick) would invert the lock order frame.Table
// always uses (its own mutex, then the victim's) and could deadlock
// against a concurrent load/unswap on that other entry.
func (t *Table) loadFile(e *Entry) error {
	e.mu.Lock()
	kind := e.kind
	file := e.file
	offset := e.offset
	readBytes := e.readBytes
	e.mu.Unlock()

	data := make([]byte, PageSize)
	if kind == KindCode || kind == KindMmap {
		n, err := file.ReadAt(data[:readBytes], offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		for i := n; i < readBytes; i++ {
			data[i] = 0
		}
	}

	idx, err := t.frames.AllocateWithEvict(e)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.data = data
	e.frameIndex = idx
	e.accessed = true
	e.dirty = false
	e.state = Loaded
	e.mu.Unlock()
	return nil
}

// unswap allocates a frame (with eviction — reentrant into swap on other
// pages, never on this one since a Swapped entry holds no frame), reads
// the swap slot back, frees it, and marks Loaded. See loadFile's note on
// why e.mu is not held across the call into t.frames.
func (t *Table) unswap(e *Entry) error {
	e.mu.Lock()
	slot := e.swapSlot
	e.mu.Unlock()

	idx, err := t.frames.AllocateWithEvict(e)
	if err != nil {
		return err
	}

	data := make([]byte, PageSize)
	if err := t.swapDev.Uninstall(slot, data); err != nil {
		t.frames.Free(idx)
		return err
	}

	e.mu.Lock()
	e.data = data
	e.frameIndex = idx
	e.swapSlot = -1
	e.accessed = true
	e.state = Loaded
	e.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SwapIns.Inc()
	}
	return nil
}

// destroyEntry unloads the page if loaded (writing back a dirty mmap
// page first) or releases a swap slot, per the entry's current state. It
// assumes the caller (process teardown, or an explicit single-page
// destroy) is the page's sole owner at this point, same as the original
// kernel's invariant that a page is only torn down once its process can
// no longer fault on it — so, as in loadFile, e.mu is dropped before
// calling into t.frames or t.swapDev.
func (t *Table) destroyEntry(e *Entry) error {
	e.mu.Lock()
	state := e.state
	kind := e.kind
	dirty := e.dirty
	file := e.file
	offset := e.offset
	readBytes := e.readBytes
	frameIndex := e.frameIndex
	swapSlot := e.swapSlot
	e.mu.Unlock()

	switch state {
	case Swapped:
		if err := t.swapDev.Remove(swapSlot); err != nil {
			return err
		}
	case Loaded:
		if kind == KindMmap && dirty {
			if _, err := file.WriteAt(e.Data()[:readBytes], offset); err != nil {
				return err
			}
		}
		t.frames.Free(frameIndex)
	case NotLoaded:
		// Nothing backing this page to release.
	}

	e.mu.Lock()
	e.state = NotLoaded
	e.swapSlot = -1
	e.frameIndex = -1
	e.data = nil
	e.mu.Unlock()
	return nil
}

// Destroy tears down the single page at upage, writing back and
// freeing its frame or swap slot as appropriate, then forgetting it.
func (t *Table) Destroy(upage uint64) error {
	t.mu.Lock()
	e, ok := t.entries[PageAlign(upage)]
	if ok {
		delete(t.entries, PageAlign(upage))
	}
	t.mu.Unlock()

	if !ok {
		return kerrors.ErrNotFound
	}
	return t.destroyEntry(e)
}

// DestroyAll tears down every entry, mirroring process teardown: iterate
// all entries once, handling the three states, before the page
// directory itself would be destroyed.
func (t *Table) DestroyAll() error {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.entries = make(map[uint64]*Entry)
	t.mu.Unlock()

	for _, e := range entries {
		if err := t.destroyEntry(e); err != nil {
			return err
		}
	}
	return nil
}
