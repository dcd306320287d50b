// Package vm implements the per-process supplemental page table: a hash
// map from page-aligned user address to an entry tracking load state,
// backing file (if any), and frame/swap location, grounded on
// _examples/original_source/src/vm/page.c's struct supp_entry and
// supp_table. Unlike the original's hash table keyed by user page
// pointer, this uses a Go map keyed by the page's integer address, since
// there is no real MMU to hash a pointer from.
package vm

import (
	"sync"

	"github.com/pintosgo/corevm/internal/frame"
	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/swap"
)

// PageSize is the page size shared with internal/swap and internal/mmap.
const PageSize = swap.PageSize

// KernelBase is the first address of the kernel's half of the address
// space; fault addresses at or above it are always unresolved, mirroring
// Pintos' PHYS_BASE.
const KernelBase = uint64(0xc0000000)

// State is a page's lifecycle state, enum supp_state in page.h.
type State int

const (
	NotLoaded State = iota
	Loaded
	Swapped
)

// Kind is a page's content origin, enum supp_type in page.h.
type Kind int

const (
	KindNormal Kind = iota
	KindZero
	KindCode
	KindMmap
)

// PageAlign rounds addr down to the start of its containing page.
func PageAlign(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// Entry is one supplemental page-table entry: the union of state,
// content origin, and the fields each origin needs to load or write
// back its page, plus the frame-table bookkeeping it shares with
// internal/frame.
type Entry struct {
	mu sync.Mutex

	upage uint64
	kind Kind
	writable bool

	// GUARDED_BY(mu)
	state State
	// GUARDED_BY(mu)
	pinned bool
	// GUARDED_BY(mu)
	accessed bool
	// GUARDED_BY(mu)
	dirty bool
	// GUARDED_BY(mu); the page's live content while Loaded, nil otherwise.
	data []byte
	// GUARDED_BY(mu); valid only while state == Swapped.
	swapSlot int
	// GUARDED_BY(mu); valid only while state == Loaded.
	frameIndex int

	// Backing file, for Code and Mmap kinds. The entry does not own or
	// close it: all pages of one mmap region share the region's
	// duplicated handle (closed by internal/mmap), and Code entries use
	// whatever handle the caller passed. ReadAt/WriteAt take an explicit
	// offset, since internal/inode has no stateful file position.
	file *inode.Inode
	offset int64
	readBytes int

	frames *frame.Table
	swapDev *swap.Swap
}

var _ frame.Resident = (*Entry)(nil)

// Upage returns the entry's page-aligned user address.
func (e *Entry) Upage() uint64 { return e.upage }

// State returns the entry's current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Data returns the entry's live page content while Loaded, or nil
// otherwise. The returned slice aliases the entry's own buffer: callers
// must Pin the entry first if they intend to hold onto it across a
// call that might block.
func (e *Entry) Data() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data
}

// Pin marks the entry as ineligible for eviction.
func (e *Entry) Pin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned = true
}

// Unpin clears the pin set by Pin.
func (e *Entry) Unpin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned = false
}

// Pinned implements frame.Resident.
func (e *Entry) Pinned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pinned
}

// Touch records a simulated memory access, setting the accessed bit and,
// for a write, the sticky dirty bit (dirty combines a hardware bit with
// a sticky software one).
func (e *Entry) Touch(write bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessed = true
	if write {
		e.dirty = true
	}
}

// Accessed implements frame.Resident.
func (e *Entry) Accessed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accessed
}

// ClearAccessed implements frame.Resident.
func (e *Entry) ClearAccessed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessed = false
}

// Evict implements frame.Resident: the eviction action, dispatched on
// the entry's kind.
func (e *Entry) Evict() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.kind == KindMmap {
		if e.dirty {
			if _, err := e.file.WriteAt(e.data[:e.readBytes], e.offset); err != nil {
				return err
			}
		}
		e.data = nil
		e.frameIndex = -1
		e.dirty = false
		e.state = NotLoaded
		return nil
	}

	slot, err := e.swapDev.Install(e.data)
	if err != nil {
		return err
	}
	e.swapSlot = slot
	e.data = nil
	e.frameIndex = -1
	e.state = Swapped
	return nil
}
