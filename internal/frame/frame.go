// Package frame implements the bounded user-frame pool, grounded on
// _examples/original_source/src/vm/frame.c's global frame_table and on
// internal/buffercache's use of internal/clockring for the identical
// second-chance scan both pools need. Unlike frame.c's random victim
// selection, this implements a clock/second-chance eviction policy.
package frame

import (
	"log/slog"
	"sync"

	"github.com/pintosgo/corevm/internal/clockring"
	"github.com/pintosgo/corevm/internal/kerrors"
	"github.com/pintosgo/corevm/internal/metrics"
)

// Resident is a frame-table entry's owner: the supplemental page-table
// entry (internal/vm.Entry) that currently occupies a frame. The frame
// table never inspects entry internals directly — it only drives them
// through this interface, keeping vm-specific union-state logic out of
// the eviction scan.
type Resident interface {
	// Pinned reports whether this resident must not be evicted right now.
	Pinned() bool
	// Accessed reports and does not clear the hardware-accessed bit.
	Accessed() bool
	// ClearAccessed clears the accessed bit, giving the resident a
	// second chance before the next scan reaches it again.
	ClearAccessed()
	// Evict writes the resident back (to its file if an mmap page, to a
	// fresh swap slot otherwise) and uninstalls its page-table mapping.
	// After Evict returns, the resident must report Pinned()==false and
	// must not be scanned again until reinstalled in a new frame.
	Evict() error
}

// Table is a fixed-capacity pool of frames, each either free or
// occupied by one Resident.
type Table struct {
	mu sync.Mutex
	slots []Resident
	cursor clockring.Cursor
	metrics *metrics.Registry
	log *slog.Logger
}

// New builds a Table with the given number of frames.
func New(capacity int, m *metrics.Registry, log *slog.Logger) *Table {
	return &Table{slots: make([]Resident, capacity), metrics: m, log: log}
}

// Capacity returns the total number of frames.
func (t *Table) Capacity() int { return len(t.slots) }

// InUseCount returns the number of currently occupied frames.
func (t *Table) InUseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.slots {
		if r != nil {
			n++
		}
	}
	return n
}

// Allocate places r into a free frame, failing with kerrors.ErrNoMemory
// if every frame is occupied. The caller retries through
// AllocateWithEvict on failure.
func (t *Table) Allocate(r Resident) (index int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocateLocked(r)
}

func (t *Table) allocateLocked(r Resident) (int, error) {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = r
			if t.metrics != nil {
				t.metrics.FramesInUse.Inc()
			}
			return i, nil
		}
	}
	return 0, kerrors.ErrNoMemory
}

// AllocateWithEvict places r into a free frame, evicting victims via the
// second-chance scan until one becomes available. If a scan finds no
// evictable frame (every occupied frame pinned), it returns
// kerrors.ErrNoMemory; an error from the victim's Evict is returned as is.
func (t *Table) AllocateWithEvict(r Resident) (index int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if i, err := t.allocateLocked(r); err == nil {
			return i, nil
		}
		if err := t.evictOneLocked(); err != nil {
			return 0, err
		}
	}
}

// evictOneLocked runs one second-chance scan and evicts its victim.
func (t *Table) evictOneLocked() error {
	n := len(t.slots)
	victim, ok := t.cursor.Scan(n, func(i int) clockring.Decision {
		r := t.slots[i]
		if r == nil {
			return clockring.Skip
		}
		if r.Pinned() {
			return clockring.Skip
		}
		if r.Accessed() {
			r.ClearAccessed()
			return clockring.SecondChance
		}
		return clockring.Evict
	})
	if !ok {
		return kerrors.ErrNoMemory
	}

	r := t.slots[victim]
	if err := r.Evict(); err != nil {
		return err
	}
	t.slots[victim] = nil

	if t.metrics != nil {
		t.metrics.FrameEvictions.Inc()
		t.metrics.FramesInUse.Dec()
	}
	if t.log != nil {
		t.log.Debug("evicted frame", "frame", victim)
	}
	return nil
}

// Free releases the frame at index, which must currently be occupied.
func (t *Table) Free(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[index] != nil {
		t.slots[index] = nil
		if t.metrics != nil {
			t.metrics.FramesInUse.Dec()
		}
	}
}
