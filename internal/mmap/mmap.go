// Package mmap implements the per-process memory-mapped-file table,
// grounded on _examples/original_source/src/vm/mmap.c's struct
// mmap_file: one region per mmap_create call, covering a page-aligned
// virtual range with one internal/vm Mmap entry per page. Map identifiers
// are google/uuid values rather than mmap.c's small integer mapid_t, so
// that looking one up never collides across processes sharing the
// same table implementation in tests.
package mmap

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/kerrors"
	"github.com/pintosgo/corevm/internal/vm"
)

// Region is one mapping: the file it covers, independent of any other
// handle on the same inode, and the page range it was installed over.
type Region struct {
	ID uuid.UUID
	File *inode.Inode
	Base uint64
	PageCount int
}

// Table is a process' map-id -> Region registry.
type Table struct {
	mu sync.Mutex
	store *inode.Store
	vmTable *vm.Table
	regions map[uuid.UUID]*Region
}

// New builds an empty mmap table backed by store (for duplicating file
// handles) and vmTable (for installing/destroying the pages themselves).
func New(store *inode.Store, vmTable *vm.Table) *Table {
	return &Table{store: store, vmTable: vmTable, regions: make(map[uuid.UUID]*Region)}
}

func roundUpPages(length int64) int {
	if length <= 0 {
		return 0
	}
	return int((length + vm.PageSize - 1) / vm.PageSize)
}

// Create maps file into the virtual address range starting at base, which
// must be page-aligned. It duplicates file's inode handle (so the
// mapping's lifetime and position are independent of the caller's own
// handle), and installs one Mmap page per PageSize-sized chunk of the
// file, the last page's tail zero-filled.
func (t *Table) Create(file *inode.Inode, base uint64) (uuid.UUID, error) {
	if base%vm.PageSize != 0 {
		return uuid.Nil, kerrors.ErrInvalid
	}

	length := file.Length()
	pageCount := roundUpPages(length)
	if pageCount == 0 {
		return uuid.Nil, kerrors.ErrInvalid
	}

	dup, err := t.store.Open(file.Sector())
	if err != nil {
		return uuid.Nil, err
	}

	installed := 0
	rollback := func() {
		for i := 0; i < installed; i++ {
			_ = t.vmTable.Destroy(base + uint64(i)*vm.PageSize)
		}
		dup.Close()
	}

	for i := 0; i < pageCount; i++ {
		upage := base + uint64(i)*vm.PageSize
		offset := int64(i) * vm.PageSize
		remaining := length - offset

		readBytes := int(vm.PageSize)
		if remaining < vm.PageSize {
			readBytes = int(remaining)
		}

		if err := t.vmTable.InsertMmap(upage, dup, offset, readBytes); err != nil {
			rollback()
			return uuid.Nil, err
		}
		installed++
	}

	id := uuid.New()

	t.mu.Lock()
	t.regions[id] = &Region{ID: id, File: dup, Base: base, PageCount: pageCount}
	t.mu.Unlock()

	return id, nil
}

// Destroy unmaps the region named by id, writing back any dirty pages
// (via vm.Table.Destroy) and closing the duplicated file handle last.
func (t *Table) Destroy(id uuid.UUID) error {
	t.mu.Lock()
	r, ok := t.regions[id]
	if ok {
		delete(t.regions, id)
	}
	t.mu.Unlock()

	if !ok {
		return kerrors.ErrNotFound
	}

	for i := 0; i < r.PageCount; i++ {
		upage := r.Base + uint64(i)*vm.PageSize
		if err := t.vmTable.Destroy(upage); err != nil {
			return err
		}
	}

	return r.File.Close()
}

// Lookup returns the region registered under id.
func (t *Table) Lookup(id uuid.UUID) (*Region, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.regions[id]
	return r, ok
}

// DestroyAll unmaps every region in the table, per process teardown.
func (t *Table) DestroyAll() error {
	t.mu.Lock()
	ids := make([]uuid.UUID, 0, len(t.regions))
	for id := range t.regions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.Destroy(id); err != nil {
			return err
		}
	}
	return nil
}
