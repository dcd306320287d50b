// Package swap implements the swap partition: a bitmap-indexed block
// device holding whole virtual-memory pages, grounded on
// _examples/original_source/src/vm/swap.c. Unlike internal/buffercache
// over the FS partition, swap I/O always goes straight to the device —
// there is nothing to cache, since a slot is read exactly once (on
// uninstall) and never re-read in place.
package swap

import (
	"sync"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/kerrors"
)

// PageSize is the virtual-memory page size shared by internal/vm,
// internal/frame and internal/mmap.
const PageSize = 4096

// SectorsPerPage is PAGE_SECTOR_COUNT in swap.c.
const SectorsPerPage = PageSize / blockdev.SectorSize

// Swap is the in-memory bitmap over a swap block device, one bit per
// page-sized slot.
type Swap struct {
	mu       sync.Mutex
	dev      blockdev.Device
	inUse    []bool
	numSlots int
}

// New builds a Swap over dev, sized to floor(dev.SectorCount()/SectorsPerPage)
// slots.
func New(dev blockdev.Device) *Swap {
	slots := int(dev.SectorCount() / SectorsPerPage)
	return &Swap{dev: dev, inUse: make([]bool, slots), numSlots: slots}
}

// Capacity returns the total number of page-sized slots.
func (s *Swap) Capacity() int {
	return s.numSlots
}

// InUseCount returns the number of currently occupied slots.
func (s *Swap) InUseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.inUse {
		if b {
			n++
		}
	}
	return n
}

func (s *Swap) sectorOf(index int) uint32 {
	return uint32(index * SectorsPerPage)
}

// Install scans for a free slot, flips it busy, writes page (which must
// be PageSize bytes) to it, and returns its slot index.
func (s *Swap) Install(page []byte) (int, error) {
	if len(page) != PageSize {
		return 0, kerrors.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := -1
	for i, busy := range s.inUse {
		if !busy {
			index = i
			break
		}
	}
	if index < 0 {
		return 0, kerrors.ErrNoSpace
	}
	s.inUse[index] = true

	base := s.sectorOf(index)
	for i := 0; i < SectorsPerPage; i++ {
		chunk := page[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := s.dev.WriteSector(base+uint32(i), chunk); err != nil {
			s.inUse[index] = false
			return 0, err
		}
	}
	return index, nil
}

// Uninstall reads slot index's page content into dst (PageSize bytes)
// and frees the slot.
func (s *Swap) Uninstall(index int, dst []byte) error {
	if len(dst) != PageSize {
		return kerrors.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= s.numSlots || !s.inUse[index] {
		return kerrors.ErrInvalid
	}

	base := s.sectorOf(index)
	for i := 0; i < SectorsPerPage; i++ {
		chunk := dst[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := s.dev.ReadSector(base+uint32(i), chunk); err != nil {
			return err
		}
	}
	s.inUse[index] = false
	return nil
}

// Remove frees slot index without reading it back, used when a process
// holding a swapped page exits without needing its content.
func (s *Swap) Remove(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= s.numSlots || !s.inUse[index] {
		return kerrors.ErrInvalid
	}
	s.inUse[index] = false
	return nil
}
