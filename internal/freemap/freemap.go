// Package freemap implements the persistent free-sector bitmap: sector
// 0 of the FS device is reserved for a bitmap of allocated sectors;
// sector 1 is the root directory's inode.
package freemap

import (
	"fmt"
	"sync"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/buffercache"
	"github.com/pintosgo/corevm/internal/kerrors"
)

// BitmapSector is the fixed location of the free-sector bitmap.
const BitmapSector uint32 = 0

// RootInodeSector is the fixed location of the root directory's inode.
const RootInodeSector uint32 = 1

// MaxSectors is the largest file system a single-sector bitmap can track
// (one bit per sector, 512 bytes * 8 bits).
const MaxSectors = blockdev.SectorSize * 8

// Map is the in-memory mirror of the on-disk bitmap.
type Map struct {
	mu    sync.Mutex
	bits  [blockdev.SectorSize]byte
	total uint32
	cache *buffercache.Cache
}

// Format initializes a fresh bitmap for a device of totalSectors sectors,
// reserving BitmapSector and RootInodeSector as already allocated, and
// writes it to disk.
func Format(cache *buffercache.Cache, totalSectors uint32) (*Map, error) {
	if totalSectors > MaxSectors {
		return nil, fmt.Errorf("freemap: %d sectors exceeds single-sector bitmap capacity %d", totalSectors, MaxSectors)
	}

	m := &Map{cache: cache, total: totalSectors}
	m.setBit(BitmapSector, true)
	m.setBit(RootInodeSector, true)

	if err := m.flushLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads an existing bitmap for a device of totalSectors sectors.
func Load(cache *buffercache.Cache, totalSectors uint32) (*Map, error) {
	if totalSectors > MaxSectors {
		return nil, fmt.Errorf("freemap: %d sectors exceeds single-sector bitmap capacity %d", totalSectors, MaxSectors)
	}

	m := &Map{cache: cache, total: totalSectors}
	if err := cache.Read(BitmapSector, m.bits[:]); err != nil {
		return nil, fmt.Errorf("freemap: load: %w", err)
	}
	return m, nil
}

func (m *Map) bitSet(i uint32) bool {
	return m.bits[i/8]&(1<<(i%8)) != 0
}

func (m *Map) setBit(i uint32, v bool) {
	if v {
		m.bits[i/8] |= 1 << (i % 8)
	} else {
		m.bits[i/8] &^= 1 << (i % 8)
	}
}

func (m *Map) flushLocked() error {
	return m.cache.Write(BitmapSector, m.bits[:])
}

// Alloc finds and marks in-use the first free sector, returning
// kerrors.ErrNoSpace if the device is full.
func (m *Map) Alloc() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := uint32(0); i < m.total; i++ {
		if !m.bitSet(i) {
			m.setBit(i, true)
			if err := m.flushLocked(); err != nil {
				m.setBit(i, false)
				return 0, err
			}
			return i, nil
		}
	}
	return 0, kerrors.ErrNoSpace
}

// Free releases sector s back to the pool.
func (m *Map) Free(s uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s >= m.total {
		return fmt.Errorf("freemap: sector %d out of range", s)
	}
	m.setBit(s, false)
	return m.flushLocked()
}

// InUse reports whether sector s is currently allocated, for tests and
// the fsck diagnostic.
func (m *Map) InUse(s uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitSet(s)
}

// Total returns the number of sectors this bitmap tracks, for the fsck
// diagnostic's full-device scan.
func (m *Map) Total() uint32 {
	return m.total
}

// FreeCount returns the number of unallocated sectors.
func (m *Map) FreeCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n uint32
	for i := uint32(0); i < m.total; i++ {
		if !m.bitSet(i) {
			n++
		}
	}
	return n
}
