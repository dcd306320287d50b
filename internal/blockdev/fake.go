package blockdev

import (
	"fmt"
	"sync"
)

// MemDevice is an in-memory Device for tests, avoiding real file I/O.
type MemDevice struct {
	mu sync.Mutex
	sectors [][SectorSize]byte
	closed bool
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice returns a zero-filled device of the given sector count.
func NewMemDevice(sectorCount uint32) *MemDevice {
	return &MemDevice{sectors: make([][SectorSize]byte, sectorCount)}
}

func (d *MemDevice) SectorCount() uint32 { return uint32(len(d.sectors)) }

func (d *MemDevice) ReadSector(s uint32, dst []byte) error {
	if len(dst) != SectorSize {
		return fmt.Errorf("blockdev: dst must be %d bytes, got %d", SectorSize, len(dst))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("blockdev: device closed")
	}
	if s >= uint32(len(d.sectors)) {
		return fmt.Errorf("blockdev: sector %d out of range (%d sectors)", s, len(d.sectors))
	}

	copy(dst, d.sectors[s][:])
	return nil
}

func (d *MemDevice) WriteSector(s uint32, src []byte) error {
	if len(src) != SectorSize {
		return fmt.Errorf("blockdev: src must be %d bytes, got %d", SectorSize, len(src))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("blockdev: device closed")
	}
	if s >= uint32(len(d.sectors)) {
		return fmt.Errorf("blockdev: sector %d out of range (%d sectors)", s, len(d.sectors))
	}

	copy(d.sectors[s][:], src)
	return nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
