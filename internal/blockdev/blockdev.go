// Package blockdev is the facade over the external block-device
// collaborator: a sector-addressed read/write interface. Two partitions
// matter, FS and SWAP; each is a Device. The real implementation is a
// fixed-size file opened with os.O_RDWR (grounded on other_examples'
// mendersoftware/mender block_device.go BlockDevicer interface, generalized
// from a write-only upgrade target to a read/write random-access device);
// the fake implementation backs a Device with an in-memory byte slice for
// tests.
package blockdev

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// SectorSize is the fixed unit of addressing.
const SectorSize = 512

// Device is a fixed-512-byte-sector read/write interface. Implementations
// need not be safe for concurrent use by multiple goroutines; callers
// (the buffer cache, the swap partition) serialize their own access.
type Device interface {
	// ReadSector copies exactly SectorSize bytes from sector s into dst.
	ReadSector(s uint32, dst []byte) error
	// WriteSector copies exactly SectorSize bytes from src into sector s.
	WriteSector(s uint32, src []byte) error
	// SectorCount returns the device's fixed capacity in sectors.
	SectorCount() uint32
	// Sync flushes any OS-level buffering. It does not know about the
	// buffer cache layered on top; internal/buffercache.FlushAll must be
	// called first for a complete write-back.
	Sync() error
	io.Closer
}

// FileDevice is a Device backed by a fixed-size regular file, standing in
// for a raw disk partition.
type FileDevice struct {
	mu sync.Mutex
	f *os.File
	sectors uint32
}

var _ Device = (*FileDevice)(nil)

// OpenFile opens (or creates, truncating to sectorCount sectors) a
// file-backed device at path.
func OpenFile(path string, sectorCount uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	size := int64(sectorCount) * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}

	return &FileDevice{f: f, sectors: sectorCount}, nil
}

func (d *FileDevice) SectorCount() uint32 { return d.sectors }

func (d *FileDevice) ReadSector(s uint32, dst []byte) error {
	if len(dst) != SectorSize {
		return fmt.Errorf("blockdev: dst must be %d bytes, got %d", SectorSize, len(dst))
	}
	if s >= d.sectors {
		return fmt.Errorf("blockdev: sector %d out of range (%d sectors)", s, d.sectors)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.f.ReadAt(dst, int64(s)*SectorSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("blockdev: read sector %d: %w", s, err)
	}
	return nil
}

func (d *FileDevice) WriteSector(s uint32, src []byte) error {
	if len(src) != SectorSize {
		return fmt.Errorf("blockdev: src must be %d bytes, got %d", SectorSize, len(src))
	}
	if s >= d.sectors {
		return fmt.Errorf("blockdev: sector %d out of range (%d sectors)", s, d.sectors)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.f.WriteAt(src, int64(s)*SectorSize); err != nil {
		return fmt.Errorf("blockdev: write sector %d: %w", s, err)
	}
	return nil
}

func (d *FileDevice) Sync() error { return d.f.Sync() }
func (d *FileDevice) Close() error { return d.f.Close() }
