package inode

import (
	"fmt"
	"io"

	"github.com/jacobsa/syncutil"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/kerrors"
)

// Inode is the in-memory copy of an on-disk inode, plus the bookkeeping
// of where its disk image lives, how many callers hold it open, whether
// it has been unlinked, and whether writes are currently denied (set on
// an inode backing a running executable).
//
// Mu guards every mutable field below and is a jacobsa/syncutil
// InvariantMutex, running checkInvariants around each critical section.
type Inode struct {
	Mu syncutil.InvariantMutex

	store *Store
	sector uint32

	// GUARDED_BY(Mu)
	disk onDisk
	// GUARDED_BY(Mu)
	openCount int
	// GUARDED_BY(Mu)
	removed bool
	// GUARDED_BY(Mu)
	denyWriteCount int
}

func (in *Inode) checkInvariants() {
	if in.disk.Length < 0 {
		panic(fmt.Sprintf("inode: negative length %d at sector %d", in.disk.Length, in.sector))
	}
	if in.openCount < 0 {
		panic(fmt.Sprintf("inode: negative open count at sector %d", in.sector))
	}
	if in.removed && in.openCount == 0 {
		panic(fmt.Sprintf("inode: sector %d is removed with zero open count but was not deallocated", in.sector))
	}
}

// Mu is set by Store.Open, which constructs every Inode directly rather
// than through a constructor function.

// Sector returns the disk sector this inode's image lives at.
func (in *Inode) Sector() uint32 { return in.sector }

// Length returns the inode's current byte length.
func (in *Inode) Length() int64 {
	in.Mu.Lock()
	defer in.Mu.Unlock()
	return int64(in.disk.Length)
}

// IsDir reports whether this inode is a directory.
func (in *Inode) IsDir() bool {
	in.Mu.Lock()
	defer in.Mu.Unlock()
	return in.disk.IsDir != 0
}

// Removed reports whether Remove has been called on this inode.
func (in *Inode) Removed() bool {
	in.Mu.Lock()
	defer in.Mu.Unlock()
	return in.removed
}

// Remove marks the inode for deallocation once its last open handle
// closes, matching unlink-while-open semantics: existing handles keep
// working until they Close.
func (in *Inode) Remove() {
	in.Mu.Lock()
	defer in.Mu.Unlock()
	in.removed = true
}

// Close decrements the open count, deallocating the inode's storage if
// this was the last handle and it has been removed.
func (in *Inode) Close() error {
	return in.store.close(in)
}

// DenyWrite increments the deny-write count, used to protect a running
// executable's backing inode from modification.
func (in *Inode) DenyWrite() {
	in.Mu.Lock()
	defer in.Mu.Unlock()
	in.denyWriteCount++
}

// AllowWrite reverses one DenyWrite call.
func (in *Inode) AllowWrite() {
	in.Mu.Lock()
	defer in.Mu.Unlock()
	if in.denyWriteCount == 0 {
		panic("inode: AllowWrite without matching DenyWrite")
	}
	in.denyWriteCount--
}

// ReadAt implements io.ReaderAt semantics over the inode's byte range: it
// never extends the file, and returns io.EOF (with the partial count) at
// end of file, which is not itself an error.
func (in *Inode) ReadAt(p []byte, off int64) (int, error) {
	in.Mu.Lock()
	defer in.Mu.Unlock()

	length := int64(in.disk.Length)
	if off >= length {
		return 0, io.EOF
	}

	end := off + int64(len(p))
	if end > length {
		end = length
	}

	n := 0
	for pos := off; pos < end; {
		sectorOff := pos % blockdev.SectorSize
		chunk := blockdev.SectorSize - sectorOff
		if remaining := end - pos; chunk > remaining {
			chunk = remaining
		}

		sector, ok, err := sectorForPos(in.store.cache, &in.disk, int(in.disk.Depth), pos)
		if err != nil {
			return n, err
		}

		dst := p[pos-off : pos-off+chunk]
		if !ok {
			// Within length but never allocated: cannot happen for a
			// well-formed tree (extension always zero-fills), but treat
			// defensively as a zero hole rather than propagating a
			// confusing error.
			for i := range dst {
				dst[i] = 0
			}
		} else if err := in.store.cache.ReadBytes(sector, int(sectorOff), int(chunk), dst); err != nil {
			return n, err
		}

		n += int(chunk)
		pos += chunk
	}

	if end < off+int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements write-at-offset with auto-extension:
// depth promotion, zero-filled extension over any hole up to off, then
// extension (without zero-fill, since the write covers it) up to
// off+len(p).
func (in *Inode) WriteAt(p []byte, off int64) (int, error) {
	in.Mu.Lock()
	defer in.Mu.Unlock()

	if in.denyWriteCount > 0 {
		return 0, kerrors.ErrDenied
	}

	curLength := int64(in.disk.Length)
	newLength := off + int64(len(p))

	targetDepth := bytesToDepth(newLength)
	if targetDepth > int(in.disk.Depth) {
		if err := in.growDepthLocked(targetDepth); err != nil {
			return 0, err
		}
	}

	cur := curLength
	if off > curLength {
		// Hole: zero-fill [length, off). growLength zeroes the sectors it
		// allocates; the unused tail of the current last sector is zeroed
		// here, since a reused sector may still hold stale bytes.
		if tail := curLength % blockdev.SectorSize; tail != 0 {
			sector, ok, err := sectorForPos(in.store.cache, &in.disk, int(in.disk.Depth), curLength)
			if err != nil {
				return 0, err
			}
			if ok {
				zeros := make([]byte, blockdev.SectorSize-tail)
				if err := in.store.cache.WriteBytes(sector, int(tail), len(zeros), zeros); err != nil {
					return 0, err
				}
			}
		}
		if err := growLength(in.store.cache, in.store.freemap, &in.disk, int(in.disk.Depth), cur, off, true); err != nil {
			return 0, err
		}
		cur = off
	}

	if newLength > cur {
		if err := growLength(in.store.cache, in.store.freemap, &in.disk, int(in.disk.Depth), cur, newLength, false); err != nil {
			return 0, err
		}
	}

	if newLength > curLength {
		in.disk.Length = int32(newLength)
	}

	n := 0
	for pos := off; pos < newLength; {
		sectorOff := pos % blockdev.SectorSize
		chunk := blockdev.SectorSize - sectorOff
		if remaining := newLength - pos; chunk > remaining {
			chunk = remaining
		}

		sector, ok, err := sectorForPos(in.store.cache, &in.disk, int(in.disk.Depth), pos)
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("inode: write_at: sector for offset %d missing after growth", pos)
			}
			return n, err
		}

		src := p[pos-off : pos-off+chunk]
		if err := in.store.cache.WriteBytes(sector, int(sectorOff), int(chunk), src); err != nil {
			return n, err
		}

		n += int(chunk)
		pos += chunk
	}

	buf := in.disk.marshal()
	if err := in.store.cache.Write(in.sector, buf[:]); err != nil {
		return n, err
	}

	return n, nil
}

// growDepthLocked promotes the inode's tree height to depth d, repeatedly
// demoting the current root content into a fresh child sector and
// replacing the root's own on-disk content with a new, shallower-fanout
// parent ("grow_depth"). Must be called with Mu held.
func (in *Inode) growDepthLocked(d int) error {
	for int(in.disk.Depth) < d {
		childSector, err := in.store.freemap.Alloc()
		if err != nil {
			return err
		}

		childContent := in.disk
		buf := childContent.marshal()
		if err := in.store.cache.Write(childSector, buf[:]); err != nil {
			_ = in.store.freemap.Free(childSector)
			return err
		}

		in.disk = onDisk{
			Length: in.disk.Length,
			Depth: in.disk.Depth + 1,
			IsDir: in.disk.IsDir,
			Magic: Magic,
		}
		in.disk.Blocks[0] = childSector
	}
	return nil
}
