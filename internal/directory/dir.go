package directory

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/pintosgo/corevm/internal/freemap"
	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/kerrors"
)

const (
	dot    = "."
	dotdot = ".."
)

// RootSector is the well-known sector of the root directory's inode.
const RootSector = freemap.RootInodeSector

// Dir is an open directory: an is_dir inode plus a cursor used by
// Readdir, mirroring _examples/original_source/src/filesys/directory.c's
// struct dir. The readdir position is an unexported byte offset into the
// directory inode, since no RPC continuation is involved; callers can
// only reset it, with RewindReaddir.
type Dir struct {
	Mu syncutil.InvariantMutex

	in *inode.Inode

	// GUARDED_BY(Mu)
	pos int64
}

func (d *Dir) checkInvariants() {
	if d.pos < 0 {
		panic("directory: negative position")
	}
}

// Create writes an empty directory inode at sector, sized for entryCount
// entries, mirroring dir_create's pre-sized allocation.
func Create(st *inode.Store, sector uint32, entryCount int) error {
	return st.Create(sector, int64(entryCount)*entrySize, true)
}

// Open wraps an already-open directory inode, taking ownership of it:
// callers must not also call in.Close themselves.
func Open(in *inode.Inode) (*Dir, error) {
	if !in.IsDir() {
		return nil, fmt.Errorf("directory: sector %d is not a directory", in.Sector())
	}
	d := &Dir{in: in}
	d.Mu = syncutil.NewInvariantMutex(d.checkInvariants)
	return d, nil
}

// OpenRoot opens the root directory.
func OpenRoot(st *inode.Store) (*Dir, error) {
	in, err := st.Open(RootSector)
	if err != nil {
		return nil, err
	}
	return Open(in)
}

// Inode returns the backing inode of d.
func (d *Dir) Inode() *inode.Inode { return d.in }

// Close releases the backing inode.
func (d *Dir) Close() error {
	return d.in.Close()
}

// lookup scans d's content for name, returning its entry and byte
// offset if found.
func (d *Dir) lookup(name string) (e entry, off int64, found bool, err error) {
	for off := int64(0); ; off += entrySize {
		cur, ok, rerr := readEntryAt(d.in, off)
		if rerr != nil {
			return entry{}, 0, false, rerr
		}
		if !ok {
			return entry{}, 0, false, nil
		}
		if cur.inUse && cur.nameString() == name {
			return cur, off, true, nil
		}
	}
}

// Lookup searches d for name and returns the sector of its inode.
func (d *Dir) Lookup(name string) (sector uint32, found bool, err error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	e, _, found, err := d.lookup(name)
	if err != nil || !found {
		return 0, false, err
	}
	return e.sector, true, nil
}

// Add inserts a new entry named name pointing at inodeSector, reusing
// the first free slot or appending past end-of-file. name must not
// already be present.
func (d *Dir) Add(name string, inodeSector uint32) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	var e entry
	if err := e.setName(name); err != nil {
		return err
	}

	if _, _, found, err := d.lookup(name); err != nil {
		return err
	} else if found {
		return kerrors.ErrAlreadyExists
	}

	off := int64(0)
	for {
		cur, ok, err := readEntryAt(d.in, off)
		if err != nil {
			return err
		}
		if !ok || !cur.inUse {
			break
		}
		off += entrySize
	}

	e.sector = inodeSector
	e.inUse = true
	return writeEntryAt(d.in, off, e)
}

// Remove erases the entry named name and removes its backing inode,
// refusing to remove a non-empty subdirectory.
func (d *Dir) Remove(st *inode.Store, name string) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	e, off, found, err := d.lookup(name)
	if err != nil {
		return err
	}
	if !found {
		return kerrors.ErrNotFound
	}

	target, err := st.Open(e.sector)
	if err != nil {
		return err
	}
	defer target.Close()

	if target.IsDir() {
		sub, err := Open(target)
		if err != nil {
			return err
		}
		empty, err := sub.isEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return kerrors.ErrNotEmpty
		}
	}

	e.inUse = false
	if err := writeEntryAt(d.in, off, e); err != nil {
		return err
	}
	target.Remove()
	return nil
}

// isEmpty reports whether d has no entries besides "." and "..". It is
// only safe to call on a Dir not reachable from any other goroutine,
// which Remove guarantees since it just opened target fresh.
func (d *Dir) isEmpty() (bool, error) {
	for off := int64(0); ; off += entrySize {
		e, ok, err := readEntryAt(d.in, off)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if !e.inUse {
			continue
		}
		n := e.nameString()
		if n == dot || n == dotdot {
			continue
		}
		return false, nil
	}
}

// AddDotEntries adds "." (pointing at d itself) and ".." (pointing at
// parent) to a freshly created directory, dir_add_dot.
func (d *Dir) AddDotEntries(parent *Dir) error {
	if err := d.Add(dot, d.in.Sector()); err != nil {
		return err
	}
	if err := d.Add(dotdot, parent.in.Sector()); err != nil {
		return err
	}
	return nil
}

// Readdir returns the next in-use, non-dot entry name starting from d's
// current position, advancing it past that entry. ok is false once the
// directory is exhausted.
func (d *Dir) Readdir() (name string, ok bool, err error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	for {
		e, found, rerr := readEntryAt(d.in, d.pos)
		if rerr != nil {
			return "", false, rerr
		}
		if !found {
			return "", false, nil
		}
		d.pos += entrySize

		if !e.inUse {
			continue
		}
		n := e.nameString()
		if n == dot || n == dotdot {
			continue
		}
		return n, true, nil
	}
}

// RewindReaddir resets the readdir cursor to the start of the directory.
func (d *Dir) RewindReaddir() {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	d.pos = 0
}
