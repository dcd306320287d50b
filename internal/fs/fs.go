// Package fs is the file-system facade: it ties the buffer cache,
// free-sector map, inode store and directory package together into the
// path-based operations a syscall layer would call (create, open,
// remove, mkdir), mirroring
// _examples/original_source/src/filesys/filesys.c's filesys_create /
// filesys_open / filesys_remove.
package fs

import (
	"log/slog"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/buffercache"
	"github.com/pintosgo/corevm/internal/clock"
	"github.com/pintosgo/corevm/internal/directory"
	"github.com/pintosgo/corevm/internal/freemap"
	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/kerrors"
	"github.com/pintosgo/corevm/internal/metrics"
)

const rootDirEntries = 16

// FS bundles the on-disk file system's live state: a buffer cache over
// the block device, the free-sector map and the open-inode table.
type FS struct {
	cache *buffercache.Cache
	freemap *freemap.Map
	inodes *inode.Store
	log *slog.Logger
}

// Format initializes a brand-new file system on dev: it builds the
// free-sector map (reserving the bitmap and root-inode sectors) and
// creates an empty root directory, mirroring filesys.c's do_format.
func Format(dev blockdev.Device, sectorCount uint32, m *metrics.Registry, log *slog.Logger) (*FS, error) {
	cache := buffercache.New(dev, m, log)
	fm, err := freemap.Format(cache, sectorCount)
	if err != nil {
		return nil, err
	}
	inodes := inode.NewStore(cache, fm)
	if err := directory.Create(inodes, directory.RootSector, rootDirEntries); err != nil {
		return nil, err
	}
	root, err := inodes.Open(directory.RootSector)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	return &FS{cache: cache, freemap: fm, inodes: inodes, log: log}, nil
}

// Open mounts an existing file system previously written to dev.
func Open(dev blockdev.Device, sectorCount uint32, m *metrics.Registry, log *slog.Logger) (*FS, error) {
	cache := buffercache.New(dev, m, log)
	fm, err := freemap.Load(cache, sectorCount)
	if err != nil {
		return nil, err
	}
	return &FS{cache: cache, freemap: fm, inodes: inode.NewStore(cache, fm), log: log}, nil
}

// Close flushes all dirty cache entries to dev; it does not close dev.
func (f *FS) Close() error {
	return f.cache.FlushAll()
}

// Tick drives the buffer cache's periodic-flush check off clk's current
// tick count.
func (f *FS) Tick(clk clock.Clock) {
	f.cache.Tick(clk)
}

// Inodes exposes the open-inode table, used by internal/vm and
// internal/mmap to open a file's backing inode directly by sector.
func (f *FS) Inodes() *inode.Store { return f.inodes }

// Freemap exposes the free-sector bitmap, used by the fsck diagnostic to
// cross-check allocated sectors against what the directory tree reaches.
func (f *FS) Freemap() *freemap.Map { return f.freemap }

// OpenRootDir opens the root directory.
func (f *FS) OpenRootDir() (*directory.Dir, error) {
	return directory.OpenRoot(f.inodes)
}

// Create makes a new, empty regular file at path (optionally
// pre-extended to initialSize bytes of zeros), relative to cwd (nil
// means the root). Fails if path already exists, or if path has a
// trailing slash (a regular file must not be created that way).
func (f *FS) Create(cwd *directory.Dir, path string, initialSize int64) error {
	if directory.HasTrailingSeparator(path) {
		return kerrors.ErrInvalid
	}

	parent, base, err := directory.ResolveParent(f.inodes, cwd, path)
	if err != nil {
		return err
	}
	defer parent.Close()

	sector, err := f.freemap.Alloc()
	if err != nil {
		return err
	}
	if err := f.inodes.Create(sector, initialSize, false); err != nil {
		_ = f.freemap.Free(sector)
		return err
	}
	if err := parent.Add(base, sector); err != nil {
		_ = f.freemap.Free(sector)
		return err
	}
	return nil
}

// Mkdir makes a new, empty directory at path, adding "." and ".."
// entries pointing at itself and its parent, mirroring
// filesys.c's filesys_create_dir.
func (f *FS) Mkdir(cwd *directory.Dir, path string) error {
	parent, base, err := directory.ResolveParent(f.inodes, cwd, path)
	if err != nil {
		return err
	}
	defer parent.Close()

	sector, err := f.freemap.Alloc()
	if err != nil {
		return err
	}

	rollback := func() { _ = f.freemap.Free(sector) }

	if err := directory.Create(f.inodes, sector, rootDirEntries); err != nil {
		rollback()
		return err
	}
	if err := parent.Add(base, sector); err != nil {
		rollback()
		return err
	}

	in, err := f.inodes.Open(sector)
	if err != nil {
		_ = parent.Remove(f.inodes, base)
		return err
	}
	sub, err := directory.Open(in)
	if err != nil {
		in.Close()
		_ = parent.Remove(f.inodes, base)
		return err
	}
	defer sub.Close()

	if err := sub.AddDotEntries(parent); err != nil {
		_ = parent.Remove(f.inodes, base)
		return err
	}
	return nil
}

// OpenFile opens the regular file named by path for byte-addressed
// I/O, returning its inode. Fails with kerrors.ErrIsADirectory if path
// names a directory.
func (f *FS) OpenFile(cwd *directory.Dir, path string) (*inode.Inode, error) {
	sector, err := directory.Resolve(f.inodes, cwd, path)
	if err != nil {
		return nil, err
	}
	in, err := f.inodes.Open(sector)
	if err != nil {
		return nil, err
	}
	if in.IsDir() {
		in.Close()
		return nil, kerrors.ErrIsADirectory
	}
	return in, nil
}

// OpenDir opens the directory named by path.
func (f *FS) OpenDir(cwd *directory.Dir, path string) (*directory.Dir, error) {
	sector, err := directory.Resolve(f.inodes, cwd, path)
	if err != nil {
		return nil, err
	}
	in, err := f.inodes.Open(sector)
	if err != nil {
		return nil, err
	}
	d, err := directory.Open(in)
	if err != nil {
		in.Close()
		return nil, err
	}
	return d, nil
}

// Remove deletes the file or empty directory named by path, mirroring
// filesys.c's filesys_remove.
func (f *FS) Remove(cwd *directory.Dir, path string) error {
	parent, base, err := directory.ResolveParent(f.inodes, cwd, path)
	if err != nil {
		return err
	}
	defer parent.Close()
	return parent.Remove(f.inodes, base)
}
