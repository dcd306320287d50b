package inode

import (
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"

	"github.com/pintosgo/corevm/internal/buffercache"
	"github.com/pintosgo/corevm/internal/freemap"
)

// Store is the process-global open-inode table: at most one in-memory
// Inode exists per sector; reopening the same sector bumps its open
// count rather than creating a second owner. The original design only
// ever touched the table from a single syscall-serving thread at a time;
// this implementation adds a mutex since Go always schedules across real
// OS threads.
type Store struct {
	mu sync.Mutex
	cache *buffercache.Cache
	freemap *freemap.Map
	open map[uint32]*Inode
}

// NewStore constructs an empty open-inode table over cache and fm.
func NewStore(cache *buffercache.Cache, fm *freemap.Map) *Store {
	return &Store{cache: cache, freemap: fm, open: make(map[uint32]*Inode)}
}

// Create writes a brand-new on-disk inode at sector, with depth the
// minimum needed for length, then grows it to length bytes of
// zero-filled content. sector must already be reserved in the free map
// by the caller (typically internal/fs, which allocates the sector from
// the free map before calling Create).
func (st *Store) Create(sector uint32, length int64, isDir bool) error {
	depth := bytesToDepth(length)
	disk := onDisk{Depth: int32(depth), Magic: Magic}
	if isDir {
		disk.IsDir = 1
	}

	if err := growLength(st.cache, st.freemap, &disk, depth, 0, length, true); err != nil {
		return fmt.Errorf("inode: create sector %d: %w", sector, err)
	}
	disk.Length = int32(length)

	buf := disk.marshal()
	if err := st.cache.Write(sector, buf[:]); err != nil {
		return fmt.Errorf("inode: create sector %d: %w", sector, err)
	}
	return nil
}

// Open returns the in-memory Inode for sector, incrementing its open
// count. If the inode is not already open, it is loaded from disk.
func (st *Store) Open(sector uint32) (*Inode, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if in, ok := st.open[sector]; ok {
		in.Mu.Lock()
		in.openCount++
		in.Mu.Unlock()
		return in, nil
	}

	var buf [512]byte
	if err := st.cache.Read(sector, buf[:]); err != nil {
		return nil, fmt.Errorf("inode: open sector %d: %w", sector, err)
	}
	disk, err := unmarshalDisk(buf[:])
	if err != nil {
		return nil, fmt.Errorf("inode: open sector %d: %w", sector, err)
	}

	in := &Inode{
		store: st,
		sector: sector,
		disk: disk,
		openCount: 1,
	}
	in.Mu = syncutil.NewInvariantMutex(in.checkInvariants)
	st.open[sector] = in
	return in, nil
}

// close is called by Inode.Close; it must not be called directly.
//
// Lock order: Store.mu, then Inode.Mu — never the reverse — so close can
// never deadlock against a concurrent WriteAt/ReadAt/Remove on the same
// inode.
func (st *Store) close(in *Inode) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	in.Mu.Lock()
	in.openCount--
	openCount := in.openCount
	removed := in.removed
	disk := in.disk
	in.Mu.Unlock()

	if openCount > 0 {
		return nil
	}

	delete(st.open, in.sector)

	if !removed {
		return nil
	}

	if err := freeTree(st.cache, st.freemap, &disk, int(disk.Depth)); err != nil {
		// Allocation/deallocation failure during inode removal is an
		// unrecoverable condition.
		panic(fmt.Sprintf("inode: failed to free tree for sector %d: %v", in.sector, err))
	}
	return st.freemap.Free(in.sector)
}
