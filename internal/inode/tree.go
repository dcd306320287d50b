package inode

import (
	"fmt"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/buffercache"
	"github.com/pintosgo/corevm/internal/freemap"
)

// ceilDiv is ceil(a/b) for non-negative a and positive b.
func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// sectorForPos walks the tree rooted at dn (at the given depth) looking
// for the data sector covering byte offset pos (relative to the start of
// this subtree). It never extends; a pos beyond what the tree currently
// covers returns ok=false.
func sectorForPos(cache *buffercache.Cache, dn *onDisk, depth int, pos int64) (sector uint32, ok bool, err error) {
	if depth == 0 {
		idx := pos / blockdev.SectorSize
		if idx >= NDirect {
			return 0, false, nil
		}
		s := dn.Blocks[idx]
		if s == 0 {
			return 0, false, nil
		}
		return s, true, nil
	}

	childCap := capacityAtDepth(depth - 1)
	idx := pos / childCap
	if idx >= NDirect {
		return 0, false, nil
	}
	childSector := dn.Blocks[idx]
	if childSector == 0 {
		return 0, false, nil
	}

	var buf [blockdev.SectorSize]byte
	if err := cache.Read(childSector, buf[:]); err != nil {
		return 0, false, err
	}
	child, err := unmarshalDisk(buf[:])
	if err != nil {
		return 0, false, err
	}

	return sectorForPos(cache, &child, depth-1, pos%childCap)
}

// growLengthDirect allocates data sectors [ceil(oldSize/512), ceil(newSize/512))
// directly into dn.Blocks, zero-filling them through the cache when zero is
// true. On allocation failure it rolls back just the sectors it allocated
// in this call.
func growLengthDirect(cache *buffercache.Cache, fm *freemap.Map, dn *onDisk, oldSize, newSize int64, zero bool) error {
	oldSectors := ceilDiv(oldSize, blockdev.SectorSize)
	newSectors := ceilDiv(newSize, blockdev.SectorSize)

	var allocated []int64
	rollback := func() {
		for _, i := range allocated {
			_ = fm.Free(dn.Blocks[i])
			dn.Blocks[i] = 0
		}
	}

	for i := oldSectors; i < newSectors; i++ {
		if i >= NDirect {
			rollback()
			return fmt.Errorf("inode: direct block index %d exceeds capacity %d", i, NDirect)
		}

		s, err := fm.Alloc()
		if err != nil {
			rollback()
			return err
		}
		dn.Blocks[i] = s
		allocated = append(allocated, i)

		if zero {
			var zeros [blockdev.SectorSize]byte
			if err := cache.Write(s, zeros[:]); err != nil {
				rollback()
				return err
			}
		}
	}

	return nil
}

// growLength extends the subtree rooted at dn (at the given depth) so it
// covers [0, newSize) instead of [0, oldSize): walk the blocks array,
// topping up the last partially-filled child, then creating fresh
// children as needed.
func growLength(cache *buffercache.Cache, fm *freemap.Map, dn *onDisk, depth int, oldSize, newSize int64, zero bool) error {
	if depth == 0 {
		return growLengthDirect(cache, fm, dn, oldSize, newSize, zero)
	}

	childCap := capacityAtDepth(depth - 1)

	for c := int64(0); c*childCap < newSize; c++ {
		if c >= NDirect {
			return fmt.Errorf("inode: indirect block index %d exceeds capacity %d", c, NDirect)
		}

		var childOldSize int64
		switch {
		case c*childCap < oldSize && (c+1)*childCap <= oldSize:
			childOldSize = childCap // fully filled already
		case c*childCap < oldSize:
			childOldSize = oldSize - c*childCap // the one partially-filled child
		default:
			childOldSize = 0
		}

		childNewSize := newSize - c*childCap
		if childNewSize > childCap {
			childNewSize = childCap
		}

		if childNewSize <= childOldSize {
			continue
		}

		var child onDisk
		isNewChild := dn.Blocks[c] == 0
		var childSector uint32

		if isNewChild {
			var err error
			childSector, err = fm.Alloc()
			if err != nil {
				return err
			}
			child = onDisk{Depth: int32(depth - 1), Magic: Magic}
		} else {
			childSector = dn.Blocks[c]
			var buf [blockdev.SectorSize]byte
			if err := cache.Read(childSector, buf[:]); err != nil {
				return err
			}
			var err error
			child, err = unmarshalDisk(buf[:])
			if err != nil {
				return err
			}
		}

		if err := growLength(cache, fm, &child, depth-1, childOldSize, childNewSize, zero); err != nil {
			if isNewChild {
				_ = fm.Free(childSector)
			}
			return err
		}

		child.Magic = Magic
		buf := child.marshal()
		if err := cache.Write(childSector, buf[:]); err != nil {
			return err
		}
		dn.Blocks[c] = childSector
	}

	return nil
}

// freeTree recursively releases every data and index sector reachable
// from dn at the given depth back to fm, used to deallocate a removed
// inode's storage on last close.
func freeTree(cache *buffercache.Cache, fm *freemap.Map, dn *onDisk, depth int) error {
	for _, s := range dn.Blocks {
		if s == 0 {
			continue
		}
		if depth > 0 {
			var buf [blockdev.SectorSize]byte
			if err := cache.Read(s, buf[:]); err != nil {
				return err
			}
			child, err := unmarshalDisk(buf[:])
			if err != nil {
				return err
			}
			if err := freeTree(cache, fm, &child, depth-1); err != nil {
				return err
			}
		}
		if err := fm.Free(s); err != nil {
			return err
		}
	}
	return nil
}
