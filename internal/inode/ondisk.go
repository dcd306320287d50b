// Package inode implements the on-disk indexed-inode store: fixed
// one-sector inodes with a multi-level indirect block tree, an
// open-inode table keyed by sector with reference counting and deferred
// deletion, and byte-addressed read/write with sparse (zero-filled)
// extension.
package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/pintosgo/corevm/internal/blockdev"
)

// NDirect is the number of block pointers in one inode sector.
const NDirect = 124

// Magic is the constant stamped into every on-disk inode.
const Magic uint32 = 0x494e4f44

// onDisk is the exact 512-byte on-disk layout of an inode. It is also
// reused, unmodified, as the layout of an index (indirect) block: each
// non-leaf blocks[i] points to a sector holding another inode structure
// with depth-1, so index sectors are literally onDisk values at a
// shallower depth.
type onDisk struct {
	Length int32
	Depth int32
	IsDir int32
	Blocks [NDirect]uint32
	Magic uint32
}

// diskSize is the marshaled size; it must not exceed blockdev.SectorSize.
const diskSize = 4 + 4 + 4 + NDirect*4 + 4

func init() {
	if diskSize > blockdev.SectorSize {
		panic(fmt.Sprintf("inode: on-disk layout is %d bytes, exceeds sector size %d", diskSize, blockdev.SectorSize))
	}
}

func (d *onDisk) marshal() [blockdev.SectorSize]byte {
	var buf [blockdev.SectorSize]byte
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.Length))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.Depth))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.IsDir))
	off += 4
	for _, b := range d.Blocks {
		binary.LittleEndian.PutUint32(buf[off:], b)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], d.Magic)
	return buf
}

func unmarshalDisk(buf []byte) (onDisk, error) {
	var d onDisk
	if len(buf) < diskSize {
		return d, fmt.Errorf("inode: buffer too small to unmarshal (%d < %d)", len(buf), diskSize)
	}

	off := 0
	d.Length = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.Depth = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.IsDir = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := range d.Blocks {
		d.Blocks[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.Magic = binary.LittleEndian.Uint32(buf[off:])

	if d.Magic != Magic {
		return d, fmt.Errorf("inode: bad magic %#x, expected %#x", d.Magic, Magic)
	}
	return d, nil
}

// capacityAtDepth returns the maximum number of data bytes a subtree
// rooted at a node of this depth can hold: NDirect^(depth+1) * 512.
func capacityAtDepth(depth int) int64 {
	cap := int64(blockdev.SectorSize)
	for i := 0; i <= depth; i++ {
		cap *= NDirect
	}
	return cap
}

// bytesToDepth selects the minimum depth d such that
// ceil(length/512) <= NDirect^(d+1), i.e. the file fits in a tree of that
// depth.
func bytesToDepth(length int64) int {
	if length <= 0 {
		return 0
	}
	depth := 0
	for length > capacityAtDepth(depth) {
		depth++
	}
	return depth
}
