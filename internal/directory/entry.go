// Package directory implements directory content on top of an is_dir
// inode: a flat array of fixed-size entries, linear-scan lookup, and
// the POSIX-style path splitting/resolution that walks such
// directories component by component.
package directory

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/kerrors"
)

// NameMax is the longest name a single entry can hold.
const NameMax = 14

// entrySize is the marshaled size of one directory entry: a uint32
// sector number, a fixed name buffer, and an in-use flag.
const entrySize = 4 + NameMax + 1

// entry is one slot of a directory's content, mirroring
// _examples/original_source/src/filesys/directory.c's struct dir_entry.
type entry struct {
	sector uint32
	name [NameMax]byte
	inUse bool
}

func (e *entry) nameString() string {
	n := 0
	for n < NameMax && e.name[n] != 0 {
		n++
	}
	return string(e.name[:n])
}

func (e *entry) setName(name string) error {
	if len(name) == 0 {
		return kerrors.ErrInvalid
	}
	if len(name) > NameMax {
		return kerrors.ErrNameTooLong
	}
	var buf [NameMax]byte
	copy(buf[:], name)
	e.name = buf
	return nil
}

func (e *entry) marshal() []byte {
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint32(buf[0:4], e.sector)
	copy(buf[4:4+NameMax], e.name[:])
	if e.inUse {
		buf[entrySize-1] = 1
	}
	return buf
}

func unmarshalEntry(buf []byte) entry {
	var e entry
	e.sector = binary.LittleEndian.Uint32(buf[0:4])
	copy(e.name[:], buf[4:4+NameMax])
	e.inUse = buf[entrySize-1] != 0
	return e
}

// readEntryAt reads the entry at byte offset off in in's content.
// It returns ok=false (with no error) at end of file, mirroring
// inode_read_at's short-read-at-EOF convention.
func readEntryAt(in *inode.Inode, off int64) (e entry, ok bool, err error) {
	buf := make([]byte, entrySize)
	n, err := in.ReadAt(buf, off)
	if n == entrySize {
		return unmarshalEntry(buf), true, nil
	}
	if errors.Is(err, io.EOF) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	return entry{}, false, nil
}

func writeEntryAt(in *inode.Inode, off int64, e entry) error {
	_, err := in.WriteAt(e.marshal(), off)
	return err
}
