package directory

import (
	"strings"

	"github.com/pintosgo/corevm/internal/inode"
	"github.com/pintosgo/corevm/internal/kerrors"
)

// Separator is the path component separator.
const Separator = '/'

// IsAbsolute reports whether path begins with Separator.
func IsAbsolute(path string) bool {
	return len(path) > 0 && path[0] == Separator
}

// Split divides path into a parent-prefix length and a base name slice,
// collapsing runs of separators, mirroring
// _examples/original_source/src/filesys/path.c's path_split:
//
//	"/a/b/c" -> parent="/a/b", base="c"
//	"a///b/" -> parent="a", base="b"
//	"/a" -> parent="/", base="a"
//	"/" -> parent="", base="/"
//	"a" -> parent="", base="a"
func Split(path string) (parent, base string) {
	n := len(path)
	if n == 0 {
		return "", ""
	}

	i := n - 1
	for path[i] == Separator {
		if i == 0 {
			return "", path
		}
		i--
	}
	baseEnd := i + 1

	for path[i] != Separator {
		if i == 0 {
			return "", path[:baseEnd]
		}
		i--
	}
	baseBegin := i + 1

	for path[i] == Separator {
		if i == 0 {
			return path[:1], path[baseBegin:baseEnd]
		}
		i--
	}
	parentLen := i + 1

	return path[:parentLen], path[baseBegin:baseEnd]
}

// HasTrailingSeparator reports whether path ends in one or more Separator
// bytes after its base name (e.g. "foo/", "a/b//"), mirroring path.c's
// filesys_create check "if (*base_end == PATH_SEPARATOR) return false" —
// a regular file must not be created with a trailing slash. The root path
// "/" and an all-separator path report false: they have no base name for
// the check to apply to.
func HasTrailingSeparator(path string) bool {
	n := len(path)
	if n == 0 {
		return false
	}

	i := n - 1
	for path[i] == Separator {
		if i == 0 {
			return false
		}
		i--
	}
	return i+1 < n
}

// Components splits path into its non-empty components, discarding
// runs of separators.
func Components(path string) []string {
	raw := strings.Split(path, string(Separator))
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Resolve walks path component by component starting from cwd (used
// for a relative path) or the root (for an absolute path), returning
// the inode sector the path names. An intermediate component that
// resolves to a non-directory yields kerrors.ErrNotADirectory.
func Resolve(st *inode.Store, cwd *Dir, path string) (sector uint32, err error) {
	var cur *Dir
	if IsAbsolute(path) || cwd == nil {
		cur, err = OpenRoot(st)
	} else {
		in, oerr := st.Open(cwd.Inode().Sector())
		if oerr != nil {
			return 0, oerr
		}
		cur, err = Open(in)
	}
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	comps := Components(path)
	if len(comps) == 0 {
		return cur.Inode().Sector(), nil
	}

	for i, name := range comps {
		s, found, lerr := cur.Lookup(name)
		if lerr != nil {
			return 0, lerr
		}
		if !found {
			return 0, kerrors.ErrNotFound
		}

		if i == len(comps)-1 {
			return s, nil
		}

		next, oerr := st.Open(s)
		if oerr != nil {
			return 0, oerr
		}
		if !next.IsDir() {
			next.Close()
			return 0, kerrors.ErrNotADirectory
		}

		nextDir, derr := Open(next)
		if derr != nil {
			return 0, derr
		}
		cur.Close()
		cur = nextDir
	}

	return cur.Inode().Sector(), nil
}

// ResolveParent resolves the directory that should contain path's final
// component, returning it (open, owned by the caller) along with that
// base name. Used by create/remove to locate the parent before acting
// on the leaf name.
func ResolveParent(st *inode.Store, cwd *Dir, path string) (parent *Dir, base string, err error) {
	parentPath, base := Split(path)

	var parentSector uint32
	if parentPath == "" {
		if cwd != nil && !IsAbsolute(path) {
			parentSector = cwd.Inode().Sector()
		} else {
			parentSector = RootSector
		}
	} else {
		parentSector, err = Resolve(st, cwd, parentPath)
		if err != nil {
			return nil, "", err
		}
	}

	in, err := st.Open(parentSector)
	if err != nil {
		return nil, "", err
	}
	if !in.IsDir() {
		in.Close()
		return nil, "", kerrors.ErrNotADirectory
	}

	d, err := Open(in)
	if err != nil {
		in.Close()
		return nil, "", err
	}
	return d, base, nil
}
