package snapback

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// IgnoreFunc decides whether a relative path is excluded from a
// backup.  The engine treats it as a pure predicate and consults it
// exactly once per filesystem entry; pattern syntax is the caller's
// business.  Returning true for a directory prunes the whole subtree
// -- the walker never descends into it.
type IgnoreFunc func(relpath string) bool

// ScanEntry is one filesystem object found by the walker.
type ScanEntry struct {
	Rel    string
	Info   os.FileInfo
	Target string // symlinks only
}

// Walker enumerates a source tree.  The walk is driven by an explicit
// queue of directories rather than recursion, so tree depth never
// threatens the stack.
type Walker struct {
	Root   string
	Ignore IgnoreFunc
}

// Walk returns every included entry under Root in breadth-first
// order, directories before their contents.  Unreadable directories
// are reported in errs and skipped; they don't abort the walk.
func (w *Walker) Walk() (entries []ScanEntry, errs FileErrors) {
	ignore := w.Ignore
	if ignore == nil {
		ignore = func(string) bool { return false }
	}

	queue := []string{""}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		dents, err := os.ReadDir(filepath.Join(w.Root, dir))
		if err != nil {
			errs = append(errs, &FileError{Path: dir, Err: err})
			continue
		}
		for _, dent := range dents {
			rel := filepath.Join(dir, dent.Name())
			if ignore(rel) {
				log.Debugf("walk ignoring %s", rel)
				continue
			}
			info, err := dent.Info()
			if err != nil {
				errs = append(errs, &FileError{Path: rel, Err: err})
				continue
			}
			switch {
			case info.IsDir():
				entries = append(entries, ScanEntry{Rel: rel, Info: info})
				queue = append(queue, rel)
			case info.Mode()&os.ModeSymlink != 0:
				target, err := os.Readlink(filepath.Join(w.Root, rel))
				if err != nil {
					errs = append(errs, &FileError{Path: rel, Err: err})
					continue
				}
				entries = append(entries, ScanEntry{Rel: rel, Info: info, Target: target})
			case info.Mode().IsRegular():
				entries = append(entries, ScanEntry{Rel: rel, Info: info})
			default:
				// sockets, devices, fifos -- not backup material
				log.Debugf("walk skipping special file %s (%v)", rel, info.Mode())
			}
		}
	}
	return
}
