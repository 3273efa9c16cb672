package snapback

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// RestoreOpts configures one restore run.
type RestoreOpts struct {
	// To is the destination root the tree is rebuilt under.
	To string
	// Paths, when non-empty, scopes the restore to entries equal to
	// or under the given relative paths.
	Paths []string
	// DryRun validates that every referenced chunk exists without
	// writing any bytes.
	DryRun bool
}

// RestoreResult reports what happened, per entry.  A missing chunk
// fails its own entry and nothing else; Errors holds those failures
// and Restored counts the entries that made it.
type RestoreResult struct {
	Restored int
	Bytes    int64
	Errors   FileErrors
}

// Restore rebuilds the tree described by m under opts.To,
// concatenating each file's chunks in manifest order and setting
// recorded permissions and mtimes afterward.
func (store *Store) Restore(m *Manifest, opts *RestoreOpts) (res *RestoreResult, err error) {
	defer Return(&err)

	Assert(m != nil, "nil manifest")
	if opts == nil {
		opts = &RestoreOpts{}
	}
	res = &RestoreResult{}

	var paths []string
	for path := range m.Entries {
		if inScope(path, opts.Paths) {
			paths = append(paths, path)
		}
	}
	// lexical order puts parent dirs before their contents
	sort.Strings(paths)

	if opts.DryRun {
		for _, path := range paths {
			ent := m.Entries[path]
			missing := false
			for _, addr := range ent.Chunks {
				if !store.Has(addr) {
					res.Errors = append(res.Errors, &FileError{Path: path, Err: &MissingChunkError{Path: path, Addr: addr}})
					missing = true
					break
				}
			}
			if !missing {
				res.Restored++
			}
		}
		return
	}

	Assert(opts.To != "", "restore needs a destination")
	err = mkdir(opts.To, 0755)
	Ck(err)

	var dirs []string
	for _, path := range paths {
		ent := m.Entries[path]
		dst := filepath.Join(opts.To, path)
		var eerr error
		switch ent.Kind {
		case KindDir:
			// create writable now, fix perms after contents land
			eerr = mkdir(dst, 0755)
			if eerr == nil {
				dirs = append(dirs, path)
			}
		case KindSymlink:
			if merr := mkdir(filepath.Dir(dst), 0755); merr != nil {
				eerr = merr
				break
			}
			eerr = renameio.Symlink(ent.Target, dst)
		case KindFile:
			var n int64
			n, eerr = store.restoreFile(ent, dst)
			res.Bytes += n
		default:
			eerr = errors.Errorf("unhandled entry kind %q", ent.Kind)
		}
		if eerr != nil {
			log.Debugf("restore %s failed: %v", path, eerr)
			res.Errors = append(res.Errors, &FileError{Path: path, Err: eerr})
			continue
		}
		res.Restored++
	}

	// deepest dirs first so parent mtimes don't get re-bumped
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, path := range dirs {
		ent := m.Entries[path]
		dst := filepath.Join(opts.To, path)
		if cerr := os.Chmod(dst, ent.Mode); cerr != nil {
			res.Errors = append(res.Errors, &FileError{Path: path, Err: cerr})
		}
		if cerr := os.Chtimes(dst, ent.Mtime, ent.Mtime); cerr != nil {
			res.Errors = append(res.Errors, &FileError{Path: path, Err: cerr})
		}
	}
	return
}

// restoreFile reconstructs one file by fetching each chunk addr in
// order.  On a missing chunk the partial file is removed; the error
// is the caller's to record, sibling entries are unaffected.
func (store *Store) restoreFile(ent *Entry, dst string) (n int64, err error) {
	err = mkdir(filepath.Dir(dst), 0755)
	if err != nil {
		return
	}
	fh, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	for _, addr := range ent.Chunks {
		chunk, cerr := store.OpenChunk(addr)
		if cerr != nil {
			fh.Close()
			os.Remove(dst)
			var nferr *NotFoundError
			if errors.As(cerr, &nferr) {
				return 0, &MissingChunkError{Path: ent.Path, Addr: addr}
			}
			return 0, cerr
		}
		nc, cerr := io.Copy(fh, chunk)
		chunk.Close()
		if cerr != nil {
			fh.Close()
			os.Remove(dst)
			return 0, cerr
		}
		n += nc
	}
	err = fh.Close()
	if err != nil {
		return
	}
	err = os.Chmod(dst, ent.Mode)
	if err != nil {
		return
	}
	err = os.Chtimes(dst, ent.Mtime, ent.Mtime)
	return
}

func inScope(path string, scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, scope := range scopes {
		scope = strings.TrimSuffix(filepath.Clean(scope), "/")
		if path == scope || strings.HasPrefix(path, scope+"/") {
			return true
		}
	}
	return false
}
