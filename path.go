package snapback

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Path locates one object in the store.  Chunk paths embed the hash
// algo and fan-out subdirs; manifest paths are flat, named by
// snapshot id.
type Path struct {
	Store *Store
	Raw   string
	Abs   string // absolute path on disk, including subdirs
	Rel   string // path relative to store.Dir, including subdirs
	Canon string // canonical path, without subdirs
	Class string // "chunk" or "manifest"
	Algo  string
	Hash  string
	Addr  string // algo/hash; universally-unique chunk address
	Id    string // snapshot id (manifests only)
}

func (path Path) New(store *Store, raw string) (res *Path, err error) {
	path.Store = store
	path.Raw = raw

	clean := filepath.Clean(raw)

	// remove store.Dir prefix, if given an abs path
	index := strings.Index(clean, store.Dir)
	if index == 0 {
		clean = strings.Replace(clean, store.Dir+"/", "", 1)
	}

	parts := strings.Split(clean, "/")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed path: %s", raw)
	}
	path.Class = parts[0]
	switch path.Class {
	case "manifest":
		path.Id = parts[len(parts)-1]
		path.Rel = filepath.Join(path.Class, path.Id)
		path.Abs = filepath.Join(store.Dir, path.Rel)
		path.Canon = path.Rel
	case "chunk":
		if len(parts) < 3 {
			return nil, fmt.Errorf("malformed path: %s", raw)
		}
		path.Algo = parts[1]
		// the last part of the path is always the full hash,
		// regardless of whether we were given the full or canonical
		// path
		path.Hash = parts[len(parts)-1]
		if len(path.Hash) < 3*store.Depth {
			return nil, fmt.Errorf("malformed path: %s", raw)
		}
		// Rel nests the hash under Depth levels of three-character
		// subdirs.  The last component keeps the full hash value to
		// make troubleshooting with UNIX tools slightly easier (in
		// contrast to the way git truncates the leading subdir parts
		// of the hash).
		var subpath string
		for i := 0; i < store.Depth; i++ {
			subdir := path.Hash[(3 * i):((3 * i) + 3)]
			subpath = filepath.Join(subpath, subdir)
		}
		path.Rel = filepath.Join(path.Class, path.Algo, subpath, path.Hash)
		path.Abs = filepath.Join(store.Dir, path.Rel)
		path.Canon = filepath.Join(path.Class, path.Algo, path.Hash)
		path.Addr = filepath.Join(path.Algo, path.Hash)
	default:
		return nil, fmt.Errorf("unhandled class %q in path: %s", path.Class, raw)
	}

	return &path, nil
}

// chunkPath builds the Path for a chunk addr ("algo/hash").
func (store *Store) chunkPath(addr string) (path *Path, err error) {
	return Path{}.New(store, filepath.Join("chunk", addr))
}

// manifestPath builds the Path for a snapshot id.
func (store *Store) manifestPath(id string) (path *Path, err error) {
	return Path{}.New(store, filepath.Join("manifest", id))
}
