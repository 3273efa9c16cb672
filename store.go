package snapback

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"
)

const (
	configName = "config.json"
	indexName  = "index.msgpack"
)

// Config is the resolved store configuration, persisted as
// config.json at Create and loaded at Open.  Fields are fixed for the
// lifetime of the store; changing the algo or chunking parameters
// would silently break dedup against existing snapshots.
type Config struct {
	Depth       int             // number of subdir levels in the chunk dir
	Algo        string          // sha256, sha512, or blake3
	Strategy    string          // rabin or fixed
	Poly        resticRabin.Pol // rabin polynomial for chunking
	MinSize     uint            // minimum chunk size (rabin)
	MaxSize     uint            // maximum chunk size (rabin)
	FixedSize   uint            // chunk size (fixed)
	Compression string          // none or zstd; applied below the hash
	Encoding    string          // manifest encoding: json or cbor
	// FastPath trusts size+mtime as a proxy for content identity and
	// reuses the previous snapshot's chunk refs without re-reading
	// the file.  A file whose content changes without its mtime
	// changing will be missed -- that's the trade.  Off by default.
	FastPath bool
	// Strict fails the whole run on any per-file error instead of
	// recording the file as skipped-with-error in the manifest.
	Strict bool
}

// Store is the on-disk chunk and manifest database.  Dir is the base
// directory.  Depth is the number of subdirectory levels in the chunk
// dir.  We use three-character hexadecimal names for the
// subdirectories, giving us a maximum of 4096 subdirs in a parent dir
// -- that's a sweet spot.  Two-character names (such as what git uses
// under .git/objects) only allow for 256 subdirs, which is
// unnecessarily small.  Four-character names would give us 65,536
// subdirs, which would cause performance issues on e.g. ext4.
type Store struct {
	Dir string
	*Config

	mu       sync.Mutex
	index    map[string]*indexEntry
	inflight map[string]chan struct{}
	pins     map[string]int
	dirty    bool
}

// indexEntry is the persisted per-chunk record: raw size for the
// collision sanity check, refs for garbage collection.  One ref per
// manifest that mentions the addr.
type indexEntry struct {
	Size int64
	Refs int
}

// Create initializes a store directory and its contents.
func Create(dir string, cfg *Config) (store *Store, err error) {
	defer Return(&err)

	dir = filepath.Clean(dir)

	// if directory exists, make sure it's empty
	if canstat(dir) {
		var files []os.DirEntry
		files, err = os.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Depth < 1 {
		cfg.Depth = 2
	}
	if cfg.Algo == "" {
		cfg.Algo = "sha256"
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "rabin"
	}
	if cfg.Compression == "" {
		cfg.Compression = "none"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "json"
	}
	if cfg.Strategy == "rabin" && cfg.Poly == 0 {
		cfg.Poly, err = resticRabin.RandomPolynomial()
		Ck(err)
	}
	// fail early on a bogus algo
	_, err = NewHash(cfg.Algo)
	Ck(err)

	err = mkdir(dir, 0755)
	Ck(err)
	// chunk is where we store hashed chunks
	err = mkdir(filepath.Join(dir, "chunk"), 0755)
	Ck(err)
	// manifest is the append-only snapshot log
	err = mkdir(filepath.Join(dir, "manifest"), 0755)
	Ck(err)

	buf, err := json.MarshalIndent(cfg, "", "  ")
	Ck(err)
	err = os.WriteFile(filepath.Join(dir, configName), buf, 0644)
	Ck(err)

	store = &Store{Dir: dir, Config: cfg}
	store.index = make(map[string]*indexEntry)
	store.inflight = make(map[string]chan struct{})
	store.pins = make(map[string]int)
	err = store.Flush()
	Ck(err)
	return
}

// Open loads an existing store from dir.
func Open(dir string) (store *Store, err error) {
	defer Return(&err)

	dir = filepath.Clean(dir)
	if !canstat(dir) {
		return nil, &NotStoreError{Dir: dir}
	}

	buf, err := os.ReadFile(filepath.Join(dir, configName))
	if err != nil {
		return nil, &NotStoreError{Dir: dir}
	}
	cfg := &Config{}
	err = json.Unmarshal(buf, cfg)
	Ck(err)

	store = &Store{Dir: dir, Config: cfg}
	store.inflight = make(map[string]chan struct{})
	store.pins = make(map[string]int)
	err = store.loadIndex()
	Ck(err)
	return
}

func (store *Store) loadIndex() (err error) {
	defer Return(&err)
	store.index = make(map[string]*indexEntry)
	buf, err := os.ReadFile(filepath.Join(store.Dir, indexName))
	if os.IsNotExist(err) {
		// rebuildable from the manifest log; start empty
		return nil
	}
	Ck(err)
	err = msgpack.Unmarshal(buf, &store.index)
	Ck(err)
	return
}

// Flush persists the chunk index atomically.  Callers that batch
// many Reference/Release calls flush once at the end.
func (store *Store) Flush() (err error) {
	defer Return(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.flushLocked()
}

func (store *Store) flushLocked() (err error) {
	defer Return(&err)
	buf, err := msgpack.Marshal(store.index)
	Ck(err)
	err = renameio.WriteFile(filepath.Join(store.Dir, indexName), buf, 0644)
	Ck(err)
	store.dirty = false
	return
}

func (store *Store) tmpFile() (fh *os.File, err error) {
	return os.CreateTemp(store.Dir, "tmp*")
}

// Has reports whether addr is already present.  Cheap -- one stat.
func (store *Store) Has(addr string) bool {
	path, err := store.chunkPath(addr)
	if err != nil {
		return false
	}
	return exists(path.Abs)
}

// PutChunk stores data under its content address.  Idempotent: if
// the addr is already present the existing chunk stands and no bytes
// are rewritten.  Safe under concurrent calls for the same addr --
// exactly one physical write occurs, later callers wait for the
// winner and observe success.  Callers racing a Collect use Pin.Put,
// which takes the pin inside the put's critical section.
func (store *Store) PutChunk(data []byte) (addr string, err error) {
	return store.putChunk(data, nil)
}

func (store *Store) putChunk(data []byte, pin *Pin) (addr string, err error) {
	defer Return(&err)

	binhash, err := Hash(store.Algo, data)
	Ck(err)
	addr = filepath.Join(store.Algo, bin2hex(binhash))
	path, err := store.chunkPath(addr)
	Ck(err)

	for {
		store.mu.Lock()
		if exists(path.Abs) {
			// dedup hit; sanity-check against the recorded size
			ent := store.index[addr]
			if ent != nil && ent.Size > 0 && ent.Size != int64(len(data)) {
				store.mu.Unlock()
				return "", &CollisionError{Addr: addr, OldSize: ent.Size, NewSize: int64(len(data))}
			}
			if ent == nil {
				store.index[addr] = &indexEntry{Size: int64(len(data))}
				store.dirty = true
			}
			if pin != nil {
				pin.addLocked(addr)
			}
			store.mu.Unlock()
			log.Debugf("put dedup hit %s gid %d", addr, GetGID())
			return addr, nil
		}
		ch, busy := store.inflight[addr]
		if !busy {
			break
		}
		// another worker is writing this addr; wait and re-check
		store.mu.Unlock()
		<-ch
	}
	ch := make(chan struct{})
	store.inflight[addr] = ch
	store.mu.Unlock()

	// the actual write happens outside the lock so different addrs
	// stream in parallel; the addr stays in inflight until the index
	// entry and pin land, and Collect skips inflight addrs, so the
	// chunk is never reclaimable between the rename and the pin
	werr := store.writeChunk(data)

	store.mu.Lock()
	if werr == nil {
		store.index[addr] = &indexEntry{Size: int64(len(data))}
		store.dirty = true
		if pin != nil {
			pin.addLocked(addr)
		}
	}
	delete(store.inflight, addr)
	close(ch)
	store.mu.Unlock()
	Ck(werr)
	return
}

func (store *Store) writeChunk(data []byte) (err error) {
	defer Return(&err)
	file, err := CreateWORM(store, store.Algo)
	Ck(err)
	n, err := file.Write(data)
	Ck(err)
	Assert(n == len(data), "short write")
	err = file.Close()
	Ck(err)
	return
}

// GetChunk retrieves an entire chunk into buf by reading its file
// contents.
func (store *Store) GetChunk(addr string) (buf []byte, err error) {
	file, err := store.OpenChunk(addr)
	if err != nil {
		return
	}
	defer file.Close()
	return file.ReadAll()
}

// OpenChunk returns a reader over the raw chunk bytes; callers that
// stream large files use this instead of GetChunk.
func (store *Store) OpenChunk(addr string) (file *WORM, err error) {
	path, err := store.chunkPath(addr)
	if err != nil {
		return
	}
	return OpenWORM(store, path)
}

// Reference bumps addr's refcount.  One call per referencing
// manifest.
func (store *Store) Reference(addr string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	ent := store.index[addr]
	if ent == nil {
		ent = &indexEntry{}
		store.index[addr] = ent
	}
	ent.Refs++
	store.dirty = true
}

// Release drops addr's refcount.  A zero count makes the chunk
// eligible for Collect; nothing is deleted here.
func (store *Store) Release(addr string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	ent := store.index[addr]
	if ent == nil {
		return
	}
	if ent.Refs > 0 {
		ent.Refs--
	}
	store.dirty = true
}

// Pin marks a run's chunk addrs as in-use before its manifest is
// finalized, so a concurrent Collect can't reclaim a chunk a
// not-yet-visible manifest will need.
type Pin struct {
	store *Store
	addrs map[string]bool
}

func (store *Store) NewPin() *Pin {
	return &Pin{store: store, addrs: make(map[string]bool)}
}

func (pin *Pin) Add(addr string) {
	pin.store.mu.Lock()
	defer pin.store.mu.Unlock()
	pin.addLocked(addr)
}

func (pin *Pin) addLocked(addr string) {
	if !pin.addrs[addr] {
		pin.addrs[addr] = true
		pin.store.pins[addr]++
	}
}

// Put stores data and pins its addr in one step.  A chunk put this
// way is protected from a concurrent Collect from the moment it
// becomes visible on disk.
func (pin *Pin) Put(data []byte) (addr string, err error) {
	return pin.store.putChunk(data, pin)
}

// Close drops the pin.  Call after the manifest's refs are counted,
// or on abort.
func (pin *Pin) Close() {
	pin.store.mu.Lock()
	defer pin.store.mu.Unlock()
	for addr := range pin.addrs {
		pin.store.pins[addr]--
		if pin.store.pins[addr] <= 0 {
			delete(pin.store.pins, addr)
		}
	}
	pin.addrs = make(map[string]bool)
}

// Collect physically deletes chunks whose refcount is zero and that
// no in-flight run has pinned.  It walks the chunk dir rather than
// the index so that orphans from aborted runs are swept too, and it
// prunes index entries whose files are gone -- the whole thing is a
// restartable batch.
func (store *Store) Collect() (removed []string, err error) {
	defer Return(&err)

	chunkdir := filepath.Join(store.Dir, "chunk")
	err = filepath.WalkDir(chunkdir, func(abs string, d fs.DirEntry, werr error) error {
		if werr != nil || d.IsDir() {
			return werr
		}
		path, perr := Path{}.New(store, abs)
		if perr != nil {
			// stray file; not ours to delete
			log.Debugf("collect skipping stray %s", abs)
			return nil
		}
		store.mu.Lock()
		defer store.mu.Unlock()
		ent := store.index[path.Addr]
		if _, busy := store.inflight[path.Addr]; busy {
			// a put owns this addr; its index entry and pin aren't
			// recorded yet
			return nil
		}
		if store.pins[path.Addr] > 0 {
			return nil
		}
		if ent != nil && ent.Refs > 0 {
			return nil
		}
		if rerr := os.Remove(abs); rerr != nil {
			return rerr
		}
		delete(store.index, path.Addr)
		store.dirty = true
		removed = append(removed, path.Addr)
		return nil
	})
	Ck(err)

	store.mu.Lock()
	defer store.mu.Unlock()
	// drop index entries whose files vanished out from under us
	for addr := range store.index {
		if _, busy := store.inflight[addr]; busy {
			continue
		}
		path, perr := store.chunkPath(addr)
		if perr == nil && !exists(path.Abs) {
			delete(store.index, addr)
			store.dirty = true
		}
	}
	return removed, store.flushLocked()
}

// RebuildIndex re-derives every refcount from the manifest log.  Run
// it after an index loss or whenever an audit is wanted; the manifest
// log, not the index, is the source of truth for liveness.
func (store *Store) RebuildIndex() (err error) {
	defer Return(&err)

	ids, err := store.ListManifests()
	Ck(err)
	refs := make(map[string]int)
	for _, id := range ids {
		m, err := store.LoadManifest(id)
		Ck(err)
		for _, addr := range m.Addrs() {
			refs[addr]++
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for addr, ent := range store.index {
		ent.Refs = refs[addr]
		delete(refs, addr)
	}
	for addr, n := range refs {
		ent := &indexEntry{Refs: n}
		path, perr := store.chunkPath(addr)
		if perr == nil && store.Compression == "none" {
			if info, serr := os.Stat(path.Abs); serr == nil {
				ent.Size = info.Size()
			}
		}
		store.index[addr] = ent
	}
	store.dirty = true
	return store.flushLocked()
}

// Stats summarizes the store for the CLI.
type Stats struct {
	Chunks       int
	Bytes        int64
	Unreferenced int
	Snapshots    int
}

func (store *Store) Stats() (st Stats, err error) {
	defer Return(&err)
	store.mu.Lock()
	for _, ent := range store.index {
		st.Chunks++
		st.Bytes += ent.Size
		if ent.Refs == 0 {
			st.Unreferenced++
		}
	}
	store.mu.Unlock()
	ids, err := store.ListManifests()
	Ck(err)
	st.Snapshots = len(ids)
	return
}

// isManifestName filters directory noise (tmp files, the latest
// symlink) out of manifest listings.
func isManifestName(name string) bool {
	return !strings.HasPrefix(name, ".") && !strings.HasPrefix(name, "tmp") && name != latestName
}
