package snapback

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// entry kinds
const (
	KindFile    = "file"
	KindDir     = "dir"
	KindSymlink = "symlink"
)

const latestName = "latest"

// Entry describes one filesystem object inside a snapshot.  For
// files, Chunks is the ordered list of chunk addrs -- reconstructing
// the file means concatenating chunk bytes in exactly that order --
// and Hash is the whole-content hash the verifier checks restored
// bytes against.
type Entry struct {
	Path   string      `json:"path"`
	Kind   string      `json:"kind"`
	Size   int64       `json:"size,omitempty"`
	Mtime  time.Time   `json:"modified_time"`
	Mode   os.FileMode `json:"permissions"`
	Hash   string      `json:"hash,omitempty"`
	Chunks []string    `json:"chunk_refs,omitempty"`
	Target string      `json:"target,omitempty"`
}

// Manifest is the complete, self-describing record of one snapshot.
// Immutable once persisted.  ParentId is an id lookup into the
// append-only manifest log, never a live reference -- a manifest is
// restorable without walking ancestors; the dedup savings live in the
// chunk store, not in manifest chaining.
type Manifest struct {
	SnapshotId string            `json:"snapshot_id"`
	ParentId   string            `json:"parent_snapshot_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Algo       string            `json:"algo"`
	Entries    map[string]*Entry `json:"entries"`
	// Errors records files skipped with a per-file error during a
	// lenient run; paths here have no entry above.
	Errors map[string]string `json:"errors,omitempty"`
}

// Addrs returns the distinct chunk addrs the manifest references.
func (m *Manifest) Addrs() (addrs []string) {
	seen := make(map[string]bool)
	for _, ent := range m.Entries {
		for _, addr := range ent.Chunks {
			if !seen[addr] {
				seen[addr] = true
				addrs = append(addrs, addr)
			}
		}
	}
	sort.Strings(addrs)
	return
}

// NewSnapshotId builds a timestamped id with a short random suffix so
// two runs in the same second can't collide.
func NewSnapshotId(t time.Time) string {
	suffix := make([]byte, 2)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%s", t.Format("2006-01-02_15-04-05"), bin2hex(suffix))
}

func (store *Store) encodeManifest(m *Manifest) (buf []byte, err error) {
	switch store.Encoding {
	case "cbor":
		return cbor.Marshal(m)
	default:
		return json.MarshalIndent(m, "", "  ")
	}
}

// decodeManifest sniffs the encoding so a store whose config changed
// hands (or a JSON store reading an imported CBOR manifest) still
// reads its whole history.  Unknown fields are ignored by both
// codecs, which is what keeps the schema forward-compatible.
func decodeManifest(buf []byte) (m *Manifest, err error) {
	m = &Manifest{}
	if len(buf) > 0 && buf[0] == '{' {
		err = json.Unmarshal(buf, m)
	} else {
		err = cbor.Unmarshal(buf, m)
	}
	return
}

// SaveManifest persists m atomically and repoints the latest symlink.
// The rename is the all-or-nothing visibility barrier: an interrupted
// run never leaves a partial manifest in the log.
func (store *Store) SaveManifest(m *Manifest) (err error) {
	defer Return(&err)

	Assert(m.SnapshotId != "", "empty snapshot id")
	buf, err := store.encodeManifest(m)
	Ck(err)
	path, err := store.manifestPath(m.SnapshotId)
	Ck(err)
	err = renameio.WriteFile(path.Abs, buf, 0444)
	Ck(err)

	linkabs := filepath.Join(store.Dir, "manifest", latestName)
	err = renameio.Symlink(m.SnapshotId, linkabs)
	Ck(err)
	log.Debugf("saved manifest %s (%d entries)", m.SnapshotId, len(m.Entries))
	return
}

// LoadManifest reads one manifest by snapshot id; "latest" resolves
// through the symlink.
func (store *Store) LoadManifest(id string) (m *Manifest, err error) {
	defer Return(&err)

	path, err := store.manifestPath(id)
	Ck(err)
	abs := path.Abs
	if id == latestName {
		abs, err = filepath.EvalSymlinks(abs)
		Ck(err)
	}
	buf, err := os.ReadFile(abs)
	Ck(err)
	m, err = decodeManifest(buf)
	Ck(err)
	return
}

// ListManifests returns all snapshot ids, oldest first.  Timestamped
// ids make lexical order chronological.
func (store *Store) ListManifests() (ids []string, err error) {
	defer Return(&err)

	files, err := os.ReadDir(filepath.Join(store.Dir, "manifest"))
	Ck(err)
	for _, f := range files {
		if isManifestName(f.Name()) {
			ids = append(ids, f.Name())
		}
	}
	sort.Strings(ids)
	return
}

// LatestManifest returns the newest snapshot, or nil if the store has
// none yet.
func (store *Store) LatestManifest() (m *Manifest, err error) {
	linkabs := filepath.Join(store.Dir, "manifest", latestName)
	if _, lerr := os.Lstat(linkabs); lerr != nil {
		return nil, nil
	}
	return store.LoadManifest(latestName)
}

// Prune removes a manifest from the log and releases its chunk
// references, making newly-unreferenced chunks eligible for Collect.
// The chunks themselves are untouched here -- a chunk is never
// physically removed while any manifest still references it.
func (store *Store) Prune(id string) (err error) {
	defer Return(&err)

	Assert(id != latestName, "prune needs a concrete snapshot id")
	m, err := store.LoadManifest(id)
	Ck(err)
	for _, addr := range m.Addrs() {
		store.Release(addr)
	}
	path, err := store.manifestPath(id)
	Ck(err)
	err = os.Remove(path.Abs)
	Ck(err)

	// repoint latest if it referenced the pruned id
	linkabs := filepath.Join(store.Dir, "manifest", latestName)
	if target, lerr := os.Readlink(linkabs); lerr == nil && target == id {
		ids, err := store.ListManifests()
		Ck(err)
		if len(ids) == 0 {
			err = os.Remove(linkabs)
			Ck(err)
		} else {
			err = renameio.Symlink(ids[len(ids)-1], linkabs)
			Ck(err)
		}
	}
	return store.Flush()
}
