package snapback

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mkmanifest(id string, entries map[string]*Entry) *Manifest {
	return &Manifest{
		SnapshotId: id,
		CreatedAt:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Algo:       "sha256",
		Entries:    entries,
	}
}

func TestManifestSaveLoad(t *testing.T) {
	store := setup(t, nil)

	m := mkmanifest("2024-06-01_12-00-00-beef", map[string]*Entry{
		"a.txt": {
			Path:   "a.txt",
			Kind:   KindFile,
			Size:   5,
			Mtime:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			Mode:   0644,
			Hash:   "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
			Chunks: []string{"sha256/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		},
		"sub": {Path: "sub", Kind: KindDir, Mode: 0755, Mtime: time.Now().UTC()},
		"ln":  {Path: "ln", Kind: KindSymlink, Target: "a.txt", Mtime: time.Now().UTC()},
	})
	err := store.SaveManifest(m)
	tassert(t, err == nil, "SaveManifest: %v", err)

	got, err := store.LoadManifest(m.SnapshotId)
	tassert(t, err == nil, "LoadManifest: %v", err)
	tassert(t, got.SnapshotId == m.SnapshotId, "id %s", got.SnapshotId)
	tassert(t, len(got.Entries) == 3, "entries %d", len(got.Entries))
	tassert(t, got.Entries["a.txt"].Chunks[0] == m.Entries["a.txt"].Chunks[0], "chunk refs lost")
	tassert(t, got.Entries["ln"].Target == "a.txt", "symlink target lost")

	// latest resolves through the symlink
	latest, err := store.LoadManifest("latest")
	tassert(t, err == nil, "LoadManifest latest: %v", err)
	tassert(t, latest.SnapshotId == m.SnapshotId, "latest %s", latest.SnapshotId)
}

func TestManifestCBOR(t *testing.T) {
	store := setup(t, &Config{Encoding: "cbor"})

	m := mkmanifest("2024-06-01_12-00-00-cafe", map[string]*Entry{
		"x": {Path: "x", Kind: KindFile, Size: 1, Mtime: time.Now().UTC(), Hash: "ab"},
	})
	err := store.SaveManifest(m)
	tassert(t, err == nil, "SaveManifest: %v", err)

	// the on-disk bytes are not JSON
	path, err := store.manifestPath(m.SnapshotId)
	tassert(t, err == nil, "manifestPath: %v", err)
	buf, err := os.ReadFile(path.Abs)
	tassert(t, err == nil, "ReadFile: %v", err)
	tassert(t, len(buf) > 0 && buf[0] != '{', "expected CBOR, got %q", buf[:1])

	got, err := store.LoadManifest(m.SnapshotId)
	tassert(t, err == nil, "LoadManifest: %v", err)
	tassert(t, got.Entries["x"].Hash == "ab", "cbor round trip lost hash")
}

// an older reader must be able to read a newer manifest's known
// fields; unknown fields are ignored, not fatal
func TestManifestForwardCompat(t *testing.T) {
	store := setup(t, nil)

	doc := map[string]interface{}{
		"snapshot_id":      "2024-06-01_12-00-00-f00d",
		"created_at":       time.Now().UTC(),
		"algo":             "sha256",
		"future_field":     "from a newer version",
		"another_addition": 42,
		"entries": map[string]interface{}{
			"a.txt": map[string]interface{}{
				"path": "a.txt", "kind": "file", "size": 5,
				"modified_time": time.Now().UTC(), "permissions": 420,
				"chunk_refs":   []string{"sha256/aa"},
				"novel_detail": true,
			},
		},
	}
	buf, err := json.Marshal(doc)
	tassert(t, err == nil, "Marshal: %v", err)
	err = os.WriteFile(filepath.Join(store.Dir, "manifest", "2024-06-01_12-00-00-f00d"), buf, 0444)
	tassert(t, err == nil, "WriteFile: %v", err)

	m, err := store.LoadManifest("2024-06-01_12-00-00-f00d")
	tassert(t, err == nil, "LoadManifest: %v", err)
	tassert(t, m.Entries["a.txt"].Size == 5, "size lost")
	tassert(t, m.Entries["a.txt"].Chunks[0] == "sha256/aa", "chunk refs lost")
}

func TestListAndPrune(t *testing.T) {
	store := setup(t, nil)

	m1 := mkmanifest("2024-06-01_12-00-00-0001", map[string]*Entry{})
	m2 := mkmanifest("2024-06-02_12-00-00-0002", map[string]*Entry{})
	tassert(t, store.SaveManifest(m1) == nil, "save m1")
	tassert(t, store.SaveManifest(m2) == nil, "save m2")

	ids, err := store.ListManifests()
	tassert(t, err == nil, "ListManifests: %v", err)
	tassert(t, len(ids) == 2, "ids %v", ids)
	tassert(t, ids[0] == m1.SnapshotId && ids[1] == m2.SnapshotId, "order %v", ids)

	// pruning the latest repoints the symlink at the survivor
	err = store.Prune(m2.SnapshotId)
	tassert(t, err == nil, "Prune: %v", err)
	latest, err := store.LoadManifest("latest")
	tassert(t, err == nil, "LoadManifest latest: %v", err)
	tassert(t, latest.SnapshotId == m1.SnapshotId, "latest %s", latest.SnapshotId)

	err = store.Prune(m1.SnapshotId)
	tassert(t, err == nil, "Prune: %v", err)
	ids, err = store.ListManifests()
	tassert(t, err == nil, "ListManifests: %v", err)
	tassert(t, len(ids) == 0, "ids %v", ids)
	m, err := store.LatestManifest()
	tassert(t, err == nil && m == nil, "expected empty store, got %v %v", m, err)
}

func TestPruneReleasesRefs(t *testing.T) {
	store := setup(t, nil)
	src := mktree(t, map[string]string{"a.txt": "prune me"})
	m, _, err := store.Backup(&BackupOpts{Source: src})
	tassert(t, err == nil, "Backup: %v", err)
	addrs := m.Addrs()
	tassert(t, len(addrs) == 1, "addrs %v", addrs)

	// referenced: collect must not touch it
	removed, err := store.Collect()
	tassert(t, err == nil, "Collect: %v", err)
	tassert(t, len(removed) == 0, "collected a referenced chunk: %v", removed)

	err = store.Prune(m.SnapshotId)
	tassert(t, err == nil, "Prune: %v", err)
	removed, err = store.Collect()
	tassert(t, err == nil, "Collect: %v", err)
	tassert(t, len(removed) == 1, "expected chunk reclaimed, got %v", removed)
}

func TestSnapshotIdUnique(t *testing.T) {
	now := time.Now()
	a := NewSnapshotId(now)
	b := NewSnapshotId(now)
	tassert(t, a != b, "colliding ids %s", a)
}
