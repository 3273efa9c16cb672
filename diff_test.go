package snapback

import (
	"strings"
	"testing"
	"time"
)

func fileEntry(path, hash string, refs ...string) *Entry {
	return &Entry{Path: path, Kind: KindFile, Hash: hash, Chunks: refs,
		Mtime: time.Now().UTC()}
}

func join(paths []string) string { return strings.Join(paths, ",") }

func TestDiff(t *testing.T) {
	old := mkmanifest("s1", map[string]*Entry{
		"x": fileEntry("x", "hashA", "sha256/aa"),
	})
	new := mkmanifest("s2", map[string]*Entry{
		"x": fileEntry("x", "hashB", "sha256/bb"),
		"y": fileEntry("y", "hashC", "sha256/cc"),
	})

	plan := Diff(old, new)
	tassert(t, join(plan.Added) == "y", "added %v", plan.Added)
	tassert(t, join(plan.Modified) == "x", "modified %v", plan.Modified)
	tassert(t, len(plan.Removed) == 0, "removed %v", plan.Removed)
	tassert(t, len(plan.Unchanged) == 0, "unchanged %v", plan.Unchanged)
}

// every path from both manifests lands in exactly one bucket
func TestDiffPartition(t *testing.T) {
	old := mkmanifest("s1", map[string]*Entry{
		"same":    fileEntry("same", "h1", "sha256/11"),
		"changed": fileEntry("changed", "h2", "sha256/22"),
		"gone":    fileEntry("gone", "h3", "sha256/33"),
	})
	new := mkmanifest("s2", map[string]*Entry{
		"same":    fileEntry("same", "h1", "sha256/11"),
		"changed": fileEntry("changed", "h9", "sha256/99"),
		"fresh":   fileEntry("fresh", "h4", "sha256/44"),
	})

	plan := Diff(old, new)
	tassert(t, join(plan.Added) == "fresh", "added %v", plan.Added)
	tassert(t, join(plan.Modified) == "changed", "modified %v", plan.Modified)
	tassert(t, join(plan.Removed) == "gone", "removed %v", plan.Removed)
	tassert(t, join(plan.Unchanged) == "same", "unchanged %v", plan.Unchanged)

	seen := map[string]int{}
	for _, bucket := range [][]string{plan.Added, plan.Modified, plan.Removed, plan.Unchanged} {
		for _, path := range bucket {
			seen[path]++
		}
	}
	tassert(t, len(seen) == 4, "union size %d", len(seen))
	for path, n := range seen {
		tassert(t, n == 1, "%s in %d buckets", path, n)
	}
}

func TestDiffNilOld(t *testing.T) {
	new := mkmanifest("s1", map[string]*Entry{
		"a": fileEntry("a", "h1", "sha256/11"),
		"b": fileEntry("b", "h2", "sha256/22"),
	})
	plan := Diff(nil, new)
	tassert(t, join(plan.Added) == "a,b", "added %v", plan.Added)
	tassert(t, len(plan.Modified)+len(plan.Removed)+len(plan.Unchanged) == 0,
		"non-added buckets populated: %+v", plan)
}

// a chmod or touch with identical bytes classifies as unchanged;
// content identity decides, not metadata
func TestDiffMetadataOnlyChange(t *testing.T) {
	a := fileEntry("p", "h1", "sha256/11")
	b := fileEntry("p", "h1", "sha256/11")
	b.Mode = 0600
	b.Mtime = a.Mtime.Add(time.Hour)
	plan := Diff(
		mkmanifest("s1", map[string]*Entry{"p": a}),
		mkmanifest("s2", map[string]*Entry{"p": b}),
	)
	tassert(t, join(plan.Unchanged) == "p", "unchanged %v", plan.Unchanged)
	tassert(t, len(plan.Modified) == 0, "modified %v", plan.Modified)
}

func TestDiffKindChange(t *testing.T) {
	// a path that was a file and is now a symlink is modified
	old := mkmanifest("s1", map[string]*Entry{
		"p": fileEntry("p", "h1", "sha256/11"),
	})
	new := mkmanifest("s2", map[string]*Entry{
		"p": {Path: "p", Kind: KindSymlink, Target: "elsewhere", Mtime: time.Now().UTC()},
	})
	plan := Diff(old, new)
	tassert(t, join(plan.Modified) == "p", "modified %v", plan.Modified)
}

func TestDiffSymlinkTarget(t *testing.T) {
	mk := func(target string) *Manifest {
		return mkmanifest("s", map[string]*Entry{
			"ln": {Path: "ln", Kind: KindSymlink, Target: target, Mtime: time.Now().UTC()},
		})
	}
	plan := Diff(mk("a"), mk("a"))
	tassert(t, join(plan.Unchanged) == "ln", "unchanged %v", plan.Unchanged)
	plan = Diff(mk("a"), mk("b"))
	tassert(t, join(plan.Modified) == "ln", "modified %v", plan.Modified)
}

func TestDiffDeterministic(t *testing.T) {
	old := mkmanifest("s1", map[string]*Entry{
		"b": fileEntry("b", "h2", "sha256/22"),
		"a": fileEntry("a", "h1", "sha256/11"),
		"c": fileEntry("c", "h3", "sha256/33"),
	})
	new := mkmanifest("s2", map[string]*Entry{
		"c": fileEntry("c", "h3", "sha256/33"),
		"d": fileEntry("d", "h4", "sha256/44"),
		"a": fileEntry("a", "h9", "sha256/99"),
	})
	p1 := Diff(old, new)
	p2 := Diff(old, new)
	tassert(t, join(p1.Added) == join(p2.Added), "added unstable")
	tassert(t, join(p1.Modified) == join(p2.Modified), "modified unstable")
	tassert(t, join(p1.Removed) == join(p2.Removed), "removed unstable")
	tassert(t, join(p1.Unchanged) == join(p2.Unchanged), "unchanged unstable")
	tassert(t, join(p1.Removed) == "b", "removed %v", p1.Removed)
}
