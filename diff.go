package snapback

import "sort"

// WorkPlan is the classified difference between two manifests.  The
// four slices partition the union of both manifests' paths: every
// path appears in exactly one of them.
type WorkPlan struct {
	Added     []string
	Modified  []string
	Removed   []string
	Unchanged []string
}

// Diff partitions the paths of old and new.  Pure and deterministic:
// the same two manifests always yield the same plan.  Passing nil for
// old treats everything in new as added.
func Diff(old, new *Manifest) (plan *WorkPlan) {
	plan = &WorkPlan{}
	oldEntries := map[string]*Entry{}
	if old != nil {
		oldEntries = old.Entries
	}
	newEntries := map[string]*Entry{}
	if new != nil {
		newEntries = new.Entries
	}

	for path, ne := range newEntries {
		oe, ok := oldEntries[path]
		switch {
		case !ok:
			plan.Added = append(plan.Added, path)
		case entryEqual(oe, ne):
			plan.Unchanged = append(plan.Unchanged, path)
		default:
			plan.Modified = append(plan.Modified, path)
		}
	}
	for path := range oldEntries {
		if _, ok := newEntries[path]; !ok {
			plan.Removed = append(plan.Removed, path)
		}
	}

	sort.Strings(plan.Added)
	sort.Strings(plan.Modified)
	sort.Strings(plan.Removed)
	sort.Strings(plan.Unchanged)
	return
}

// entryEqual compares content identity.  The chunk addr sequence is
// authoritative when both sides have one; metadata comparison is the
// fallback for kinds that carry no chunks (and for entries produced
// by the fast path, whose refs were themselves copied on a metadata
// match).  Mode and mtime deliberately don't participate when content
// is known: a chmod or touch that leaves the bytes alone reports as
// unchanged, and the new snapshot's entry still records the new
// metadata for restore.
func entryEqual(a, b *Entry) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindFile:
		if len(a.Chunks) > 0 || len(b.Chunks) > 0 || a.Hash != "" || b.Hash != "" {
			if a.Hash != b.Hash {
				return false
			}
			if len(a.Chunks) != len(b.Chunks) {
				return false
			}
			for i := range a.Chunks {
				if a.Chunks[i] != b.Chunks[i] {
					return false
				}
			}
			return true
		}
		// no chunk data on either side; metadata is all we have
		return a.Size == b.Size && a.Mtime.Equal(b.Mtime)
	case KindSymlink:
		return a.Target == b.Target
	default:
		return true
	}
}
