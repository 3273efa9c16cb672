package snapback

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// run states
type RunState string

const (
	Scanning   RunState = "scanning"
	Hashing    RunState = "hashing"
	Storing    RunState = "storing"
	Finalizing RunState = "finalizing"
	Complete   RunState = "complete"
	Failed     RunState = "failed"
)

// BackupOpts configures one backup run.
type BackupOpts struct {
	Source string
	Ignore IgnoreFunc
	// Fast enables the unchanged-file shortcut: a path whose size and
	// mtime match the parent snapshot reuses the parent's chunk refs
	// without being re-read.  See Config.FastPath for the blind spot.
	Fast bool
	// Workers is the size of the file-level worker pool; files are
	// embarrassingly parallel and the store serializes same-hash
	// writes on its own.  0 means NumCPU.
	Workers int
	// DryRun classifies the tree against the parent snapshot without
	// reading file bodies or storing anything.  Size+mtime decide, as
	// the fast path would, so the reported plan is a preview, not a
	// verified diff.
	DryRun bool
	// Stop aborts the run between files.  Chunks already stored stay
	// valid and a retry reuses them; no manifest becomes visible.
	Stop <-chan struct{}
}

// Summary is the user-visible result of a run.
type Summary struct {
	SnapshotId string
	State      RunState
	Added      int
	Modified   int
	Removed    int
	Unchanged  int
	Errored    int
	Files      int
	Bytes      int64
}

type fileResult struct {
	entry *Entry
	ferr  *FileError
}

// Backup walks opts.Source, stores every new chunk, and finalizes a
// manifest whose parent is the store's previous latest snapshot.  The
// manifest write is a barrier: it happens only after every in-flight
// chunk write has settled, so a persisted manifest never references a
// hash that isn't durably in the store.
func (store *Store) Backup(opts *BackupOpts) (m *Manifest, sum *Summary, err error) {
	defer Return(&err)

	Assert(opts != nil && opts.Source != "", "backup needs a source root")
	source := filepath.Clean(opts.Source)
	if !canstat(source) {
		return nil, nil, errors.Errorf("cannot open source: %s", source)
	}
	// fail early on a broken chunking config rather than inside the pool
	_, err = NewChunker(store.Config)
	Ck(err)

	sum = &Summary{State: Scanning}
	parent, err := store.LatestManifest()
	Ck(err)

	// Scanning
	walker := &Walker{Root: source, Ignore: opts.Ignore}
	scanned, walkErrs := walker.Walk()
	log.Debugf("scanned %d entries, %d walk errors", len(scanned), len(walkErrs))

	pin := store.NewPin()
	defer pin.Close()

	entries := make(map[string]*Entry)
	var jobs []ScanEntry
	for _, se := range scanned {
		switch {
		case se.Info.IsDir():
			entries[se.Rel] = &Entry{
				Path:  se.Rel,
				Kind:  KindDir,
				Mtime: se.Info.ModTime(),
				Mode:  se.Info.Mode().Perm(),
			}
		case se.Target != "" || se.Info.Mode()&os.ModeSymlink != 0:
			entries[se.Rel] = &Entry{
				Path:   se.Rel,
				Kind:   KindSymlink,
				Mtime:  se.Info.ModTime(),
				Mode:   se.Info.Mode().Perm(),
				Target: se.Target,
			}
		default:
			if ent, ok := fastPathReuse(parent, se, opts.Fast); ok {
				for _, addr := range ent.Chunks {
					pin.Add(addr)
				}
				entries[se.Rel] = ent
				continue
			}
			jobs = append(jobs, se)
		}
	}

	if opts.DryRun {
		for _, se := range jobs {
			ent, ok := fastPathReuse(parent, se, true)
			if !ok {
				ent = &Entry{
					Path:  se.Rel,
					Kind:  KindFile,
					Size:  se.Info.Size(),
					Mtime: se.Info.ModTime(),
					Mode:  se.Info.Mode().Perm(),
				}
			}
			entries[se.Rel] = ent
			sum.Files++
			sum.Bytes += ent.Size
		}
		plan := Diff(parent, &Manifest{Entries: entries})
		sum.State = Complete
		sum.Added = len(plan.Added)
		sum.Modified = len(plan.Modified)
		sum.Removed = len(plan.Removed)
		sum.Unchanged = len(plan.Unchanged)
		sum.Errored = len(walkErrs)
		return nil, sum, nil
	}

	// Hashing and Storing interleave per file across the pool; the
	// shared store is the only contended resource.
	sum.State = Hashing
	nworkers := opts.Workers
	if nworkers < 1 {
		nworkers = runtime.NumCPU()
	}

	jobch := make(chan ScanEntry)
	resch := make(chan fileResult)
	abort := make(chan struct{})
	var abortOnce sync.Once
	cancel := func() { abortOnce.Do(func() { close(abort) }) }
	if opts.Stop != nil {
		go func() {
			select {
			case <-opts.Stop:
				cancel()
			case <-abort:
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < nworkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunker, cerr := NewChunker(store.Config)
			if cerr != nil {
				cancel()
				resch <- fileResult{ferr: &FileError{Path: source, Err: cerr}}
				return
			}
			buf := make([]byte, chunker.BufSize())
			for se := range jobch {
				select {
				case <-abort:
					return
				default:
				}
				ent, ferr := store.backupFile(source, se, chunker, buf, pin)
				resch <- fileResult{entry: ent, ferr: ferr}
			}
		}()
	}
	go func() {
		defer close(jobch)
		for _, se := range jobs {
			select {
			case <-abort:
				return
			case jobch <- se:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(resch)
	}()

	var processed []string
	var ferrs FileErrors
	var fatal error
	for res := range resch {
		if res.ferr != nil {
			var cerr *CollisionError
			if errors.As(res.ferr.Err, &cerr) {
				// content addressing is violated; stop everything
				fatal = res.ferr.Err
				cancel()
				continue
			}
			ferrs = append(ferrs, res.ferr)
			continue
		}
		entries[res.entry.Path] = res.entry
		processed = append(processed, res.entry.Path)
		sum.Files++
		sum.Bytes += res.entry.Size
	}

	// the pool has drained: every chunk write of this run is settled
	sum.State = Storing
	ferrs = append(ferrs, walkErrs...)

	stopped := false
	select {
	case <-abort:
		stopped = true
	default:
	}
	if !stopped && opts.Stop != nil {
		select {
		case <-opts.Stop:
			stopped = true
		default:
		}
	}
	if stopped {
		sum.State = Failed
		if fatal == nil && len(ferrs) > 0 {
			fatal = ferrs
		}
		if fatal == nil {
			fatal = errors.New("stopped")
		}
		return nil, sum, &PartialRunError{Processed: processed, Cause: fatal}
	}
	if store.Strict && len(ferrs) > 0 {
		sum.State = Failed
		return nil, sum, &PartialRunError{Processed: processed, Cause: ferrs}
	}

	// Finalizing: count refs while still pinned, then make the
	// manifest visible in one rename.
	sum.State = Finalizing
	m = &Manifest{
		SnapshotId: NewSnapshotId(time.Now()),
		CreatedAt:  time.Now().UTC(),
		Algo:       store.Algo,
		Entries:    entries,
	}
	if parent != nil {
		m.ParentId = parent.SnapshotId
	}
	if len(ferrs) > 0 {
		m.Errors = make(map[string]string, len(ferrs))
		for _, fe := range ferrs {
			m.Errors[fe.Path] = fe.Err.Error()
		}
	}
	for _, addr := range m.Addrs() {
		store.Reference(addr)
	}
	err = store.Flush()
	Ck(err)
	err = store.SaveManifest(m)
	Ck(err)

	plan := Diff(parent, m)
	log.Debugf("plan %s", pretty(plan))
	sum.SnapshotId = m.SnapshotId
	sum.State = Complete
	sum.Added = len(plan.Added)
	sum.Modified = len(plan.Modified)
	sum.Removed = len(plan.Removed)
	sum.Unchanged = len(plan.Unchanged)
	sum.Errored = len(ferrs)
	return
}

// fastPathReuse returns a copy of the parent's entry when the
// metadata shortcut applies.
func fastPathReuse(parent *Manifest, se ScanEntry, fast bool) (ent *Entry, ok bool) {
	if !fast || parent == nil {
		return
	}
	prev, found := parent.Entries[se.Rel]
	if !found || prev.Kind != KindFile {
		return
	}
	if prev.Size != se.Info.Size() || !prev.Mtime.Equal(se.Info.ModTime()) {
		return
	}
	log.Debugf("fast path reusing %s", se.Rel)
	ent = &Entry{
		Path:   se.Rel,
		Kind:   KindFile,
		Size:   prev.Size,
		Mtime:  prev.Mtime,
		Mode:   se.Info.Mode().Perm(),
		Hash:   prev.Hash,
		Chunks: append([]string(nil), prev.Chunks...),
	}
	return ent, true
}

// backupFile chunks one file and stores every chunk, pinning each
// addr against concurrent collection.  Chunk as soon as read, store
// as soon as hashed.
func (store *Store) backupFile(root string, se ScanEntry, chunker Chunker, buf []byte, pin *Pin) (ent *Entry, ferr *FileError) {
	fh, err := os.Open(filepath.Join(root, se.Rel))
	if err != nil {
		return nil, &FileError{Path: se.Rel, Err: err}
	}
	defer fh.Close()

	fileHash, err := NewHash(store.Algo)
	if err != nil {
		return nil, &FileError{Path: se.Rel, Err: err}
	}
	chunker.Start(io.TeeReader(fh, fileHash))

	var addrs []string
	var size int64
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return nil, &FileError{Path: se.Rel, Err: err}
		}
		addr, err := pin.Put(chunk.Data)
		if err != nil {
			return nil, &FileError{Path: se.Rel, Err: err}
		}
		addrs = append(addrs, addr)
		size += int64(chunk.Length)
	}

	ent = &Entry{
		Path:   se.Rel,
		Kind:   KindFile,
		Size:   size,
		Mtime:  se.Info.ModTime(),
		Mode:   se.Info.Mode().Perm(),
		Hash:   bin2hex(fileHash.Sum(nil)),
		Chunks: addrs,
	}
	log.Debugf("stored %s: %d bytes in %d chunks gid %d", se.Rel, size, len(addrs), GetGID())
	return
}
