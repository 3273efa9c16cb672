package snapback

import (
	"fmt"
	"strings"
)

// NotStoreError means the given directory is not a snapback store.
type NotStoreError struct {
	Dir string
}

func (e *NotStoreError) Error() string {
	return fmt.Sprintf("not a store: %s", e.Dir)
}

// ExistsError means Create was pointed at a non-empty directory.
type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

// NotFoundError means a chunk addr is unknown to the store.  During
// restore this signals store corruption or premature pruning -- a
// full re-backup is needed, retrying won't help.
type NotFoundError struct {
	Addr string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found in store: %s", e.Addr)
}

// MissingChunkError means a manifest references an addr the store
// can't produce.  Fatal for the affected entry only; restore
// continues with sibling entries.
type MissingChunkError struct {
	Path string // manifest entry path
	Addr string // missing chunk addr
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %s for %s", e.Addr, e.Path)
}

// CollisionError means two different byte sequences claim the same
// hash.  Content addressing is broken if this ever fires; abort and
// investigate by hand.
type CollisionError struct {
	Addr    string
	OldSize int64
	NewSize int64
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("hash collision suspected at %s: stored %d bytes, offered %d", e.Addr, e.OldSize, e.NewSize)
}

// MismatchError means the verifier found bytes that don't hash to
// their recorded value.  Reported, never auto-corrected.
type MismatchError struct {
	Path   string
	Expect string
	Got    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hash mismatch at %s: expected %s got %s", e.Path, e.Expect, e.Got)
}

// PartialRunError means a backup run stopped before finalizing.  No
// manifest was written; chunks stored before the stop remain valid
// and a retry will reuse them.
type PartialRunError struct {
	Processed []string // paths completed before the stop
	Cause     error
}

func (e *PartialRunError) Error() string {
	return fmt.Sprintf("backup aborted after %d files: %v", len(e.Processed), e.Cause)
}

func (e *PartialRunError) Unwrap() error {
	return e.Cause
}

// FileError records a per-file failure inside an otherwise healthy
// run.  Collected, never silently swallowed.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// FileErrors is the collected per-file failures of a run.
type FileErrors []*FileError

func (es FileErrors) Error() string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}
