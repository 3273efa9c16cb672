package snapback

import (
	"archive/tar"
	"archive/zip"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
)

// ExportHeader is the container-neutral description of one archive
// member.  The engine decides what to store; an archive writer
// decides how the bytes are laid out.
type ExportHeader struct {
	Path   string
	Kind   string
	Size   int64
	Mtime  time.Time
	Mode   os.FileMode
	Target string
}

// ExportFunc receives each member in path order.  body is nil for
// directories and symlinks; for files it streams the chunk
// concatenation and fails with MissingChunkError on a store miss.
type ExportFunc func(hdr ExportHeader, body io.Reader) error

// Export walks a finalized manifest and hands every member to fn.
// Archive writers (and anything else that wants a container view of a
// snapshot) consume this instead of touching chunks directly.
func (store *Store) Export(m *Manifest, fn ExportFunc) (err error) {
	defer Return(&err)

	Assert(m != nil, "nil manifest")
	var paths []string
	for path := range m.Entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		ent := m.Entries[path]
		hdr := ExportHeader{
			Path:   ent.Path,
			Kind:   ent.Kind,
			Size:   ent.Size,
			Mtime:  ent.Mtime,
			Mode:   ent.Mode,
			Target: ent.Target,
		}
		var body io.Reader
		if ent.Kind == KindFile {
			body = &chunkReader{store: store, ent: ent}
		}
		err = fn(hdr, body)
		Ck(err)
	}
	return
}

// chunkReader streams a file's chunks in manifest order, advancing to
// the next chunk at each EOF.
type chunkReader struct {
	store   *Store
	ent     *Entry
	current *WORM
	next    int
}

func (cr *chunkReader) Read(buf []byte) (n int, err error) {
	for {
		if cr.current == nil {
			if cr.next >= len(cr.ent.Chunks) {
				return 0, io.EOF
			}
			addr := cr.ent.Chunks[cr.next]
			cr.current, err = cr.store.OpenChunk(addr)
			if err != nil {
				var nferr *NotFoundError
				if errors.As(err, &nferr) {
					err = &MissingChunkError{Path: cr.ent.Path, Addr: addr}
				}
				return 0, err
			}
			cr.next++
		}
		n, err = cr.current.Read(buf)
		if errors.Cause(err) == io.EOF {
			cr.current.Close()
			cr.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return
	}
}

// WriteArchive renders a snapshot as a single-file container.
// Formats: tar, tar.gz, zip.
func (store *Store) WriteArchive(w io.Writer, format string, m *Manifest) (err error) {
	defer Return(&err)

	switch format {
	case "tar":
		return store.writeTar(w, m)
	case "tar.gz", "tgz":
		gz := gzip.NewWriter(w)
		err = store.writeTar(gz, m)
		Ck(err)
		return gz.Close()
	case "zip":
		return store.writeZip(w, m)
	default:
		return errors.Errorf("unhandled archive format %q", format)
	}
}

func (store *Store) writeTar(w io.Writer, m *Manifest) (err error) {
	defer Return(&err)

	tw := tar.NewWriter(w)
	err = store.Export(m, func(hdr ExportHeader, body io.Reader) error {
		th := &tar.Header{
			Name:    hdr.Path,
			Mode:    int64(hdr.Mode),
			ModTime: hdr.Mtime,
		}
		switch hdr.Kind {
		case KindDir:
			th.Name += "/"
			th.Typeflag = tar.TypeDir
		case KindSymlink:
			th.Typeflag = tar.TypeSymlink
			th.Linkname = hdr.Target
		default:
			th.Typeflag = tar.TypeReg
			th.Size = hdr.Size
		}
		if werr := tw.WriteHeader(th); werr != nil {
			return werr
		}
		if body == nil {
			return nil
		}
		_, werr := io.Copy(tw, body)
		return werr
	})
	Ck(err)
	return tw.Close()
}

func (store *Store) writeZip(w io.Writer, m *Manifest) (err error) {
	defer Return(&err)

	zw := zip.NewWriter(w)
	err = store.Export(m, func(hdr ExportHeader, body io.Reader) error {
		zh := &zip.FileHeader{
			Name:     hdr.Path,
			Method:   zip.Deflate,
			Modified: hdr.Mtime,
		}
		switch hdr.Kind {
		case KindDir:
			zh.Name += "/"
			zh.SetMode(hdr.Mode | os.ModeDir)
		case KindSymlink:
			zh.SetMode(hdr.Mode | os.ModeSymlink)
			// zip convention stores the link target as the body
			body = strings.NewReader(hdr.Target)
		default:
			zh.SetMode(hdr.Mode)
		}
		fw, werr := zw.CreateHeader(zh)
		if werr != nil {
			return werr
		}
		if body == nil {
			return nil
		}
		_, werr = io.Copy(fw, body)
		return werr
	})
	Ck(err)
	return zw.Close()
}
