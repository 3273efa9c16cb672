package snapback

import (
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// file modes
const (
	NEW   = 0
	READ  = 0444
	WRITE = 0644
)

// WORM is a write-once-read-many chunk file.  On the write side the
// final filename isn't known until Close(), when the running hash of
// everything written settles; bytes land in a temp file first and are
// renamed into place, so a partially-written chunk is never visible
// under its address.  The hash always covers the raw chunk bytes --
// compression, when enabled, happens below the hash so that an addr
// is a property of content alone.
type WORM struct {
	Store *Store
	*Path
	_mode os.FileMode
	fh    *os.File
	hash  hash.Hash
	size  int64 // raw bytes written, pre-compression
	zw    *zstd.Encoder
	zr    *zstd.Decoder
}

// CreateWORM opens a new write-mode WORM for a chunk of unknown hash.
func CreateWORM(store *Store, algo string) (file *WORM, err error) {
	defer Return(&err)
	file = &WORM{}
	file.Store = store
	// we don't call Path.New() here 'cause there's nothing to parse
	// until the hash is known
	file.Path = &Path{Store: store, Class: "chunk", Algo: algo}
	file._mode = WRITE
	file.hash, err = NewHash(algo)
	Ck(err)
	return
}

// OpenWORM opens an existing chunk file for reading.
func OpenWORM(store *Store, path *Path) (file *WORM, err error) {
	defer Return(&err)
	file = &WORM{}
	file.Store = store
	file.Path = path
	ErrnoIf(len(file.Path.Abs) == 0, syscall.EINVAL, "empty path")
	if !exists(file.Path.Abs) {
		return nil, &NotFoundError{Addr: path.Addr}
	}
	file._mode = READ
	return
}

// gets called by Read() and Write()
func (file *WORM) ckopen() (err error) {
	defer Return(&err)

	if file.fh != nil {
		return
	}
	switch file._mode {
	case WRITE:
		file.fh, err = file.Store.tmpFile()
		Ck(err)
		if file.Store.Compression == "zstd" {
			file.zw, err = zstd.NewWriter(file.fh)
			Ck(err)
		}
	case READ:
		file.fh, err = os.Open(file.Path.Abs)
		Ck(err)
		if file.Store.Compression == "zstd" {
			file.zr, err = zstd.NewReader(file.fh)
			Ck(err)
		}
	default:
		Assert(false)
	}
	return
}

// Write hashes data and appends it to the temp file.  Large chunks
// can be written using multiple Write() calls.  Supports the
// io.Writer interface.
func (file *WORM) Write(data []byte) (n int, err error) {
	if file._mode == READ {
		err = fmt.Errorf("cannot write to existing object: %s", file.Path.Abs)
		return
	}
	err = file.ckopen()
	if err != nil {
		return
	}

	// add data to hash digest; hash.Hash.Write never fails
	file.hash.Write(data)
	file.size += int64(len(data))

	if file.zw != nil {
		return file.zw.Write(data)
	}
	return file.fh.Write(data)
}

// Read returns the raw chunk bytes, decompressing if the store
// compresses.  Supports the io.Reader interface.
func (file *WORM) Read(buf []byte) (n int, err error) {
	if file._mode != READ {
		err = fmt.Errorf("cannot read unclosed object")
		return
	}
	err = file.ckopen()
	if err != nil {
		return
	}
	if file.zr != nil {
		return file.zr.Read(buf)
	}
	return file.fh.Read(buf)
}

// ReadAll slurps the whole chunk.
func (file *WORM) ReadAll() (buf []byte, err error) {
	defer Return(&err)
	err = file.ckopen()
	Ck(err)
	var rd io.Reader = file.fh
	if file.zr != nil {
		rd = file.zr
	}
	buf, err = io.ReadAll(rd)
	Ck(err)
	return
}

// Size returns the raw (uncompressed) size of the chunk.  Only valid
// after Close() on the write side.
func (file *WORM) Size() int64 {
	return file.size
}

// Close settles the hash and renames the temp file to its permanent
// content address.  First writer wins: if the address already exists
// the temp file is discarded and the existing chunk stands.
func (file *WORM) Close() (err error) {
	defer Return(&err)
	switch file._mode {
	case NEW, READ:
		if file.zr != nil {
			file.zr.Close()
			file.zr = nil
		}
		if file.fh == nil {
			return
		}
		// no err check needed because readonly
		file.fh.Close()
		file.fh = nil
		return
	case WRITE:
		Assert(file.fh != nil, "writeable file handle is nil: %#v", file.Path)
		if file.zw != nil {
			err = file.zw.Close()
			Ck(err)
			file.zw = nil
		}
		err = file.fh.Close()
		Ck(err)

		// now that we know what the data's hash is, we can replace
		// the anonymous Path with the permanent one
		hexhash := bin2hex(file.hash.Sum(nil))
		canpath := fmt.Sprintf("%s/%s/%s", file.Path.Class, file.Path.Algo, hexhash)
		path, perr := Path{}.New(file.Store, canpath)
		Ck(perr)

		tmpname := file.fh.Name()
		if exists(path.Abs) {
			// dedup hit -- discard the duplicate bytes
			err = os.Remove(tmpname)
			Ck(err)
		} else {
			dir, _ := filepath.Split(path.Abs)
			err = os.MkdirAll(dir, 0755)
			Ck(err)
			err = os.Rename(tmpname, path.Abs)
			Ck(err)
			err = os.Chmod(path.Abs, READ)
			Ck(err)
		}
		file.Path = path
		file._mode = READ
		file.fh = nil
		log.Debugf("worm closed: %s (%d bytes)", path.Canon, file.size)
		return
	}
	return
}
