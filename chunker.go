package snapback

import (
	"fmt"
	"io"

	resticRabin "github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// defMinSize is the default minimal size of a chunk.
	defMinSize = 512 * kiB
	// defMaxSize is the default maximal size of a chunk.
	defMaxSize = 8 * miB
	// defFixedSize is the default chunk size for the fixed strategy.
	defFixedSize = 1 * miB
)

// Chunk is one content-addressable piece of a file.  Concatenating a
// file's chunks in order reconstructs the original bytes exactly.
type Chunk struct {
	Data   []byte
	Length uint
}

// Chunker splits a byte stream into chunks.  Start resets it onto a
// new stream; Next fills buf and returns the next chunk, then io.EOF
// once the stream is exhausted.  Empty input yields zero chunks.
type Chunker interface {
	Start(rd io.Reader)
	Next(buf []byte) (Chunk, error)
	BufSize() uint
}

// NewChunker builds the configured chunking strategy.  Rabin finds
// boundaries with a rolling fingerprint, so an insert or delete only
// shifts chunk hashes locally -- that's what makes dedup survive
// edits.  Fixed is faster but a single inserted byte shifts every
// subsequent chunk hash.
func NewChunker(cfg *Config) (c Chunker, err error) {
	switch cfg.Strategy {
	case "", "rabin":
		c, err = Rabin{Poly: cfg.Poly, MinSize: cfg.MinSize, MaxSize: cfg.MaxSize}.Init()
	case "fixed":
		c = Fixed{Size: cfg.FixedSize}.Init()
	default:
		err = fmt.Errorf("unknown chunking strategy: %s", cfg.Strategy)
	}
	return
}

// Rabin lightly wraps restic's chunker on the slight chance that we
// might need to replace it someday.
type Rabin struct {
	Poly    resticRabin.Pol
	C       *resticRabin.Chunker
	MinSize uint
	MaxSize uint
}

func (c Rabin) Init() (res *Rabin, err error) {
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	if c.Poly == 0 {
		c.Poly, err = resticRabin.RandomPolynomial()
	}
	return &c, err
}

func (c *Rabin) Start(rd io.Reader) {
	c.C = resticRabin.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
}

func (c *Rabin) Next(buf []byte) (chunk Chunk, err error) {
	// restic's Next() copies the chunk into buf but only hands the
	// bytes back via the returned struct's Data field
	rc, err := c.C.Next(buf)
	if err != nil {
		return
	}
	chunk = Chunk{Data: rc.Data, Length: rc.Length}
	return
}

// BufSize returns the buffer size Next() needs; restic requires at
// least MaxSize.
func (c *Rabin) BufSize() uint {
	return c.MaxSize + 1
}

// Fixed splits at deterministic boundaries every Size bytes.
type Fixed struct {
	Size uint
	rd   io.Reader
}

func (c Fixed) Init() *Fixed {
	if c.Size == 0 {
		c.Size = defFixedSize
	}
	return &c
}

func (c *Fixed) Start(rd io.Reader) {
	c.rd = rd
}

func (c *Fixed) Next(buf []byte) (chunk Chunk, err error) {
	n, err := io.ReadFull(c.rd, buf[:c.Size])
	if err == io.ErrUnexpectedEOF {
		// a short final chunk is still a chunk
		err = nil
	}
	// any other error rides through, even when it arrived with bytes;
	// a reader may legally return both
	if err != nil || n == 0 {
		return
	}
	chunk = Chunk{Data: buf[:n], Length: uint(n)}
	return
}

func (c *Fixed) BufSize() uint {
	return c.Size
}
