package snapback

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
)

// randStream supports the io.Reader interface -- see the RandStream
// function for usage.
type randStream struct {
	Size    int64
	nextPos int64
	rng     *rand.Rand
}

func (s *randStream) Read(p []byte) (n int, err error) {
	start := s.nextPos
	if start >= s.Size {
		err = io.EOF
		return
	}
	if start+int64(len(p)) > s.Size {
		p = p[:s.Size-start]
	}
	n, err = s.rng.Read(p)
	s.nextPos += int64(n)
	return
}

// RandStream returns a reader that produces `size` bytes of
// deterministic pseudo-random data before EOF.
func RandStream(size int64) *randStream {
	return &randStream{Size: size, rng: rand.New(rand.NewSource(42))}
}

func collect(t *testing.T, c Chunker, rd io.Reader) (chunks [][]byte) {
	c.Start(rd)
	buf := make([]byte, c.BufSize())
	for {
		chunk, err := c.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		tassert(t, err == nil, "Next: %v", err)
		cp := make([]byte, len(chunk.Data))
		copy(cp, chunk.Data)
		tassert(t, uint(len(chunk.Data)) == chunk.Length, "length mismatch: %d != %d", len(chunk.Data), chunk.Length)
		chunks = append(chunks, cp)
	}
	return
}

func TestRabinRoundTrip(t *testing.T) {
	store := setup(t, nil)
	c, err := NewChunker(store.Config)
	tassert(t, err == nil, "NewChunker: %v", err)

	size := int64(3 * miB)
	want, err := io.ReadAll(RandStream(size))
	tassert(t, err == nil, "ReadAll: %v", err)

	chunks := collect(t, c, bytes.NewReader(want))
	tassert(t, len(chunks) > 0, "no chunks")

	var got []byte
	for _, chunk := range chunks {
		tassert(t, uint(len(chunk)) <= defMaxSize, "chunk over max: %d", len(chunk))
		got = append(got, chunk...)
	}
	tassert(t, bytes.Equal(want, got), "round trip mismatch: %d != %d bytes", len(want), len(got))

	// all but the last chunk respect the minimum
	for i, chunk := range chunks[:len(chunks)-1] {
		tassert(t, uint(len(chunk)) >= defMinSize, "chunk %d under min: %d", i, len(chunk))
	}
}

func TestRabinDeterministic(t *testing.T) {
	store := setup(t, nil)
	c1, err := NewChunker(store.Config)
	tassert(t, err == nil, "NewChunker: %v", err)
	c2, err := NewChunker(store.Config)
	tassert(t, err == nil, "NewChunker: %v", err)

	data, _ := io.ReadAll(RandStream(2 * miB))
	chunks1 := collect(t, c1, bytes.NewReader(data))
	chunks2 := collect(t, c2, bytes.NewReader(data))
	tassert(t, len(chunks1) == len(chunks2), "chunk counts differ: %d %d", len(chunks1), len(chunks2))
	for i := range chunks1 {
		tassert(t, bytes.Equal(chunks1[i], chunks2[i]), "chunk %d differs", i)
	}
}

func TestFixedRoundTrip(t *testing.T) {
	cfg := &Config{Strategy: "fixed", FixedSize: 4}
	c, err := NewChunker(cfg)
	tassert(t, err == nil, "NewChunker: %v", err)

	want := mkbuf("0123456789a")
	chunks := collect(t, c, bytes.NewReader(want))
	tassert(t, len(chunks) == 3, "expected 3 chunks got %d", len(chunks))
	tassert(t, len(chunks[2]) == 3, "short final chunk expected 3 got %d", len(chunks[2]))

	var got []byte
	for _, chunk := range chunks {
		got = append(got, chunk...)
	}
	tassert(t, bytes.Equal(want, got), "round trip mismatch")
}

func TestChunkerEmptyInput(t *testing.T) {
	store := setup(t, nil)
	for _, cfg := range []*Config{store.Config, {Strategy: "fixed", FixedSize: 4}} {
		c, err := NewChunker(cfg)
		tassert(t, err == nil, "NewChunker: %v", err)
		chunks := collect(t, c, bytes.NewReader(nil))
		tassert(t, len(chunks) == 0, "empty input produced %d chunks", len(chunks))
	}
}

// a reader may return bytes together with a genuine error; the bytes
// don't excuse swallowing the error
type flakyReader struct {
	data []byte
	err  error
	used bool
}

func (r *flakyReader) Read(p []byte) (n int, err error) {
	if r.used {
		return 0, io.EOF
	}
	r.used = true
	n = copy(p, r.data)
	return n, r.err
}

func TestFixedReadError(t *testing.T) {
	c, err := NewChunker(&Config{Strategy: "fixed", FixedSize: 8})
	tassert(t, err == nil, "NewChunker: %v", err)

	fail := errors.New("simulated disk error")
	c.Start(&flakyReader{data: mkbuf("1234"), err: fail})
	buf := make([]byte, c.BufSize())
	_, err = c.Next(buf)
	tassert(t, errors.Cause(err) == fail, "expected the read error, got %v", err)

	// a short read ending in clean EOF still yields the final chunk
	chunks := collect(t, c, &flakyReader{data: mkbuf("1234")})
	tassert(t, len(chunks) == 1 && len(chunks[0]) == 4, "chunks %v", chunks)
}

func TestChunkerBadStrategy(t *testing.T) {
	_, err := NewChunker(&Config{Strategy: "quantum"})
	tassert(t, err != nil, "expected error on unknown strategy")
}
