package snapback

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"syscall"

	"github.com/zeebo/blake3"
)

// NewHash returns a fresh digest for algo.  We support the two SHA-2
// widths plus blake3, which is considerably faster on large trees and
// still collision-resistant enough for content addressing.
func NewHash(algo string) (h hash.Hash, err error) {
	switch algo {
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	case "blake3":
		h = blake3.New()
	default:
		err = fmt.Errorf("%w: %s", syscall.ENOSYS, algo)
	}
	return
}

// Hash digests buf with algo and returns the binary hash.
func Hash(algo string, buf []byte) (binhash []byte, err error) {
	h, err := NewHash(algo)
	if err != nil {
		return
	}
	// hash.Hash.Write never returns an error
	h.Write(buf)
	binhash = h.Sum(nil)
	return
}

func bin2hex(binhash []byte) string {
	return hex.EncodeToString(binhash)
}
