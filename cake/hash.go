package cake

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"syscall"

	"github.com/zeebo/blake3"
)

// DefaultAlgo is used when a store config doesn't name an algorithm.
const DefaultAlgo = "sha256"

// NewHash returns a fresh hasher for algo.  Every supported algorithm
// produces a DigestSize digest, so cakes from different stores have
// the same width.
func NewHash(algo string) (h hash.Hash, err error) {
	switch algo {
	case "", "sha256":
		h = sha256.New()
	case "blake3":
		h = blake3.New()
	default:
		err = fmt.Errorf("%w: %s", syscall.ENOSYS, algo)
	}
	return
}

// Hash returns the digest of buf.
func Hash(algo string, buf []byte) (sum []byte, err error) {
	h, err := NewHash(algo)
	if err != nil {
		return
	}
	_, err = h.Write(buf)
	if err != nil {
		return
	}
	return h.Sum(nil), nil
}
