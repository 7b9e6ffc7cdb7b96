// Package crypto provides the hashing, signing and key-derivation primitives
// used by klingmesh nodes.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a digest in bytes.
const HashSize = 32

// Hash is a 256-bit digest, BLAKE3 unless produced by SHA256.
type Hash [HashSize]byte

// String returns the lowercase hex encoding of the digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first n hex characters of the digest.
// n is clamped to the full hex length.
func (h Hash) Short(n int) string {
	s := h.String()
	if n <= 0 || n > len(s) {
		return s
	}
	return s[:n]
}

// IsZero reports whether the digest is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashData computes a BLAKE3-256 hash of the input data.
func HashData(data []byte) Hash {
	return blake3.Sum256(data)
}

// SHA256 computes a SHA-256 hash of the input data. Identity fingerprints
// use it so they match fingerprints written by other implementations.
func SHA256(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashConcat hashes the concatenation of the given byte slices
// without allocating an intermediate buffer.
func HashConcat(parts ...[]byte) Hash {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
