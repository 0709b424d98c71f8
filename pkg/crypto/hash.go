// Package crypto provides the hashing and signature primitives used to
// identify and authenticate certificates.
package crypto

import (
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
// Used to fold leaves into accumulator roots.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// HashTagged hashes data under a domain tag so that identical payloads used
// for different purposes never collide.
func HashTagged(tag string, parts ...[]byte) types.Hash {
	h := blake3.New()
	h.Write([]byte(tag))
	h.Write([]byte{0})
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
