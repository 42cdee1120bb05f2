package mmr

import (
	"crypto/sha256"

	"github.com/jmerrifield20/nexusledger/internal/markerstream"
)

// Hash is the digest type shared with the marker stream.
type Hash = markerstream.Hash

const (
	leafPrefix = "nexusledger:mmr:leaf:v1\x00"
	nodePrefix = "nexusledger:mmr:node:v1\x00"
)

// LeafHash maps a marker hash to its MMR leaf. The prefix keeps leaves and
// interior nodes in disjoint hash domains.
func LeafHash(markerHash Hash) Hash {
	h := sha256.New()
	h.Write([]byte(leafPrefix))
	h.Write(markerHash[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

func nodeHash(left, right Hash) Hash {
	h := sha256.New()
	h.Write([]byte(nodePrefix))
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

// largestPow2Below returns the largest power of two strictly less than n (n > 1).
func largestPow2Below(n uint64) uint64 {
	k := uint64(1)
	for k<<1 < n {
		k <<= 1
	}
	return k
}

func isPow2(n uint64) bool { return n != 0 && n&(n-1) == 0 }
