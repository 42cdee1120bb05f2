package mmr_test

import (
	"crypto/sha256"
	"testing"

	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// referenceNode and referenceTreeHash restate the RFC 6962 tree hash over
// leaf hashes without any of the checkpoint's caching.
func referenceNode(l, r mmr.Hash) mmr.Hash {
	h := sha256.New()
	h.Write([]byte("nexusledger:mmr:node:v1\x00"))
	h.Write(l[:])
	h.Write(r[:])
	var out mmr.Hash
	h.Sum(out[:0])
	return out
}

func referenceTreeHash(leaves []mmr.Hash) mmr.Hash {
	if len(leaves) == 1 {
		return leaves[0]
	}
	k := 1
	for k<<1 < len(leaves) {
		k <<= 1
	}
	return referenceNode(referenceTreeHash(leaves[:k]), referenceTreeHash(leaves[k:]))
}

func TestCheckpoint_properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 60
	properties := gopter.NewProperties(params)

	streams := map[int]*markerstream.Stream{}
	streamOf := func(n int) *markerstream.Stream {
		if s, ok := streams[n]; ok {
			return s
		}
		s := buildStream(t, n)
		streams[n] = s
		return s
	}

	properties.Property("every leaf has a verifying inclusion proof", prop.ForAll(
		func(n, pick int) bool {
			s := streamOf(n)
			cp := buildCheckpoint(t, s)
			root, _ := cp.Root()
			seq := uint64(pick % n)
			proof, err := mmr.ProveInclusion(s, cp, seq)
			if err != nil {
				return false
			}
			m, _ := s.Get(seq)
			return mmr.VerifyInclusion(proof, root, m.Hash) == nil
		},
		gen.IntRange(1, 300),
		gen.IntRange(0, 1<<20),
	))

	properties.Property("prefix proofs verify for every m <= n", prop.ForAll(
		func(n, pick int) bool {
			m := pick%n + 1
			small := buildCheckpoint(t, streamOf(m))
			large := buildCheckpoint(t, streamOf(n))
			proof, err := mmr.ProvePrefix(small, large)
			if err != nil {
				return false
			}
			sr, _ := small.Root()
			lr, _ := large.Root()
			return mmr.VerifyPrefix(proof, sr, lr) == nil
		},
		gen.IntRange(1, 300),
		gen.IntRange(0, 1<<20),
	))

	properties.Property("incremental appends equal a rebuild", prop.ForAll(
		func(n int) bool {
			s := streamOf(n)
			inc := mmr.Enabled()
			for _, h := range s.Hashes() {
				if _, err := inc.AppendMarkerHash(h); err != nil {
					return false
				}
			}
			a, _ := inc.Root()
			b, _ := buildCheckpoint(t, s).Root()
			return a == b
		},
		gen.IntRange(1, 300),
	))

	properties.TestingRun(t)
}
