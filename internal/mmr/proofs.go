package mmr

import (
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
)

// InclusionProof shows that one marker is a leaf of a checkpoint of a given
// size. Path is ordered from the leaf's sibling up to the root.
type InclusionProof struct {
	LeafIndex uint64 `json:"leaf_index"`
	TreeSize  uint64 `json:"tree_size"`
	LeafHash  Hash   `json:"leaf_hash"`
	Path      []Hash `json:"audit_path"`
}

// PrefixProof shows that the first PrefixSize leaves of a SuperTreeSize-leaf
// checkpoint are exactly the leaves committed to by PrefixRoot.
type PrefixProof struct {
	PrefixSize    uint64 `json:"prefix_size"`
	SuperTreeSize uint64 `json:"super_tree_size"`
	PrefixRoot    Hash   `json:"prefix_root_hash"`
	SuperRoot     Hash   `json:"super_root_hash"`
	Path          []Hash `json:"consistency_path"`
}

// ProveInclusion builds the audit path for marker seq. The checkpoint must
// cover exactly the stream's current markers.
func ProveInclusion(stream *markerstream.Stream, cp *Checkpoint, seq uint64) (*InclusionProof, error) {
	snap := stream.Snapshot()

	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if !cp.enabled {
		return nil, ErrDisabled
	}
	size := snap.Len()
	if size == 0 {
		return nil, errorf(CodeEmptyCheckpoint, "stream has no markers")
	}
	if cp.size() != size {
		return nil, errorf(CodeCheckpointStale, "checkpoint=%d stream=%d", cp.size(), size)
	}
	if seq >= size {
		return nil, errorf(CodeSequenceOutOfRange, "sequence=%d tree_size=%d", seq, size)
	}

	m, _ := snap.Get(seq)
	leaf := LeafHash(m.Hash)
	if cp.levels[0][seq] != leaf {
		return nil, errorf(CodeCheckpointStale, "checkpoint leaf %d was built from a different stream", seq)
	}

	return &InclusionProof{
		LeafIndex: seq,
		TreeSize:  size,
		LeafHash:  leaf,
		Path:      cp.auditPath(seq, 0, size),
	}, nil
}

// auditPath is RFC 6962 PATH(m, D[lo:hi]).
func (c *Checkpoint) auditPath(m, lo, hi uint64) []Hash {
	n := hi - lo
	if n == 1 {
		return nil
	}
	k := largestPow2Below(n)
	if m < k {
		return append(c.auditPath(m, lo, lo+k), c.subtree(lo+k, hi))
	}
	return append(c.auditPath(m-k, lo+k, hi), c.subtree(lo, lo+k))
}

// VerifyInclusion recomputes the root from markerHash and the audit path
// (RFC 9162 section 2.1.3.2) and compares it with root.
func VerifyInclusion(proof *InclusionProof, root Root, markerHash Hash) error {
	if proof == nil {
		return errorf(CodeInvalidProof, "nil proof")
	}
	if proof.TreeSize == 0 || root.TreeSize == 0 {
		return ErrEmptyCheckpoint
	}
	if proof.TreeSize != root.TreeSize {
		return errorf(CodeInvalidProof, "tree size mismatch proof=%d root=%d", proof.TreeSize, root.TreeSize)
	}
	if proof.LeafIndex >= proof.TreeSize {
		return errorf(CodeSequenceOutOfRange, "sequence=%d tree_size=%d", proof.LeafIndex, proof.TreeSize)
	}

	leaf := LeafHash(markerHash)
	if leaf != proof.LeafHash {
		return errorf(CodeLeafMismatch, "expected=%s actual=%s", leaf, proof.LeafHash)
	}

	fn, sn := proof.LeafIndex, proof.TreeSize-1
	r := leaf
	for _, p := range proof.Path {
		if sn == 0 {
			return errorf(CodeInvalidProof, "audit path too long")
		}
		if fn&1 == 1 || fn == sn {
			r = nodeHash(p, r)
			for fn&1 == 0 && fn != 0 {
				fn >>= 1
				sn >>= 1
			}
		} else {
			r = nodeHash(r, p)
		}
		fn >>= 1
		sn >>= 1
	}
	if sn != 0 {
		return errorf(CodeInvalidProof, "audit path too short")
	}
	if r != root.Hash {
		return errorf(CodeLeafMismatch, "leaf %d is not committed to by root %s", proof.LeafIndex, root.Hash)
	}
	return nil
}

// ProvePrefix builds an RFC 6962 consistency proof from small to large.
func ProvePrefix(small, large *Checkpoint) (*PrefixProof, error) {
	if !small.IsEnabled() || !large.IsEnabled() {
		return nil, ErrDisabled
	}
	smallRoot, ok := small.Root()
	if !ok {
		return nil, errorf(CodeEmptyCheckpoint, "prefix checkpoint is empty")
	}

	large.mu.RLock()
	defer large.mu.RUnlock()
	n := large.size()
	if n == 0 {
		return nil, errorf(CodeEmptyCheckpoint, "super checkpoint is empty")
	}
	m := smallRoot.TreeSize
	if m > n {
		return nil, errorf(CodePrefixSizeInvalid, "prefix_size=%d super_tree_size=%d", m, n)
	}
	if got := large.subtree(0, m); got != smallRoot.Hash {
		return nil, errorf(CodeRootMismatch, "super checkpoint's first %d leaves commit to %s, prefix root is %s", m, got, smallRoot.Hash)
	}

	return &PrefixProof{
		PrefixSize:    m,
		SuperTreeSize: n,
		PrefixRoot:    smallRoot.Hash,
		SuperRoot:     large.subtree(0, n),
		Path:          large.subproof(m, 0, n, true),
	}, nil
}

// subproof is RFC 6962 SUBPROOF(m, D[lo:hi], b).
func (c *Checkpoint) subproof(m, lo, hi uint64, complete bool) []Hash {
	n := hi - lo
	if m == n {
		if complete {
			return nil
		}
		return []Hash{c.subtree(lo, hi)}
	}
	k := largestPow2Below(n)
	if m <= k {
		return append(c.subproof(m, lo, lo+k, complete), c.subtree(lo+k, hi))
	}
	return append(c.subproof(m-k, lo+k, hi, false), c.subtree(lo, lo+k))
}

// VerifyPrefix checks a consistency proof between two roots
// (RFC 9162 section 2.1.4.2).
func VerifyPrefix(proof *PrefixProof, smallRoot, largeRoot Root) error {
	if proof == nil {
		return errorf(CodeInvalidProof, "nil proof")
	}
	if proof.PrefixSize > proof.SuperTreeSize || smallRoot.TreeSize > largeRoot.TreeSize {
		return errorf(CodePrefixSizeInvalid, "prefix_size=%d super_tree_size=%d", proof.PrefixSize, proof.SuperTreeSize)
	}
	if smallRoot.TreeSize != proof.PrefixSize || largeRoot.TreeSize != proof.SuperTreeSize {
		return errorf(CodeInvalidProof, "proof sizes do not match provided roots")
	}
	if proof.PrefixSize == 0 {
		return errorf(CodeEmptyCheckpoint, "prefix checkpoint is empty")
	}
	if proof.PrefixRoot != smallRoot.Hash {
		return errorf(CodeRootMismatch, "prefix root expected=%s actual=%s", smallRoot.Hash, proof.PrefixRoot)
	}
	if proof.SuperRoot != largeRoot.Hash {
		return errorf(CodeRootMismatch, "super root expected=%s actual=%s", largeRoot.Hash, proof.SuperRoot)
	}

	first, second := proof.PrefixSize, proof.SuperTreeSize
	if first == second {
		if len(proof.Path) != 0 {
			return errorf(CodeInvalidProof, "equal sizes need an empty path")
		}
		if smallRoot.Hash != largeRoot.Hash {
			return errorf(CodeRootMismatch, "equal sizes with different roots")
		}
		return nil
	}
	if len(proof.Path) == 0 {
		return errorf(CodeInvalidProof, "empty consistency path")
	}

	path := proof.Path
	if isPow2(first) {
		path = append([]Hash{smallRoot.Hash}, path...)
	}
	fn, sn := first-1, second-1
	for fn&1 == 1 {
		fn >>= 1
		sn >>= 1
	}
	fr, sr := path[0], path[0]
	for _, c := range path[1:] {
		if sn == 0 {
			return errorf(CodeInvalidProof, "consistency path too long")
		}
		if fn&1 == 1 || fn == sn {
			fr = nodeHash(c, fr)
			sr = nodeHash(c, sr)
			for fn&1 == 0 && fn != 0 {
				fn >>= 1
				sn >>= 1
			}
		} else {
			sr = nodeHash(sr, c)
		}
		fn >>= 1
		sn >>= 1
	}
	if sn != 0 {
		return errorf(CodeInvalidProof, "consistency path too short")
	}
	if fr != smallRoot.Hash || sr != largeRoot.Hash {
		return errorf(CodeRootMismatch, "consistency path does not reproduce both roots")
	}
	return nil
}
