package markerstream

// DivergenceEvidence records how a divergence result was reached.
type DivergenceEvidence struct {
	ComparisonCount int    `json:"comparison_count"`
	LocalLength     uint64 `json:"local_length"`
	RemoteLength    uint64 `json:"remote_length"`
}

// DivergenceResult describes where two replicas of a stream stop agreeing.
type DivergenceResult struct {
	HasDivergence          bool               `json:"has_divergence"`
	HasCommonPrefix        bool               `json:"has_common_prefix"`
	CommonPrefixSeq        uint64             `json:"common_prefix_seq"`
	DivergenceSeq          uint64             `json:"divergence_seq"`
	LocalHashAtDivergence  *Hash              `json:"local_hash_at_divergence,omitempty"`
	RemoteHashAtDivergence *Hash              `json:"remote_hash_at_divergence,omitempty"`
	Evidence               DivergenceEvidence `json:"evidence"`
}

// FindDivergencePoint locates the first sequence at which local and remote
// disagree on marker hash.
//
// Both lengths are known up front, so the search runs directly over the
// shared prefix [0, min(len)) and needs at most floor(log2 n)+1 comparisons.
// Identical streams of length N >= 2 take at most ceil(log2 N). A single
// shared marker still costs one comparison, above ceil(log2 1) = 0.
// It assumes that once the replicas differ at some index they differ at every
// later index; a coincidental re-match after a true divergence can move the
// reported point.
//
// When one stream is a strict prefix of the other, DivergenceSeq is the
// shorter length and the shorter side's hash is nil.
func FindDivergencePoint(local, remote *Stream) DivergenceResult {
	l := local.Snapshot().markers
	r := remote.Snapshot().markers

	ln, rn := uint64(len(l)), uint64(len(r))
	shared := min(ln, rn)

	comparisons := 0
	lo, hi := uint64(0), shared
	for lo < hi {
		mid := lo + (hi-lo)/2
		comparisons++
		if l[mid].Hash == r[mid].Hash {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	div := lo

	res := DivergenceResult{
		HasDivergence:   div < max(ln, rn),
		HasCommonPrefix: div > 0,
		DivergenceSeq:   div,
		Evidence: DivergenceEvidence{
			ComparisonCount: comparisons,
			LocalLength:     ln,
			RemoteLength:    rn,
		},
	}
	if div > 0 {
		res.CommonPrefixSeq = div - 1
	}
	if res.HasDivergence {
		if div < ln {
			h := l[div].Hash
			res.LocalHashAtDivergence = &h
		}
		if div < rn {
			h := r[div].Hash
			res.RemoteHashAtDivergence = &h
		}
	}
	return res
}
