package markerstream

import "fmt"

// RecoveryReport summarises what reopening a persisted stream changed.
type RecoveryReport struct {
	Recovered      uint64 `json:"recovered"`
	Discarded      uint64 `json:"discarded"`
	TornTailSeq    uint64 `json:"torn_tail_seq,omitempty"`
	Cause          Code   `json:"cause,omitempty"`
	TruncatedBytes int64  `json:"truncated_bytes,omitempty"`
}

// Truncated reports whether recovery dropped anything.
func (r RecoveryReport) Truncated() bool {
	return r.Discarded > 0 || r.TruncatedBytes > 0
}

// Err returns an MKS_TORN_TAIL error when recovery truncated the stream.
func (r RecoveryReport) Err() error {
	if !r.Truncated() {
		return nil
	}
	detail := fmt.Sprintf("discarded %d marker(s)", r.Discarded)
	if r.Cause != "" {
		detail += " after " + string(r.Cause)
	}
	if r.TruncatedBytes > 0 {
		detail += fmt.Sprintf(", truncated %d byte(s)", r.TruncatedBytes)
	}
	return newError(CodeTornTail, r.TornTailSeq, detail)
}

// Recover rebuilds a Stream from persisted markers.
//
// Only the final marker may be discarded: a crash mid-append can leave a
// partially written tail, but a bad marker with valid successors is
// corruption and is returned as an error. Running Recover on its own output
// is a no-op.
func Recover(markers []Marker) (*Stream, RecoveryReport, error) {
	var report RecoveryReport
	n := len(markers)
	for i := 0; i < n; i++ {
		var prev *Marker
		if i > 0 {
			prev = &markers[i-1]
		}
		err := verifyNext(prev, markers[i], uint64(i))
		if err == nil {
			continue
		}
		if i != n-1 {
			return nil, report, err
		}
		report.Discarded = 1
		report.TornTailSeq = uint64(i)
		report.Cause = CodeOf(err)
		n = i
		break
	}

	kept := make([]Marker, n)
	copy(kept, markers[:n])
	report.Recovered = uint64(n)
	return &Stream{markers: kept}, report, nil
}
