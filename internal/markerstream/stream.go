package markerstream

import (
	"fmt"
	"sort"
	"sync"
)

// Stream is the in-memory marker log. Append is serialised by an internal
// mutex; readers either take the read lock or work on a Snapshot.
type Stream struct {
	mu      sync.RWMutex
	markers []Marker
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{}
}

// Append adds a new marker chained to the current head.
func (s *Stream) Append(et EventType, payload string, ts uint64, traceID string) (Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.next(et, payload, ts, traceID)
	if err != nil {
		return Marker{}, err
	}
	s.markers = append(s.markers, m)
	return m, nil
}

// Next returns the marker Append would add for these arguments, without
// adding it. Durable stores persist it first and then call AppendMarker.
func (s *Stream) Next(et EventType, payload string, ts uint64, traceID string) (Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next(et, payload, ts, traceID)
}

// AppendMarker adds m, which must extend the current head exactly.
func (s *Stream) AppendMarker(m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.markers)
	var prev *Marker
	if n > 0 {
		prev = &s.markers[n-1]
	}
	if err := verifyNext(prev, m, uint64(n)); err != nil {
		return err
	}
	if err := ValidatePayload(m.Payload); err != nil {
		return err
	}
	s.markers = append(s.markers, m)
	return nil
}

func (s *Stream) next(et EventType, payload string, ts uint64, traceID string) (Marker, error) {
	next := uint64(len(s.markers))
	if !et.Valid() {
		return Marker{}, newError(CodeInvalidPayload, next, fmt.Sprintf("unknown event type %d", uint8(et)))
	}
	if err := ValidatePayload(payload); err != nil {
		return Marker{}, err
	}

	prev := GenesisHash
	if next > 0 {
		last := s.markers[next-1]
		if ts < last.Timestamp {
			return Marker{}, newError(CodeTimeRegression, next,
				fmt.Sprintf("timestamp %d precedes head timestamp %d", ts, last.Timestamp))
		}
		prev = last.Hash
	}

	m := Marker{
		Sequence:  next,
		EventType: et,
		Payload:   payload,
		Timestamp: ts,
		TraceID:   traceID,
		PrevHash:  prev,
	}
	m.Hash = m.ExpectedHash()
	return m, nil
}

// Get returns the marker at seq.
func (s *Stream) Get(seq uint64) (Marker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.markers)) {
		return Marker{}, false
	}
	return s.markers[seq], true
}

// MarkerBySequence is Get under the name used by the status view.
func (s *Stream) MarkerBySequence(seq uint64) (Marker, bool) {
	return s.Get(seq)
}

// First returns the marker at sequence 0.
func (s *Stream) First() (Marker, bool) {
	return s.Get(0)
}

// Last returns the most recently appended marker.
func (s *Stream) Last() (Marker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.markers) == 0 {
		return Marker{}, false
	}
	return s.markers[len(s.markers)-1], true
}

// Head returns the last marker, or MKS_EMPTY_STREAM.
func (s *Stream) Head() (Marker, error) {
	m, ok := s.Last()
	if !ok {
		return Marker{}, newError(CodeEmptyStream, 0, "stream has no markers")
	}
	return m, nil
}

// Len returns the number of markers.
func (s *Stream) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.markers))
}

// IsEmpty reports whether no marker has been appended.
func (s *Stream) IsEmpty() bool { return s.Len() == 0 }

// Range returns a copy of the markers in [from, to), clipped to the stream.
func (s *Stream) Range(from, to uint64) []Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := uint64(len(s.markers))
	if to > n {
		to = n
	}
	if from >= to {
		return nil
	}
	out := make([]Marker, to-from)
	copy(out, s.markers[from:to])
	return out
}

// SequenceByTimestamp returns the greatest sequence whose timestamp is at or
// before ts. It returns false when the stream is empty or ts precedes the
// first marker.
func (s *Stream) SequenceByTimestamp(ts uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Timestamps are non-decreasing, so the predicate is monotonic.
	i := sort.Search(len(s.markers), func(i int) bool {
		return s.markers[i].Timestamp > ts
	})
	if i == 0 {
		return 0, false
	}
	return uint64(i - 1), true
}

// Snapshot returns a frozen view of the current prefix. Later appends to s are
// not visible through the snapshot. Appending to a snapshot never affects s.
func (s *Stream) Snapshot() *Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.markers)
	return &Stream{markers: s.markers[:n:n]}
}

// Hashes returns the marker hashes in sequence order.
func (s *Stream) Hashes() []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Hash, len(s.markers))
	for i := range s.markers {
		out[i] = s.markers[i].Hash
	}
	return out
}

// Verify walks the whole chain. An empty stream is trivially valid.
func (s *Stream) Verify() error {
	s.mu.RLock()
	markers := s.markers
	s.mu.RUnlock()
	return VerifyMarkers(markers)
}

// VerifyMarkers checks a marker sequence starting at sequence 0.
func VerifyMarkers(markers []Marker) error {
	for i := range markers {
		var prev *Marker
		if i > 0 {
			prev = &markers[i-1]
		}
		if err := verifyNext(prev, markers[i], uint64(i)); err != nil {
			return err
		}
	}
	return nil
}

// verifyNext checks that m is a valid successor of prev at position want.
// A nil prev means m must be the genesis marker.
func verifyNext(prev *Marker, m Marker, want uint64) error {
	if m.Sequence != want {
		return newError(CodeSequenceGap, want, fmt.Sprintf("expected sequence %d, found %d", want, m.Sequence))
	}
	expectedPrev := GenesisHash
	if prev != nil {
		expectedPrev = prev.Hash
	}
	if m.PrevHash != expectedPrev {
		return newError(CodeHashChainBreak, want,
			fmt.Sprintf("prev_hash %s does not match predecessor %s", m.PrevHash, expectedPrev))
	}
	if prev != nil && m.Timestamp < prev.Timestamp {
		return newError(CodeTimeRegression, want,
			fmt.Sprintf("timestamp %d precedes predecessor timestamp %d", m.Timestamp, prev.Timestamp))
	}
	if !m.EventType.Valid() {
		return newError(CodeIntegrityFailure, want, fmt.Sprintf("unknown event type %d", uint8(m.EventType)))
	}
	if got := m.ExpectedHash(); got != m.Hash {
		return newError(CodeIntegrityFailure, want,
			fmt.Sprintf("stored hash %s, recomputed %s", m.Hash, got))
	}
	return nil
}
