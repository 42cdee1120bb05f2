package markerstream

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"unicode/utf8"
)

// HashSize is the length in bytes of a marker hash.
const HashSize = sha256.Size

// MaxPayloadBytes bounds the size of a single marker payload.
const MaxPayloadBytes = 1 << 20

// markerDomain separates marker hashes from every other hash in the system,
// including the all-zero genesis sentinel and MMR node hashes.
const markerDomain = "nexusledger:marker:v1\x00"

// Hash is a SHA-256 digest. It marshals to lowercase hex.
type Hash [HashSize]byte

// GenesisHash is the PrevHash of the marker at sequence 0.
var GenesisHash Hash

// String returns the hex encoding of h.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h equals the genesis sentinel.
func (h Hash) IsZero() bool { return h == GenesisHash }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(HashSize))
	hex.Encode(out, h[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(HashSize) {
		return h, fmt.Errorf("hash must be %d hex characters, got %d", hex.EncodedLen(HashSize), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	return h, nil
}

// EventType classifies a marker.
type EventType uint8

const (
	TrustDecision EventType = iota + 1
	RevocationEvent
	QuarantineAction
	PolicyChange
	EpochTransition
	IncidentEscalation
)

var eventTypeLabels = map[EventType]string{
	TrustDecision:      "trust_decision",
	RevocationEvent:    "revocation_event",
	QuarantineAction:   "quarantine_action",
	PolicyChange:       "policy_change",
	EpochTransition:    "epoch_transition",
	IncidentEscalation: "incident_escalation",
}

// EventTypes lists every event type in declaration order.
func EventTypes() []EventType {
	return []EventType{TrustDecision, RevocationEvent, QuarantineAction, PolicyChange, EpochTransition, IncidentEscalation}
}

// Label returns the stable snake_case name of t. It is part of the hash input.
func (t EventType) Label() string {
	if l, ok := eventTypeLabels[t]; ok {
		return l
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

func (t EventType) String() string { return t.Label() }

// Valid reports whether t is one of the defined event types.
func (t EventType) Valid() bool {
	_, ok := eventTypeLabels[t]
	return ok
}

// ParseEventType maps a label back to its EventType.
func ParseEventType(label string) (EventType, error) {
	for t, l := range eventTypeLabels {
		if l == label {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", label)
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type %d", uint8(t))
	}
	return []byte(t.Label()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Marker is a single immutable entry in the stream.
type Marker struct {
	Sequence  uint64    `json:"sequence_number"`
	EventType EventType `json:"event_type"`
	Payload   string    `json:"payload"`
	Timestamp uint64    `json:"timestamp"`
	TraceID   string    `json:"trace_id"`
	Hash      Hash      `json:"marker_hash"`
	PrevHash  Hash      `json:"prev_hash"`
}

// ComputeMarkerHash derives the marker hash from its fields. Variable-length
// fields are length-prefixed so that no two distinct markers share an encoding.
func ComputeMarkerHash(seq uint64, et EventType, payload string, ts uint64, traceID string, prev Hash) Hash {
	h := sha256.New()
	var num [8]byte

	h.Write([]byte(markerDomain))
	binary.BigEndian.PutUint64(num[:], seq)
	h.Write(num[:])
	writeField(h, et.Label())
	writeField(h, payload)
	binary.BigEndian.PutUint64(num[:], ts)
	h.Write(num[:])
	writeField(h, traceID)
	h.Write(prev[:])

	var out Hash
	h.Sum(out[:0])
	return out
}

func writeField(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// ExpectedHash recomputes m's hash from its stored fields.
func (m Marker) ExpectedHash() Hash {
	return ComputeMarkerHash(m.Sequence, m.EventType, m.Payload, m.Timestamp, m.TraceID, m.PrevHash)
}

// ValidatePayload checks the payload accepted by Append.
func ValidatePayload(payload string) error {
	switch {
	case payload == "":
		return newError(CodeInvalidPayload, 0, "payload is empty")
	case len(payload) > MaxPayloadBytes:
		return newError(CodeInvalidPayload, 0, fmt.Sprintf("payload is %d bytes, limit %d", len(payload), MaxPayloadBytes))
	case !utf8.ValidString(payload):
		return newError(CodeInvalidPayload, 0, "payload is not valid UTF-8")
	}
	return nil
}
