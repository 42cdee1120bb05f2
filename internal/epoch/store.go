package epoch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
)

// Code identifies an epoch store failure.
type Code string

const (
	CodeRegression        Code = "EPOCH_REGRESSION"
	CodeOverflow          Code = "EPOCH_OVERFLOW"
	CodeInvalidManifest   Code = "EPOCH_INVALID_MANIFEST"
	CodeInvalidTransition Code = "EPOCH_TRANSITION_INVALID"
)

// Error is returned by Store operations.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrRegression        = &Error{Code: CodeRegression}
	ErrOverflow          = &Error{Code: CodeOverflow}
	ErrInvalidManifest   = &Error{Code: CodeInvalidManifest}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
)

// Transition is a signed record of the epoch moving forward.
type Transition struct {
	OldEpoch     ControlEpoch `json:"old_epoch"`
	NewEpoch     ControlEpoch `json:"new_epoch"`
	Timestamp    uint64       `json:"timestamp"`
	ManifestHash string       `json:"manifest_hash"`
	TraceID      string       `json:"trace_id"`
	MAC          string       `json:"mac"`
}

// signingBytes is the JCS form of every field except the MAC. Integers are
// rendered as decimal strings because JCS numbers are IEEE doubles and would
// merge distinct epochs above 2^53.
func (t Transition) signingBytes() ([]byte, error) {
	raw, err := json.Marshal(map[string]string{
		"old_epoch":     strconv.FormatUint(uint64(t.OldEpoch), 10),
		"new_epoch":     strconv.FormatUint(uint64(t.NewEpoch), 10),
		"timestamp":     strconv.FormatUint(t.Timestamp, 10),
		"manifest_hash": t.ManifestHash,
		"trace_id":      t.TraceID,
	})
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Journal durably records a transition. Store calls it before the new epoch
// becomes visible; a failed record leaves the epoch unchanged.
type Journal interface {
	RecordEpochTransition(ctx context.Context, t Transition) error
}

// Store holds the current control epoch. Every change is signed, journaled
// and strictly increasing.
type Store struct {
	mu      sync.Mutex
	current ControlEpoch
	history []Transition
	secret  authkey.Secret
	journal Journal
}

// NewStore returns a store at epoch 0. journal may be nil for an in-memory
// store.
func NewStore(secret authkey.Secret, journal Journal) *Store {
	return &Store{secret: secret, journal: journal}
}

// Current returns the committed epoch.
func (s *Store) Current() ControlEpoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// History returns every committed transition in order.
func (s *Store) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// Advance moves the epoch forward by one.
func (s *Store) Advance(ctx context.Context, manifestHash string, ts uint64, traceID string) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.current.Next()
	if !ok {
		return Transition{}, &Error{Code: CodeOverflow, Detail: fmt.Sprintf("epoch %d cannot advance", s.current)}
	}
	return s.commit(ctx, next, manifestHash, ts, traceID)
}

// Set moves the epoch to target, which must be strictly greater than the
// current epoch.
func (s *Store) Set(ctx context.Context, target ControlEpoch, manifestHash string, ts uint64, traceID string) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target <= s.current {
		return Transition{}, &Error{Code: CodeRegression,
			Detail: fmt.Sprintf("target %d is not after current %d", target, s.current)}
	}
	return s.commit(ctx, target, manifestHash, ts, traceID)
}

func (s *Store) commit(ctx context.Context, next ControlEpoch, manifestHash string, ts uint64, traceID string) (Transition, error) {
	if _, err := markerstream.ParseHash(manifestHash); err != nil {
		return Transition{}, &Error{Code: CodeInvalidManifest, Detail: err.Error()}
	}
	t := Transition{
		OldEpoch:     s.current,
		NewEpoch:     next,
		Timestamp:    ts,
		ManifestHash: manifestHash,
		TraceID:      traceID,
	}
	msg, err := t.signingBytes()
	if err != nil {
		return Transition{}, fmt.Errorf("canonicalize transition: %w", err)
	}
	t.MAC = s.secret.MAC(authkey.PurposeEpochTransition, msg)

	if s.journal != nil {
		if err := s.journal.RecordEpochTransition(ctx, t); err != nil {
			return Transition{}, fmt.Errorf("journal epoch transition: %w", err)
		}
	}
	s.current = next
	s.history = append(s.history, t)
	return t, nil
}

// Verify checks t's MAC and that it moves the epoch forward.
func (s *Store) Verify(t Transition) error {
	return VerifyTransition(s.secret, t)
}

// VerifyTransition authenticates t under secret.
func VerifyTransition(secret authkey.Secret, t Transition) error {
	if t.NewEpoch <= t.OldEpoch {
		return &Error{Code: CodeRegression, Detail: fmt.Sprintf("transition %d -> %d", t.OldEpoch, t.NewEpoch)}
	}
	if _, err := markerstream.ParseHash(t.ManifestHash); err != nil {
		return &Error{Code: CodeInvalidManifest, Detail: err.Error()}
	}
	msg, err := t.signingBytes()
	if err != nil {
		return fmt.Errorf("canonicalize transition: %w", err)
	}
	if !secret.Verify(authkey.PurposeEpochTransition, msg, t.MAC) {
		return &Error{Code: CodeInvalidTransition, Detail: "mac mismatch"}
	}
	return nil
}

// Recover rebuilds a store by replaying committed transitions. Each must
// verify and continue from the previous one.
func Recover(secret authkey.Secret, transitions []Transition, journal Journal) (*Store, error) {
	s := NewStore(secret, journal)
	for i, t := range transitions {
		if err := VerifyTransition(secret, t); err != nil {
			return nil, fmt.Errorf("transition %d: %w", i, err)
		}
		if t.OldEpoch != s.current {
			return nil, &Error{Code: CodeInvalidTransition,
				Detail: fmt.Sprintf("transition %d starts at %d, store is at %d", i, t.OldEpoch, s.current)}
		}
		s.current = t.NewEpoch
		s.history = append(s.history, t)
	}
	return s, nil
}

// TransitionsFromStream decodes every epoch_transition marker in stream.
func TransitionsFromStream(stream *markerstream.Stream) ([]Transition, error) {
	snap := stream.Snapshot()
	var out []Transition
	for _, m := range snap.Range(0, snap.Len()) {
		if m.EventType != markerstream.EpochTransition {
			continue
		}
		var t Transition
		if err := json.Unmarshal([]byte(m.Payload), &t); err != nil {
			return nil, errors.Join(
				&Error{Code: CodeInvalidTransition, Detail: fmt.Sprintf("marker %d payload", m.Sequence)}, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// RecoverFromStream replays the epoch transitions recorded in stream.
func RecoverFromStream(stream *markerstream.Stream, secret authkey.Secret, journal Journal) (*Store, error) {
	ts, err := TransitionsFromStream(stream)
	if err != nil {
		return nil, err
	}
	return Recover(secret, ts, journal)
}
