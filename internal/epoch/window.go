// Package epoch provides the control epoch counter, the durable epoch store
// and the validity-window gate applied to externally supplied artifacts.
package epoch

import (
	"fmt"
	"math"
)

// ControlEpoch is a totally ordered, monotonic counter.
type ControlEpoch uint64

// MaxEpoch is the largest representable epoch.
const MaxEpoch = ControlEpoch(math.MaxUint64)

// Next returns e+1, or false if e is MaxEpoch.
func (e ControlEpoch) Next() (ControlEpoch, bool) {
	if e == MaxEpoch {
		return e, false
	}
	return e + 1, true
}

// SaturatingAdd returns e+n clamped to MaxEpoch.
func (e ControlEpoch) SaturatingAdd(n uint64) ControlEpoch {
	if uint64(MaxEpoch-e) < n {
		return MaxEpoch
	}
	return e + ControlEpoch(n)
}

// SaturatingSub returns e-n clamped to 0.
func (e ControlEpoch) SaturatingSub(n uint64) ControlEpoch {
	if uint64(e) < n {
		return 0
	}
	return e - ControlEpoch(n)
}

// ValidityWindowPolicy accepts epochs in [CurrentEpoch-LookbackWindow, CurrentEpoch].
type ValidityWindowPolicy struct {
	CurrentEpoch   ControlEpoch `json:"current_epoch"`
	LookbackWindow uint64       `json:"lookback_window"`
}

// NewValidityWindowPolicy returns a policy anchored at current.
func NewValidityWindowPolicy(current ControlEpoch, lookback uint64) ValidityWindowPolicy {
	return ValidityWindowPolicy{CurrentEpoch: current, LookbackWindow: lookback}
}

// MinAccepted is the oldest accepted epoch. The bound saturates at zero.
func (p ValidityWindowPolicy) MinAccepted() ControlEpoch {
	return p.CurrentEpoch.SaturatingSub(p.LookbackWindow)
}

// Contains reports whether e falls inside the window, bounds inclusive.
func (p ValidityWindowPolicy) Contains(e ControlEpoch) bool {
	return e >= p.MinAccepted() && e <= p.CurrentEpoch
}

// RejectionReason says which side of the window an artifact fell on.
type RejectionReason string

const (
	FutureEpoch  RejectionReason = "FutureEpoch"
	ExpiredEpoch RejectionReason = "ExpiredEpoch"
)

// RejectedEventCode is the audit event code for a rejected artifact.
const RejectedEventCode = "EPOCH_ARTIFACT_REJECTED"

// Rejection is returned by CheckArtifactEpoch for out-of-window artifacts.
type Rejection struct {
	ArtifactID    string
	ArtifactEpoch ControlEpoch
	CurrentEpoch  ControlEpoch
	Reason        RejectionReason
	TraceID       string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: artifact %q epoch %d rejected (%s, current %d)",
		RejectedEventCode, r.ArtifactID, r.ArtifactEpoch, r.Reason, r.CurrentEpoch)
}

// RejectedEvent is the structured audit record for a rejection.
type RejectedEvent struct {
	EventCode     string          `json:"event_code"`
	ArtifactID    string          `json:"artifact_id"`
	ArtifactEpoch ControlEpoch    `json:"artifact_epoch"`
	CurrentEpoch  ControlEpoch    `json:"current_epoch"`
	Reason        RejectionReason `json:"rejection_reason"`
	TraceID       string          `json:"trace_id"`
}

// ToRejectedEvent converts r into its audit event.
func (r *Rejection) ToRejectedEvent() RejectedEvent {
	return RejectedEvent{
		EventCode:     RejectedEventCode,
		ArtifactID:    r.ArtifactID,
		ArtifactEpoch: r.ArtifactEpoch,
		CurrentEpoch:  r.CurrentEpoch,
		Reason:        r.Reason,
		TraceID:       r.TraceID,
	}
}

// CheckArtifactEpoch admits an artifact iff its epoch lies inside policy's
// window. It returns a *Rejection otherwise.
func CheckArtifactEpoch(artifactID string, artifactEpoch ControlEpoch, policy ValidityWindowPolicy, traceID string) error {
	var reason RejectionReason
	switch {
	case artifactEpoch > policy.CurrentEpoch:
		reason = FutureEpoch
	case artifactEpoch < policy.MinAccepted():
		reason = ExpiredEpoch
	default:
		return nil
	}
	return &Rejection{
		ArtifactID:    artifactID,
		ArtifactEpoch: artifactEpoch,
		CurrentEpoch:  policy.CurrentEpoch,
		Reason:        reason,
		TraceID:       traceID,
	}
}
