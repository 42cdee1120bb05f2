package markerstream

import (
	"errors"
	"fmt"
)

// Code is the stable identifier attached to every stream error. Codes are
// written to audit logs and must never change meaning.
type Code string

const (
	CodeSequenceGap      Code = "MKS_SEQUENCE_GAP"
	CodeHashChainBreak   Code = "MKS_HASH_CHAIN_BREAK"
	CodeTimeRegression   Code = "MKS_TIME_REGRESSION"
	CodeEmptyStream      Code = "MKS_EMPTY_STREAM"
	CodeIntegrityFailure Code = "MKS_INTEGRITY_FAILURE"
	CodeTornTail         Code = "MKS_TORN_TAIL"
	CodeInvalidPayload   Code = "MKS_INVALID_PAYLOAD"
)

// Codes lists every stream error code.
func Codes() []Code {
	return []Code{
		CodeSequenceGap, CodeHashChainBreak, CodeTimeRegression, CodeEmptyStream,
		CodeIntegrityFailure, CodeTornTail, CodeInvalidPayload,
	}
}

// Error is a stream invariant violation.
type Error struct {
	Code   Code
	Seq    uint64
	Detail string
}

func newError(code Code, seq uint64, detail string) *Error {
	return &Error{Code: code, Seq: seq, Detail: detail}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	if e.Code == CodeInvalidPayload || e.Code == CodeEmptyStream {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s at seq %d: %s", e.Code, e.Seq, e.Detail)
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, markerstream.ErrHashChainBreak).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrSequenceGap      = &Error{Code: CodeSequenceGap}
	ErrHashChainBreak   = &Error{Code: CodeHashChainBreak}
	ErrTimeRegression   = &Error{Code: CodeTimeRegression}
	ErrEmptyStream      = &Error{Code: CodeEmptyStream}
	ErrIntegrityFailure = &Error{Code: CodeIntegrityFailure}
	ErrTornTail         = &Error{Code: CodeTornTail}
	ErrInvalidPayload   = &Error{Code: CodeInvalidPayload}
)

// CodeOf extracts the stream error code from err, or "" if err is not a
// stream error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
