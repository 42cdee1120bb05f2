package mmr

import (
	"errors"
	"fmt"
)

// Code is the stable identifier of a proof-system error.
type Code string

const (
	CodeDisabled           Code = "MMR_DISABLED"
	CodeEmptyCheckpoint    Code = "MMR_EMPTY_CHECKPOINT"
	CodeSequenceOutOfRange Code = "MMR_SEQUENCE_OUT_OF_RANGE"
	CodeCheckpointStale    Code = "MMR_CHECKPOINT_STALE"
	CodePrefixSizeInvalid  Code = "MMR_PREFIX_SIZE_INVALID"
	CodeInvalidProof       Code = "MMR_INVALID_PROOF"
	CodeLeafMismatch       Code = "MMR_LEAF_MISMATCH"
	CodeRootMismatch       Code = "MMR_ROOT_MISMATCH"
)

// Error is returned by every checkpoint and proof operation.
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

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

var (
	ErrDisabled           = &Error{Code: CodeDisabled}
	ErrEmptyCheckpoint    = &Error{Code: CodeEmptyCheckpoint}
	ErrSequenceOutOfRange = &Error{Code: CodeSequenceOutOfRange}
	ErrCheckpointStale    = &Error{Code: CodeCheckpointStale}
	ErrPrefixSizeInvalid  = &Error{Code: CodePrefixSizeInvalid}
	ErrInvalidProof       = &Error{Code: CodeInvalidProof}
	ErrLeafMismatch       = &Error{Code: CodeLeafMismatch}
	ErrRootMismatch       = &Error{Code: CodeRootMismatch}
)

// CodeOf returns the proof error code carried by err, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
