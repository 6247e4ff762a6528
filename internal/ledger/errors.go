package ledger

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	// ErrCodeIllegalTransition indicates a transition outside the legality table.
	ErrCodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"

	// ErrCodeUnknownSeq indicates an operation on a seq outside the expected set.
	ErrCodeUnknownSeq ErrorCode = "UNKNOWN_SEQ"

	// ErrCodeIncomplete indicates AssertCompletion found uncommitted seqs.
	ErrCodeIncomplete ErrorCode = "INCOMPLETE"
)

// Error is a protocol violation detected by the ledger.
//
// Prior and Next are only meaningful for ErrCodeIllegalTransition.
type Error struct {
	Code    ErrorCode
	Message string
	Seq     int64
	Prior   State
	Next    State
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code == ErrCodeIllegalTransition {
		return fmt.Sprintf("%s: %s (seq=%d, %s -> %s)", e.Code, e.Message, e.Seq, e.Prior, e.Next)
	}
	if e.Code == ErrCodeUnknownSeq {
		return fmt.Sprintf("%s: %s (seq=%d)", e.Code, e.Message, e.Seq)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newIllegalTransition(seq int64, prior, next State) *Error {
	return &Error{
		Code:    ErrCodeIllegalTransition,
		Message: "transition not permitted",
		Seq:     seq,
		Prior:   prior,
		Next:    next,
	}
}

func newUnknownSeq(seq int64) *Error {
	return &Error{
		Code:    ErrCodeUnknownSeq,
		Message: "seq is not in the expected set",
		Seq:     seq,
	}
}

// IsIllegalTransition returns true if err is an illegal transition error.
// Uses errors.As to handle wrapped errors.
func IsIllegalTransition(err error) bool {
	return hasCode(err, ErrCodeIllegalTransition)
}

// IsUnknownSeq returns true if err reports an unexpected seq.
func IsUnknownSeq(err error) bool {
	return hasCode(err, ErrCodeUnknownSeq)
}

// IsIncomplete returns true if err is an AssertCompletion failure.
func IsIncomplete(err error) bool {
	return hasCode(err, ErrCodeIncomplete)
}

func hasCode(err error, code ErrorCode) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}
