package ordered

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/seqcommit/internal/ledger"
)

// ErrorCode categorizes appender errors.
type ErrorCode string

const (
	// ErrCodeDuplicateTerminal indicates a second, conflicting outcome for a seq.
	ErrCodeDuplicateTerminal ErrorCode = "DUPLICATE_TERMINAL"

	// ErrCodeFlushTimeout indicates applyResult exceeded the flush timeout.
	ErrCodeFlushTimeout ErrorCode = "ORDERED_FLUSH_TIMEOUT"

	// ErrCodeCapacityTimeout indicates a capacity wait passed its deadline.
	ErrCodeCapacityTimeout ErrorCode = "CAPACITY_WAIT_TIMEOUT"

	// ErrCodeApplyFailed indicates applyResult returned an error.
	ErrCodeApplyFailed ErrorCode = "APPLY_FAILED"

	// ErrCodeJournalFailed indicates the journal sink rejected a record.
	ErrCodeJournalFailed ErrorCode = "JOURNAL_FAILED"

	// ErrCodeAborted is returned by operations on an aborted appender.
	ErrCodeAborted ErrorCode = "ABORTED"

	// ErrCodeJournalConflict indicates conflicting outcomes for one seq in a journal.
	ErrCodeJournalConflict ErrorCode = "JOURNAL_CONFLICT"

	// ErrCodeJournalCorrupt indicates a journal that no appender could have written.
	ErrCodeJournalCorrupt ErrorCode = "JOURNAL_CORRUPT"

	// ErrCodeLeaseReclaimed rejects an outcome for a seq whose lease expired
	// and that was not retried.
	ErrCodeLeaseReclaimed ErrorCode = "LEASE_RECLAIMED"

	// ErrCodePendingEnvelopes indicates AssertCompletion found buffered envelopes.
	ErrCodePendingEnvelopes ErrorCode = "PENDING_ENVELOPES"
)

// Error is an appender error. Err holds the underlying cause, if any.
type Error struct {
	Code    ErrorCode
	Message string
	Seq     int64
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrAborted is the cause used when Abort is called with a nil error.
var ErrAborted = errors.New("ordered appender aborted")

func newDuplicateTerminal(seq int64, existing, got Outcome) *Error {
	return &Error{
		Code:    ErrCodeDuplicateTerminal,
		Message: fmt.Sprintf("seq %d already reported %s, got %s", seq, existing, got),
		Seq:     seq,
	}
}

func newFlushTimeout(seq int64, timeout time.Duration) *Error {
	return &Error{
		Code:    ErrCodeFlushTimeout,
		Message: fmt.Sprintf("apply for seq %d exceeded %s", seq, timeout),
		Seq:     seq,
	}
}

func newApplyFailed(seq int64, err error) *Error {
	return &Error{
		Code:    ErrCodeApplyFailed,
		Message: fmt.Sprintf("apply for seq %d failed", seq),
		Seq:     seq,
		Err:     err,
	}
}

func newJournalFailed(rec Record, err error) *Error {
	return &Error{
		Code:    ErrCodeJournalFailed,
		Message: fmt.Sprintf("journal %s record for seq %d", rec.Kind, rec.Seq),
		Seq:     rec.Seq,
		Err:     err,
	}
}

func newLeaseReclaimed(seq int64, outcome Outcome) *Error {
	return &Error{
		Code:    ErrCodeLeaseReclaimed,
		Message: fmt.Sprintf("seq %d lease was reclaimed, retry before reporting %s", seq, outcome),
		Seq:     seq,
	}
}

func newAborted(cause error) *Error {
	return &Error{
		Code:    ErrCodeAborted,
		Message: "appender is aborted",
		Err:     cause,
	}
}

// IsDuplicateTerminal returns true if err reports a conflicting terminal outcome.
func IsDuplicateTerminal(err error) bool {
	return hasCode(err, ErrCodeDuplicateTerminal)
}

// IsFlushTimeout returns true if err is an apply timeout.
func IsFlushTimeout(err error) bool {
	return hasCode(err, ErrCodeFlushTimeout)
}

// IsCapacityTimeout returns true if err is a capacity wait timeout.
func IsCapacityTimeout(err error) bool {
	return hasCode(err, ErrCodeCapacityTimeout)
}

// IsAborted returns true if err was returned by an aborted appender.
func IsAborted(err error) bool {
	return hasCode(err, ErrCodeAborted)
}

// IsLeaseReclaimed returns true if err rejected an outcome for a reclaimed seq.
func IsLeaseReclaimed(err error) bool {
	return hasCode(err, ErrCodeLeaseReclaimed)
}

// IsJournalConflict returns true if err reports conflicting journal records.
func IsJournalConflict(err error) bool {
	return hasCode(err, ErrCodeJournalConflict)
}

// IsProtocolViolation returns true for caller errors that can never be
// retried: illegal transitions, unknown seqs and duplicate terminals.
func IsProtocolViolation(err error) bool {
	return IsDuplicateTerminal(err) || ledger.IsIllegalTransition(err) || ledger.IsUnknownSeq(err)
}

func hasCode(err error, code ErrorCode) bool {
	var oe *Error
	for errors.As(err, &oe) {
		if oe.Code == code {
			return true
		}
		if oe.Err == nil {
			return false
		}
		err = oe.Err
	}
	return false
}
