package ordered

import (
	"fmt"

	"github.com/roach88/seqcommit/internal/ledger"
)

// Outcome is the terminal outcome a worker reports for a seq.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkip    Outcome = "skip"
	OutcomeFail    Outcome = "fail"
	OutcomeCancel  Outcome = "cancel"
)

// State returns the ledger terminal state for the outcome.
func (o Outcome) State() ledger.State {
	switch o {
	case OutcomeSuccess:
		return ledger.TerminalSuccess
	case OutcomeSkip:
		return ledger.TerminalSkip
	case OutcomeFail:
		return ledger.TerminalFail
	case OutcomeCancel:
		return ledger.TerminalCancel
	}
	return ledger.Unused
}

// Valid reports whether o is one of the four outcomes.
func (o Outcome) Valid() bool {
	return o.State() != ledger.Unused
}

// ParseOutcome converts a string to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Valid() {
		return "", fmt.Errorf("unknown outcome %q", s)
	}
	return o, nil
}

// RecordKind distinguishes journal record types.
type RecordKind string

const (
	// KindTerminal records that a seq reached a terminal outcome.
	KindTerminal RecordKind = "terminal"
	// KindCommit records that a seq's outcome was applied and the cursor moved past it.
	KindCommit RecordKind = "commit"
)

// Record is one immutable journal entry. Records are appended in decision order.
type Record struct {
	Kind    RecordKind `json:"kind" yaml:"kind"`
	Seq     int64      `json:"seq" yaml:"seq"`
	Outcome Outcome    `json:"outcome" yaml:"outcome"`
	Reason  string     `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// String renders the record as kind(seq,outcome).
func (r Record) String() string {
	return fmt.Sprintf("%s(%d,%s)", r.Kind, r.Seq, r.Outcome)
}
