package ledger

import "time"

// State is the lifecycle state of one seq.
type State uint8

const (
	// Unseen: expected, never dispatched.
	Unseen State = iota
	// Dispatched: claimed by a worker, not yet executing.
	Dispatched
	// InFlight: worker executing, lease heartbeat live.
	InFlight
	// TerminalSuccess: worker produced a result to apply.
	TerminalSuccess
	// TerminalSkip: worker decided the unit has nothing to apply.
	TerminalSkip
	// TerminalFail: worker (or lease reclaim) failed the unit.
	TerminalFail
	// TerminalCancel: unit was cancelled before producing a result.
	TerminalCancel
	// Committed: terminal outcome applied and journaled.
	Committed
	// Unused marks seqs outside the expected set. Never entered or exited.
	Unused
)

var stateNames = [...]string{
	Unseen:          "unseen",
	Dispatched:      "dispatched",
	InFlight:        "in_flight",
	TerminalSuccess: "terminal_success",
	TerminalSkip:    "terminal_skip",
	TerminalFail:    "terminal_fail",
	TerminalCancel:  "terminal_cancel",
	Committed:       "committed",
	Unused:          "unused",
}

// String returns the snake_case name of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// IsTerminal reports whether s is one of the four terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case TerminalSuccess, TerminalSkip, TerminalFail, TerminalCancel:
		return true
	}
	return false
}

// validTransitions is the legality table. Keys are prior states; values are
// the set of legal next states. Committed and Unused have no entries.
var validTransitions = map[State]map[State]bool{
	Unseen:     {Dispatched: true},
	Dispatched: {InFlight: true, TerminalCancel: true},
	InFlight: {
		TerminalSuccess: true,
		TerminalSkip:    true,
		TerminalFail:    true,
		TerminalCancel:  true,
	},
	TerminalSuccess: {Committed: true},
	TerminalSkip:    {Committed: true},
	TerminalFail:    {Committed: true, Dispatched: true},
	TerminalCancel:  {Committed: true},
}

// IsValidTransition reports whether prior→next is in the legality table.
func IsValidTransition(prior, next State) bool {
	targets, ok := validTransitions[prior]
	if !ok {
		return false
	}
	return targets[next]
}

// Lease is the ownership claim held while a seq is Dispatched or InFlight.
type Lease struct {
	OwnerID         string
	LastHeartbeatAt time.Time
	AttemptCount    int
}

// ReasonLeaseExpired is recorded on seqs force-failed by ReclaimExpiredLeases.
const ReasonLeaseExpired = "lease_expired"
