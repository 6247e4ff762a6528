package ordered

import (
	"slices"
	"time"

	"github.com/roach88/seqcommit/internal/ledger"
)

// pendingHeadLimit caps Snapshot.PendingHead.
const pendingHeadLimit = 8

// Snapshot is a read-only view of appender state for telemetry and tests.
type Snapshot struct {
	NextCommitSeq int64        `json:"next_commit_seq"`
	HeadState     ledger.State `json:"-"`
	HeadStateName string       `json:"head_state"`
	MaxSeenSeq    int64        `json:"max_seen_seq"`
	CommitLag     int64        `json:"commit_lag"`

	PendingEnvelopes int     `json:"pending_envelopes"`
	PendingBytes     int64   `json:"pending_bytes"`
	PendingHead      []int64 `json:"pending_head,omitempty"`

	Counts          ledger.Counts `json:"counts"`
	Commits         int           `json:"commits"`
	JournalLength   int           `json:"journal_length"`
	CapacityWaiters int           `json:"capacity_waiters"`
	Gated           bool          `json:"gated"`
	Emergency       bool          `json:"emergency"`
	Draining        bool          `json:"draining"`
	CoalescedDrains int           `json:"coalesced_drains"`

	OldestPendingAt time.Time `json:"oldest_pending_at,omitzero"`
	LastAdvanceAt   time.Time `json:"last_advance_at"`

	Aborted    bool   `json:"aborted"`
	AbortCause string `json:"abort_cause,omitempty"`
}

// Snapshot returns the current appender state.
func (a *Appender[T]) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.ledger.NextCommitSeq()
	head := a.ledger.State(next)

	s := Snapshot{
		NextCommitSeq:    next,
		HeadState:        head,
		HeadStateName:    head.String(),
		MaxSeenSeq:       a.ledger.MaxSeenSeq(),
		CommitLag:        a.commitLagLocked(),
		PendingEnvelopes: len(a.envelopes),
		PendingBytes:     a.pendingBytes,
		Counts:           a.ledger.Counts(),
		Commits:          a.commits,
		JournalLength:    len(a.journal),
		CapacityWaiters:  len(a.waiters),
		Gated:            a.gated,
		Emergency:        a.emergency,
		Draining:         a.draining,
		CoalescedDrains:  a.coalesced,
		LastAdvanceAt:    a.lastAdvanceAt,
		Aborted:          a.aborted,
	}
	if a.abortErr != nil {
		s.AbortCause = a.abortErr.Error()
	}

	for seq, env := range a.envelopes {
		s.PendingHead = append(s.PendingHead, seq)
		if s.OldestPendingAt.IsZero() || env.createdAt.Before(s.OldestPendingAt) {
			s.OldestPendingAt = env.createdAt
		}
	}
	slices.Sort(s.PendingHead)
	if len(s.PendingHead) > pendingHeadLimit {
		s.PendingHead = s.PendingHead[:pendingHeadLimit]
	}
	return s
}
