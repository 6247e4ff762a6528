package ordered

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/roach88/seqcommit/internal/canon"
)

// ReplayState is the commit state reconstructed from a journal.
type ReplayState struct {
	// NextCommitSeq is the first expected seq without a commit record, or one
	// past the last expected seq when all committed.
	NextCommitSeq int64 `json:"next_commit_seq"`

	// Committed lists committed seqs in commit order.
	Committed []int64 `json:"committed"`

	// Outcomes maps every seq with a terminal record to its outcome.
	Outcomes map[int64]Outcome `json:"-"`

	// Reasons maps seqs to the reason recorded with their terminal outcome.
	Reasons map[int64]string `json:"-"`
}

// Outcome returns the journaled outcome for seq, if any.
func (s ReplayState) Outcome(seq int64) (Outcome, bool) {
	o, ok := s.Outcomes[seq]
	return o, ok
}

// Pending returns seqs with a terminal record but no commit, in seq order.
func (s ReplayState) Pending() []int64 {
	committed := make(map[int64]bool, len(s.Committed))
	for _, seq := range s.Committed {
		committed[seq] = true
	}
	var out []int64
	for seq := range s.Outcomes {
		if !committed[seq] {
			out = append(out, seq)
		}
	}
	slices.Sort(out)
	return out
}

// Digest returns a stable hash of the replayed state. Two journals that
// replay to the same state have the same digest.
func (s ReplayState) Digest() (string, error) {
	outcomes := make(map[string]any, len(s.Outcomes))
	for seq, o := range s.Outcomes {
		outcomes[strconv.FormatInt(seq, 10)] = string(o)
	}
	committed := s.Committed
	if committed == nil {
		committed = []int64{}
	}
	return canon.Digest(canon.DomainReplay, map[string]any{
		"next_commit_seq": s.NextCommitSeq,
		"committed":       committed,
		"outcomes":        outcomes,
	})
}

// ReplayJournal reconstructs commit state from records without touching any
// appender. Duplicate records are tolerated, so replaying a journal appended
// to itself yields the same state. Conflicting outcomes for one seq fail with
// JOURNAL_CONFLICT; records no appender could have written fail with
// JOURNAL_CORRUPT.
func ReplayJournal(records []Record, expected []int64) (ReplayState, error) {
	seqs := slices.Clone(expected)
	slices.Sort(seqs)
	seqs = slices.Compact(seqs)

	known := make(map[int64]bool, len(seqs))
	for _, seq := range seqs {
		known[seq] = true
	}

	state := ReplayState{
		Outcomes: make(map[int64]Outcome),
		Reasons:  make(map[int64]string),
	}
	committed := make(map[int64]bool)

	for pos, rec := range records {
		if !known[rec.Seq] {
			return ReplayState{}, corrupt(pos, rec, "seq not expected")
		}
		if !rec.Outcome.Valid() {
			return ReplayState{}, corrupt(pos, rec, "unknown outcome")
		}

		if prev, ok := state.Outcomes[rec.Seq]; ok && prev != rec.Outcome {
			return ReplayState{}, &Error{
				Code:    ErrCodeJournalConflict,
				Message: fmt.Sprintf("record %d: seq %d has outcome %s, earlier record says %s", pos, rec.Seq, rec.Outcome, prev),
				Seq:     rec.Seq,
			}
		}

		switch rec.Kind {
		case KindTerminal:
			if _, ok := state.Outcomes[rec.Seq]; !ok {
				state.Outcomes[rec.Seq] = rec.Outcome
				state.Reasons[rec.Seq] = rec.Reason
			}
		case KindCommit:
			if _, ok := state.Outcomes[rec.Seq]; !ok {
				return ReplayState{}, corrupt(pos, rec, "commit without terminal record")
			}
			if committed[rec.Seq] {
				continue
			}
			if want := len(state.Committed); want >= len(seqs) || seqs[want] != rec.Seq {
				return ReplayState{}, corrupt(pos, rec, "commit out of order")
			}
			committed[rec.Seq] = true
			state.Committed = append(state.Committed, rec.Seq)
		default:
			return ReplayState{}, corrupt(pos, rec, "unknown record kind")
		}
	}

	switch {
	case len(state.Committed) < len(seqs):
		state.NextCommitSeq = seqs[len(state.Committed)]
	case len(seqs) > 0:
		state.NextCommitSeq = seqs[len(seqs)-1] + 1
	}
	return state, nil
}

func corrupt(pos int, rec Record, msg string) *Error {
	return &Error{
		Code:    ErrCodeJournalCorrupt,
		Message: fmt.Sprintf("record %d (%s): %s", pos, rec, msg),
		Seq:     rec.Seq,
	}
}
