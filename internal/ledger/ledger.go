package ledger

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// denseFactor bounds how much larger than the expected set the dense slot
// array may be. Sparser sets are stored in a map.
const denseFactor = 4

// slot is the per-seq record. Dense slots are indexed by seq-base; used
// marks members of the expected set.
type slot struct {
	used     bool
	state    State
	owner    string
	lastBeat time.Time
	attempts int
	reason   string
}

// Counts is a point-in-time copy of the ledger counters.
type Counts struct {
	Total      int
	Dispatched int
	InFlight   int
	Terminal   int // seqs that are terminal or committed
	Committed  int
}

// TransitionOpts carries the metadata recorded with a transition.
type TransitionOpts struct {
	OwnerID string
	Reason  string
	Now     time.Time
}

// Ledger is the fixed-range seq state machine.
type Ledger struct {
	mu sync.Mutex

	base     int64
	slots    []slot          // dense storage
	sparse   map[int64]*slot // used instead of slots for wide gaps
	expected []int64         // sorted, deduplicated

	cursor  int // index into expected of the next seq to commit
	maxSeen int64

	dispatched int
	inFlight   int
	terminal   int
	committed  int

	leaseTimeout time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLeaseTimeout sets how long an InFlight seq may go without a heartbeat
// before ReclaimExpiredLeases force-fails it. Zero disables reclaim.
func WithLeaseTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		l.leaseTimeout = d
	}
}

// New creates a ledger over an explicit expected-seq set. Duplicates are
// ignored; negative seqs are rejected.
func New(expected []int64, opts ...Option) (*Ledger, error) {
	seqs := slices.Clone(expected)
	slices.Sort(seqs)
	seqs = slices.Compact(seqs)

	l := &Ledger{
		expected: seqs,
		maxSeen:  -1,
	}
	if len(seqs) > 0 {
		if seqs[0] < 0 {
			return nil, fmt.Errorf("new ledger: negative seq %d", seqs[0])
		}
		if last := seqs[len(seqs)-1]; last == math.MaxInt64 {
			return nil, fmt.Errorf("new ledger: seq %d overflows the commit cursor", last)
		}
		l.base = seqs[0]
		span := uint64(seqs[len(seqs)-1]-l.base) + 1
		if span <= uint64(denseFactor*len(seqs)) {
			l.slots = make([]slot, span)
			for _, seq := range seqs {
				l.slots[seq-l.base].used = true
			}
		} else {
			l.sparse = make(map[int64]*slot, len(seqs))
			for _, seq := range seqs {
				l.sparse[seq] = &slot{used: true}
			}
		}
	}

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewRange creates a ledger expecting count contiguous seqs from start.
func NewRange(start int64, count int, opts ...Option) (*Ledger, error) {
	if count < 0 {
		return nil, fmt.Errorf("new ledger: negative count %d", count)
	}
	if count > 0 && start > math.MaxInt64-int64(count-1) {
		return nil, fmt.Errorf("new ledger: range %d+%d overflows int64", start, count)
	}
	seqs := make([]int64, count)
	for i := range seqs {
		seqs[i] = start + int64(i)
	}
	return New(seqs, opts...)
}

// lookup returns the slot for seq, or nil when seq is not expected.
// Caller must hold l.mu.
func (l *Ledger) lookup(seq int64) *slot {
	if l.sparse != nil {
		return l.sparse[seq]
	}
	if seq < l.base {
		return nil
	}
	idx := seq - l.base
	if idx >= int64(len(l.slots)) {
		return nil
	}
	s := &l.slots[idx]
	if !s.used {
		return nil
	}
	return s
}

// State returns the state of seq, or Unused for seqs outside the expected set.
func (l *Ledger) State(seq int64) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.lookup(seq)
	if s == nil {
		return Unused
	}
	return s.state
}

// Transition moves seq to next, validating against the legality table.
// Returns the new state on success.
func (l *Ledger) Transition(seq int64, next State, opts TransitionOpts) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionLocked(seq, next, opts)
}

func (l *Ledger) transitionLocked(seq int64, next State, opts TransitionOpts) (State, error) {
	s := l.lookup(seq)
	if s == nil {
		return Unused, newUnknownSeq(seq)
	}
	prior := s.state
	if !IsValidTransition(prior, next) {
		return prior, newIllegalTransition(seq, prior, next)
	}

	switch next {
	case Dispatched:
		if prior == TerminalFail {
			l.terminal--
		}
		s.attempts++
		s.owner = opts.OwnerID
		s.lastBeat = opts.Now
		s.reason = ""
		l.dispatched++

	case InFlight:
		l.dispatched--
		l.inFlight++
		if opts.OwnerID != "" {
			s.owner = opts.OwnerID
		}
		s.lastBeat = opts.Now

	case TerminalSuccess, TerminalSkip, TerminalFail, TerminalCancel:
		if prior == InFlight {
			l.inFlight--
		} else {
			l.dispatched--
		}
		l.terminal++
		s.owner = ""
		s.lastBeat = time.Time{}
		s.reason = opts.Reason
		if seq > l.maxSeen {
			l.maxSeen = seq
		}

	case Committed:
		l.committed++
		if l.cursor < len(l.expected) && l.expected[l.cursor] == seq {
			l.cursor++
		}
	}

	s.state = next
	return next, nil
}

// Heartbeat refreshes the lease of an InFlight seq. When ownerID is non-empty
// it must match the lease holder.
func (l *Ledger) Heartbeat(seq int64, ownerID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.lookup(seq)
	if s == nil || s.state != InFlight {
		return false
	}
	if ownerID != "" && ownerID != s.owner {
		return false
	}
	s.lastBeat = now
	return true
}

// ReclaimExpiredLeases force-fails every InFlight seq whose last heartbeat is
// older than the lease timeout, in seq order, and returns them.
func (l *Ledger) ReclaimExpiredLeases(now time.Time) []int64 {
	if l.leaseTimeout <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var reclaimed []int64
	for _, seq := range l.expected {
		s := l.lookup(seq)
		if s.state != InFlight || now.Sub(s.lastBeat) <= l.leaseTimeout {
			continue
		}
		if _, err := l.transitionLocked(seq, TerminalFail, TransitionOpts{Reason: ReasonLeaseExpired, Now: now}); err != nil {
			// InFlight→TerminalFail is always legal.
			panic(err)
		}
		reclaimed = append(reclaimed, seq)
	}
	return reclaimed
}

// AssertCompletion fails unless every expected seq is terminal and committed.
func (l *Ledger) AssertCompletion() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := len(l.expected)
	if l.terminal == total && l.committed == total {
		return nil
	}
	return &Error{
		Code: ErrCodeIncomplete,
		Message: fmt.Sprintf("terminal=%d committed=%d expected=%d (next commit seq %d)",
			l.terminal, l.committed, total, l.nextCommitSeqLocked()),
	}
}

// NextCommitSeq returns the commit cursor. Once every expected seq has
// committed it is one past the last expected seq.
func (l *Ledger) NextCommitSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextCommitSeqLocked()
}

func (l *Ledger) nextCommitSeqLocked() int64 {
	if l.cursor < len(l.expected) {
		return l.expected[l.cursor]
	}
	if len(l.expected) == 0 {
		return 0
	}
	return l.expected[len(l.expected)-1] + 1
}

// MaxSeenSeq returns the highest seq that has reached a terminal state, or -1.
func (l *Ledger) MaxSeenSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxSeen
}

// Lease returns the lease of a Dispatched or InFlight seq.
func (l *Ledger) Lease(seq int64) (Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.lookup(seq)
	if s == nil || (s.state != Dispatched && s.state != InFlight) {
		return Lease{}, false
	}
	return Lease{OwnerID: s.owner, LastHeartbeatAt: s.lastBeat, AttemptCount: s.attempts}, true
}

// Attempts returns how many times seq has been dispatched.
func (l *Ledger) Attempts(seq int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.lookup(seq)
	if s == nil {
		return 0
	}
	return s.attempts
}

// Reason returns the reason code recorded with the seq's latest terminal
// transition. Cleared on retry.
func (l *Ledger) Reason(seq int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.lookup(seq)
	if s == nil {
		return ""
	}
	return s.reason
}

// Expected returns a copy of the sorted expected-seq set.
func (l *Ledger) Expected() []int64 {
	return slices.Clone(l.expected)
}

// Contains reports whether seq is in the expected set.
func (l *Ledger) Contains(seq int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookup(seq) != nil
}

// Counts returns the current counters.
func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Counts{
		Total:      len(l.expected),
		Dispatched: l.dispatched,
		InFlight:   l.inFlight,
		Terminal:   l.terminal,
		Committed:  l.committed,
	}
}

// ExpectedAfter returns the expected seqs strictly greater than seq, in
// order, at most limit of them (limit <= 0 means no limit).
func (l *Ledger) ExpectedAfter(seq int64, limit int) []int64 {
	idx, found := slices.BinarySearch(l.expected, seq)
	if found {
		idx++
	}
	out := l.expected[idx:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return slices.Clone(out)
}
