package ordered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/seqcommit/internal/ledger"
)

// ApplyFunc applies one successful outcome. Calls happen in seq order, one
// at a time, never while the appender lock is held.
type ApplyFunc[T any] func(ctx context.Context, payload T, oc OrderContext) error

// OrderContext describes where an applied payload sits in commit order.
type OrderContext struct {
	Seq         int64
	Attempt     int
	CommitIndex int // zero-based position among all commits
}

// JournalSink persists journal records. Append is called under the appender
// lock, in decision order; pos is the record's zero-based position.
type JournalSink interface {
	Append(ctx context.Context, pos int, rec Record) error
}

// CoordinatorID is the lease owner recorded when the appender claims a seq
// that no worker dispatched.
const CoordinatorID = "coordinator"

type envelope[T any] struct {
	seq       int64
	outcome   Outcome
	reason    string
	payload   T
	size      int64
	createdAt time.Time
}

type options struct {
	logger *slog.Logger
	now    func() time.Time
	sink   JournalSink
}

// Option configures an Appender.
type Option func(*options)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock sets the time source used for leases and snapshots.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithJournalSink mirrors every journal record to a durable sink. A sink
// error aborts the appender.
func WithJournalSink(s JournalSink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// Appender buffers out-of-order terminal outcomes and applies them strictly
// in seq order.
type Appender[T any] struct {
	mu sync.Mutex

	ledger *ledger.Ledger
	apply  ApplyFunc[T]
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sink   JournalSink

	expected []int64
	cursor   int // index into expected of the next seq to drain

	envelopes    map[int64]*envelope[T]
	handles      map[int64]*Handle
	pendingBytes int64
	journal      []Record
	waiters      []*capacityWaiter

	draining      bool
	coalesced     int // drain calls folded into a running drain
	gated         bool
	commits       int
	lastAdvanceAt time.Time

	// lastActivityAt moves on every recorded outcome and every commit.
	lastActivityAt time.Time
	emergency      bool

	aborted  bool
	abortErr error
}

// New creates an appender over the expected seqs.
func New[T any](expected []int64, apply ApplyFunc[T], cfg Config, opts ...Option) (*Appender[T], error) {
	if apply == nil {
		return nil, errors.New("new appender: nil apply func")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new appender: %w", err)
	}
	cfg = cfg.withDefaults()

	l, err := ledger.New(expected, ledger.WithLeaseTimeout(cfg.LeaseTimeout))
	if err != nil {
		return nil, fmt.Errorf("new appender: %w", err)
	}

	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &Appender[T]{
		ledger:        l,
		apply:         apply,
		cfg:           cfg,
		logger:        o.logger,
		now:           o.now,
		sink:          o.sink,
		expected:      l.Expected(),
		envelopes:     make(map[int64]*envelope[T]),
		handles:       make(map[int64]*Handle),
		lastAdvanceAt: o.now(),

		lastActivityAt: o.now(),
	}, nil
}

// Ledger exposes the underlying seq ledger for read-only queries. State
// changes go through the appender so protocol violations abort.
func (a *Appender[T]) Ledger() *ledger.Ledger {
	return a.ledger
}

// Config returns the effective configuration.
func (a *Appender[T]) Config() Config {
	return a.cfg
}

// Enqueue records a successful outcome for seq. The payload is applied once
// every earlier expected seq has committed. A seq whose lease was reclaimed
// is rejected with LEASE_RECLAIMED until it is retried; the appender stays
// live.
func (a *Appender[T]) Enqueue(ctx context.Context, seq int64, payload T, byteSize int64) (*Handle, error) {
	return a.record(ctx, seq, OutcomeSuccess, "", payload, byteSize)
}

// Skip records that seq produced nothing to apply.
func (a *Appender[T]) Skip(ctx context.Context, seq int64, reason string) (*Handle, error) {
	var zero T
	return a.record(ctx, seq, OutcomeSkip, reason, zero, 0)
}

// Fail records a permanent failure for seq. The cursor still advances past it.
func (a *Appender[T]) Fail(ctx context.Context, seq int64, reason string) (*Handle, error) {
	var zero T
	return a.record(ctx, seq, OutcomeFail, reason, zero, 0)
}

// Cancel records that seq was abandoned.
func (a *Appender[T]) Cancel(ctx context.Context, seq int64, reason string) (*Handle, error) {
	var zero T
	return a.record(ctx, seq, OutcomeCancel, reason, zero, 0)
}

func (a *Appender[T]) record(ctx context.Context, seq int64, outcome Outcome, reason string, payload T, size int64) (*Handle, error) {
	a.mu.Lock()
	if a.aborted {
		cause := a.abortErr
		a.mu.Unlock()
		return nil, newAborted(cause)
	}

	if h, ok := a.handles[seq]; ok {
		a.mu.Unlock()
		if h.outcome == outcome {
			return h, nil
		}
		err := newDuplicateTerminal(seq, h.outcome, outcome)
		a.Abort(err)
		return nil, err
	}

	if err := a.claimLocked(seq, outcome, reason); err != nil {
		a.mu.Unlock()
		if !IsLeaseReclaimed(err) {
			a.Abort(err)
		}
		return nil, err
	}
	if reason == "" {
		reason = a.ledger.Reason(seq)
	}

	a.envelopes[seq] = &envelope[T]{
		seq:       seq,
		outcome:   outcome,
		reason:    reason,
		payload:   payload,
		size:      size,
		createdAt: a.now(),
	}
	a.pendingBytes += size
	a.lastActivityAt = a.now()
	h := newHandle(seq, outcome)
	a.handles[seq] = h

	if err := a.appendJournalLocked(ctx, Record{Kind: KindTerminal, Seq: seq, Outcome: outcome, Reason: reason}); err != nil {
		a.mu.Unlock()
		a.Abort(err)
		return nil, err
	}
	a.notifyWaitersLocked()
	a.mu.Unlock()

	a.logger.Debug("terminal recorded",
		"seq", seq,
		"outcome", outcome,
		"bytes", size,
	)

	a.drain(ctx)
	return h, nil
}

// claimLocked walks seq through the ledger to the outcome's terminal state.
// Seqs no worker dispatched are claimed by the coordinator. A seq
// force-failed by lease reclaim accepts fail (kept as is) and cancel; a
// success or skip needs a Retry first.
func (a *Appender[T]) claimLocked(seq int64, outcome Outcome, reason string) error {
	target := outcome.State()
	now := a.now()

	var path []ledger.State
	switch state := a.ledger.State(seq); state {
	case ledger.TerminalFail:
		switch outcome {
		case OutcomeFail:
			return nil
		case OutcomeCancel:
			path = append(path, ledger.Dispatched)
		default:
			return newLeaseReclaimed(seq, outcome)
		}
	case ledger.Unseen:
		path = append(path, ledger.Dispatched)
		if target != ledger.TerminalCancel {
			path = append(path, ledger.InFlight)
		}
	case ledger.Dispatched:
		if target != ledger.TerminalCancel {
			path = append(path, ledger.InFlight)
		}
	}
	path = append(path, target)

	for _, st := range path {
		o := ledger.TransitionOpts{Now: now}
		if st == ledger.Dispatched {
			o.OwnerID = CoordinatorID
		}
		if st == target {
			o.Reason = reason
		}
		if _, err := a.ledger.Transition(seq, st, o); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch hands seq to a worker: Unseen→Dispatched, or TerminalFail→Dispatched
// for a retry. Protocol violations abort.
func (a *Appender[T]) Dispatch(seq int64, ownerID string) error {
	return a.transition(seq, ledger.Dispatched, ledger.TransitionOpts{OwnerID: ownerID})
}

// Start marks a dispatched seq as running: Dispatched→InFlight.
func (a *Appender[T]) Start(seq int64, ownerID string) error {
	return a.transition(seq, ledger.InFlight, ledger.TransitionOpts{OwnerID: ownerID})
}

// Retry re-dispatches a force-failed seq. It is an error to retry a seq whose
// outcome was already reported.
func (a *Appender[T]) Retry(seq int64, ownerID string) error {
	a.mu.Lock()
	h, reported := a.handles[seq]
	a.mu.Unlock()
	if reported {
		err := &Error{
			Code:    ErrCodeDuplicateTerminal,
			Message: fmt.Sprintf("seq %d already reported %s, cannot retry", seq, h.outcome),
			Seq:     seq,
		}
		a.Abort(err)
		return err
	}
	return a.transition(seq, ledger.Dispatched, ledger.TransitionOpts{OwnerID: ownerID})
}

// FailAttempt ends the running attempt of an in-flight seq
// (InFlight→TerminalFail) without reporting an outcome. The caller follows
// up with Retry or Fail.
func (a *Appender[T]) FailAttempt(seq int64, reason string) error {
	return a.transition(seq, ledger.TerminalFail, ledger.TransitionOpts{Reason: reason})
}

func (a *Appender[T]) transition(seq int64, next ledger.State, opts ledger.TransitionOpts) error {
	if err := a.Err(); err != nil {
		return newAborted(err)
	}
	opts.Now = a.now()
	if _, err := a.ledger.Transition(seq, next, opts); err != nil {
		a.Abort(err)
		return err
	}
	return nil
}

// Heartbeat refreshes the lease of an in-flight seq.
func (a *Appender[T]) Heartbeat(seq int64, ownerID string) bool {
	return a.ledger.Heartbeat(seq, ownerID, a.now())
}

// ReclaimExpiredLeases force-fails in-flight seqs whose lease expired. The
// caller decides whether to Retry or Fail each returned seq.
func (a *Appender[T]) ReclaimExpiredLeases() []int64 {
	reclaimed := a.ledger.ReclaimExpiredLeases(a.now())
	if len(reclaimed) > 0 {
		a.logger.Warn("leases expired",
			"seqs", reclaimed,
			"lease_timeout", a.cfg.LeaseTimeout,
		)
	}
	return reclaimed
}

// appendJournalLocked appends rec to the in-memory journal and the sink.
// Caller must hold a.mu.
func (a *Appender[T]) appendJournalLocked(ctx context.Context, rec Record) error {
	if a.sink != nil {
		if err := a.sink.Append(ctx, len(a.journal), rec); err != nil {
			return newJournalFailed(rec, err)
		}
	}
	a.journal = append(a.journal, rec)
	return nil
}

// Journal returns a copy of the records written so far.
func (a *Appender[T]) Journal() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.journal)
}

// drainItem is one envelope selected for commit, with its order context.
type drainItem[T any] struct {
	env *envelope[T]
	oc  OrderContext
}

// drain commits the contiguous run of ready envelopes at the cursor. Only
// one goroutine drains at a time; concurrent callers return immediately.
func (a *Appender[T]) drain(ctx context.Context) {
	a.mu.Lock()
	if a.draining {
		a.coalesced++
		a.mu.Unlock()
		return
	}
	a.draining = true

	// The running drain re-collects after every batch, so envelopes added by
	// coalesced callers are picked up before draining clears.
	for !a.aborted {
		batch := a.collectLocked()
		if len(batch) == 0 {
			break
		}

		a.mu.Unlock()
		err := a.commitBatch(ctx, batch)
		a.mu.Lock()

		if err != nil {
			a.draining = false
			a.mu.Unlock()
			a.Abort(err)
			return
		}
	}

	a.draining = false
	a.mu.Unlock()
}

// collectLocked returns the envelopes from the cursor forward that are ready
// to commit, stopping at the first gap.
func (a *Appender[T]) collectLocked() []drainItem[T] {
	var batch []drainItem[T]
	for i := a.cursor; i < len(a.expected); i++ {
		env, ok := a.envelopes[a.expected[i]]
		if !ok {
			break
		}
		batch = append(batch, drainItem[T]{
			env: env,
			oc: OrderContext{
				Seq:         env.seq,
				Attempt:     a.ledger.Attempts(env.seq),
				CommitIndex: a.commits + len(batch),
			},
		})
	}
	return batch
}

// commitBatch applies and commits each item in order.
func (a *Appender[T]) commitBatch(ctx context.Context, batch []drainItem[T]) error {
	for _, item := range batch {
		env := item.env
		if env.outcome == OutcomeSuccess {
			if err := a.invokeApply(ctx, env, item.oc); err != nil {
				return err
			}
		}

		a.mu.Lock()
		if a.aborted {
			a.mu.Unlock()
			return a.abortErr
		}
		if err := a.commitLocked(ctx, env); err != nil {
			a.mu.Unlock()
			return err
		}
		a.notifyWaitersLocked()
		a.mu.Unlock()
	}
	return nil
}

// commitLocked journals the commit, advances the cursor and releases the
// envelope. Caller must hold a.mu.
func (a *Appender[T]) commitLocked(ctx context.Context, env *envelope[T]) error {
	rec := Record{Kind: KindCommit, Seq: env.seq, Outcome: env.outcome, Reason: env.reason}
	if err := a.appendJournalLocked(ctx, rec); err != nil {
		return err
	}
	if _, err := a.ledger.Transition(env.seq, ledger.Committed, ledger.TransitionOpts{Now: a.now()}); err != nil {
		return err
	}

	delete(a.envelopes, env.seq)
	a.pendingBytes -= env.size
	a.cursor++
	a.commits++
	a.lastAdvanceAt = a.now()
	a.lastActivityAt = a.lastAdvanceAt
	a.setEmergencyLocked(false)
	a.handles[env.seq].resolve(nil)

	a.logger.Debug("seq committed",
		"seq", env.seq,
		"outcome", env.outcome,
		"commit_index", a.commits-1,
	)
	return nil
}

// invokeApply calls apply for env, bounded by the flush timeout.
func (a *Appender[T]) invokeApply(ctx context.Context, env *envelope[T], oc OrderContext) error {
	if a.cfg.FlushTimeout <= 0 {
		if err := a.apply(ctx, env.payload, oc); err != nil {
			return newApplyFailed(env.seq, err)
		}
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, a.cfg.FlushTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.apply(actx, env.payload, oc)
	}()

	return awaitApply(ctx, actx, done, env.seq, a.cfg.FlushTimeout)
}

// awaitApply waits for apply's result on done or for actx to expire. An
// apply that returned by the time the deadline is noticed counts as
// finished.
func awaitApply(ctx, actx context.Context, done <-chan error, seq int64, timeout time.Duration) error {
	finished := func(err error) error {
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return newFlushTimeout(seq, timeout)
		}
		return newApplyFailed(seq, err)
	}

	select {
	case err := <-done:
		return finished(err)
	case <-actx.Done():
		select {
		case err := <-done:
			return finished(err)
		default:
		}
		if ctx.Err() != nil {
			return newApplyFailed(seq, ctx.Err())
		}
		return newFlushTimeout(seq, timeout)
	}
}

// Abort stops the appender. Every outstanding handle and capacity waiter
// rejects with cause; later calls return an ABORTED error wrapping it.
// Only the first call takes effect.
func (a *Appender[T]) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}

	a.mu.Lock()
	if a.aborted {
		a.mu.Unlock()
		return
	}
	a.aborted = true
	a.abortErr = cause

	for _, h := range a.handles {
		h.resolve(cause)
	}
	pending := len(a.envelopes)
	clear(a.envelopes)
	a.pendingBytes = 0

	waiters := a.waiters
	a.waiters = nil
	for _, w := range waiters {
		w.signal(cause)
	}
	next := a.ledger.NextCommitSeq()
	a.mu.Unlock()

	a.logger.Error("ordered appender aborted",
		"error", cause,
		"next_commit_seq", next,
		"dropped_envelopes", pending,
	)
}

// Err returns the abort cause, or nil while the appender is live.
func (a *Appender[T]) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.abortErr
}

// PeekNextSeq returns the next seq the cursor is waiting on.
func (a *Appender[T]) PeekNextSeq() int64 {
	return a.ledger.NextCommitSeq()
}

// AssertCompletion fails unless every expected seq committed and no
// envelope is still buffered.
func (a *Appender[T]) AssertCompletion() error {
	if err := a.Err(); err != nil {
		return newAborted(err)
	}
	if err := a.ledger.AssertCompletion(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.envelopes); n > 0 {
		return &Error{
			Code:    ErrCodePendingEnvelopes,
			Message: fmt.Sprintf("%d envelopes still buffered", n),
		}
	}
	return nil
}
