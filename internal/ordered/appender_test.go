package ordered

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seqcommit/internal/ledger"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recorder is an ApplyFunc target that records applied seqs in call order.
type recorder struct {
	mu       sync.Mutex
	seqs     []int64
	payloads []string
	ctxs     []OrderContext
}

func (r *recorder) apply(_ context.Context, payload string, oc OrderContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, oc.Seq)
	r.payloads = append(r.payloads, payload)
	r.ctxs = append(r.ctxs, oc)
	return nil
}

func (r *recorder) applied() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seqs...)
}

func newAppender(t *testing.T, expected []int64, apply ApplyFunc[string], cfg Config, opts ...Option) *Appender[string] {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	a, err := New(expected, apply, cfg, opts...)
	require.NoError(t, err)
	return a
}

func seqRange(start int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)
	}
	return out
}

func TestAppender_CommitsInOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	a := newAppender(t, seqRange(0, 4), rec.apply, Config{})

	h2, err := a.Enqueue(ctx, 2, "two", 3)
	require.NoError(t, err)
	_, err = a.Enqueue(ctx, 1, "one", 3)
	require.NoError(t, err)
	assert.Empty(t, rec.applied(), "nothing applies until seq 0 reports")
	assert.Equal(t, int64(6), a.Snapshot().PendingBytes)

	select {
	case <-h2.Done():
		t.Fatal("handle resolved before commit")
	default:
	}

	_, err = a.Skip(ctx, 0, "empty")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, rec.applied())
	require.NoError(t, h2.Wait(ctx))
	assert.Equal(t, int64(3), a.PeekNextSeq())

	_, err = a.Enqueue(ctx, 3, "three", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, rec.applied())
	assert.Equal(t, []string{"one", "two", "three"}, rec.payloads)
	require.NoError(t, a.AssertCompletion())

	snap := a.Snapshot()
	assert.Equal(t, int64(4), snap.NextCommitSeq)
	assert.Equal(t, 0, snap.PendingEnvelopes)
	assert.Equal(t, int64(0), snap.PendingBytes)
	assert.Equal(t, 4, snap.Commits)
}

func TestAppender_OrderContext(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	a := newAppender(t, []int64{5, 9, 12}, rec.apply, Config{})

	_, err := a.Enqueue(ctx, 12, "c", 0)
	require.NoError(t, err)
	_, err = a.Cancel(ctx, 9, "abandoned")
	require.NoError(t, err)
	_, err = a.Enqueue(ctx, 5, "a", 0)
	require.NoError(t, err)

	require.Len(t, rec.ctxs, 2)
	assert.Equal(t, OrderContext{Seq: 5, Attempt: 1, CommitIndex: 0}, rec.ctxs[0])
	assert.Equal(t, OrderContext{Seq: 12, Attempt: 1, CommitIndex: 2}, rec.ctxs[1])
	assert.Equal(t, int64(13), a.PeekNextSeq())
}

func TestAppender_AnyInterleavingAppliesInOrder(t *testing.T) {
	const n = 200
	for trial := 0; trial < 10; trial++ {
		rng := rand.New(rand.NewSource(int64(trial)))
		rec := &recorder{}
		a := newAppender(t, seqRange(0, n), rec.apply, Config{})
		ctx := context.Background()

		order := rng.Perm(n)
		outcomes := make([]Outcome, n)
		want := []int64{}
		for seq := 0; seq < n; seq++ {
			outcomes[seq] = []Outcome{OutcomeSuccess, OutcomeSuccess, OutcomeSkip, OutcomeFail, OutcomeCancel}[rng.Intn(5)]
			if outcomes[seq] == OutcomeSuccess {
				want = append(want, int64(seq))
			}
		}

		var wg sync.WaitGroup
		work := make(chan int)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for seq := range work {
					var err error
					switch outcomes[seq] {
					case OutcomeSuccess:
						_, err = a.Enqueue(ctx, int64(seq), "p", 1)
					case OutcomeSkip:
						_, err = a.Skip(ctx, int64(seq), "")
					case OutcomeFail:
						_, err = a.Fail(ctx, int64(seq), "boom")
					case OutcomeCancel:
						_, err = a.Cancel(ctx, int64(seq), "")
					}
					assert.NoError(t, err)
				}
			}()
		}
		for _, seq := range order {
			work <- seq
		}
		close(work)
		wg.Wait()

		assert.Equal(t, want, rec.applied(), "trial %d", trial)
		require.NoError(t, a.AssertCompletion(), "trial %d", trial)
		assert.Equal(t, n, a.Ledger().Counts().Committed)
	}
}

func TestAppender_SameOutcomeIsNoop(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	a := newAppender(t, seqRange(0, 2), rec.apply, Config{})

	h1, err := a.Enqueue(ctx, 1, "x", 1)
	require.NoError(t, err)
	h2, err := a.Enqueue(ctx, 1, "x", 1)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, int64(1), a.Snapshot().PendingBytes, "envelope not duplicated")

	_, err = a.Enqueue(ctx, 0, "y", 1)
	require.NoError(t, err)
	h3, err := a.Enqueue(ctx, 0, "y", 1)
	require.NoError(t, err)
	require.NoError(t, h3.Wait(ctx), "replay after commit returns the resolved handle")
	assert.Equal(t, []int64{0, 1}, rec.applied())
}

func TestAppender_ConflictingOutcomeAborts(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	a := newAppender(t, seqRange(0, 3), rec.apply, Config{})

	h, err := a.Enqueue(ctx, 1, "x", 1)
	require.NoError(t, err)

	_, err = a.Fail(ctx, 1, "late")
	require.Error(t, err)
	assert.True(t, IsDuplicateTerminal(err))
	assert.True(t, IsProtocolViolation(err))

	<-h.Done()
	assert.True(t, IsDuplicateTerminal(h.Err()), "outstanding handle rejects with the same cause")

	_, err = a.Enqueue(ctx, 0, "y", 1)
	assert.True(t, IsAborted(err))
	assert.True(t, IsDuplicateTerminal(err), "aborted error wraps the cause")
	assert.Empty(t, rec.applied())
}

func TestAppender_UnknownSeqAborts(t *testing.T) {
	a := newAppender(t, []int64{0, 2}, (&recorder{}).apply, Config{})

	_, err := a.Enqueue(context.Background(), 1, "x", 1)
	require.Error(t, err)
	assert.True(t, ledger.IsUnknownSeq(err))
	assert.True(t, ledger.IsUnknownSeq(a.Err()))
}

func TestAppender_WithheldSeqNeverCommits(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	a := newAppender(t, seqRange(0, 3), rec.apply, Config{})

	h1, err := a.Enqueue(ctx, 1, "one", 1)
	require.NoError(t, err)
	h2, err := a.Enqueue(ctx, 2, "two", 1)
	require.NoError(t, err)

	cause := errors.New("worker for seq 0 vanished")
	a.Abort(cause)
	a.Abort(errors.New("second abort is ignored"))

	assert.ErrorIs(t, h1.Wait(ctx), cause)
	assert.ErrorIs(t, h2.Wait(ctx), cause)
	assert.Equal(t, 0, a.Ledger().Counts().Committed)
	assert.Empty(t, rec.applied())

	snap := a.Snapshot()
	assert.True(t, snap.Aborted)
	assert.Equal(t, cause.Error(), snap.AbortCause)
	assert.Equal(t, 0, snap.PendingEnvelopes)
	assert.Equal(t, int64(0), snap.NextCommitSeq)
	assert.True(t, IsAborted(a.AssertCompletion()))
}

func TestAppender_ApplyErrorAbortsBatch(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	var applied []int64
	apply := func(_ context.Context, _ string, oc OrderContext) error {
		if oc.Seq == 1 {
			return boom
		}
		applied = append(applied, oc.Seq)
		return nil
	}
	a := newAppender(t, seqRange(0, 3), apply, Config{})

	_, err := a.Enqueue(ctx, 1, "b", 1)
	require.NoError(t, err)
	h2, err := a.Enqueue(ctx, 2, "c", 1)
	require.NoError(t, err)
	h0, err := a.Enqueue(ctx, 0, "a", 1)
	require.NoError(t, err)

	require.NoError(t, h0.Wait(ctx))
	err = h2.Wait(ctx)
	assert.ErrorIs(t, err, boom)
	assert.True(t, hasCode(err, ErrCodeApplyFailed))
	assert.Equal(t, []int64{0}, applied)
	assert.Equal(t, int64(1), a.PeekNextSeq(), "cursor stops at the failed seq")

	var commits []int64
	for _, r := range a.Journal() {
		if r.Kind == KindCommit {
			commits = append(commits, r.Seq)
		}
	}
	assert.Equal(t, []int64{0}, commits)
}

func TestAppender_FlushTimeout(t *testing.T) {
	ctx := context.Background()
	apply := func(ctx context.Context, _ string, _ OrderContext) error {
		<-ctx.Done()
		return ctx.Err()
	}
	a := newAppender(t, seqRange(0, 1), apply, Config{FlushTimeout: 20 * time.Millisecond})

	h, err := a.Enqueue(ctx, 0, "slow", 1)
	require.NoError(t, err)
	err = h.Wait(ctx)
	require.Error(t, err)
	assert.True(t, IsFlushTimeout(err))
	assert.True(t, IsFlushTimeout(a.Err()))
	assert.Equal(t, 0, a.Ledger().Counts().Committed)
}

type failingSink struct {
	failAt int
	got    []Record
}

func (s *failingSink) Append(_ context.Context, pos int, rec Record) error {
	if pos == s.failAt {
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, rec)
	return nil
}

func TestAppender_JournalSink(t *testing.T) {
	ctx := context.Background()
	sink := &failingSink{failAt: -1}
	a := newAppender(t, seqRange(0, 2), (&recorder{}).apply, Config{}, WithJournalSink(sink))

	_, err := a.Skip(ctx, 1, "dup")
	require.NoError(t, err)
	_, err = a.Enqueue(ctx, 0, "x", 1)
	require.NoError(t, err)

	want := []Record{
		{Kind: KindTerminal, Seq: 1, Outcome: OutcomeSkip, Reason: "dup"},
		{Kind: KindTerminal, Seq: 0, Outcome: OutcomeSuccess},
		{Kind: KindCommit, Seq: 0, Outcome: OutcomeSuccess},
		{Kind: KindCommit, Seq: 1, Outcome: OutcomeSkip, Reason: "dup"},
	}
	assert.Equal(t, want, sink.got)
	assert.Equal(t, want, a.Journal())
}

func TestAppender_JournalSinkFailureAborts(t *testing.T) {
	ctx := context.Background()
	sink := &failingSink{failAt: 1}
	a := newAppender(t, seqRange(0, 2), (&recorder{}).apply, Config{}, WithJournalSink(sink))

	_, err := a.Enqueue(ctx, 1, "x", 1)
	require.NoError(t, err)
	_, err = a.Enqueue(ctx, 0, "y", 1)
	require.Error(t, err)
	assert.True(t, hasCode(err, ErrCodeJournalFailed))
	assert.True(t, hasCode(a.Err(), ErrCodeJournalFailed))
}

func TestAppender_DispatchedSeqWalk(t *testing.T) {
	ctx := context.Background()
	a := newAppender(t, seqRange(0, 2), (&recorder{}).apply, Config{})

	require.NoError(t, a.Dispatch(0, "w1"))
	_, err := a.Cancel(ctx, 0, "shutdown")
	require.NoError(t, err, "dispatched seq may cancel directly")

	require.NoError(t, a.Dispatch(1, "w2"))
	require.NoError(t, a.Start(1, "w2"))
	assert.True(t, a.Heartbeat(1, "w2"))
	_, err = a.Enqueue(ctx, 1, "x", 1)
	require.NoError(t, err)
	require.NoError(t, a.AssertCompletion())
}

func TestAppender_StartWithoutDispatchAborts(t *testing.T) {
	a := newAppender(t, seqRange(0, 1), (&recorder{}).apply, Config{})
	err := a.Start(0, "w1")
	assert.True(t, ledger.IsIllegalTransition(err))
	assert.True(t, IsProtocolViolation(a.Err()))
}

func TestAppender_LeaseReclaimAndRetry(t *testing.T) {
	ctx := context.Background()
	now := t0
	clock := func() time.Time { return now }
	rec := &recorder{}
	a := newAppender(t, seqRange(0, 2), rec.apply, Config{LeaseTimeout: time.Second}, WithClock(clock))

	require.NoError(t, a.Dispatch(0, "w1"))
	require.NoError(t, a.Start(0, "w1"))
	require.NoError(t, a.Dispatch(1, "w2"))
	require.NoError(t, a.Start(1, "w2"))

	now = t0.Add(2 * time.Second)
	assert.True(t, a.Heartbeat(1, "w2"), "heartbeat before reclaim keeps the lease")
	assert.Equal(t, []int64{0}, a.ReclaimExpiredLeases())
	assert.Equal(t, ledger.TerminalFail, a.Ledger().State(0))
	assert.Empty(t, rec.applied(), "reclaimed seq is not drained without an outcome")

	require.NoError(t, a.Retry(0, "w3"))
	require.NoError(t, a.Start(0, "w3"))
	_, err := a.Enqueue(ctx, 0, "retried", 1)
	require.NoError(t, err)
	_, err = a.Enqueue(ctx, 1, "ok", 1)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1}, rec.applied())
	assert.Equal(t, 2, rec.ctxs[0].Attempt)
	require.NoError(t, a.AssertCompletion())
}

func TestAppender_FailAfterReclaimKeepsReason(t *testing.T) {
	ctx := context.Background()
	now := t0
	a := newAppender(t, seqRange(0, 1), (&recorder{}).apply, Config{LeaseTimeout: time.Second},
		WithClock(func() time.Time { return now }))

	require.NoError(t, a.Dispatch(0, "w1"))
	require.NoError(t, a.Start(0, "w1"))
	now = now.Add(5 * time.Second)
	require.Equal(t, []int64{0}, a.ReclaimExpiredLeases())

	_, err := a.Fail(ctx, 0, "")
	require.NoError(t, err)
	j := a.Journal()
	require.Len(t, j, 2)
	assert.Equal(t, ledger.ReasonLeaseExpired, j[0].Reason)
	assert.Equal(t, 1, a.Ledger().Attempts(0), "fail after reclaim does not re-dispatch")
	require.NoError(t, a.AssertCompletion())
}

func TestAppender_ReclaimedSeqRejectsStaleSuccess(t *testing.T) {
	ctx := context.Background()
	now := t0
	rec := &recorder{}
	a := newAppender(t, seqRange(0, 1), rec.apply, Config{LeaseTimeout: time.Second},
		WithClock(func() time.Time { return now }))

	require.NoError(t, a.Dispatch(0, "w1"))
	require.NoError(t, a.Start(0, "w1"))
	now = now.Add(5 * time.Second)
	require.Equal(t, []int64{0}, a.ReclaimExpiredLeases())

	_, err := a.Enqueue(ctx, 0, "late", 1)
	require.Error(t, err)
	assert.True(t, IsLeaseReclaimed(err))
	_, err = a.Skip(ctx, 0, "late")
	assert.True(t, IsLeaseReclaimed(err))
	assert.NoError(t, a.Err(), "a stale result does not abort")
	assert.Equal(t, 1, a.Ledger().Attempts(0), "no implicit re-dispatch")
	assert.Empty(t, a.Journal())

	require.NoError(t, a.Retry(0, "w2"))
	require.NoError(t, a.Start(0, "w2"))
	_, err = a.Enqueue(ctx, 0, "fresh", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, rec.payloads)
}

func TestAppender_ReclaimedSeqCanBeCancelled(t *testing.T) {
	ctx := context.Background()
	now := t0
	a := newAppender(t, seqRange(0, 1), (&recorder{}).apply, Config{LeaseTimeout: time.Second},
		WithClock(func() time.Time { return now }))

	require.NoError(t, a.Dispatch(0, "w1"))
	require.NoError(t, a.Start(0, "w1"))
	now = now.Add(5 * time.Second)
	require.Equal(t, []int64{0}, a.ReclaimExpiredLeases())

	_, err := a.Cancel(ctx, 0, "shutdown")
	require.NoError(t, err)
	require.NoError(t, a.AssertCompletion())
}

func TestAppender_FailAttempt(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	a := newAppender(t, seqRange(0, 1), rec.apply, Config{})

	require.NoError(t, a.Dispatch(0, "w1"))
	require.NoError(t, a.Start(0, "w1"))
	require.NoError(t, a.FailAttempt(0, "transient"))
	assert.Equal(t, ledger.TerminalFail, a.Ledger().State(0))
	assert.Equal(t, "transient", a.Ledger().Reason(0))
	assert.Empty(t, a.Journal(), "an ended attempt is not an outcome")

	require.NoError(t, a.Retry(0, "w2"))
	require.NoError(t, a.Start(0, "w2"))
	_, err := a.Enqueue(ctx, 0, "ok", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ctxs[0].Attempt)
}

func TestAppender_FailAttemptIllegalAborts(t *testing.T) {
	a := newAppender(t, seqRange(0, 1), (&recorder{}).apply, Config{})

	err := a.FailAttempt(0, "never started")
	require.Error(t, err)
	assert.True(t, ledger.IsIllegalTransition(err))
	assert.Error(t, a.Err())

	err = a.FailAttempt(0, "again")
	assert.True(t, IsAborted(err))
}

func TestAwaitApply_ResultWinsOverDeadline(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), t0)
	defer cancel()
	<-expired.Done()

	for i := 0; i < 100; i++ {
		done := make(chan error, 1)
		done <- nil
		require.NoError(t, awaitApply(context.Background(), expired, done, 0, time.Millisecond))
	}

	done := make(chan error, 1)
	err := awaitApply(context.Background(), expired, done, 3, time.Millisecond)
	assert.True(t, IsFlushTimeout(err), "no result by the deadline")

	done <- errors.New("disk full")
	err = awaitApply(context.Background(), expired, done, 3, time.Millisecond)
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, ErrCodeApplyFailed, oe.Code)
}

func TestAppender_RetryReportedSeqAborts(t *testing.T) {
	a := newAppender(t, seqRange(0, 2), (&recorder{}).apply, Config{})
	_, err := a.Fail(context.Background(), 1, "x")
	require.NoError(t, err)

	err = a.Retry(1, "w1")
	assert.True(t, IsDuplicateTerminal(err))
	assert.True(t, IsAborted(a.Dispatch(0, "w1")))
}

func TestAppender_AssertCompletionIncomplete(t *testing.T) {
	a := newAppender(t, seqRange(0, 2), (&recorder{}).apply, Config{})
	_, err := a.Enqueue(context.Background(), 1, "x", 1)
	require.NoError(t, err)
	assert.True(t, ledger.IsIncomplete(a.AssertCompletion()))
}

func TestAppender_EmptyExpectedSet(t *testing.T) {
	a := newAppender(t, nil, (&recorder{}).apply, Config{})
	require.NoError(t, a.AssertCompletion())
	assert.Equal(t, int64(0), a.PeekNextSeq())
}

func TestAppender_WideSparseExpectedSet(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	a := newAppender(t, []int64{5, 1 << 34}, rec.apply, Config{})

	_, err := a.Enqueue(ctx, 1<<34, "far", 1)
	require.NoError(t, err)
	_, err = a.Enqueue(ctx, 5, "near", 1)
	require.NoError(t, err)

	assert.Equal(t, []int64{5, 1 << 34}, rec.applied())
	require.NoError(t, a.AssertCompletion())
}

func TestNew_Validation(t *testing.T) {
	_, err := New[string](seqRange(0, 1), nil, Config{})
	assert.Error(t, err)

	_, err = New(seqRange(0, 1), (&recorder{}).apply, Config{MaxPendingBytes: -1})
	assert.Error(t, err)

	_, err = New([]int64{-3}, (&recorder{}).apply, Config{})
	assert.Error(t, err)

	a, err := New(seqRange(0, 1), (&recorder{}).apply, Config{ResumeHysteresisRatio: 2})
	require.NoError(t, err)
	assert.Equal(t, 0.95, a.Config().ResumeHysteresisRatio)

	a, err = New(seqRange(0, 1), (&recorder{}).apply, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultResumeHysteresisRatio, a.Config().ResumeHysteresisRatio)
}
