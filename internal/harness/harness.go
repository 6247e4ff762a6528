package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/seqcommit/internal/config"
	"github.com/roach88/seqcommit/internal/ledger"
	"github.com/roach88/seqcommit/internal/ordered"
	"github.com/roach88/seqcommit/internal/store"
	"github.com/roach88/seqcommit/internal/testutil"
)

// Epoch is the manual clock's starting reading.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Step results that are not error codes.
const (
	resultOK     = "ok"
	resultOpen   = "open"
	resultClosed = "closed"
	resultAlive  = "alive"
	resultLost   = "lost"
	resultNone   = "none"
)

// ErrInjectedApply is returned by apply for seqs listed in fail_apply.
var ErrInjectedApply = errors.New("injected apply failure")

// Option configures Run.
type Option func(*Harness)

// WithStore persists the journal to st under runID. The run is created if
// it does not exist, and the persisted journal must replay to the same
// digest as the in-memory one.
func WithStore(st *store.Store, runID string) Option {
	return func(h *Harness) {
		h.store = st
		h.runID = runID
	}
}

// WithLogger sets the appender's logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	appender *ordered.Appender[string]
	clock    *testutil.ManualClock
	logger   *slog.Logger
	store    *store.Store
	runID    string

	failApply map[int64]bool
	applied   []int64
}

// Run executes scenario against a fresh appender and evaluates its
// assertions. The error is non-nil only when the scenario cannot run at
// all; step and assertion failures are reported in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario:  scenario,
		clock:     testutil.NewManualClock(Epoch),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		failApply: make(map[int64]bool, len(scenario.FailApply)),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, seq := range scenario.FailApply {
		h.failApply[seq] = true
	}

	cfg := config.Config{Appender: scenario.Appender}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	ctx := context.Background()
	expected := scenario.ExpectedSeqs()
	appOpts := []ordered.Option{
		ordered.WithLogger(h.logger),
		ordered.WithClock(h.clock.Now),
	}
	if h.store != nil {
		run := store.Run{ID: h.runID, CreatedAt: Epoch, Label: scenario.Name, Expected: expected}
		if err := h.store.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
		appOpts = append(appOpts, ordered.WithJournalSink(h.store.Sink(h.runID)))
	}

	a, err := ordered.New(expected, h.apply, cfg.ToAppender(), appOpts...)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}
	h.appender = a

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	h.finish(ctx, result)
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, expected) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) apply(_ context.Context, _ string, oc ordered.OrderContext) error {
	if h.failApply[oc.Seq] {
		return fmt.Errorf("seq %d: %w", oc.Seq, ErrInjectedApply)
	}
	h.applied = append(h.applied, oc.Seq)
	return nil
}

// executeStep runs step once per target seq and appends one trace event
// per run.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	targets := step.targets()
	if len(targets) == 0 {
		for _, ev := range h.executeGlobal(index, step) {
			h.check(index, step, ev, result)
			result.Trace = append(result.Trace, ev)
		}
		return
	}

	for _, seq := range targets {
		before := len(h.appender.Journal())
		res := h.executeSeq(ctx, step, seq)
		ev := TraceEvent{
			Step:    index,
			Op:      step.Op,
			Seq:     &seq,
			Result:  res,
			Commits: commitsSince(h.appender.Journal(), before),
		}
		h.check(index, step, ev, result)
		result.Trace = append(result.Trace, ev)
	}
}

// executeSeq applies a per-seq op and returns its result string.
func (h *Harness) executeSeq(ctx context.Context, step Step, seq int64) string {
	a := h.appender
	owner := step.Owner
	if owner == "" {
		owner = fmt.Sprintf("w%d", seq)
	}

	var err error
	switch step.Op {
	case OpEnqueue:
		_, err = a.Enqueue(ctx, seq, step.Payload, step.Bytes)
	case OpSkip:
		_, err = a.Skip(ctx, seq, step.Reason)
	case OpFail:
		_, err = a.Fail(ctx, seq, step.Reason)
	case OpCancel:
		_, err = a.Cancel(ctx, seq, step.Reason)
	case OpDispatch:
		err = a.Dispatch(seq, owner)
	case OpStart:
		err = a.Start(seq, owner)
	case OpRetry:
		err = a.Retry(seq, owner)
	case OpHeartbeat:
		if a.Heartbeat(seq, owner) {
			return resultAlive
		}
		return resultLost
	case OpCapacity:
		return capacityResult(a.HasCapacity(ordered.ForSeq(seq, step.Bypass)))
	}
	if err != nil {
		return ErrorCode(err)
	}
	return resultOK
}

// executeGlobal applies an op without a target seq.
func (h *Harness) executeGlobal(index int, step Step) []TraceEvent {
	a := h.appender
	ev := TraceEvent{Step: index, Op: step.Op, Result: resultOK}

	switch step.Op {
	case OpCapacity:
		ev.Result = capacityResult(a.HasCapacity(ordered.CapacityHint{}))
	case OpAdvance:
		now := h.clock.Advance(time.Duration(step.AdvanceMS) * time.Millisecond)
		ev.Result = fmt.Sprintf("t+%dms", now.Sub(Epoch).Milliseconds())
	case OpAbort:
		reason := step.Reason
		if reason == "" {
			reason = "scenario abort"
		}
		a.Abort(errors.New(reason))
	case OpReclaim:
		reclaimed := a.ReclaimExpiredLeases()
		if len(reclaimed) == 0 {
			ev.Result = resultNone
			return []TraceEvent{ev}
		}
		events := make([]TraceEvent, len(reclaimed))
		for i, seq := range reclaimed {
			events[i] = TraceEvent{Step: index, Op: step.Op, Seq: &seq, Result: "reclaimed"}
		}
		return events
	}
	return []TraceEvent{ev}
}

// check compares an event's result against the step's expectation.
func (h *Harness) check(index int, step Step, ev TraceEvent, result *Result) {
	if step.Expect != "" {
		if ev.Result != step.Expect {
			result.AddError(fmt.Sprintf("steps[%d] %s%s: expected %s, got %s", index, step.Op, seqSuffix(ev.Seq), step.Expect, ev.Result))
		}
		return
	}
	switch ev.Result {
	case resultOK, resultOpen, resultClosed, resultAlive, resultNone, "reclaimed":
		return
	}
	if step.Op == OpAdvance {
		return
	}
	result.AddError(fmt.Sprintf("steps[%d] %s%s: unexpected result %s", index, step.Op, seqSuffix(ev.Seq), ev.Result))
}

// finish records the final state and checks that the journal replays to
// the live cursor.
func (h *Harness) finish(ctx context.Context, result *Result) {
	a := h.appender
	snap := a.Snapshot()
	result.Snapshot = snap
	result.Applied = append(result.Applied, h.applied...)
	result.Journal = a.Journal()
	if result.Journal == nil {
		result.Journal = []ordered.Record{}
	}
	result.NextCommitSeq = snap.NextCommitSeq
	result.Commits = snap.Commits
	if err := a.Err(); err != nil {
		result.AbortCode = ErrorCode(err)
	}

	expected := h.scenario.ExpectedSeqs()
	state, err := ordered.ReplayJournal(result.Journal, expected)
	if err != nil {
		result.AddError(fmt.Sprintf("replay: %v", err))
		return
	}
	if state.NextCommitSeq != snap.NextCommitSeq {
		result.AddError(fmt.Sprintf("replay: cursor %d, live appender %d", state.NextCommitSeq, snap.NextCommitSeq))
	}

	if h.store == nil {
		return
	}
	persisted, err := h.store.ReplayRun(ctx, h.runID)
	if err != nil {
		result.AddError(fmt.Sprintf("replay stored run: %v", err))
		return
	}
	digest, err := state.Digest()
	if err != nil {
		result.AddError(fmt.Sprintf("replay digest: %v", err))
		return
	}
	if persisted.Digest != digest {
		result.AddError(fmt.Sprintf("stored journal digest %s differs from in-memory %s", persisted.Digest, digest))
	}
}

// ErrorCode returns the code of the outermost ledger or appender error in
// err's chain, or "ERROR" for anything else.
func ErrorCode(err error) string {
	var oe *ordered.Error
	if errors.As(err, &oe) {
		return string(oe.Code)
	}
	var le *ledger.Error
	if errors.As(err, &le) {
		return string(le.Code)
	}
	return "ERROR"
}

func capacityResult(open bool) string {
	if open {
		return resultOpen
	}
	return resultClosed
}

// commitsSince returns the seqs of commit records appended at or after
// position from.
func commitsSince(journal []ordered.Record, from int) []int64 {
	var out []int64
	for _, rec := range journal[min(from, len(journal)):] {
		if rec.Kind == ordered.KindCommit {
			out = append(out, rec.Seq)
		}
	}
	return out
}

func seqSuffix(seq *int64) string {
	if seq == nil {
		return ""
	}
	return fmt.Sprintf("(%d)", *seq)
}

// sortedCopy returns a sorted copy of seqs.
func sortedCopy(seqs []int64) []int64 {
	out := slices.Clone(seqs)
	slices.Sort(out)
	return out
}
