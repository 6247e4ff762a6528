package stage

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/seqcommit/internal/ledger"
	"github.com/roach88/seqcommit/internal/ordered"
	"github.com/roach88/seqcommit/internal/window"
)

// ProcessFunc does the work for one entry. attempt starts at 1. A non-nil
// error fails the attempt.
type ProcessFunc[T any] func(ctx context.Context, e window.Entry, attempt int) (Result[T], error)

// Result is what a successful attempt produced.
type Result[T any] struct {
	Payload T
	Bytes   int64

	// Skip reports that the entry has nothing to apply.
	Skip   bool
	Reason string
}

// Report summarizes a finished run.
type Report struct {
	RunID           string        `json:"run_id"`
	Entries         int           `json:"entries"`
	Committed       int           `json:"committed"`
	Succeeded       int           `json:"succeeded"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	Dispatched      int           `json:"dispatched"`
	Retries         int           `json:"retries"`
	ReclaimedLeases int           `json:"reclaimed_leases"`
	StaleResults    int           `json:"stale_results"`
	Plans           int           `json:"plans"`
	NextCommitSeq   int64         `json:"next_commit_seq"`
	JournalLength   int           `json:"journal_length"`
	Elapsed         time.Duration `json:"elapsed_ns"`
}

// runner is the coordinator state of one Run. Only the coordinator
// goroutine touches it; workers talk back through events.
type runner[T any] struct {
	opts     Options
	process  ProcessFunc[T]
	appender *ordered.Appender[T]
	logger   *slog.Logger
	events   *eventQueue[T]
	group    *errgroup.Group
	workCtx  context.Context

	entries    []window.Entry
	admitted   map[int64]bool
	owners     map[int64]string
	attempts   map[int64]int
	ready      []queued
	running    int
	active     []window.Window
	plannedFor int64

	report Report
}

// Run processes entries through a worker pool and applies their results in
// seq order. Entries whose seqs are all zero are ordered by order index and
// numbered from 0; otherwise their seqs are used as given.
//
// Run returns when every seq has committed, when the appender aborts, or
// when ctx ends. In the latter two cases the error is the abort cause.
func Run[T any](ctx context.Context, entries []window.Entry, process ProcessFunc[T], apply ordered.ApplyFunc[T], opts Options) (Report, error) {
	if err := opts.Validate(); err != nil {
		return Report{}, fmt.Errorf("stage options: %w", err)
	}
	opts = opts.withDefaults()
	start := time.Now()

	prepared, err := PrepareEntries(entries)
	if err != nil {
		return Report{}, err
	}

	appOpts := []ordered.Option{
		ordered.WithLogger(opts.Logger),
		ordered.WithClock(opts.Now),
	}
	if opts.Sink != nil {
		appOpts = append(appOpts, ordered.WithJournalSink(opts.Sink))
	}
	timed := func(ctx context.Context, payload T, oc ordered.OrderContext) error {
		began := time.Now()
		err := apply(ctx, payload, oc)
		opts.Metrics.applied(time.Since(began))
		return err
	}
	a, err := ordered.New(window.Seqs(prepared), timed, opts.Appender, appOpts...)
	if err != nil {
		return Report{}, fmt.Errorf("stage: %w", err)
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(workCtx)
	g.SetLimit(opts.Concurrency)

	r := &runner[T]{
		opts:       opts,
		process:    process,
		appender:   a,
		logger:     opts.Logger.With("run_id", opts.RunID),
		events:     newEventQueue[T](),
		group:      g,
		workCtx:    gctx,
		entries:    prepared,
		admitted:   make(map[int64]bool, len(prepared)),
		owners:     make(map[int64]string),
		attempts:   make(map[int64]int, len(prepared)),
		plannedFor: -1,
		report:     Report{RunID: opts.RunID, Entries: len(prepared)},
	}

	r.logger.Info("stage started",
		"entries", len(prepared),
		"concurrency", opts.Concurrency,
		"max_attempts", opts.MaxAttempts,
	)

	runErr := r.loop(ctx)

	cancel()
	_ = g.Wait()
	r.events.Close()

	snap := a.Snapshot()
	opts.Metrics.observe(snap)
	r.report.Committed = snap.Commits
	r.report.NextCommitSeq = snap.NextCommitSeq
	r.report.JournalLength = snap.JournalLength
	r.report.Elapsed = time.Since(start)

	if runErr != nil {
		r.logger.Error("stage aborted",
			"next_commit_seq", snap.NextCommitSeq,
			"committed", snap.Commits,
			"error", runErr,
		)
		return r.report, runErr
	}
	if err := a.AssertCompletion(); err != nil {
		return r.report, err
	}

	r.logger.Info("stage finished",
		"committed", r.report.Committed,
		"retries", r.report.Retries,
		"reclaimed_leases", r.report.ReclaimedLeases,
		"elapsed", r.report.Elapsed,
	)
	return r.report, nil
}

// PrepareEntries returns entries sorted by seq, numbering them by order
// index first when no entry carries a seq.
func PrepareEntries(entries []window.Entry) ([]window.Entry, error) {
	unset := !slices.ContainsFunc(entries, func(e window.Entry) bool { return e.Seq != 0 })
	if unset {
		return window.AssignSeqs(window.SortByOrderIndex(entries), 0), nil
	}

	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b window.Entry) int { return cmp.Compare(a.Seq, b.Seq) })
	for i, e := range out {
		if e.Seq < 0 {
			return nil, fmt.Errorf("stage: negative seq %d", e.Seq)
		}
		if i > 0 && out[i-1].Seq == e.Seq {
			return nil, fmt.Errorf("stage: duplicate seq %d", e.Seq)
		}
	}
	return out, nil
}

func (r *runner[T]) loop(ctx context.Context) error {
	var reclaimC <-chan time.Time
	if r.opts.Appender.LeaseTimeout > 0 {
		ticker := time.NewTicker(r.opts.ReclaimInterval)
		defer ticker.Stop()
		reclaimC = ticker.C
	}

	for {
		r.handleEvents(ctx)
		if err := r.appender.Err(); err != nil {
			return err
		}
		if r.done() {
			return nil
		}

		snap := r.appender.Snapshot()
		r.opts.Metrics.observe(snap)
		if err := r.plan(snap); err != nil {
			r.appender.Abort(err)
			return r.appender.Err()
		}
		r.admit()
		r.launch()
		if err := r.appender.Err(); err != nil {
			return err
		}

		var retryC <-chan time.Time
		var timer *time.Timer
		if d, ok := r.nextRetryIn(); ok {
			timer = time.NewTimer(d)
			retryC = timer.C
		}

		select {
		case <-ctx.Done():
			r.appender.Abort(ctx.Err())
		case <-r.events.Wait():
		case <-reclaimC:
			r.reclaim(ctx)
		case <-retryC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *runner[T]) done() bool {
	return r.appender.Ledger().Counts().Committed == len(r.entries)
}

// plan rebuilds the active windows when the commit cursor has moved.
func (r *runner[T]) plan(snap ordered.Snapshot) error {
	next := snap.NextCommitSeq
	if next == r.plannedFor {
		return nil
	}

	tel := window.Telemetry{
		CommitLag:          snap.CommitLag,
		BufferedBytes:      snap.PendingBytes,
		ComputeUtilization: float64(r.running) / float64(r.opts.Concurrency),
	}
	windows, err := window.BuildWindows(r.tail(next), r.opts.Window, tel)
	if err != nil {
		return fmt.Errorf("plan windows: %w", err)
	}
	r.active = window.ActiveWindows(windows, next, r.opts.Window.MaxActiveWindows)
	r.plannedFor = next
	r.report.Plans++

	target := window.TargetCost(r.opts.Window, tel)
	r.opts.Metrics.planned(target)
	r.logger.Debug("windows planned",
		"next_commit_seq", next,
		"windows", len(windows),
		"active", len(r.active),
		"target_cost", target,
	)
	return nil
}

// tail returns the uncommitted entries that can fall in an active window.
func (r *runner[T]) tail(next int64) []window.Entry {
	start, _ := slices.BinarySearchFunc(r.entries, next, func(e window.Entry, seq int64) int {
		return cmp.Compare(e.Seq, seq)
	})
	end := len(r.entries)
	if span := r.opts.Window.MaxInFlightSeqSpan; span > 0 {
		limit := next + span*int64(r.opts.Window.MaxActiveWindows)
		end, _ = slices.BinarySearchFunc(r.entries, limit, func(e window.Entry, seq int64) int {
			return cmp.Compare(e.Seq, seq)
		})
	}
	return r.entries[start:max(start, end)]
}

// admit dispatches entries of the active windows in seq order while worker
// slots and the capacity gate allow.
func (r *runner[T]) admit() {
	for _, w := range r.active {
		for _, e := range w.Entries {
			if r.admitted[e.Seq] {
				continue
			}
			if r.running+len(r.ready) >= r.opts.Concurrency {
				return
			}
			if !r.appender.HasCapacity(ordered.ForSeq(e.Seq, r.opts.BypassWindow)) {
				return
			}
			owner := r.opts.IDs.Generate()
			if err := r.appender.Dispatch(e.Seq, owner); err != nil {
				return
			}
			r.admitted[e.Seq] = true
			r.owners[e.Seq] = owner
			r.ready = append(r.ready, queued{entry: e})
		}
	}
}

// launch starts workers for ready seqs whose retry delay has passed.
func (r *runner[T]) launch() {
	now := time.Now()
	kept := r.ready[:0]
	for _, q := range r.ready {
		if r.running >= r.opts.Concurrency || q.notBefore.After(now) {
			kept = append(kept, q)
			continue
		}
		seq := q.entry.Seq
		r.attempts[seq]++
		attempt := r.attempts[seq]
		owner := r.owners[seq]
		e := q.entry

		r.running++
		r.report.Dispatched++
		r.opts.Metrics.dispatched()
		// running < Concurrency, so a slot frees as soon as an exiting
		// worker returns.
		r.group.Go(func() error {
			r.work(r.workCtx, e, owner, attempt)
			return nil
		})
	}
	clear(r.ready[len(kept):])
	r.ready = kept
}

// nextRetryIn returns the wait until the earliest delayed retry.
func (r *runner[T]) nextRetryIn() (time.Duration, bool) {
	if r.running >= r.opts.Concurrency {
		return 0, false
	}
	var earliest time.Time
	for _, q := range r.ready {
		if earliest.IsZero() || q.notBefore.Before(earliest) {
			earliest = q.notBefore
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return max(0, time.Until(earliest)), true
}

// work runs one attempt on a worker goroutine.
func (r *runner[T]) work(ctx context.Context, e window.Entry, owner string, attempt int) {
	c := completion[T]{seq: e.Seq, owner: owner, attempt: attempt}
	began := time.Now()
	defer func() {
		c.elapsed = time.Since(began)
		r.events.Enqueue(c)
	}()

	if err := r.appender.Start(e.Seq, owner); err != nil {
		c.err = err
		return
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.opts.Appender.LeaseTimeout > 0 {
		go r.heartbeat(attemptCtx, cancel, e.Seq, owner)
	}

	c.result, c.err = r.process(attemptCtx, e, attempt)
}

// heartbeat renews the lease until ctx ends. A rejected heartbeat means the
// lease was reclaimed, so the attempt is cancelled.
func (r *runner[T]) heartbeat(ctx context.Context, cancel context.CancelFunc, seq int64, owner string) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.appender.Heartbeat(seq, owner) {
				r.logger.Debug("lease lost", "seq", seq, "owner", owner)
				cancel()
				return
			}
		}
	}
}

func (r *runner[T]) handleEvents(ctx context.Context) {
	for {
		c, ok := r.events.TryDequeue()
		if !ok {
			return
		}
		r.running--
		if r.appender.Err() != nil {
			continue
		}
		r.complete(ctx, c)
	}
}

// complete reports one attempt's result to the appender.
func (r *runner[T]) complete(ctx context.Context, c completion[T]) {
	if r.owners[c.seq] != c.owner {
		r.report.StaleResults++
		r.opts.Metrics.stale()
		r.logger.Debug("stale result dropped",
			"seq", c.seq,
			"attempt", c.attempt,
		)
		return
	}

	if c.err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("attempt failed",
			"seq", c.seq,
			"attempt", c.attempt,
			"elapsed", c.elapsed,
			"error", c.err,
		)
		if err := r.failAttempt(c.seq, c.err.Error()); err != nil {
			return
		}
		r.retryOrFail(ctx, c.seq, c.err.Error())
		return
	}

	delete(r.owners, c.seq)
	if c.result.Skip {
		if _, err := r.appender.Skip(ctx, c.seq, c.result.Reason); err != nil {
			return
		}
		r.report.Skipped++
		r.opts.Metrics.outcome(ordered.OutcomeSkip)
		return
	}
	if _, err := r.appender.Enqueue(ctx, c.seq, c.result.Payload, c.result.Bytes); err != nil {
		return
	}
	r.report.Succeeded++
	r.opts.Metrics.outcome(ordered.OutcomeSuccess)
}

// failAttempt moves an in-flight seq to TerminalFail without reporting it,
// leaving the retry decision open.
func (r *runner[T]) failAttempt(seq int64, reason string) error {
	return r.appender.FailAttempt(seq, reason)
}

// retryOrFail re-dispatches a force-failed seq at the same position, or
// reports it failed once attempts are exhausted.
func (r *runner[T]) retryOrFail(ctx context.Context, seq int64, reason string) {
	delete(r.owners, seq)

	if r.attempts[seq] < r.opts.MaxAttempts {
		owner := r.opts.IDs.Generate()
		if err := r.appender.Retry(seq, owner); err != nil {
			return
		}
		r.owners[seq] = owner
		e := r.entries[r.index(seq)]
		r.ready = append(r.ready, queued{entry: e, notBefore: time.Now().Add(r.opts.RetryDelay)})
		r.report.Retries++
		r.opts.Metrics.retried()
		r.logger.Info("retrying",
			"seq", seq,
			"next_attempt", r.attempts[seq]+1,
			"reason", reason,
		)
		return
	}

	if _, err := r.appender.Fail(ctx, seq, reason); err != nil {
		return
	}
	r.report.Failed++
	r.opts.Metrics.outcome(ordered.OutcomeFail)
	r.logger.Warn("seq failed",
		"seq", seq,
		"attempts", r.attempts[seq],
		"reason", reason,
	)
}

// reclaim sweeps expired leases and applies the retry policy to each.
func (r *runner[T]) reclaim(ctx context.Context) {
	seqs := r.appender.ReclaimExpiredLeases()
	r.report.ReclaimedLeases += len(seqs)
	r.opts.Metrics.reclaimed(len(seqs))
	for _, seq := range seqs {
		if r.appender.Err() != nil {
			return
		}
		r.retryOrFail(ctx, seq, ledger.ReasonLeaseExpired)
	}
}

func (r *runner[T]) index(seq int64) int {
	i, _ := slices.BinarySearchFunc(r.entries, seq, func(e window.Entry, s int64) int {
		return cmp.Compare(e.Seq, s)
	})
	return i
}
