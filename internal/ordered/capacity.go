package ordered

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// CapacityHint qualifies a capacity request. A request for a seq within
// BypassWindow of the commit cursor is always admitted, so the seq the
// cursor waits on can never be starved by backpressure.
type CapacityHint struct {
	Seq          int64
	HasSeq       bool
	BypassWindow int64
	Deadline     time.Time // zero means wait indefinitely
}

// ForSeq returns a hint for dispatching seq.
func ForSeq(seq, bypassWindow int64) CapacityHint {
	return CapacityHint{Seq: seq, HasSeq: true, BypassWindow: bypassWindow}
}

type capacityWaiter struct {
	hint CapacityHint
	ch   chan error // buffered; receives exactly one value
}

func (w *capacityWaiter) signal(err error) {
	w.ch <- err
}

// HasCapacity reports without blocking whether a WaitForCapacity call with
// the same hint would return immediately.
func (a *Appender[T]) HasCapacity(hint CapacityHint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		return false
	}
	return a.admitLocked(hint, a.capacityLocked())
}

// WaitForCapacity blocks until the buffer has room, the hint's seq falls in
// the bypass window, the deadline passes, ctx ends, or the appender aborts.
func (a *Appender[T]) WaitForCapacity(ctx context.Context, hint CapacityHint) error {
	a.mu.Lock()
	if a.aborted {
		cause := a.abortErr
		a.mu.Unlock()
		return newAborted(cause)
	}
	if a.admitLocked(hint, a.capacityLocked()) {
		a.mu.Unlock()
		return nil
	}
	w := &capacityWaiter{hint: hint, ch: make(chan error, 1)}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	var expired <-chan time.Time
	if !hint.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(hint.Deadline))
		defer timer.Stop()
		expired = timer.C
	}

	// A stall produces no event, so waiters re-check for emergency
	// capacity on their own.
	var stallCheck <-chan time.Time
	if a.cfg.emergencyLimit() > 0 {
		ticker := time.NewTicker(a.cfg.StallTimeout)
		defer ticker.Stop()
		stallCheck = ticker.C
	}

	for {
		select {
		case err := <-w.ch:
			return err
		case <-ctx.Done():
			a.removeWaiter(w)
			return ctx.Err()
		case <-expired:
			a.removeWaiter(w)
			return &Error{
				Code:    ErrCodeCapacityTimeout,
				Message: fmt.Sprintf("no capacity before deadline (seq %d)", hint.Seq),
				Seq:     hint.Seq,
			}
		case <-stallCheck:
			a.mu.Lock()
			a.notifyWaitersLocked()
			a.mu.Unlock()
		}
	}
}

func (a *Appender[T]) removeWaiter(w *capacityWaiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waiters = slices.DeleteFunc(a.waiters, func(x *capacityWaiter) bool { return x == w })
}

// admitLocked applies the bypass rule on top of the global limit check.
// Caller must hold a.mu.
func (a *Appender[T]) admitLocked(hint CapacityHint, within bool) bool {
	if hint.HasSeq && hint.Seq <= a.ledger.NextCommitSeq()+hint.BypassWindow {
		return true
	}
	return within
}

// capacityLocked reports whether the buffer admits more work, counting
// emergency capacity. Caller must hold a.mu.
func (a *Appender[T]) capacityLocked() bool {
	if a.withinLimitsLocked() {
		return true
	}
	a.setEmergencyLocked(a.stalledLocked())
	return a.emergency && len(a.envelopes) < a.cfg.emergencyLimit()
}

// stalledLocked reports whether emergency capacity applies: it is enabled,
// the envelope limit is what holds the gate, expected seqs are still unseen,
// and nothing has happened for StallTimeout. Once active it stays active
// until the cursor advances. Caller must hold a.mu.
func (a *Appender[T]) stalledLocked() bool {
	if a.cfg.emergencyLimit() == 0 || len(a.envelopes) <= a.cfg.MaxPendingEnvelopes {
		return false
	}
	c := a.ledger.Counts()
	if c.Dispatched+c.InFlight+c.Terminal >= c.Total {
		return false
	}
	if a.emergency {
		return true
	}
	return a.now().Sub(a.lastActivityAt) >= a.cfg.StallTimeout
}

func (a *Appender[T]) setEmergencyLocked(active bool) {
	if a.emergency == active {
		return
	}
	a.emergency = active
	if active {
		a.logger.Warn("emergency capacity enabled",
			"pending_envelopes", len(a.envelopes),
			"limit", a.cfg.MaxPendingEnvelopes,
			"emergency_limit", a.cfg.emergencyLimit(),
			"next_commit_seq", a.ledger.NextCommitSeq(),
		)
		return
	}
	a.logger.Info("emergency capacity disabled",
		"pending_envelopes", len(a.envelopes),
	)
}

// withinLimitsLocked checks pending envelopes, pending bytes and commit lag
// against their limits. Once any limit is exceeded the gate closes and only
// reopens when every metric falls to the hysteresis fraction of its limit.
// Caller must hold a.mu.
func (a *Appender[T]) withinLimitsLocked() bool {
	ratio := 1.0
	if a.gated {
		ratio = a.cfg.ResumeHysteresisRatio
	}

	ok := within(int64(len(a.envelopes)), int64(a.cfg.MaxPendingEnvelopes), ratio) &&
		within(a.pendingBytes, a.cfg.MaxPendingBytes, ratio) &&
		within(a.commitLagLocked(), a.cfg.CommitLagHardLimit, ratio)

	if ok == a.gated {
		a.gated = !ok
		a.logger.Debug("capacity gate changed",
			"gated", a.gated,
			"pending_envelopes", len(a.envelopes),
			"pending_bytes", a.pendingBytes,
		)
	}
	return ok
}

func within(value, limit int64, ratio float64) bool {
	if limit <= 0 {
		return true
	}
	if ratio < 1 {
		return value <= scaledLimit(limit, ratio)
	}
	return value <= limit
}

// commitLagLocked is maxSeenSeq - nextCommitSeq, floored at zero.
func (a *Appender[T]) commitLagLocked() int64 {
	lag := a.ledger.MaxSeenSeq() - a.ledger.NextCommitSeq()
	if lag < 0 {
		return 0
	}
	return lag
}

// notifyWaitersLocked releases every waiter that is now admitted.
// Caller must hold a.mu.
func (a *Appender[T]) notifyWaitersLocked() {
	if len(a.waiters) == 0 {
		return
	}
	ok := a.capacityLocked()
	a.waiters = slices.DeleteFunc(a.waiters, func(w *capacityWaiter) bool {
		if !a.admitLocked(w.hint, ok) {
			return false
		}
		w.signal(nil)
		return true
	})
}
