package ordered

import "context"

// Handle is the completion handle for one seq's terminal outcome. It resolves
// when the seq commits, or rejects when the appender aborts first.
type Handle struct {
	seq     int64
	outcome Outcome
	done    chan struct{}

	// written once under the appender lock, read after done closes
	err      error
	resolved bool
}

func newHandle(seq int64, outcome Outcome) *Handle {
	return &Handle{seq: seq, outcome: outcome, done: make(chan struct{})}
}

// resolve settles the handle. Caller must hold the appender lock.
func (h *Handle) resolve(err error) {
	if h.resolved {
		return
	}
	h.resolved = true
	h.err = err
	close(h.done)
}

// Seq returns the seq this handle tracks.
func (h *Handle) Seq() int64 { return h.seq }

// Outcome returns the reported outcome.
func (h *Handle) Outcome() Outcome { return h.outcome }

// Done is closed once the handle settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the rejection cause. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the seq commits, the appender aborts, or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
