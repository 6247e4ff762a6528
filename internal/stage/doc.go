// Package stage drives a file-processing stage through the ordered-commit
// pipeline.
//
// Run is the reference coordinator. One goroutine owns all scheduling
// decisions:
//
//	plan     window.BuildWindows over the uncommitted tail, re-planned
//	         whenever the commit cursor moves
//	admit    Dispatch entries of the active windows while the appender's
//	         capacity gate (with bypass window) allows
//	launch   hand dispatched seqs to a bounded worker pool
//	report   turn worker completions into Enqueue / Skip / Fail
//	reclaim  force-fail expired leases and retry or fail them
//
// Workers only call Start, Heartbeat and the caller's ProcessFunc; they post
// completions to an event queue the coordinator drains. A failed attempt is
// retried at the same seq until MaxAttempts is reached, then reported as a
// permanent fail so the cursor can move past it.
//
// Results from a superseded attempt (the lease was reclaimed and the seq
// handed to a new owner) are dropped.
package stage
