// Package ordered commits out-of-order work results in strict seq order.
//
// Workers finish in any order and report one terminal outcome per seq
// (Enqueue, Skip, Fail, Cancel). The Appender records the outcome in its
// ledger, buffers it as an envelope and drains: starting at the commit
// cursor it walks the contiguous run of reported seqs, calls the apply
// function for each success, writes a commit journal record and advances
// the cursor. Skip, Fail and Cancel advance the cursor without applying.
//
// Drain is single-flight. A goroutine that reports while another is
// draining returns immediately; the running drain picks its envelope up.
// Apply is never called with the appender lock held.
//
// Backpressure is cooperative. Producers call WaitForCapacity (or the
// non-blocking HasCapacity) before dispatching more work. The gate closes
// when pending envelopes, pending bytes or commit lag exceed their limits,
// and reopens only after all three fall under the hysteresis fraction. A
// request for a seq within the bypass window of the cursor is always
// admitted, so the producer can never withhold the seq the cursor needs.
//
// Any failure while committing aborts the whole appender: outstanding
// handles and capacity waiters reject with the same cause and nothing
// commits out of order. Every terminal and commit decision is journaled;
// ReplayJournal rebuilds commit state from a journal alone.
package ordered
