// Package ledger tracks the lifecycle of every expected unit of work by its
// sequence number.
//
// A Ledger is built once per run from an explicit expected-seq set (or a
// start/count range) and is torn down with the run. Each expected seq moves
// through a fixed legality table:
//
//	Unseen ──▶ Dispatched ──▶ InFlight ──▶ Terminal{Success,Skip,Fail,Cancel} ──▶ Committed
//	               │                              ▲           │
//	               └──────────▶ TerminalCancel ───┘           │
//	               ▲                                          │
//	               └───────────── TerminalFail ◀──────────────┘ (retry)
//
// TerminalFail→Dispatched is the only path back out of a terminal state.
// Retries reuse the same slot: the attempt count increments, the seq's
// identity and commit position are unchanged.
//
// The commit cursor (NextCommitSeq) only advances when the seq at the cursor
// commits, so it moves through contiguous runs and can never skip a gap.
//
// Seqs outside the expected set report Unused and reject every transition.
//
// # Concurrency
//
// The ledger is owned by a single coordinator. Workers only touch lease
// fields through Heartbeat; one mutex guards all state so heartbeats can race
// coordinator transitions.
package ledger
