// Package harness runs deterministic completion-interleaving scenarios
// against the ordered appender.
//
// A scenario is a YAML file naming the expected seq set, optional appender
// limits, a list of steps and a list of assertions:
//
//	name: out_of_order
//	range: {start: 0, count: 3}
//	steps:
//	  - {op: enqueue, seq: 2, payload: c}
//	  - {op: skip, seq: 0, reason: binary}
//	  - {op: enqueue, seq: 1, payload: b}
//	assertions:
//	  - {type: applied, seqs: [1, 2]}
//	  - {type: next_commit_seq, value: 3}
//
// Steps run on the calling goroutine against a fresh appender with a manual
// clock, so a scenario produces the same trace every time. Each step's trace
// event lists the seqs that committed as a consequence of that step, which
// makes drain coalescing visible in golden files.
//
// A step that fails must name the expected error code in expect;
// unexpected errors and missing expected errors fail the scenario. After the
// last step the journal is replayed and must agree with the live cursor.
package harness
