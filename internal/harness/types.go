package harness

import "github.com/roach88/seqcommit/internal/ordered"

// TraceEvent is the observable effect of one step on one seq.
type TraceEvent struct {
	Step    int     `json:"step"`
	Op      string  `json:"op"`
	Seq     *int64  `json:"seq,omitempty"`
	Result  string  `json:"result"`
	Commits []int64 `json:"commits,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when no step or assertion failed.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Final appender state.
	Applied       []int64          `json:"applied"`
	Journal       []ordered.Record `json:"journal"`
	NextCommitSeq int64            `json:"next_commit_seq"`
	Commits       int              `json:"commits"`
	AbortCode     string           `json:"abort_code,omitempty"`
	Snapshot      ordered.Snapshot `json:"-"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Applied: []int64{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
