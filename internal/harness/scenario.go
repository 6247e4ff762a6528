package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/seqcommit/internal/config"
)

// Scenario is one deterministic interleaving of completions.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario exercises.
	Description string `yaml:"description"`

	// Expected is the explicit expected-seq set. Mutually exclusive with Range.
	Expected []int64 `yaml:"expected,omitempty"`

	// Range is a contiguous expected-seq set.
	Range *SeqRange `yaml:"range,omitempty"`

	// Appender sets the appender limits. Zero values use the defaults.
	Appender config.AppenderConfig `yaml:"appender,omitempty"`

	// FailApply lists seqs whose apply call returns an error.
	FailApply []int64 `yaml:"fail_apply,omitempty"`

	// Steps run in order on one goroutine.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated against the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// SeqRange is count contiguous seqs starting at Start.
type SeqRange struct {
	Start int64 `yaml:"start"`
	Count int   `yaml:"count"`
}

// ExpectedSeqs returns the scenario's expected-seq set.
func (s *Scenario) ExpectedSeqs() []int64 {
	if s.Range == nil {
		return s.Expected
	}
	out := make([]int64, s.Range.Count)
	for i := range out {
		out[i] = s.Range.Start + int64(i)
	}
	return out
}

// Step is one operation on the appender.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Seq or Seqs select the target seqs. Seqs runs the op once per seq.
	Seq  *int64  `yaml:"seq,omitempty"`
	Seqs []int64 `yaml:"seqs,omitempty"`

	Payload string `yaml:"payload,omitempty"`
	Bytes   int64  `yaml:"bytes,omitempty"`
	Reason  string `yaml:"reason,omitempty"`

	// Owner is the lease owner for dispatch, start, heartbeat and retry.
	// Defaults to "w<seq>".
	Owner string `yaml:"owner,omitempty"`

	// Bypass is the bypass window for a capacity probe.
	Bypass int64 `yaml:"bypass,omitempty"`

	// AdvanceMS moves the manual clock for an advance step.
	AdvanceMS int64 `yaml:"advance_ms,omitempty"`

	// Expect is the required result of every event of the step: an error
	// code for failing steps, or open/closed, alive/lost, none for probes.
	// Empty means the step must succeed.
	Expect string `yaml:"expect,omitempty"`
}

// targets returns the seqs the step applies to.
func (s Step) targets() []int64 {
	if len(s.Seqs) > 0 {
		return s.Seqs
	}
	if s.Seq != nil {
		return []int64{*s.Seq}
	}
	return nil
}

// Step operations.
const (
	OpEnqueue   = "enqueue"
	OpSkip      = "skip"
	OpFail      = "fail"
	OpCancel    = "cancel"
	OpDispatch  = "dispatch"
	OpStart     = "start"
	OpHeartbeat = "heartbeat"
	OpRetry     = "retry"
	OpCapacity  = "capacity"
	OpAdvance   = "advance"
	OpReclaim   = "reclaim"
	OpAbort     = "abort"
)

// seqOps maps each op to whether it requires a target seq.
var seqOps = map[string]bool{
	OpEnqueue:   true,
	OpSkip:      true,
	OpFail:      true,
	OpCancel:    true,
	OpDispatch:  true,
	OpStart:     true,
	OpHeartbeat: true,
	OpRetry:     true,
	OpCapacity:  false,
	OpAdvance:   false,
	OpReclaim:   false,
	OpAbort:     false,
}

// Assertion checks the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Seqs is the exact apply order (applied) or pending set (pending).
	Seqs []int64 `yaml:"seqs,omitempty"`

	// Value is the expected commit cursor (next_commit_seq).
	Value *int64 `yaml:"value,omitempty"`

	// Count is the expected number of commits (committed) or matching
	// journal records (journal_count).
	Count *int `yaml:"count,omitempty"`

	// Kind, Seq and Outcome filter journal records. Empty fields match any.
	Kind    string `yaml:"kind,omitempty"`
	Seq     *int64 `yaml:"seq,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Code is the expected abort code (aborted). Empty matches any abort.
	Code string `yaml:"code,omitempty"`
}

// Assertion types.
const (
	AssertApplied         = "applied"
	AssertNextCommitSeq   = "next_commit_seq"
	AssertCommitted       = "committed"
	AssertJournalContains = "journal_contains"
	AssertJournalCount    = "journal_count"
	AssertPending         = "pending"
	AssertAborted         = "aborted"
	AssertNotAborted      = "not_aborted"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Range != nil && len(s.Expected) > 0 {
		return fmt.Errorf("expected and range are mutually exclusive")
	}
	if s.Range != nil && s.Range.Count < 0 {
		return fmt.Errorf("range count must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		needsSeq, ok := seqOps[step.Op]
		if !ok {
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
		if needsSeq && len(step.targets()) == 0 {
			return fmt.Errorf("steps[%d]: seq is required for %s", i, step.Op)
		}
		if step.Seq != nil && len(step.Seqs) > 0 {
			return fmt.Errorf("steps[%d]: seq and seqs are mutually exclusive", i)
		}
		if step.Op == OpAdvance && step.AdvanceMS <= 0 {
			return fmt.Errorf("steps[%d]: advance_ms must be positive", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertApplied, AssertPending:
		if a.Seqs == nil {
			return fmt.Errorf("assertions[%d]: seqs is required for %s (use [] for none)", index, a.Type)
		}
	case AssertNextCommitSeq:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for next_commit_seq", index)
		}
	case AssertCommitted, AssertJournalCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertJournalContains:
		if a.Seq == nil {
			return fmt.Errorf("assertions[%d]: seq is required for journal_contains", index)
		}
	case AssertAborted, AssertNotAborted:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
