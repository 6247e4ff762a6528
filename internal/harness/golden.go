package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/seqcommit/internal/canon"
	"github.com/roach88/seqcommit/internal/ordered"
)

// TraceSnapshot captures the observable behavior of a scenario execution.
// It is serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName  string           `json:"scenario_name"`
	Trace         []TraceEvent     `json:"trace"`
	Journal       []ordered.Record `json:"journal"`
	Applied       []int64          `json:"applied"`
	NextCommitSeq int64            `json:"next_commit_seq"`
	AbortCode     string           `json:"abort_code,omitempty"`
}

// NewTraceSnapshot builds the snapshot of result under name.
func NewTraceSnapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName:  name,
		Trace:         result.Trace,
		Journal:       result.Journal,
		Applied:       result.Applied,
		NextCommitSeq: result.NextCommitSeq,
		AbortCode:     result.AbortCode,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := canon.Marshal(NewTraceSnapshot(scenarioName, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
