package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/seqcommit/internal/ordered"
)

// AssertionError is returned when an assertion fails. It carries the
// journal so the failure can be read without re-running.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Journal  []ordered.Record
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Journal) > 0 {
		fmt.Fprintf(&buf, "\nJournal:\n")
		for i, rec := range e.Journal {
			fmt.Fprintf(&buf, "  [%d] %s\n", i, rec)
		}
	}
	return buf.String()
}

func assertApplied(result *Result, a Assertion) error {
	if slices.Equal(result.Applied, a.Seqs) {
		return nil
	}
	return &AssertionError{
		Type:     AssertApplied,
		Expected: fmt.Sprint(a.Seqs),
		Actual:   fmt.Sprint(result.Applied),
		Journal:  result.Journal,
	}
}

func assertNextCommitSeq(result *Result, a Assertion) error {
	if result.NextCommitSeq == *a.Value {
		return nil
	}
	return &AssertionError{
		Type:     AssertNextCommitSeq,
		Expected: fmt.Sprint(*a.Value),
		Actual:   fmt.Sprint(result.NextCommitSeq),
		Journal:  result.Journal,
	}
}

func assertCommitted(result *Result, a Assertion) error {
	if result.Commits == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertCommitted,
		Expected: fmt.Sprintf("%d commits", *a.Count),
		Actual:   fmt.Sprintf("%d commits", result.Commits),
		Journal:  result.Journal,
	}
}

// matchRecord reports whether rec satisfies the assertion's filters.
func matchRecord(rec ordered.Record, a Assertion) bool {
	if a.Kind != "" && string(rec.Kind) != a.Kind {
		return false
	}
	if a.Seq != nil && rec.Seq != *a.Seq {
		return false
	}
	if a.Outcome != "" && string(rec.Outcome) != a.Outcome {
		return false
	}
	return true
}

func describeFilter(a Assertion) string {
	var parts []string
	if a.Kind != "" {
		parts = append(parts, "kind="+a.Kind)
	}
	if a.Seq != nil {
		parts = append(parts, fmt.Sprintf("seq=%d", *a.Seq))
	}
	if a.Outcome != "" {
		parts = append(parts, "outcome="+a.Outcome)
	}
	if len(parts) == 0 {
		return "any record"
	}
	return strings.Join(parts, " ")
}

func assertJournalContains(result *Result, a Assertion) error {
	if slices.ContainsFunc(result.Journal, func(rec ordered.Record) bool { return matchRecord(rec, a) }) {
		return nil
	}
	return &AssertionError{
		Type:     AssertJournalContains,
		Expected: describeFilter(a),
		Actual:   "no matching record",
		Journal:  result.Journal,
	}
}

func assertJournalCount(result *Result, a Assertion) error {
	count := 0
	for _, rec := range result.Journal {
		if matchRecord(rec, a) {
			count++
		}
	}
	if count == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertJournalCount,
		Expected: fmt.Sprintf("%d records matching %s", *a.Count, describeFilter(a)),
		Actual:   fmt.Sprintf("%d records", count),
		Journal:  result.Journal,
	}
}

// assertPending checks the seqs journaled as terminal but not committed.
func assertPending(result *Result, expected []int64, a Assertion) error {
	state, err := ordered.ReplayJournal(result.Journal, expected)
	if err != nil {
		return err
	}
	pending := state.Pending()
	if pending == nil {
		pending = []int64{}
	}
	if slices.Equal(pending, sortedCopy(a.Seqs)) {
		return nil
	}
	return &AssertionError{
		Type:     AssertPending,
		Expected: fmt.Sprint(sortedCopy(a.Seqs)),
		Actual:   fmt.Sprint(pending),
		Journal:  result.Journal,
	}
}

func assertAborted(result *Result, a Assertion) error {
	if result.AbortCode != "" && (a.Code == "" || a.Code == result.AbortCode) {
		return nil
	}
	expected := "abort"
	if a.Code != "" {
		expected = "abort with " + a.Code
	}
	actual := "not aborted"
	if result.AbortCode != "" {
		actual = "abort with " + result.AbortCode
	}
	return &AssertionError{Type: AssertAborted, Expected: expected, Actual: actual, Journal: result.Journal}
}

func assertNotAborted(result *Result) error {
	if result.AbortCode == "" {
		return nil
	}
	return &AssertionError{
		Type:     AssertNotAborted,
		Expected: "not aborted",
		Actual:   "abort with " + result.AbortCode,
		Journal:  result.Journal,
	}
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages. expected is the scenario's expected-seq set.
func EvaluateAssertions(result *Result, assertions []Assertion, expected []int64) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertApplied:
			err = assertApplied(result, a)
		case AssertNextCommitSeq:
			err = assertNextCommitSeq(result, a)
		case AssertCommitted:
			err = assertCommitted(result, a)
		case AssertJournalContains:
			err = assertJournalContains(result, a)
		case AssertJournalCount:
			err = assertJournalCount(result, a)
		case AssertPending:
			err = assertPending(result, expected, a)
		case AssertAborted:
			err = assertAborted(result, a)
		case AssertNotAborted:
			err = assertNotAborted(result)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
