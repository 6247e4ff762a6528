package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seqcommit/internal/ordered"
	"github.com/roach88/seqcommit/internal/store"
)

type traceResponse struct {
	Status string      `json:"status"`
	Data   TraceResult `json:"data"`
	Error  *CLIError   `json:"error"`
}

func traceJSON(t *testing.T, args ...string) (traceResponse, error) {
	t.Helper()
	out, _, err := execute(t, append([]string{"--format", "json", "trace"}, args...)...)
	var resp traceResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp, err
}

func intp(v int) *int { return &v }

func TestTraceCommand_RequiredFlags(t *testing.T) {
	_, _, err := execute(t, "trace", "--db", "journal.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "run" not set`)
}

func TestTraceCommand_Timeline(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	seedPartialRun(t, db)

	resp, err := traceJSON(t, "--db", db, "--run", "partial")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	got := resp.Data
	assert.Equal(t, "partial", got.RunID)
	assert.Equal(t, "nightly", got.Label)
	assert.Equal(t, []TraceRecord{
		{Pos: 0, Kind: "terminal", Seq: 1, Outcome: "success"},
		{Pos: 1, Kind: "terminal", Seq: 0, Outcome: "skip", Reason: "empty"},
		{Pos: 2, Kind: "commit", Seq: 0, Outcome: "skip", Reason: "empty"},
		{Pos: 3, Kind: "commit", Seq: 1, Outcome: "success"},
		{Pos: 4, Kind: "terminal", Seq: 3, Outcome: "fail", Reason: "parse error"},
	}, got.Timeline)
	assert.Equal(t, []SeqTrace{
		{Seq: 0, Outcome: "skip", Reason: "empty", TerminalPos: 1, CommitPos: intp(2)},
		{Seq: 1, Outcome: "success", TerminalPos: 0, CommitPos: intp(3)},
		{Seq: 3, Outcome: "fail", Reason: "parse error", TerminalPos: 4},
	}, got.Seqs)
	assert.Equal(t, TraceStats{
		Records:       5,
		Expected:      4,
		Terminals:     3,
		Commits:       2,
		Outcomes:      map[string]int{"success": 1, "skip": 1, "fail": 1},
		NextCommitSeq: 2,
		Complete:      false,
	}, got.Stats)
}

func TestTraceCommand_SeqFilter(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	seedPartialRun(t, db)

	resp, err := traceJSON(t, "--db", db, "--run", "partial", "--seq", "0", "--seq", "3")
	require.NoError(t, err)

	var positions []int
	for _, rec := range resp.Data.Timeline {
		positions = append(positions, rec.Pos)
	}
	assert.Equal(t, []int{1, 2, 4}, positions)
	require.Len(t, resp.Data.Seqs, 2)
	assert.Equal(t, 5, resp.Data.Stats.Records, "stats cover the whole journal")
}

func TestTraceCommand_Text(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	seedPartialRun(t, db)

	out, _, err := execute(t, "--verbose", "trace", "--db", db, "--run", "partial")
	require.NoError(t, err)
	assert.Contains(t, out, "Trace for Run: partial (nightly)")
	assert.Contains(t, out, "Status: incomplete")
	assert.Contains(t, out, "[2] COMMIT seq=0 skip")
	assert.Contains(t, out, "Reason: parse error")
	assert.Contains(t, out, "3 fail: terminal at 4, commit at pending")
	assert.Contains(t, out, "Commits:         2/4")
}

func TestTraceCommand_RunNotFound(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	seedPartialRun(t, db)

	resp, err := traceJSON(t, "--db", db, "--run", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestTraceCommand_EmptyRun(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	seedRun(t, db, store.Run{ID: "fresh", CreatedAt: seedEpoch, Expected: []int64{0}})

	resp, err := traceJSON(t, "--db", db, "--run", "fresh")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeEmptyRun, resp.Error.Code)
}

func TestTraceCommand_ConflictingJournal(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	seedRun(t, db,
		store.Run{ID: "conflict", CreatedAt: seedEpoch, Expected: []int64{0}},
		term(0, ordered.OutcomeSuccess, ""),
		term(0, ordered.OutcomeFail, "late"),
	)

	resp, err := traceJSON(t, "--db", db, "--run", "conflict")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeReplay, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "JOURNAL_CONFLICT")
}
