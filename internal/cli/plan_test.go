package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallWindows = `stage:
  concurrency: 1
window:
  target_window_cost: 2
  max_window_cost: 4
`

type planResponse struct {
	Status string     `json:"status"`
	Data   PlanResult `json:"data"`
}

func planJSON(t *testing.T, args ...string) PlanResult {
	t.Helper()
	out, _, err := execute(t, append([]string{"--format", "json", "plan"}, args...)...)
	require.NoError(t, err)

	var resp planResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestPlanCommand_Windows(t *testing.T) {
	dir := t.TempDir()
	entries := writeFile(t, dir, "entries.yaml", fiveEntries)
	cfg := writeFile(t, dir, "seqcommit.yaml", smallWindows)

	plan := planJSON(t, "--entries", entries, "--config", cfg)
	assert.Equal(t, int64(2), plan.TargetCost)
	require.Len(t, plan.Windows, 4)

	var spans [][2]int64
	for _, w := range plan.Windows {
		spans = append(spans, [2]int64{w.StartSeq, w.EndSeq})
		assert.Nil(t, w.Entries, "entries only shown in verbose mode")
	}
	assert.Equal(t, [][2]int64{{0, 1}, {2, 2}, {3, 3}, {4, 4}}, spans)
	assert.Equal(t, int64(30), plan.Windows[0].PredictedBytes)
	assert.Equal(t, []int{0, 1}, plan.Active)
}

func TestPlanCommand_ActiveFollowsCursor(t *testing.T) {
	dir := t.TempDir()
	entries := writeFile(t, dir, "entries.yaml", fiveEntries)
	cfg := writeFile(t, dir, "seqcommit.yaml", smallWindows)

	plan := planJSON(t, "--entries", entries, "--config", cfg, "--next-commit", "3")
	assert.Equal(t, int64(3), plan.NextCommitSeq)
	assert.Equal(t, []int{2, 3}, plan.Active)

	plan = planJSON(t, "--entries", entries, "--config", cfg, "--next-commit", "5")
	assert.Empty(t, plan.Active)
}

func TestPlanCommand_LagShrinksTarget(t *testing.T) {
	dir := t.TempDir()
	entries := writeFile(t, dir, "entries.yaml", fiveEntries)
	cfg := writeFile(t, dir, "seqcommit.yaml", smallWindows)

	plan := planJSON(t, "--entries", entries, "--config", cfg, "--lag", "1000")
	assert.Equal(t, int64(1), plan.TargetCost)
	assert.Len(t, plan.Windows, 5)
}

func TestPlanCommand_DefaultsSingleWindow(t *testing.T) {
	dir := t.TempDir()
	entries := writeFile(t, dir, "entries.yaml", fiveEntries)

	plan := planJSON(t, "--entries", entries)
	require.Len(t, plan.Windows, 1)
	assert.Equal(t, 5, plan.Windows[0].EntryCount)
	assert.Equal(t, int64(9), plan.Windows[0].PredictedCost)
}

func TestPlanCommand_VerboseIncludesEntries(t *testing.T) {
	dir := t.TempDir()
	entries := writeFile(t, dir, "entries.yaml", fiveEntries)
	cfg := writeFile(t, dir, "seqcommit.yaml", smallWindows)

	plan := planJSON(t, "--verbose", "--entries", entries, "--config", cfg)
	require.Len(t, plan.Windows[0].Entries, 2)
	assert.Equal(t, "a.txt", plan.Windows[0].Entries[0].Path)

	quiet := planJSON(t, "--entries", entries, "--config", cfg)
	assert.Len(t, plan.Digest, 64)
	assert.Equal(t, quiet.Digest, plan.Digest, "digest covers bounds only")
}

func TestPlanCommand_Text(t *testing.T) {
	dir := t.TempDir()
	entries := writeFile(t, dir, "entries.yaml", fiveEntries)
	cfg := writeFile(t, dir, "seqcommit.yaml", smallWindows)

	out, _, err := execute(t, "plan", "--entries", entries, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Plan: 4 window(s), target cost 2, cursor 0")
	assert.Contains(t, out, "* [0] seqs 0-1: 2 entries, cost 2, bytes 30")
	assert.Contains(t, out, "  [2] seqs 3-3: 1 entries, cost 4, bytes 40")
}

func TestPlanCommand_BadEntries(t *testing.T) {
	dir := t.TempDir()
	entries := writeFile(t, dir, "entries.yaml", "entries:\n  - {seq: -1}\n  - {seq: 2}\n")

	_, _, err := execute(t, "plan", "--entries", entries)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "negative seq")
}
