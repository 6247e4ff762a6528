package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/seqcommit/internal/ordered"
	"github.com/roach88/seqcommit/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string
	Seqs     []int64 // optional - filter to these seqs
}

// TraceRecord is one journal record in the trace timeline.
type TraceRecord struct {
	Pos     int    `json:"pos"`
	Kind    string `json:"kind"`
	Seq     int64  `json:"seq"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// SeqTrace follows one seq from its terminal record to its commit.
type SeqTrace struct {
	Seq         int64  `json:"seq"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
	TerminalPos int    `json:"terminal_pos"`
	CommitPos   *int   `json:"commit_pos"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RunID    string        `json:"run_id"`
	Label    string        `json:"label,omitempty"`
	Timeline []TraceRecord `json:"timeline"`
	Seqs     []SeqTrace    `json:"seqs"`
	Stats    TraceStats    `json:"stats"`
}

// TraceStats holds summary statistics for the run.
type TraceStats struct {
	Records       int            `json:"records"`
	Expected      int            `json:"expected"`
	Terminals     int            `json:"terminals"`
	Commits       int            `json:"commits"`
	Outcomes      map[string]int `json:"outcomes"`
	NextCommitSeq int64          `json:"next_commit_seq"`
	Complete      bool           `json:"complete"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the journal of a persisted run",
		Long: `Show the journal of a persisted run in decision order.

The output includes:
- Timeline: every terminal and commit record by journal position
- Seqs: for each reported seq, where its outcome was recorded and committed
- Stats: record counts, outcome counts and the replayed commit cursor

Examples:
  seqcommit trace --db ./journal.db --run 0190a3c4-...
  seqcommit trace --db ./journal.db --run 0190a3c4-... --seq 3 --seq 4
  seqcommit trace --db ./journal.db --run 0190a3c4-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to trace (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().Int64SliceVar(&opts.Seqs, "seq", nil, "filter to specific seqs")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return formatter.failWith(ExitCommandError, ErrCodeNotFound, "failed to open database", err)
	}
	defer st.Close()

	run, err := st.GetRun(ctx, opts.RunID)
	if errors.Is(err, store.ErrRunNotFound) {
		return formatter.failWith(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("run not found: %s", opts.RunID), nil)
	}
	if err != nil {
		return formatter.failWith(ExitCommandError, ErrCodeGeneric, "failed to read run", err)
	}

	records, err := st.ReadJournal(ctx, run.ID)
	if err != nil {
		return formatter.failWith(ExitCommandError, ErrCodeGeneric, "failed to read journal", err)
	}
	if len(records) == 0 {
		return formatter.failWith(ExitFailure, ErrCodeEmptyRun, fmt.Sprintf("no journal records for run: %s", run.ID), nil)
	}

	state, err := ordered.ReplayJournal(records, run.Expected)
	if err != nil {
		return formatter.failWith(ExitFailure, ErrCodeReplay, "failed to replay journal", err)
	}

	result := buildTrace(run, records, opts.Seqs)
	result.Stats.NextCommitSeq = state.NextCommitSeq
	result.Stats.Complete = len(state.Committed) == len(run.Expected)

	if formatter.IsJSON() {
		return formatter.Success(result)
	}
	outputTraceText(formatter.Writer, result, opts.Verbose)
	return nil
}

// buildTrace assembles the timeline and per-seq view. When seqFilter is
// non-empty, only records for those seqs are included; stats always cover
// the whole journal.
func buildTrace(run store.Run, records []ordered.Record, seqFilter []int64) TraceResult {
	include := make(map[int64]bool, len(seqFilter))
	for _, seq := range seqFilter {
		include[seq] = true
	}
	keep := func(seq int64) bool {
		return len(include) == 0 || include[seq]
	}

	result := TraceResult{
		RunID:    run.ID,
		Label:    run.Label,
		Timeline: []TraceRecord{},
		Seqs:     []SeqTrace{},
		Stats: TraceStats{
			Records:  len(records),
			Expected: len(run.Expected),
			Outcomes: make(map[string]int),
		},
	}

	bySeq := make(map[int64]*SeqTrace)
	for pos, rec := range records {
		switch rec.Kind {
		case ordered.KindTerminal:
			result.Stats.Terminals++
			if _, seen := bySeq[rec.Seq]; !seen {
				result.Stats.Outcomes[string(rec.Outcome)]++
				bySeq[rec.Seq] = &SeqTrace{
					Seq:         rec.Seq,
					Outcome:     string(rec.Outcome),
					Reason:      rec.Reason,
					TerminalPos: pos,
				}
			}
		case ordered.KindCommit:
			result.Stats.Commits++
			if st, ok := bySeq[rec.Seq]; ok && st.CommitPos == nil {
				st.CommitPos = &pos
			}
		}

		if keep(rec.Seq) {
			result.Timeline = append(result.Timeline, TraceRecord{
				Pos:     pos,
				Kind:    string(rec.Kind),
				Seq:     rec.Seq,
				Outcome: string(rec.Outcome),
				Reason:  rec.Reason,
			})
		}
	}

	for seq, st := range bySeq {
		if keep(seq) {
			result.Seqs = append(result.Seqs, *st)
		}
	}
	sort.Slice(result.Seqs, func(i, j int) bool {
		return result.Seqs[i].Seq < result.Seqs[j].Seq
	})
	return result
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	if result.Label != "" {
		fmt.Fprintf(w, "Trace for Run: %s (%s)\n", result.RunID, result.Label)
	} else {
		fmt.Fprintf(w, "Trace for Run: %s\n", result.RunID)
	}
	fmt.Fprintf(w, "Status: %s\n", completeStatus(result.Stats.Complete))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no records)")
	}
	for _, rec := range result.Timeline {
		label := "TERM"
		if rec.Kind == string(ordered.KindCommit) {
			label = "COMMIT"
		}
		fmt.Fprintf(w, "  [%d] %-6s seq=%d %s\n", rec.Pos, label, rec.Seq, rec.Outcome)
		if verbose && rec.Reason != "" {
			fmt.Fprintf(w, "       Reason: %s\n", rec.Reason)
		}
	}
	fmt.Fprintln(w)

	if verbose {
		fmt.Fprintln(w, "=== Seqs ===")
		for _, st := range result.Seqs {
			commit := "pending"
			if st.CommitPos != nil {
				commit = fmt.Sprintf("%d", *st.CommitPos)
			}
			fmt.Fprintf(w, "  %d %s: terminal at %d, commit at %s\n", st.Seq, st.Outcome, st.TerminalPos, commit)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Records:         %d\n", result.Stats.Records)
	fmt.Fprintf(w, "  Terminals:       %d\n", result.Stats.Terminals)
	fmt.Fprintf(w, "  Commits:         %d/%d\n", result.Stats.Commits, result.Stats.Expected)
	fmt.Fprintf(w, "  Next Commit Seq: %d\n", result.Stats.NextCommitSeq)
	outcomes := make([]string, 0, len(result.Stats.Outcomes))
	for o := range result.Stats.Outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-16s %d\n", o+":", result.Stats.Outcomes[o])
	}
}

func completeStatus(complete bool) string {
	if complete {
		return "complete"
	}
	return "incomplete"
}
