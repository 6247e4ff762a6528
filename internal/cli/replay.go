package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/seqcommit/internal/ordered"
	"github.com/roach88/seqcommit/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - specific run only
}

// ReplayRunResult holds the replay result for a single run.
type ReplayRunResult struct {
	RunID         string  `json:"run_id"`
	Label         string  `json:"label,omitempty"`
	Records       int     `json:"records"`
	Expected      int     `json:"expected"`
	NextCommitSeq int64   `json:"next_commit_seq"`
	Committed     int     `json:"committed"`
	Pending       []int64 `json:"pending"`
	Complete      bool    `json:"complete"`
	Digest        string  `json:"digest,omitempty"`
	JournalDigest string  `json:"journal_digest,omitempty"`
	Deterministic bool    `json:"deterministic"`
	Error         string  `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Runs             []ReplayRunResult `json:"runs"`
	TotalRuns        int               `json:"total_runs"`
	AllDeterministic bool              `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay persisted journals and verify determinism",
		Long: `Replay each persisted journal to reconstruct its commit state and
verify that replay is deterministic.

Every run is replayed twice and the state digests compared. The journal is
also replayed appended to itself, which must produce the same state since
duplicate records are idempotent.

Exit codes:
  0 - All runs replay deterministically
  1 - A journal failed to replay or replays differed
  2 - Command error (database not found, etc.)

Examples:
  seqcommit replay --db ./journal.db
  seqcommit replay --db ./journal.db --run 0190a3c4-...
  seqcommit replay --db ./journal.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "replay specific run only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
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

	var runs []store.Run
	if opts.RunID != "" {
		run, err := st.GetRun(ctx, opts.RunID)
		if errors.Is(err, store.ErrRunNotFound) {
			return formatter.failWith(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("run not found: %s", opts.RunID), nil)
		}
		if err != nil {
			return formatter.failWith(ExitCommandError, ErrCodeGeneric, "failed to read run", err)
		}
		runs = []store.Run{run}
	} else {
		runs, err = st.ListRuns(ctx)
		if err != nil {
			return formatter.failWith(ExitCommandError, ErrCodeGeneric, "failed to list runs", err)
		}
	}

	result := ReplayResult{
		Runs:             make([]ReplayRunResult, 0, len(runs)),
		TotalRuns:        len(runs),
		AllDeterministic: true,
	}
	if len(runs) == 0 && !formatter.IsJSON() {
		fmt.Fprintln(formatter.Writer, "No runs found in database.")
		return nil
	}

	for _, run := range runs {
		runResult := replayAndVerifyRun(ctx, st, run)
		formatter.VerboseLog("replayed run %s: %d records", run.ID, runResult.Records)
		result.Runs = append(result.Runs, runResult)
		if !runResult.Deterministic {
			result.AllDeterministic = false
		}
	}

	if formatter.IsJSON() {
		var failure *CLIError
		if !result.AllDeterministic {
			failure = &CLIError{Code: ErrCodeReplay, Message: "replay verification failed"}
		}
		if err := formatter.Result(result, failure); err != nil {
			return err
		}
	} else {
		outputReplayText(formatter, result)
	}

	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// replayAndVerifyRun replays a run twice, then once more with its journal
// doubled, and checks that all three agree.
func replayAndVerifyRun(ctx context.Context, st *store.Store, run store.Run) ReplayRunResult {
	out := ReplayRunResult{
		RunID:    run.ID,
		Label:    run.Label,
		Expected: len(run.Expected),
		Pending:  []int64{},
	}

	first, err := st.ReplayRun(ctx, run.ID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Records = first.Records
	out.NextCommitSeq = first.State.NextCommitSeq
	out.Committed = len(first.State.Committed)
	out.Complete = out.Committed == out.Expected
	out.Digest = first.Digest
	out.JournalDigest = first.JournalDigest
	if pending := first.State.Pending(); pending != nil {
		out.Pending = pending
	}

	second, err := st.ReplayRun(ctx, run.ID)
	if err != nil {
		out.Error = fmt.Sprintf("second replay: %v", err)
		return out
	}
	if second.Digest != first.Digest {
		out.Error = fmt.Sprintf("second replay digest %s differs from %s", second.Digest, first.Digest)
		return out
	}
	if second.JournalDigest != first.JournalDigest {
		out.Error = fmt.Sprintf("second journal read digest %s differs from %s", second.JournalDigest, first.JournalDigest)
		return out
	}

	records, err := st.ReadJournal(ctx, run.ID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	doubled, err := ordered.ReplayJournal(append(records, records...), run.Expected)
	if err != nil {
		out.Error = fmt.Sprintf("doubled journal: %v", err)
		return out
	}
	digest, err := doubled.Digest()
	if err != nil {
		out.Error = fmt.Sprintf("doubled journal: %v", err)
		return out
	}
	if digest != first.Digest {
		out.Error = fmt.Sprintf("doubled journal digest %s differs from %s", digest, first.Digest)
		return out
	}

	out.Deterministic = true
	return out
}

func outputReplayText(f *OutputFormatter, result ReplayResult) {
	w := f.Writer

	fmt.Fprintf(w, "Replay Summary: %d run(s)\n", result.TotalRuns)
	fmt.Fprintln(w)

	for _, run := range result.Runs {
		status := "✓"
		if !run.Deterministic {
			status = "✗"
		}

		if run.Label != "" {
			fmt.Fprintf(w, "%s Run: %s (%s)\n", status, run.RunID, run.Label)
		} else {
			fmt.Fprintf(w, "%s Run: %s\n", status, run.RunID)
		}
		fmt.Fprintf(w, "  Committed: %d/%d, next commit seq: %d\n", run.Committed, run.Expected, run.NextCommitSeq)
		if f.Verbose {
			fmt.Fprintf(w, "  Records: %d\n", run.Records)
			fmt.Fprintf(w, "  Pending: %v\n", run.Pending)
			fmt.Fprintf(w, "  Digest: %s\n", run.Digest)
			fmt.Fprintf(w, "  Journal digest: %s\n", run.JournalDigest)
		}
		if run.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", run.Error)
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All runs verified deterministic")
		return
	}
	fmt.Fprintln(w, "✗ Replay verification failed")
}
