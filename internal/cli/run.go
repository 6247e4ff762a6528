package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/seqcommit/internal/ordered"
	"github.com/roach88/seqcommit/internal/stage"
	"github.com/roach88/seqcommit/internal/store"
	"github.com/roach88/seqcommit/internal/window"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Entries  string
	Config   string
	Database string
	RunID    string
	Label    string
	Metrics  bool

	// WorkPerCost simulates processing time per unit of entry cost.
	WorkPerCost time.Duration

	// IDs overrides run and owner id generation (for testing).
	IDs stage.IDGenerator
}

// AppliedEntry is one committed payload, in commit order.
type AppliedEntry struct {
	Seq         int64  `json:"seq"`
	Path        string `json:"path"`
	Attempt     int    `json:"attempt"`
	CommitIndex int    `json:"commit_index"`
}

// RunResult is the output of the run command.
type RunResult struct {
	Report  stage.Report       `json:"report"`
	Applied []AppliedEntry     `json:"applied"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process entries concurrently and commit them in order",
		Long: `Process every entry in an entries file on a bounded worker pool and
commit results strictly in seq order. Entries without seqs are numbered by
order_index, then input position.

With --db the journal is persisted under a new run, so it can later be
inspected with trace and verified with replay.

Exit codes:
  0 - All entries committed
  1 - The run aborted
  2 - Command error (bad entries file, invalid config, etc.)

Examples:
  seqcommit run --entries ./entries.yaml
  seqcommit run --entries ./entries.yaml --config ./seqcommit.cue --db ./journal.db
  seqcommit run --entries ./entries.yaml --metrics --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entries, "entries", "", "path to entries file (required)")
	_ = cmd.MarkFlagRequired("entries")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML or CUE config")
	cmd.Flags().StringVar(&opts.Database, "db", "", "persist the journal to this SQLite database")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&opts.Label, "label", "", "label stored with the run")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "report stage metrics")
	cmd.Flags().DurationVar(&opts.WorkPerCost, "work-per-cost", 0, "simulated processing time per cost unit")

	return cmd
}

func runStage(opts *RunOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	entries, err := LoadEntries(opts.Entries)
	if err != nil {
		return formatter.failWith(ExitCommandError, ErrCodeParse, "failed to load entries", err)
	}
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return formatter.failWith(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	prepared, err := stage.PrepareEntries(entries)
	if err != nil {
		return formatter.failWith(ExitCommandError, ErrCodeParse, "invalid entries", err)
	}

	ids := opts.IDs
	if ids == nil {
		ids = stage.UUIDv7Generator{}
	}
	stageOpts := cfg.ToStageOptions()
	stageOpts.Logger = logger
	stageOpts.IDs = ids
	stageOpts.RunID = opts.RunID
	if stageOpts.RunID == "" {
		stageOpts.RunID = ids.Generate()
	}

	var reg *prometheus.Registry
	if opts.Metrics {
		reg = prometheus.NewRegistry()
		stageOpts.Metrics = stage.NewMetrics(reg)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return formatter.failWith(ExitCommandError, ErrCodeNotFound, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()

		run := store.Run{
			ID:        stageOpts.RunID,
			CreatedAt: time.Now(),
			Label:     opts.Label,
			Expected:  window.Seqs(prepared),
		}
		if err := st.CreateRun(ctx, run); err != nil {
			return formatter.failWith(ExitCommandError, ErrCodeGeneric, "failed to create run", err)
		}
		stageOpts.Sink = st.Sink(run.ID)
		formatter.VerboseLog("persisting journal to %s as run %s", opts.Database, run.ID)
	}

	var mu sync.Mutex
	var applied []AppliedEntry
	apply := func(_ context.Context, path string, oc ordered.OrderContext) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, AppliedEntry{Seq: oc.Seq, Path: path, Attempt: oc.Attempt, CommitIndex: oc.CommitIndex})
		if !formatter.IsJSON() {
			fmt.Fprintf(formatter.Writer, "%6d  %s\n", oc.Seq, path)
		}
		return nil
	}

	report, runErr := stage.Run(ctx, prepared, simulatedProcess(opts.WorkPerCost), apply, stageOpts)

	result := RunResult{Report: report, Applied: applied}
	if result.Applied == nil {
		result.Applied = []AppliedEntry{}
	}
	if reg != nil {
		result.Metrics, err = gatherMetrics(reg)
		if err != nil {
			logger.Warn("failed to gather metrics", "error", err)
		}
	}

	if formatter.IsJSON() {
		var failure *CLIError
		if runErr != nil {
			failure = &CLIError{Code: ErrCodeAborted, Message: runErr.Error()}
		}
		if err := formatter.Result(result, failure); err != nil {
			return err
		}
	} else {
		outputRunText(formatter, result, runErr)
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "run aborted", runErr)
	}
	return nil
}

// simulatedProcess returns a ProcessFunc whose payload is the entry path.
// Each attempt sleeps perCost times the entry cost.
func simulatedProcess(perCost time.Duration) stage.ProcessFunc[string] {
	return func(ctx context.Context, e window.Entry, _ int) (stage.Result[string], error) {
		if perCost > 0 {
			t := time.NewTimer(perCost * time.Duration(max(1, e.Cost)))
			defer t.Stop()
			select {
			case <-ctx.Done():
				return stage.Result[string]{}, ctx.Err()
			case <-t.C:
			}
		}
		return stage.Result[string]{Payload: e.Path, Bytes: e.Bytes}, nil
	}
}

// gatherMetrics flattens unlabeled gauges and counters, and labeled
// counters as name{label=value}.
func gatherMetrics(reg prometheus.Gatherer) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%s}", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetGauge() != nil:
				out[name] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[name] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				out[name+"_count"] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}

func outputRunText(f *OutputFormatter, result RunResult, runErr error) {
	w := f.Writer
	r := result.Report

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run %s: %d/%d committed (%d succeeded, %d skipped, %d failed)\n",
		r.RunID, r.Committed, r.Entries, r.Succeeded, r.Skipped, r.Failed)
	fmt.Fprintf(w, "  Next commit seq: %d\n", r.NextCommitSeq)
	if f.Verbose {
		fmt.Fprintf(w, "  Dispatched: %d, retries: %d, reclaimed leases: %d, stale results: %d\n",
			r.Dispatched, r.Retries, r.ReclaimedLeases, r.StaleResults)
		fmt.Fprintf(w, "  Window plans: %d, journal records: %d\n", r.Plans, r.JournalLength)
		fmt.Fprintf(w, "  Elapsed: %s\n", r.Elapsed)
	}
	if len(result.Metrics) > 0 {
		names := make([]string, 0, len(result.Metrics))
		for name := range result.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "  Metrics:")
		for _, name := range names {
			fmt.Fprintf(w, "    %s %g\n", name, result.Metrics[name])
		}
	}

	if runErr != nil {
		fmt.Fprintf(w, "✗ Run aborted: %v\n", runErr)
		return
	}
	fmt.Fprintln(w, "✓ All entries committed in order")
}

// commandContext returns the command's context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
