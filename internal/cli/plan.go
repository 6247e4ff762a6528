package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/seqcommit/internal/stage"
	"github.com/roach88/seqcommit/internal/window"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Entries       string
	Config        string
	NextCommitSeq int64
	Telemetry     window.Telemetry
}

// PlanResult is the output of the plan command.
type PlanResult struct {
	TargetCost    int64           `json:"target_cost"`
	NextCommitSeq int64           `json:"next_commit_seq"`
	Windows       []window.Window `json:"windows"`
	Active        []int           `json:"active"`
	Digest        string          `json:"digest"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how entries partition into commit windows",
		Long: `Partition entries into contiguous windows the way a run would, for the
given commit cursor and telemetry, and show which windows are active.

Examples:
  seqcommit plan --entries ./entries.yaml
  seqcommit plan --entries ./entries.yaml --next-commit 40 --lag 120
  seqcommit plan --entries ./entries.yaml --config ./seqcommit.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entries, "entries", "", "path to entries file (required)")
	_ = cmd.MarkFlagRequired("entries")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML or CUE config")
	cmd.Flags().Int64Var(&opts.NextCommitSeq, "next-commit", 0, "commit cursor")
	cmd.Flags().Int64Var(&opts.Telemetry.CommitLag, "lag", 0, "observed commit lag")
	cmd.Flags().Int64Var(&opts.Telemetry.BufferedBytes, "buffered-bytes", 0, "observed buffered bytes")
	cmd.Flags().Float64Var(&opts.Telemetry.ComputeUtilization, "utilization", 0, "observed worker utilization in [0, 1]")

	return cmd
}

func runPlan(opts *PlanOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

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

	cfg = cfg.WithDefaults()
	wcfg := cfg.ToWindow()
	windows, err := window.BuildWindows(prepared, wcfg, opts.Telemetry)
	if err != nil {
		return formatter.failWith(ExitCommandError, ErrCodeParse, "failed to build windows", err)
	}

	digest, err := window.Digest(windows)
	if err != nil {
		return formatter.failWith(ExitFailure, ErrCodeGeneric, "failed to digest windows", err)
	}

	result := PlanResult{
		TargetCost:    window.TargetCost(wcfg, opts.Telemetry),
		NextCommitSeq: opts.NextCommitSeq,
		Windows:       windows,
		Active:        []int{},
		Digest:        digest,
	}
	for _, w := range window.ActiveWindows(windows, opts.NextCommitSeq, wcfg.MaxActiveWindows) {
		result.Active = append(result.Active, w.ID)
	}
	if !opts.Verbose {
		for i := range result.Windows {
			result.Windows[i].Entries = nil
		}
	}
	if result.Windows == nil {
		result.Windows = []window.Window{}
	}

	if formatter.IsJSON() {
		return formatter.Result(result, nil)
	}
	outputPlanText(formatter, result)
	return nil
}

func outputPlanText(f *OutputFormatter, result PlanResult) {
	w := f.Writer
	active := make(map[int]bool, len(result.Active))
	for _, id := range result.Active {
		active[id] = true
	}

	fmt.Fprintf(w, "Plan: %d window(s), target cost %d, cursor %d\n", len(result.Windows), result.TargetCost, result.NextCommitSeq)
	if f.Verbose {
		fmt.Fprintf(w, "Digest: %s\n", result.Digest)
	}
	for _, win := range result.Windows {
		marker := " "
		if active[win.ID] {
			marker = "*"
		}
		fmt.Fprintf(w, "%s [%d] seqs %d-%d: %d entries, cost %d, bytes %d\n",
			marker, win.ID, win.StartSeq, win.EndSeq, win.EntryCount, win.PredictedCost, win.PredictedBytes)
		if f.Verbose {
			for _, e := range win.Entries {
				fmt.Fprintf(w, "      %d %s\n", e.Seq, e.Path)
			}
		}
	}
}
