package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/seqcommit/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool           `json:"valid"`
	Errors    []string       `json:"errors,omitempty"`
	Effective *config.Config `json:"effective,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a config file and show its effective settings",
		Long: `Validate a YAML or CUE config file against the config schema and the
component option checks, then print the effective configuration with every
default filled in.

Exit codes:
  0 - Config is valid
  1 - Config is invalid
  2 - Command error (file not found, unsupported extension)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return formatter.failWith(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("config file not found: %s", path), nil)
	}
	if _, err := config.FormatOf(path); err != nil {
		return formatter.failWith(ExitCommandError, ErrCodeConfig, "unsupported config file", err)
	}

	formatter.VerboseLog("validating %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationFailure(formatter, err)
	}

	effective := cfg.WithDefaults()
	if formatter.IsJSON() {
		return formatter.Success(ValidationResult{Valid: true, Effective: &effective})
	}

	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	fmt.Fprintln(formatter.Writer)
	fmt.Fprintln(formatter.Writer, "Effective config:")
	enc := yaml.NewEncoder(formatter.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(effective); err != nil {
		return WrapExitError(ExitCommandError, "failed to encode config", err)
	}
	return enc.Close()
}

// outputValidationFailure reports a rejected config. Validation failures
// exit 1, like failed tests.
func outputValidationFailure(formatter *OutputFormatter, err error) error {
	result := ValidationResult{Valid: false, Errors: []string{err.Error()}}
	if formatter.IsJSON() {
		if outErr := formatter.Result(result, &CLIError{Code: ErrCodeConfig, Message: "config is invalid"}); outErr != nil {
			return outErr
		}
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Validation failed")
		fmt.Fprintln(formatter.Writer)
		fmt.Fprintf(formatter.Writer, "  %s: %v\n", ErrCodeConfig, err)
	}
	return WrapExitError(ExitFailure, "config is invalid", err)
}
