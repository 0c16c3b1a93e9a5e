package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/validate"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check <specs-dir>",
		Short: "Evaluate every rule against the stored marts",
		Long: `Evaluate every invariant rule against the current contents of the
store without reconciling anything. Writes nothing.

Exit codes:
  0 - No error-severity rule violated (warnings are reported)
  1 - At least one error-severity rule violated
  2 - Command error`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite path or postgres:// DSN (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCheck(opts *StoreOptions, specsDir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	eng, st, err := openEngine(f, specsDir, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	violations, err := eng.Check(ctx)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "check failed", err)
	}

	blocking := validate.Blocking(violations)
	if f.JSON() {
		resp := CLIResponse{Status: "ok", Data: violations}
		if blocking {
			resp.Status = "error"
			resp.Error = &CLIError{Code: string(ir.ErrInvariantFailed), Message: "error-severity rules violated"}
		}
		if err := f.encode(resp); err != nil {
			return err
		}
	} else {
		printViolations(f, violations)
		if len(violations) == 0 {
			fmt.Fprintln(f.Writer, "✓ All rules hold")
		}
	}

	if blocking {
		return NewExitError(ExitFailure, "error-severity rules violated")
	}
	return nil
}

// printViolations writes one line per violated rule in text format.
func printViolations(f *OutputFormatter, violations []validate.Violation) {
	if len(violations) == 0 {
		return
	}
	fmt.Fprintln(f.Writer)
	rows := [][]string{{"RULE", "SEVERITY", "TABLE", "VIOLATIONS"}}
	for _, v := range violations {
		rows = append(rows, []string{v.Rule, string(v.Severity), v.Table, strconv.FormatInt(v.Count, 10)})
	}
	f.Table(rows)
	if f.Verbose {
		for _, v := range violations {
			for _, ex := range v.Examples {
				fmt.Fprintf(f.Writer, "  %s: %s\n", v.Rule, ex.DescribeKey(ex.SortedColumns()))
			}
		}
	}
}
