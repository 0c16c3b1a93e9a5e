package cli

import (
	"github.com/spf13/cobra"
)

// NewWatermarkCommand creates the watermark command.
func NewWatermarkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watermark <specs-dir>",
		Short: "Show the settled boundary of every table",
		Long: `Show the current watermark of every table: the latest settled value
of its watermark column. Rows after the boundary are rebuilt by the next
run. Tables without a boundary, and full-strategy tables, are backfilled.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatermark(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite path or postgres:// DSN (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runWatermark(opts *StoreOptions, specsDir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	eng, st, err := openEngine(f, specsDir, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	marks, err := eng.Watermarks(cmd.Context())
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read watermarks", err)
	}

	if f.JSON() {
		return f.Success(marks)
	}
	rows := [][]string{{"TABLE", "STRATEGY", "COLUMN", "BOUNDARY"}}
	for _, m := range marks {
		boundary := m.Value
		if m.Backfill {
			boundary = "(backfill)"
		}
		rows = append(rows, []string{m.Table, m.Strategy, watermarkText(m.Column), boundary})
	}
	f.Table(rows)
	return nil
}
