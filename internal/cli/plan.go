package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/martsync/internal/engine"
)

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <specs-dir>",
		Short: "Print the SQL a run would issue",
		Long: `Print, per dependency level, the statements a run issues for each
dimension and table (watermark read, upsert, SCD close/open, forecast
retirement) and the count query of every rule. Nothing is read or written.

The dialect follows --db: a postgres:// DSN plans PostgreSQL, anything else
SQLite. Without --db an in-memory SQLite store is used.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", ":memory:", "SQLite path or postgres:// DSN selecting the dialect")

	return cmd
}

func runPlan(opts *StoreOptions, specsDir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	eng, st, err := openEngine(f, specsDir, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	plan, err := eng.Plan()
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "plan failed", err)
	}

	if f.JSON() {
		return f.Success(plan)
	}
	printPlan(f, plan)
	return nil
}

func printPlan(f *OutputFormatter, plan *engine.Plan) {
	w := f.Writer
	fmt.Fprintf(w, "-- dialect: %s\n", plan.Dialect)
	for _, step := range plan.Steps {
		fmt.Fprintf(w, "\n-- level %d: %s %s", step.Level, step.Kind, step.Relation)
		if step.Strategy != "" {
			fmt.Fprintf(w, " (%s", step.Strategy)
			if step.Watermark != "" {
				fmt.Fprintf(w, ", watermark %s", step.Watermark)
			}
			fmt.Fprint(w, ")")
		}
		fmt.Fprintf(w, "\n-- key: %v\n", step.Key)
		for _, s := range step.Statements {
			fmt.Fprintf(w, "-- %s\n%s;\n", s.Purpose, s.SQL)
		}
	}
	if len(plan.Rules) > 0 {
		fmt.Fprintln(w, "\n-- rules")
	}
	for _, r := range plan.Rules {
		fmt.Fprintf(w, "-- %s (%s)\n%s;\n", r.Rule, r.Severity, r.SQL)
	}
}
