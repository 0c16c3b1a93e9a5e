package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/martsync/internal/engine"
	"github.com/roach88/martsync/internal/metrics"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	StoreOptions
	EffectiveAt string // RFC3339; empty means now
	Parallelism int
	MetricsFile string

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "run <specs-dir>",
		Short: "Reconcile every table once",
		Long: `Reconcile every dimension and table declared in the specs, in
dependency order, inside one transaction.

The run commits only if no error-severity rule is violated; otherwise every
write is rolled back. Either way the run is recorded in the run ledger.

Exit codes:
  0 - Run committed
  1 - Run failed (key collision, invariant failure, canceled)
  2 - Command error (bad specs, database not reachable)

Example:
  martsync run --db ./marts.db ./specs
  martsync run --db postgres://localhost/marts --effective-at 2024-03-03T00:00:00Z ./specs
  martsync run --db ./marts.db --metrics-file /var/lib/node_exporter/martsync.prom ./specs`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite path or postgres:// DSN (required)")
	cmd.Flags().StringVar(&opts.EffectiveAt, "effective-at", "", "effective time of the run, RFC3339 (default now)")
	cmd.Flags().IntVar(&opts.Parallelism, "parallelism", engine.DefaultParallelism, "tables computed concurrently per level")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "write run metrics to this Prometheus textfile")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReconcile(opts *RunOptions, specsDir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	if opts.Parallelism < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--parallelism must be at least 1, got %d", opts.Parallelism))
	}
	engineOpts := []engine.EngineOption{engine.WithParallelism(opts.Parallelism)}
	if opts.EffectiveAt != "" {
		at, err := time.Parse(time.RFC3339, opts.EffectiveAt)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --effective-at", err)
		}
		engineOpts = append(engineOpts, engine.WithClock(engine.FixedClock{At: at}))
	}
	if opts.RunIDs != nil {
		engineOpts = append(engineOpts, engine.WithRunIDs(opts.RunIDs))
	}
	var recorder *metrics.Recorder
	if opts.MetricsFile != "" {
		recorder = metrics.New()
		engineOpts = append(engineOpts, engine.WithMetrics(recorder))
	}

	eng, st, err := openEngine(f, specsDir, opts.Database, engineOpts...)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	sum, runErr := eng.Run(ctx)

	if recorder != nil {
		if err := recorder.WriteTextfile(opts.MetricsFile); err != nil {
			f.Logger().Error("metrics textfile write failed", "path", opts.MetricsFile, "error", err)
		}
	}

	if runErr != nil {
		var re *engine.RunError
		if !errors.As(runErr, &re) {
			return WrapExitError(ExitCommandError, "run failed", runErr)
		}
		if f.JSON() {
			if err := f.encode(CLIResponse{
				Status: "error",
				Data:   sum,
				RunID:  sum.RunID,
				Error:  &CLIError{Code: string(re.Code), Message: re.Message, Details: re.Details},
			}); err != nil {
				return err
			}
		} else {
			printSummary(f, sum)
			fmt.Fprintf(f.Writer, "\n✗ Run %s failed [%s]: %s\n", sum.RunID, re.Code, re.Message)
		}
		return WrapExitError(ExitFailure, "run failed", runErr)
	}

	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: sum, RunID: sum.RunID})
	}
	printSummary(f, sum)
	fmt.Fprintf(f.Writer, "\n✓ Run %s committed\n", sum.RunID)
	return nil
}

// printSummary writes the per-relation counts and violations of a run.
func printSummary(f *OutputFormatter, sum *engine.Summary) {
	rows := [][]string{{"RELATION", "READ", "INS", "UPD", "SAME", "DEL", "SCD+", "SCD-", "FC+", "FC-", "SKIP", "WATERMARK"}}
	for _, t := range sum.Tables {
		rows = append(rows, []string{
			t.Name,
			strconv.Itoa(t.Read),
			strconv.Itoa(t.Inserted),
			strconv.Itoa(t.Updated),
			strconv.Itoa(t.Unchanged),
			strconv.Itoa(t.Deleted),
			strconv.Itoa(t.SCDOpened),
			strconv.Itoa(t.SCDClosed),
			strconv.Itoa(t.ForecastInserted),
			strconv.Itoa(t.ForecastRetired),
			strconv.Itoa(t.Skipped),
			watermarkText(t.Watermark),
		})
	}
	f.Table(rows)
	printViolations(f, sum.Violations)
}

func watermarkText(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

// signalContext returns the command's context, canceled on SIGINT or
// SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
