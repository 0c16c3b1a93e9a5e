package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/martsync/internal/engine"
	"github.com/roach88/martsync/internal/metrics"
	"github.com/roach88/martsync/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	StoreOptions
	Addr    string
	Origins []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "serve <specs-dir>",
		Short: "Serve runs, writeback and watermarks over HTTP",
		Long: `Serve the HTTP interface until interrupted:

  GET  /healthz                        liveness
  GET  /metrics                        Prometheus metrics
  GET  /api/watermarks                 boundary per table
  GET  /api/violations                 evaluate every rule
  GET  /api/runs?limit=N               run ledger, newest first
  POST /api/runs                       reconcile once
  POST /api/tables/{table}/writeback   store model outputs

Example:
  martsync serve --db ./marts.db --addr :8080 ./specs`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite path or postgres:// DSN (required)")
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringSliceVar(&opts.Origins, "allow-origin", nil, "CORS origins allowed to call the API")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runServe(opts *ServeOptions, specsDir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	recorder := metrics.New()
	eng, st, err := openEngine(f, specsDir, opts.Database, engine.WithMetrics(recorder))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	srv := server.New(eng,
		server.WithMetrics(recorder),
		server.WithLogger(f.Logger()),
		server.WithAllowedOrigins(opts.Origins...),
	)
	if err := srv.ListenAndServe(ctx, opts.Addr); err != nil {
		return WrapExitError(ExitCommandError, "server error", err)
	}
	return nil
}
