package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/martsync/internal/aggregate"
	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/merge"
	"github.com/roach88/martsync/internal/metrics"
	"github.com/roach88/martsync/internal/overlay"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/scd"
	"github.com/roach88/martsync/internal/store"
	"github.com/roach88/martsync/internal/validate"
	"github.com/roach88/martsync/internal/watermark"
)

// Run statuses recorded in the summary and the run ledger.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// DefaultParallelism bounds the compute phase of a level when no
// WithParallelism option is given.
const DefaultParallelism = 4

// Engine reconciles every dimension and table of a project in one
// transaction per run.
//
// Thread-safety model:
//   - Run, Check, Writeback and Watermarks may be called from any goroutine
//   - concurrent runs serialize on the store's write lock (SQLite) or on
//     row locks (Postgres); the engine itself holds no mutable state
type Engine struct {
	store       *store.Store
	project     *ir.Project
	clock       Clock
	runIDs      RunIDGenerator
	parallelism int
	logger      *slog.Logger
	metrics     *metrics.Recorder

	tracker   *watermark.Tracker
	stage     *aggregate.Stage
	merger    *merge.Executor
	overlay   *overlay.Reconciler
	validator *validate.Validator
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the source of run effective times.
//
// Default: SystemClock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithRunIDs sets the run id generator.
//
// Default: UUIDv7Generator.
func WithRunIDs(g RunIDGenerator) EngineOption {
	return func(e *Engine) { e.runIDs = g }
}

// WithParallelism bounds how many relations of one level compute at once.
// Values below 1 are ignored.
func WithParallelism(n int) EngineOption {
	return func(e *Engine) {
		if n >= 1 {
			e.parallelism = n
		}
	}
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records run and writeback outcomes on r.
func WithMetrics(r *metrics.Recorder) EngineOption {
	return func(e *Engine) { e.metrics = r }
}

// New creates an Engine for a compiled project.
//
// The project must come from the compiler: Levels must be populated and
// every column type resolved.
func New(s *store.Store, p *ir.Project, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       s,
		project:     p,
		clock:       SystemClock{},
		runIDs:      UUIDv7Generator{},
		parallelism: DefaultParallelism,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.tracker = watermark.New(watermark.WithLogger(e.logger))
	e.stage = aggregate.New(aggregate.WithLogger(e.logger))
	e.merger = merge.New(merge.WithLogger(e.logger))
	e.overlay = overlay.New(e.merger, overlay.WithLogger(e.logger))
	e.validator = validate.New(p, validate.WithLogger(e.logger))
	return e
}

// Project returns the compiled project the engine runs.
func (e *Engine) Project() *ir.Project { return e.project }

// Summary is the outcome of one run.
type Summary struct {
	RunID       string               `json:"run_id"`
	Version     string               `json:"engine_version"`
	Status      string               `json:"status"`
	EffectiveAt time.Time            `json:"effective_at"`
	ErrorCode   string               `json:"error_code,omitempty"`
	Error       string               `json:"error,omitempty"`
	Tables      []TableSummary       `json:"tables"`
	Violations  []validate.Violation `json:"violations"`
}

// Table returns the summary of the named relation.
func (s *Summary) Table(name string) (TableSummary, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSummary{}, false
}

// TableSummary counts what a run did to one dimension or table.
type TableSummary struct {
	Name             string `json:"name"`
	Kind             string `json:"kind"` // "dimension" or "table"
	Watermark        string `json:"watermark,omitempty"`
	Read             int    `json:"read"`
	Skipped          int    `json:"skipped"`
	Inserted         int    `json:"inserted"`
	Updated          int    `json:"updated"`
	Unchanged        int    `json:"unchanged"`
	Deleted          int    `json:"deleted"`
	SCDOpened        int    `json:"scd_opened"`
	SCDClosed        int    `json:"scd_closed"`
	ForecastRetired  int    `json:"forecast_retired"`
	ForecastInserted int    `json:"forecast_inserted"`
	StaleHorizons    int    `json:"stale_horizons"`
	HeldDeletes      int    `json:"held_deletes"`
}

// rollBack clears the write counts of a summary whose run did not commit.
// Read and skip counts describe the inputs and are kept.
func (t *TableSummary) rollBack() {
	t.Inserted, t.Updated, t.Deleted = 0, 0, 0
	t.SCDOpened, t.SCDClosed, t.HeldDeletes = 0, 0, 0
	t.ForecastRetired, t.ForecastInserted = 0, 0
}

// Run reconciles the whole project once.
//
// The returned summary is never nil. On failure it carries the error code
// and the error is a *RunError; every write of the run has been rolled
// back and the table write counts are zero. The run is recorded in the
// ledger either way.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	runID := e.runIDs.Generate()
	effectiveAt := e.clock.Now()
	started := time.Now()
	logger := e.logger.With("run_id", runID)

	sum := &Summary{
		RunID:       runID,
		Version:     ir.EngineVersion,
		Status:      StatusPassed,
		EffectiveAt: effectiveAt,
		Tables:      []TableSummary{},
		Violations:  []validate.Violation{},
	}
	logger.Info("run started", "effective_at", ir.NewTimestamp(effectiveAt).String())

	err := e.store.RunInTx(ctx, func(tx *store.Tx) error {
		if err := store.EnsureRelations(ctx, tx, e.project); err != nil {
			return err
		}
		for _, level := range e.project.Levels {
			if err := e.runLevel(ctx, tx, logger, level, ir.NewTimestamp(effectiveAt), sum); err != nil {
				return err
			}
		}

		violations, err := e.validator.Validate(ctx, tx, e.project.Rules)
		if err != nil {
			return err
		}
		sum.Violations = violations
		return validate.Failure(violations)
	})

	var runErr *RunError
	if err != nil {
		runErr = newRunError(runID, err)
		sum.Status = StatusFailed
		sum.ErrorCode = string(runErr.Code)
		sum.Error = runErr.Message
		for i := range sum.Tables {
			sum.Tables[i].rollBack()
		}
	}

	elapsed := time.Since(started)
	if lerr := e.record(ctx, sum, started, started.Add(elapsed)); lerr != nil {
		logger.Error("run ledger write failed", "error", lerr)
	}
	e.observe(sum, elapsed)

	if runErr != nil {
		logger.Error("run failed",
			"code", runErr.Code,
			"table", runErr.Table,
			"error", runErr.Message,
			"duration", elapsed)
		return sum, runErr
	}
	logger.Info("run finished",
		"tables", len(sum.Tables),
		"violations", len(sum.Violations),
		"duration", elapsed)
	return sum, nil
}

// job carries one relation through the read, compute and apply phases of
// a level.
type job struct {
	dim   *ir.DimensionSpec
	table *ir.TableSpec
	sum   TableSummary

	// read phase
	detector *scd.Detector
	current  []ir.Row
	snapshot store.ReadResult
	inputs   aggregate.Inputs
	forecast []ir.Row
	boundary ir.Value
	hasMark  bool

	// compute phase
	changes scd.Changeset
	rows    []ir.Row
}

// runLevel reads every relation of the level sequentially, computes them
// in parallel and applies the results in level order.
func (e *Engine) runLevel(ctx context.Context, tx *store.Tx, logger *slog.Logger, level []string, effectiveAt ir.Timestamp, sum *Summary) error {
	jobs := make([]*job, 0, len(level))
	for _, name := range level {
		j, err := e.read(ctx, tx, logger, name)
		if err != nil {
			return err
		}
		jobs = append(jobs, j)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.compute(j, effectiveAt)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.apply(ctx, tx, j); err != nil {
			return err
		}
		sum.Tables = append(sum.Tables, j.sum)
		logger.Info("relation reconciled",
			"relation", j.sum.Name,
			"read", j.sum.Read,
			"skipped", j.sum.Skipped,
			"inserted", j.sum.Inserted,
			"updated", j.sum.Updated,
			"deleted", j.sum.Deleted,
			"scd_opened", j.sum.SCDOpened,
			"scd_closed", j.sum.SCDClosed)
	}
	return nil
}

func (e *Engine) read(ctx context.Context, tx *store.Tx, logger *slog.Logger, name string) (*job, error) {
	if dim, ok := e.project.Dimension(name); ok {
		j := &job{dim: dim, sum: TableSummary{Name: name, Kind: "dimension"}}
		j.detector = scd.NewDetector(dim, scd.WithLogger(logger))

		cur, err := j.detector.ReadCurrent(ctx, tx)
		if err != nil {
			return nil, err
		}
		j.current = cur.Rows

		in, err := e.readRelation(ctx, tx, dim.From, nil, false)
		if err != nil {
			return nil, err
		}
		j.snapshot = in
		j.sum.Read = len(in.Rows)
		countSkips(logger, &j.sum, dim.From, in)
		return j, nil
	}

	table, ok := e.project.Table(name)
	if !ok {
		return nil, fmt.Errorf("level names unknown relation %q", name)
	}
	j := &job{table: table, sum: TableSummary{Name: name, Kind: "table"}}

	boundary, hasMark, err := e.tracker.Current(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	j.boundary, j.hasMark = boundary, hasMark
	if hasMark {
		j.sum.Watermark = ir.Format(boundary)
	}

	agg := &table.Aggregate
	fromCols, _ := e.project.ColumnsOf(agg.From)
	from, err := e.readRelation(ctx, tx, agg.From, watermark.SourceFilter(table, fromCols, boundary, hasMark), true)
	if err != nil {
		return nil, err
	}
	j.inputs.From = from.Rows
	j.sum.Read = len(from.Rows)
	countSkips(logger, &j.sum, agg.From, from)

	if len(agg.Joins) > 0 {
		j.inputs.Lookups = make(map[string][]ir.Row, len(agg.Joins))
	}
	for _, jn := range agg.Joins {
		if _, done := j.inputs.Lookups[jn.Table]; done {
			continue
		}
		lookup, err := e.readRelation(ctx, tx, jn.Table, nil, jn.CurrentOnly)
		if err != nil {
			return nil, err
		}
		j.inputs.Lookups[jn.Table] = lookup.Rows
		countSkips(logger, &j.sum, jn.Table, lookup)
	}

	if table.Blended() {
		fc, err := e.readRelation(ctx, tx, table.Forecast.From, nil, true)
		if err != nil {
			return nil, err
		}
		j.forecast = fc.Rows
		countSkips(logger, &j.sum, table.Forecast.From, fc)
	}
	return j, nil
}

// readRelation reads every declared column of a relation. Dimensions are
// restricted to open versions when currentOnly is set, and blended tables
// to settled rows; forecast rows are never an aggregation input.
func (e *Engine) readRelation(ctx context.Context, tx *store.Tx, name string, filter queryir.Predicate, currentOnly bool) (store.ReadResult, error) {
	cols, ok := e.project.ColumnsOf(name)
	if !ok {
		return store.ReadResult{}, fmt.Errorf("read %s: relation not declared", name)
	}
	if _, isDim := e.project.Dimension(name); isDim && currentOnly {
		filter = queryir.Where(filter, queryir.Equals{Field: ir.ColIsCurrent, Value: ir.Bool(true)})
	}
	if t, isTable := e.project.Table(name); isTable && t.Blended() {
		filter = queryir.Where(filter, queryir.Equals{Field: ir.ColIsForecast, Value: ir.Bool(false)})
	}
	return store.ReadAll(ctx, tx, name, cols, filter, nil)
}

func countSkips(logger *slog.Logger, ts *TableSummary, relation string, res store.ReadResult) {
	if res.Skipped == 0 {
		return
	}
	ts.Skipped += res.Skipped
	logger.Warn("skipped malformed rows",
		"relation", ts.Name,
		"input", relation,
		"rows", res.Skipped,
		"first_error", res.FirstSkip)
}

// compute is the pure phase of a job. It touches no store.
func (e *Engine) compute(j *job, effectiveAt ir.Timestamp) error {
	if j.dim != nil {
		cs, err := j.detector.DetectSnapshot(j.current, j.snapshot, effectiveAt)
		if err != nil {
			return err
		}
		j.changes = cs
		return nil
	}

	rows, err := e.stage.Compute(j.table, j.inputs)
	if err != nil {
		return err
	}
	j.rows = e.tracker.Since(j.table.Name, j.table.Watermark, j.boundary, j.hasMark, rows)
	return nil
}

func (e *Engine) apply(ctx context.Context, tx *store.Tx, j *job) error {
	switch {
	case j.dim != nil:
		if err := j.detector.Apply(ctx, tx, j.changes); err != nil {
			return fmt.Errorf("dimension %s: %w", j.dim.Name, err)
		}
		j.sum.SCDOpened = len(j.changes.Opens)
		j.sum.SCDClosed = len(j.changes.Closes)
		j.sum.Unchanged = j.changes.Unchanged
		j.sum.Skipped += j.changes.Skipped
		j.sum.HeldDeletes = j.changes.HeldDeletes

	case j.table.Blended():
		res, err := e.overlay.Reconcile(ctx, tx, j.table, j.rows, j.forecast)
		if err != nil {
			return err
		}
		j.sum.Inserted = res.Merge.Inserted
		j.sum.Updated = res.Merge.Updated
		j.sum.Unchanged = res.Merge.Unchanged
		j.sum.Deleted = res.Merge.Deleted
		j.sum.ForecastRetired = res.ForecastRetired
		j.sum.ForecastInserted = res.ForecastInserted
		j.sum.StaleHorizons = res.StaleHorizons
		j.sum.Skipped += res.Skipped

	default:
		res, err := e.merger.Apply(ctx, tx, j.table, j.rows)
		if err != nil {
			return err
		}
		j.sum.Inserted = res.Inserted
		j.sum.Updated = res.Updated
		j.sum.Unchanged = res.Unchanged
		j.sum.Deleted = res.Deleted
	}
	return nil
}

// record writes the run to the ledger outside the run transaction, so
// failed and canceled runs are recorded too.
func (e *Engine) record(ctx context.Context, sum *Summary, started, finished time.Time) error {
	body, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return store.WriteRun(context.WithoutCancel(ctx), e.store, store.RunRecord{
		RunID:       sum.RunID,
		EffectiveAt: sum.EffectiveAt,
		StartedAt:   started,
		FinishedAt:  finished,
		Status:      sum.Status,
		ErrorCode:   sum.ErrorCode,
		Summary:     body,
	})
}

func (e *Engine) observe(sum *Summary, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	tables := make([]metrics.TableCounts, len(sum.Tables))
	for i, t := range sum.Tables {
		tables[i] = metrics.TableCounts{
			Table:   t.Name,
			Skipped: t.Skipped,
			Stale:   t.StaleHorizons,
		}
		if sum.Status != StatusPassed {
			continue
		}
		tables[i].Ops = map[string]int{
			"inserted":          t.Inserted,
			"updated":           t.Updated,
			"deleted":           t.Deleted,
			"scd_opened":        t.SCDOpened,
			"scd_closed":        t.SCDClosed,
			"forecast_retired":  t.ForecastRetired,
			"forecast_inserted": t.ForecastInserted,
		}
	}
	rules := make([]metrics.RuleCount, len(sum.Violations))
	for i, v := range sum.Violations {
		rules[i] = metrics.RuleCount{Rule: v.Rule, Severity: string(v.Severity), Count: v.Count}
	}
	e.metrics.ObserveRun(sum.Status, sum.EffectiveAt, elapsed, tables, rules)
}
