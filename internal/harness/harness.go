package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/martsync/internal/compiler"
	"github.com/roach88/martsync/internal/engine"
	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/store"
	"github.com/roach88/martsync/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenario steps with a deterministic clock and run ids.
type Harness struct {
	store   *store.Store
	project *ir.Project
	engine  *engine.Engine
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Compile the scenario's CUE specs
// 2. Create a fresh in-memory database with every relation
// 3. Execute steps, checking each step's expectations
// 4. Evaluate assertions against the final state
//
// A returned error means the scenario itself is broken (bad specs, rows
// for unknown relations); expectation mismatches are reported in the
// result.
func Run(scenario *Scenario) (*Result, error) {
	project, err := CompileSpecs(scenario.Specs)
	if err != nil {
		return nil, err
	}
	start, err := scenario.StartTime()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := store.EnsureRelations(ctx, st, project); err != nil {
		return nil, err
	}

	logger := slog.New(slog.DiscardHandler) // Suppress logs in tests
	h := &Harness{
		store:   st,
		project: project,
		logger:  logger,
		engine: engine.New(st, project,
			engine.WithClock(testutil.NewDeterministicClock(start, time.Hour)),
			engine.WithRunIDs(testutil.NewSequentialRunIDs(scenario.Name)),
			engine.WithParallelism(2),
			engine.WithLogger(logger),
		),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, msg := range h.EvaluateAssertions(ctx, scenario.Assertions, result.Trace) {
		result.AddError(msg)
	}
	return result, nil
}

// CompileSpecs compiles CUE files into one project, collecting every
// error.
func CompileSpecs(paths []string) (*ir.Project, error) {
	cctx := cuecontext.New()
	var v cue.Value
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read spec: %w", err)
		}
		file := cctx.CompileBytes(data, cue.Filename(path))
		if err := file.Err(); err != nil {
			return nil, fmt.Errorf("compile %s: %w", path, err)
		}
		if i == 0 {
			v = file
		} else {
			v = v.Unify(file)
		}
	}
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("unify specs: %w", err)
	}

	project, errs := compiler.CompileProject(v, true)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return project, nil
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Load != nil:
		return h.load(ctx, i, step.Load, result)
	case step.Run != nil:
		return h.run(ctx, i, step.Run, result)
	case step.Writeback != nil:
		return h.writeback(ctx, i, step.Writeback, result)
	case step.Check != nil:
		return h.check(ctx, i, step.Check, result)
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) load(ctx context.Context, i int, load map[string][]map[string]any, result *Result) error {
	ev := TraceEvent{Step: i, Kind: KindLoad}
	for _, relation := range slices.Sorted(maps.Keys(load)) {
		cols, ok := h.project.ColumnsOf(relation)
		if !ok {
			return fmt.Errorf("load: unknown relation %q", relation)
		}
		names := make([]string, len(cols))
		for j, c := range cols {
			names[j] = c.Name
		}

		rows := make([]ir.Row, len(load[relation]))
		for j, raw := range load[relation] {
			row, err := typedRow(cols, raw, false)
			if err != nil {
				return fmt.Errorf("load %s[%d]: %w", relation, j, err)
			}
			rows[j] = row
		}
		if err := store.Insert(ctx, h.store, relation, names, rows); err != nil {
			return fmt.Errorf("load %s: %w", relation, err)
		}
		ev.Rows += len(rows)
	}
	result.AddEvent(ev)
	return nil
}

func (h *Harness) run(ctx context.Context, i int, want *RunStep, result *Result) error {
	sum, err := h.engine.Run(ctx)
	var re *engine.RunError
	if err != nil && !errors.As(err, &re) {
		return err
	}

	ev := TraceEvent{
		Step:        i,
		Kind:        KindRun,
		RunID:       sum.RunID,
		EffectiveAt: ir.NewTimestamp(sum.EffectiveAt).String(),
		Status:      sum.Status,
		Code:        sum.ErrorCode,
	}
	for _, ts := range sum.Tables {
		if c := nonZero(ts); len(c) > 0 {
			if ev.Tables == nil {
				ev.Tables = make(map[string]map[string]int)
			}
			ev.Tables[ts.Name] = c
		}
	}
	ev.Violations = violationCounts(sum)
	result.AddEvent(ev)

	expect := want.Expect
	if expect == "" {
		expect = engine.StatusPassed
	}
	if sum.Status != expect {
		result.AddError(fmt.Sprintf("step %d: run %s, want %s (%s %s)", i, sum.Status, expect, sum.ErrorCode, sum.Error))
	}
	if want.Code != "" && sum.ErrorCode != want.Code {
		result.AddError(fmt.Sprintf("step %d: error code %q, want %q", i, sum.ErrorCode, want.Code))
	}

	for _, table := range slices.Sorted(maps.Keys(want.Counts)) {
		ts, ok := sum.Table(table)
		if !ok {
			result.AddError(fmt.Sprintf("step %d: no summary for %s", i, table))
			continue
		}
		all := counts(ts)
		for _, field := range slices.Sorted(maps.Keys(want.Counts[table])) {
			got, known := all[field]
			if !known {
				result.AddError(fmt.Sprintf("step %d: unknown count %q", i, field))
				continue
			}
			if got != want.Counts[table][field] {
				result.AddError(fmt.Sprintf("step %d: %s.%s = %d, want %d", i, table, field, got, want.Counts[table][field]))
			}
		}
	}

	for _, rule := range slices.Sorted(maps.Keys(want.Violations)) {
		if got := ev.Violations[rule]; got != want.Violations[rule] {
			result.AddError(fmt.Sprintf("step %d: rule %s has %d violation(s), want %d", i, rule, got, want.Violations[rule]))
		}
	}
	return nil
}

func (h *Harness) writeback(ctx context.Context, i int, want *WritebackStep, result *Result) error {
	rows := make([]ir.Row, len(want.Rows))
	cols, _ := h.project.ColumnsOf(want.Table)
	for j, raw := range want.Rows {
		row, err := typedRow(cols, raw, true)
		if err != nil {
			return fmt.Errorf("writeback %s[%d]: %w", want.Table, j, err)
		}
		rows[j] = row
	}

	res, err := h.engine.Writeback(ctx, want.Table, rows)
	ev := TraceEvent{Step: i, Kind: KindWriteback, Rows: res.Matched}
	if err != nil {
		code := ir.CodeOf(err)
		if code == "" {
			return err
		}
		ev.Code = string(code)
	}
	result.AddEvent(ev)

	if ev.Code != want.Code {
		result.AddError(fmt.Sprintf("step %d: writeback code %q, want %q (%v)", i, ev.Code, want.Code, err))
	}
	if want.Matched != nil && res.Matched != *want.Matched {
		result.AddError(fmt.Sprintf("step %d: writeback matched %d, want %d", i, res.Matched, *want.Matched))
	}
	return nil
}

func (h *Harness) check(ctx context.Context, i int, want *CheckStep, result *Result) error {
	violations, err := h.engine.Check(ctx)
	if err != nil {
		return err
	}
	got := make(map[string]int64, len(violations))
	for _, v := range violations {
		got[v.Rule] = v.Count
	}
	ev := TraceEvent{Step: i, Kind: KindCheck}
	if len(got) > 0 {
		ev.Violations = got
	}
	result.AddEvent(ev)

	if want.Violations == nil {
		want.Violations = map[string]int64{}
	}
	if !maps.Equal(got, want.Violations) {
		result.AddError(fmt.Sprintf("step %d: violations %v, want %v", i, got, want.Violations))
	}
	return nil
}

// typedRow coerces raw YAML values to the column types. Unknown columns
// are an error unless lenient, in which case they pass through untyped so
// the engine can reject them itself.
func typedRow(cols []ir.Column, raw map[string]any, lenient bool) (ir.Row, error) {
	row := make(ir.Row, len(raw))
	for name, v := range raw {
		idx := slices.IndexFunc(cols, func(c ir.Column) bool { return c.Name == name })
		if idx < 0 {
			if !lenient {
				return nil, fmt.Errorf("unknown column %q", name)
			}
			row[name] = ir.String(fmt.Sprint(v))
			continue
		}
		val, err := ir.CoerceColumn(name, cols[idx].Type, v)
		if err != nil {
			return nil, err
		}
		row[name] = val
	}
	return row, nil
}

// counts returns every count of a table summary by its JSON name.
func counts(ts engine.TableSummary) map[string]int {
	return map[string]int{
		"read":              ts.Read,
		"skipped":           ts.Skipped,
		"inserted":          ts.Inserted,
		"updated":           ts.Updated,
		"unchanged":         ts.Unchanged,
		"deleted":           ts.Deleted,
		"scd_opened":        ts.SCDOpened,
		"scd_closed":        ts.SCDClosed,
		"forecast_retired":  ts.ForecastRetired,
		"forecast_inserted": ts.ForecastInserted,
		"stale_horizons":    ts.StaleHorizons,
		"held_deletes":      ts.HeldDeletes,
	}
}

func nonZero(ts engine.TableSummary) map[string]int {
	out := counts(ts)
	maps.DeleteFunc(out, func(_ string, n int) bool { return n == 0 })
	return out
}

func violationCounts(sum *engine.Summary) map[string]int64 {
	if len(sum.Violations) == 0 {
		return nil
	}
	out := make(map[string]int64, len(sum.Violations))
	for _, v := range sum.Violations {
		out[v.Rule] = v.Count
	}
	return out
}
