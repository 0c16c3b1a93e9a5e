// Package watermark tracks how far each incremental table has been built.
//
// The watermark of a table is the largest value of its watermark column
// over settled rows (is_forecast = false on blended tables). It is derived
// from the target on every run and never stored separately, so a rebuilt
// or truncated table simply starts over with a full backfill.
package watermark

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/store"
)

// Tracker reads watermarks and applies them to computed rows.
type Tracker struct {
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for regression notices.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Current returns the boundary of table. ok is false, meaning a full
// backfill, when the table is not incremental, is empty, or its stored
// relation lacks the watermark column. None of those is an error.
func (t *Tracker) Current(ctx context.Context, q store.Querier, table *ir.TableSpec) (boundary ir.Value, ok bool, err error) {
	if table.Strategy != ir.StrategyIncremental || table.Watermark == "" {
		return ir.Null{}, false, nil
	}
	col, declared := table.Column(table.Watermark)
	if !declared {
		return ir.Null{}, false, nil
	}

	physical, err := store.Columns(ctx, q, table.Name)
	if err != nil {
		return nil, false, fmt.Errorf("watermark %s: %w", table.Name, err)
	}
	if !slices.Contains(physical, table.Watermark) {
		t.logger.Info("watermark column missing, full backfill",
			"table", table.Name,
			"column", table.Watermark)
		return ir.Null{}, false, nil
	}

	var filter queryir.Predicate
	if table.Blended() {
		filter = queryir.Equals{Field: ir.ColIsForecast, Value: ir.Bool(false)}
	}
	v, err := store.MaxValue(ctx, q, table.Name, col, filter)
	if err != nil {
		return nil, false, fmt.Errorf("watermark %s: %w", table.Name, err)
	}
	if ir.IsNull(v) {
		return ir.Null{}, false, nil
	}
	return v, true, nil
}

// Since keeps the rows whose column is strictly past boundary. When ok is
// false every row is kept. A non-empty batch that lies entirely at or
// before the boundary is a regression: it is dropped and logged, never an
// error.
func (t *Tracker) Since(table, column string, boundary ir.Value, ok bool, rows []ir.Row) []ir.Row {
	if !ok {
		return rows
	}
	kept := FilterSince(rows, column, boundary)
	if len(rows) > 0 && len(kept) == 0 {
		t.logger.Info("watermark regression, nothing past boundary",
			"table", table,
			"boundary", ir.Format(boundary),
			"rows", len(rows))
	}
	return kept
}

// FilterSince returns the rows where column > boundary. Rows with a NULL
// or incomparable column are dropped. A NULL boundary keeps every row.
func FilterSince(rows []ir.Row, column string, boundary ir.Value) []ir.Row {
	if ir.IsNull(boundary) {
		return rows
	}
	out := make([]ir.Row, 0, len(rows))
	for _, r := range rows {
		v := r.Get(column)
		if ir.IsNull(v) {
			continue
		}
		if c, err := ir.Compare(v, boundary); err == nil && c > 0 {
			out = append(out, r)
		}
	}
	return out
}

// LookbackBound moves a date boundary back by days so rolling windows that
// end after the boundary still see their earlier periods. Other boundary
// types are returned unchanged.
func LookbackBound(boundary ir.Value, days int) ir.Value {
	if d, isDate := boundary.(ir.Date); isDate && days > 0 {
		return d.AddDays(-days)
	}
	return boundary
}

// Lookback returns how many earlier periods the rolling metrics of table
// need: the largest window minus one.
func Lookback(table *ir.TableSpec) int {
	days := 0
	for _, r := range table.Aggregate.Rolling {
		days = max(days, r.Window-1)
	}
	return days
}

// SourceFilter returns the predicate that restricts the read of the
// table's `from` relation to rows the run can affect, or nil when the
// whole relation must be read. The filter applies only when the watermark
// maps straight onto a column of the `from` relation; watermarks computed
// from joins or compute columns are filtered after aggregation instead.
func SourceFilter(table *ir.TableSpec, fromColumns []ir.Column, boundary ir.Value, ok bool) queryir.Predicate {
	if !ok || table.Watermark == "" {
		return nil
	}
	var source string
	for _, g := range table.Aggregate.Grain {
		if g.Target == table.Watermark {
			source = g.Source
		}
	}
	if !slices.ContainsFunc(fromColumns, func(c ir.Column) bool { return c.Name == source }) {
		return nil
	}
	return queryir.Compare{
		Field: source,
		Op:    ir.OpGT,
		Value: LookbackBound(boundary, Lookback(table)),
	}
}
