// Package merge applies computed rows to a target table.
//
// Apply classifies every computed row against the settled rows already
// stored (inserted, updated or unchanged) and writes only what differs,
// so re-applying a batch is a no-op. Incremental tables upsert on the
// effective key; full tables are reconciled to exactly the computed set.
// Writeback-owned columns are never written by Apply.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/store"
)

// Result counts what Apply did.
type Result struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
}

// Executor writes computed rows and writeback values.
type Executor struct {
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply merges rows into table. Two rows with the same unique key fail
// with KEY_COLLISION before anything is written. On blended tables the
// rows are written as settled rows and forecast rows are never touched.
func (e *Executor) Apply(ctx context.Context, q store.Querier, table *ir.TableSpec, rows []ir.Row) (Result, error) {
	if err := CheckKeys(table, rows); err != nil {
		return Result{}, err
	}

	data := DataColumns(table)
	key := table.EffectiveKey()
	if table.Blended() {
		rows = settle(rows)
	}

	existing, err := e.readExisting(ctx, q, table, rows)
	if err != nil {
		return Result{}, err
	}

	var res Result
	var upserts, nullKeyInserts, nullKeyUpdates []ir.Row
	incoming := make(map[string]bool, len(rows))
	for _, r := range rows {
		k := r.Key(key)
		incoming[k] = true
		old, found := existing[k]
		switch {
		case found && sameData(old, r, data):
			res.Unchanged++
			continue
		case found:
			res.Updated++
		default:
			res.Inserted++
		}
		switch {
		case !hasNull(r, key):
			upserts = append(upserts, r)
		case found:
			nullKeyUpdates = append(nullKeyUpdates, r)
		default:
			nullKeyInserts = append(nullKeyInserts, r)
		}
	}

	if table.Strategy == ir.StrategyFull {
		var gone []ir.Row
		for k, old := range existing {
			if !incoming[k] {
				gone = append(gone, old)
			}
		}
		ir.SortRows(gone, key)
		for _, old := range gone {
			if _, err := store.Exec(ctx, q, queryir.Delete{
				From:   table.Name,
				Filter: queryir.KeyEquals(old, key),
			}); err != nil {
				return Result{}, fmt.Errorf("merge %s: delete %s: %w", table.Name, old.DescribeKey(key), err)
			}
			res.Deleted++
		}
	}

	cols := append(slices.Clone(key), data...)
	if table.Blended() {
		cols = append(cols, ir.ColForecastVintage)
	}
	if err := store.Upsert(ctx, q, table.Name, cols, key, data, upserts); err != nil {
		return Result{}, fmt.Errorf("merge %s: %w", table.Name, err)
	}
	if err := store.Insert(ctx, q, table.Name, cols, nullKeyInserts); err != nil {
		return Result{}, fmt.Errorf("merge %s: %w", table.Name, err)
	}
	for _, r := range nullKeyUpdates {
		set := make([]queryir.Assignment, len(data))
		for i, c := range data {
			set[i] = queryir.Assignment{Column: c, Value: r.Get(c)}
		}
		if _, err := store.Exec(ctx, q, queryir.Update{
			Table:  table.Name,
			Set:    set,
			Filter: queryir.KeyEquals(r, key),
		}); err != nil {
			return Result{}, fmt.Errorf("merge %s: update %s: %w", table.Name, r.DescribeKey(key), err)
		}
	}

	e.logger.Debug("merged",
		"table", table.Name,
		"strategy", table.Strategy,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"deleted", res.Deleted)
	return res, nil
}

// CheckKeys fails with KEY_COLLISION when two rows share a unique key.
func CheckKeys(table *ir.TableSpec, rows []ir.Row) error {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		k := r.Key(table.UniqueKey)
		if seen[k] {
			err := ir.Errorf(ir.ErrKeyCollision, table.Name,
				"two computed rows share key %s", r.DescribeKey(table.UniqueKey))
			err.Details = map[string]string{"key": r.DescribeKey(table.UniqueKey)}
			return err
		}
		seen[k] = true
	}
	return nil
}

// DataColumns returns the columns Apply owns: every stored column that is
// not part of the effective key, not writeback-owned and not a forecast
// system column.
func DataColumns(table *ir.TableSpec) []string {
	var cols []string
	for _, c := range table.Columns {
		switch {
		case table.IsKey(c.Name), table.IsWriteback(c.Name):
		case c.Name == ir.ColIsForecast, c.Name == ir.ColForecastHorizon, c.Name == ir.ColForecastVintage:
		default:
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// readExisting returns the settled rows the batch can collide with, keyed
// by effective key. Full tables read every settled row; incremental
// tables read from the earliest watermark value in the batch onwards.
func (e *Executor) readExisting(ctx context.Context, q store.Querier, table *ir.TableSpec, rows []ir.Row) (map[string]ir.Row, error) {
	var preds []queryir.Predicate
	if table.Blended() {
		preds = append(preds, queryir.Equals{Field: ir.ColIsForecast, Value: ir.Bool(false)})
	}
	if table.Strategy == ir.StrategyIncremental {
		if len(rows) == 0 {
			return nil, nil
		}
		if lo := minWatermark(table.Watermark, rows); !ir.IsNull(lo) {
			preds = append(preds, queryir.Compare{Field: table.Watermark, Op: ir.OpGTE, Value: lo})
		}
	}

	cols := make([]ir.Column, 0, len(table.Columns))
	for _, c := range table.Columns {
		if !table.IsWriteback(c.Name) {
			cols = append(cols, c)
		}
	}
	res, err := store.ReadAll(ctx, q, table.Name, cols, queryir.Where(preds...), table.EffectiveKey())
	if err != nil {
		return nil, fmt.Errorf("merge %s: read existing: %w", table.Name, err)
	}
	if res.Skipped > 0 {
		e.logger.Warn("undecodable target rows ignored",
			"table", table.Name,
			"rows", res.Skipped,
			"first", res.FirstSkip)
	}

	key := table.EffectiveKey()
	out := make(map[string]ir.Row, len(res.Rows))
	for _, r := range res.Rows {
		out[r.Key(key)] = r
	}
	return out, nil
}

// minWatermark returns the smallest watermark value in rows, or Null when
// there is no watermark or some row lacks one.
func minWatermark(column string, rows []ir.Row) ir.Value {
	if column == "" {
		return ir.Null{}
	}
	var lo ir.Value = ir.Null{}
	for _, r := range rows {
		v := r.Get(column)
		if ir.IsNull(v) {
			return ir.Null{}
		}
		if c, err := ir.Compare(v, lo); err == nil && (ir.IsNull(lo) || c < 0) {
			lo = v
		}
	}
	return lo
}

func settle(rows []ir.Row) []ir.Row {
	out := make([]ir.Row, len(rows))
	for i, r := range rows {
		r = r.Clone()
		r[ir.ColIsForecast] = ir.Bool(false)
		r[ir.ColForecastHorizon] = ir.String("")
		r[ir.ColForecastVintage] = ir.Null{}
		out[i] = r
	}
	return out
}

func sameData(a, b ir.Row, cols []string) bool {
	for _, c := range cols {
		if !ir.Equal(a.Get(c), b.Get(c)) {
			return false
		}
	}
	return true
}

func hasNull(r ir.Row, cols []string) bool {
	for _, c := range cols {
		if ir.IsNull(r.Get(c)) {
			return true
		}
	}
	return false
}
