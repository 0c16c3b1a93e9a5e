// Package overlay reconciles forecast rows into blended tables.
//
// A blended table holds settled rows (is_forecast = false) next to
// forecast rows (is_forecast = true) for the same grain. Settled rows are
// merged like any other table. Forecast rows are replaced a whole horizon
// at a time: when a newer vintage arrives for a horizon, every stored
// forecast row of that horizon is deleted and the new vintage inserted.
// Rows of the stored vintage add only keys the horizon does not hold yet,
// so a vintage delivered across several batches lands in full. Vintages
// older than the stored one are skipped and counted as stale.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/merge"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/store"
)

// Result counts what Reconcile did.
type Result struct {
	Merge            merge.Result `json:"merge"`
	ForecastRetired  int          `json:"forecast_retired"`
	ForecastInserted int          `json:"forecast_inserted"`
	StaleHorizons    int          `json:"stale_horizons"`
	Skipped          int          `json:"skipped"` // forecast rows without horizon or vintage
}

// Reconciler applies historical and forecast rows to blended tables.
type Reconciler struct {
	merger *merge.Executor
	logger *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler that merges settled rows with m.
func New(m *merge.Executor, opts ...Option) *Reconciler {
	r := &Reconciler{merger: m, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile merges historical rows as settled rows and overlays forecast,
// given as rows of the table's forecast source.
func (r *Reconciler) Reconcile(ctx context.Context, q store.Querier, table *ir.TableSpec, historical, forecast []ir.Row) (Result, error) {
	if !table.Blended() {
		return Result{}, fmt.Errorf("overlay %s: table is not blended", table.Name)
	}

	var res Result
	batches, skipped := r.horizonBatches(table, forecast)
	res.Skipped = skipped

	for _, b := range batches {
		if err := merge.CheckKeys(table, b.rows); err != nil {
			return Result{}, err
		}
	}

	var err error
	res.Merge, err = r.merger.Apply(ctx, q, table, historical)
	if err != nil {
		return Result{}, err
	}

	stored, err := storedVintages(ctx, q, table)
	if err != nil {
		return Result{}, err
	}

	for _, b := range batches {
		prev, has := stored[b.horizon]
		if has {
			c, err := ir.Compare(b.vintage, prev)
			if err != nil {
				return Result{}, fmt.Errorf("overlay %s: horizon %s: %w", table.Name, b.horizon, err)
			}
			if c == 0 {
				n, err := r.complete(ctx, q, table, b)
				if err != nil {
					return Result{}, err
				}
				res.ForecastInserted += n
				continue
			}
			if c < 0 {
				res.StaleHorizons++
				r.logger.Info("stale forecast vintage skipped",
					"table", table.Name,
					"horizon", b.horizon,
					"vintage", ir.Format(b.vintage),
					"stored_vintage", ir.Format(prev))
				continue
			}
		}

		n, err := store.Exec(ctx, q, queryir.Delete{
			From: table.Name,
			Filter: queryir.Where(
				queryir.Equals{Field: ir.ColIsForecast, Value: ir.Bool(true)},
				queryir.Equals{Field: ir.ColForecastHorizon, Value: ir.String(b.horizon)},
			),
		})
		if err != nil {
			return Result{}, fmt.Errorf("overlay %s: retire horizon %s: %w", table.Name, b.horizon, err)
		}
		res.ForecastRetired += int(n)

		if err := store.Insert(ctx, q, table.Name, b.columns, b.rows); err != nil {
			return Result{}, fmt.Errorf("overlay %s: %w", table.Name, err)
		}
		res.ForecastInserted += len(b.rows)
	}

	r.logger.Debug("overlay reconciled",
		"table", table.Name,
		"retired", res.ForecastRetired,
		"inserted", res.ForecastInserted,
		"stale_horizons", res.StaleHorizons)
	return res, nil
}

// complete inserts the rows of b whose keys the horizon does not hold.
// b carries the stored vintage, so rows already stored are left as they are.
func (r *Reconciler) complete(ctx context.Context, q store.Querier, table *ir.TableSpec, b horizonBatch) (int, error) {
	keyCols := make([]ir.Column, 0, len(table.UniqueKey))
	for _, k := range table.UniqueKey {
		c, _ := table.Column(k)
		keyCols = append(keyCols, c)
	}
	stored, err := store.ReadAll(ctx, q, table.Name, keyCols, queryir.Where(
		queryir.Equals{Field: ir.ColIsForecast, Value: ir.Bool(true)},
		queryir.Equals{Field: ir.ColForecastHorizon, Value: ir.String(b.horizon)},
	), nil)
	if err != nil {
		return 0, fmt.Errorf("overlay %s: horizon %s: %w", table.Name, b.horizon, err)
	}
	have := make(map[string]bool, len(stored.Rows))
	for _, row := range stored.Rows {
		have[row.Key(table.UniqueKey)] = true
	}

	var missing []ir.Row
	for _, row := range b.rows {
		if !have[row.Key(table.UniqueKey)] {
			missing = append(missing, row)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if err := store.Insert(ctx, q, table.Name, b.columns, missing); err != nil {
		return 0, fmt.Errorf("overlay %s: %w", table.Name, err)
	}
	r.logger.Info("forecast vintage completed",
		"table", table.Name,
		"horizon", b.horizon,
		"vintage", ir.Format(b.vintage),
		"rows", len(missing))
	return len(missing), nil
}

type horizonBatch struct {
	horizon string
	vintage ir.Value
	columns []string
	rows    []ir.Row
}

// horizonBatches maps forecast source rows onto the table and keeps, per
// horizon, only the rows of the latest vintage present. Batches are
// returned in horizon order.
func (r *Reconciler) horizonBatches(table *ir.TableSpec, forecast []ir.Row) ([]horizonBatch, int) {
	f := table.Forecast
	columns := forecastColumns(table)

	byHorizon := make(map[string]*horizonBatch)
	skipped := 0
	for _, src := range forecast {
		h, vintage := src.Get(f.Horizon), src.Get(f.Vintage)
		if ir.IsNull(h) || ir.IsNull(vintage) {
			skipped++
			continue
		}
		horizon := ir.Format(h)

		b, ok := byHorizon[horizon]
		if !ok {
			b = &horizonBatch{horizon: horizon, vintage: vintage, columns: columns}
			byHorizon[horizon] = b
		}
		c, err := ir.Compare(vintage, b.vintage)
		switch {
		case err != nil || c < 0:
			continue
		case c > 0:
			b.vintage, b.rows = vintage, nil
		}
		b.rows = append(b.rows, mapRow(table, src, horizon, vintage))
	}
	if skipped > 0 {
		r.logger.Warn("forecast rows without horizon or vintage skipped",
			"table", table.Name,
			"rows", skipped)
	}

	horizons := make([]string, 0, len(byHorizon))
	for h := range byHorizon {
		horizons = append(horizons, h)
	}
	slices.Sort(horizons)
	out := make([]horizonBatch, len(horizons))
	for i, h := range horizons {
		out[i] = *byHorizon[h]
	}
	return out, skipped
}

// forecastColumns lists the columns a forecast row sets: the unique key,
// the mapped forecast columns and the forecast system columns.
func forecastColumns(table *ir.TableSpec) []string {
	cols := slices.Clone(table.UniqueKey)
	for _, c := range table.Forecast.Columns {
		if !slices.Contains(cols, c.As) {
			cols = append(cols, c.As)
		}
	}
	return append(cols, ir.ColIsForecast, ir.ColForecastHorizon, ir.ColForecastVintage)
}

func mapRow(table *ir.TableSpec, src ir.Row, horizon string, vintage ir.Value) ir.Row {
	row := make(ir.Row, len(table.UniqueKey)+len(table.Forecast.Columns)+3)
	for _, k := range table.UniqueKey {
		row[k] = src.Get(k)
	}
	for _, c := range table.Forecast.Columns {
		row[c.As] = src.Get(c.Column)
	}
	row[ir.ColIsForecast] = ir.Bool(true)
	row[ir.ColForecastHorizon] = ir.String(horizon)
	row[ir.ColForecastVintage] = vintage
	return row
}

// storedVintages returns the latest stored vintage per horizon.
func storedVintages(ctx context.Context, q store.Querier, table *ir.TableSpec) (map[string]ir.Value, error) {
	vintage, _ := table.Column(ir.ColForecastVintage)
	d := q.Dialect()
	sqlText := fmt.Sprintf("SELECT %s, MAX(%s) AS %s FROM %s WHERE %s = %s GROUP BY %s",
		d.Quote(ir.ColForecastHorizon), d.Quote(ir.ColForecastVintage), d.Quote(ir.ColForecastVintage),
		d.Quote(table.Name), d.Quote(ir.ColIsForecast), d.Placeholder(1), d.Quote(ir.ColForecastHorizon))
	rows, err := store.QueryRows(ctx, q, sqlText, map[string]ir.ColumnType{
		ir.ColForecastHorizon: ir.TypeString,
		ir.ColForecastVintage: vintage.Type,
	}, ir.ToParam(ir.Bool(true)))
	if err != nil {
		return nil, fmt.Errorf("overlay %s: stored vintages: %w", table.Name, err)
	}
	out := make(map[string]ir.Value, len(rows))
	for _, r := range rows {
		out[ir.Format(r.Get(ir.ColForecastHorizon))] = r.Get(ir.ColForecastVintage)
	}
	return out, nil
}
