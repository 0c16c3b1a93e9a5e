package merge

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/store"
)

// WritebackResult counts the outcome of a writeback request.
type WritebackResult struct {
	Requested int `json:"requested"`
	Matched   int `json:"matched"` // stored rows updated
	Missed    int `json:"missed"`  // request rows that matched nothing
}

// Writeback stores externally computed values in the table's
// writeback-owned columns. Each row carries the unique key and one or
// more writeback columns; on blended tables it may also carry
// forecast_horizon to target a single horizon, and it only ever updates
// forecast rows. Any other column rejects the whole request with
// WRITEBACK_FORBIDDEN before anything is written.
func (e *Executor) Writeback(ctx context.Context, q store.Querier, table *ir.TableSpec, rows []ir.Row) (WritebackResult, error) {
	if len(table.WritebackColumns) == 0 {
		return WritebackResult{}, ir.Errorf(ir.ErrWritebackForbidden, table.Name, "table has no writeback columns")
	}

	typed := make([]ir.Row, len(rows))
	for i, r := range rows {
		row, err := checkWriteback(table, r)
		if err != nil {
			return WritebackResult{}, err
		}
		typed[i] = row
	}

	res := WritebackResult{Requested: len(rows)}
	for _, r := range typed {
		var set []queryir.Assignment
		for _, c := range table.WritebackColumns {
			if v, ok := r[c.Name]; ok {
				set = append(set, queryir.Assignment{Column: c.Name, Value: v})
			}
		}
		preds := []queryir.Predicate{queryir.KeyEquals(r, table.UniqueKey)}
		if table.Blended() {
			preds = append(preds, queryir.Equals{Field: ir.ColIsForecast, Value: ir.Bool(true)})
			if h, ok := r[ir.ColForecastHorizon]; ok {
				preds = append(preds, queryir.Equals{Field: ir.ColForecastHorizon, Value: h})
			}
		}
		n, err := store.Exec(ctx, q, queryir.Update{
			Table:  table.Name,
			Set:    set,
			Filter: queryir.Where(preds...),
		})
		if err != nil {
			return WritebackResult{}, fmt.Errorf("writeback %s (%s): %w", table.Name, r.DescribeKey(table.UniqueKey), err)
		}
		if n == 0 {
			res.Missed++
		}
		res.Matched += int(n)
	}

	e.logger.Info("writeback applied",
		"table", table.Name,
		"requested", res.Requested,
		"matched", res.Matched,
		"missed", res.Missed)
	return res, nil
}

// checkWriteback validates the columns of one request row and coerces its
// values to the stored column types.
func checkWriteback(table *ir.TableSpec, r ir.Row) (ir.Row, error) {
	forbid := func(format string, args ...any) error {
		err := ir.Errorf(ir.ErrWritebackForbidden, table.Name, format, args...)
		err.Details = map[string]string{"key": r.DescribeKey(table.UniqueKey)}
		return err
	}

	out := make(ir.Row, len(r))
	values := 0
	for _, name := range r.SortedColumns() {
		col, declared := table.Column(name)
		switch {
		case !declared:
			return nil, forbid("unknown column %q", name)
		case slices.Contains(table.UniqueKey, name):
		case name == ir.ColForecastHorizon && table.Blended():
		case table.IsWriteback(name):
			values++
		default:
			return nil, forbid("column %q is not writeback-owned", name)
		}
		v, err := ir.Coerce(col.Type, r[name])
		if err != nil {
			return nil, forbid("column %q: %v", name, err)
		}
		out[name] = v
	}

	for _, k := range table.UniqueKey {
		if ir.IsNull(out.Get(k)) {
			return nil, forbid("row must carry unique key column %q", k)
		}
	}
	if values == 0 {
		return nil, forbid("row for %s sets no writeback column", r.DescribeKey(table.UniqueKey))
	}
	return out, nil
}
