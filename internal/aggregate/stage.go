// Package aggregate computes a table's rows from its input relations.
//
// Compute is a pure function of the table spec and the input rows: it
// joins lookups, applies row-level compute columns, groups by the grain,
// evaluates measures and grain-level derived metrics, and finally the
// rolling metrics over the per-period measure series. It never touches the
// store.
package aggregate

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/roach88/martsync/internal/ir"
)

// Inputs are the rows a table is computed from.
type Inputs struct {
	From    []ir.Row
	Lookups map[string][]ir.Row // join table name -> rows
}

// Stage computes table rows.
type Stage struct {
	logger *slog.Logger
}

// Option configures a Stage.
type Option func(*Stage)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) { s.logger = l }
}

// New creates a Stage.
func New(opts ...Option) *Stage {
	s := &Stage{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compute returns one row per distinct grain value, ordered by the grain.
// Rows carry the grain, measure, derived and rolling columns; writeback
// and system columns are left to the caller.
func (s *Stage) Compute(spec *ir.TableSpec, in Inputs) ([]ir.Row, error) {
	agg := &spec.Aggregate

	rows := in.From
	for _, j := range agg.Joins {
		joined, err := leftJoin(spec.Name, rows, in.Lookups[j.Table], j)
		if err != nil {
			return nil, err
		}
		rows = joined
	}

	if len(agg.Compute) > 0 {
		computed := make([]ir.Row, len(rows))
		for i, r := range rows {
			r = r.Clone()
			for _, d := range agg.Compute {
				v, err := derive(r, d)
				if err != nil {
					return nil, fmt.Errorf("table %s: compute %s: %w", spec.Name, d.Name, err)
				}
				r[d.Name] = v
			}
			computed[i] = r
		}
		rows = computed
	}

	out, err := group(rows, agg)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", spec.Name, err)
	}

	for _, r := range out {
		for _, d := range agg.Derived {
			v, err := derive(r, d)
			if err != nil {
				return nil, fmt.Errorf("table %s: derived %s: %w", spec.Name, d.Name, err)
			}
			r[d.Name] = v
		}
	}

	if len(agg.Rolling) > 0 {
		if err := applyRolling(out, spec); err != nil {
			return nil, fmt.Errorf("table %s: %w", spec.Name, err)
		}
	}

	s.logger.Debug("aggregated",
		"table", spec.Name,
		"input_rows", len(in.From),
		"output_rows", len(out))
	return out, nil
}

// leftJoin copies the requested lookup columns onto every fact row.
// Facts without a match, or with a NULL join column, get NULLs.
func leftJoin(table string, facts, lookup []ir.Row, j ir.JoinSpec) ([]ir.Row, error) {
	left := make([]string, len(j.On))
	right := make([]string, len(j.On))
	for i, on := range j.On {
		left[i], right[i] = on.Left, on.Right
	}

	index := make(map[string]ir.Row, len(lookup))
	for _, r := range lookup {
		if j.CurrentOnly && r.Get(ir.ColIsCurrent) != ir.Bool(true) {
			continue
		}
		if hasNull(r, right) {
			continue
		}
		k := r.Key(right)
		if _, dup := index[k]; dup {
			err := ir.Errorf(ir.ErrJoinFanout, table,
				"join %s matches more than one row for %s", j.Table, r.DescribeKey(right))
			err.Details = map[string]string{"join": j.Table, "key": r.DescribeKey(right)}
			return nil, err
		}
		index[k] = r
	}

	out := make([]ir.Row, len(facts))
	for i, f := range facts {
		f = f.Clone()
		var match ir.Row
		if !hasNull(f, left) {
			match = index[f.Key(left)]
		}
		for _, c := range j.Columns {
			f[c.As] = match.Get(c.Column)
		}
		out[i] = f
	}
	return out, nil
}

func hasNull(r ir.Row, cols []string) bool {
	for _, c := range cols {
		if ir.IsNull(r.Get(c)) {
			return true
		}
	}
	return false
}

type bucket struct {
	first ir.Row
	rows  []ir.Row
}

// group evaluates the measures per grain value.
func group(rows []ir.Row, agg *ir.AggregateSpec) ([]ir.Row, error) {
	sources := make([]string, len(agg.Grain))
	targets := make([]string, len(agg.Grain))
	for i, g := range agg.Grain {
		sources[i], targets[i] = g.Source, g.Target
	}

	buckets := make(map[string]*bucket)
	var order []string
	for _, r := range rows {
		k := r.Key(sources)
		b, ok := buckets[k]
		if !ok {
			b = &bucket{first: r}
			buckets[k] = b
			order = append(order, k)
		}
		b.rows = append(b.rows, r)
	}

	out := make([]ir.Row, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		row := make(ir.Row, len(agg.Grain)+len(agg.Measures))
		for _, g := range agg.Grain {
			row[g.Target] = b.first.Get(g.Source)
		}
		for _, m := range agg.Measures {
			v, err := measure(b.rows, m)
			if err != nil {
				return nil, fmt.Errorf("measure %s: %w", m.Name, err)
			}
			row[m.Name] = v
		}
		out = append(out, row)
	}
	ir.SortRows(out, targets)
	return out, nil
}

func measure(rows []ir.Row, m ir.MeasureSpec) (ir.Value, error) {
	switch m.Func {
	case ir.MeasureCount:
		return ir.Int(len(rows)), nil

	case ir.MeasureCountIf:
		want := m.Equals
		if want == nil {
			want = ir.Bool(true)
		}
		n := 0
		for _, r := range rows {
			if ir.Equal(r.Get(m.Column), want) {
				n++
			}
		}
		return ir.Int(n), nil

	case ir.MeasureCountDistinct:
		seen := make(map[string]bool)
		for _, r := range rows {
			if v := r.Get(m.Column); !ir.IsNull(v) {
				seen[ir.Key(v)] = true
			}
		}
		return ir.Int(len(seen)), nil

	case ir.MeasureSum, ir.MeasureAvg:
		sum := decimal.Zero
		for _, r := range rows {
			d, err := numeric(r.Get(m.Column))
			if err != nil {
				return nil, err
			}
			sum = sum.Add(d)
		}
		if m.Func == ir.MeasureAvg {
			return ir.NewDecimal(sum.DivRound(decimal.NewFromInt(int64(len(rows))), m.Scale)), nil
		}
		return typed(sum, m.Type, m.Scale), nil

	case ir.MeasureMin, ir.MeasureMax:
		var best ir.Value = ir.Null{}
		for _, r := range rows {
			v := r.Get(m.Column)
			if ir.IsNull(v) {
				continue
			}
			if ir.IsNull(best) {
				best = v
				continue
			}
			c, err := ir.Compare(v, best)
			if err != nil {
				return nil, err
			}
			if (m.Func == ir.MeasureMin && c < 0) || (m.Func == ir.MeasureMax && c > 0) {
				best = v
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("unknown func %q", m.Func)
}

// numeric reads v as a decimal, treating NULL as zero.
func numeric(v ir.Value) (decimal.Decimal, error) {
	if ir.IsNull(v) {
		return decimal.Zero, nil
	}
	d, ok := ir.AsDecimal(v)
	if !ok {
		return decimal.Zero, fmt.Errorf("%s is not numeric", ir.Format(v))
	}
	return d, nil
}

// typed converts a computed number to the column's declared type, rounding
// decimals half away from zero at scale.
func typed(d decimal.Decimal, t ir.ColumnType, scale int32) ir.Value {
	if t == ir.TypeInt {
		return ir.Int(d.Round(0).IntPart())
	}
	return ir.NewDecimal(d.Round(scale))
}
