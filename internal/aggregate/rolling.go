package aggregate

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/roach88/martsync/internal/ir"
)

// applyRolling fills the rolling metrics. Rows are grouped into series by
// the grain columns other than the period (the watermark column) and each
// window covers the Window calendar days ending at the row's period. Only
// periods present in the series contribute.
func applyRolling(rows []ir.Row, spec *ir.TableSpec) error {
	period := spec.Watermark
	var entity []string
	for _, g := range spec.Aggregate.Grain {
		if g.Target != period {
			entity = append(entity, g.Target)
		}
	}

	series := make(map[string][]ir.Row)
	var order []string
	for _, r := range rows {
		k := r.Key(entity)
		if _, ok := series[k]; !ok {
			order = append(order, k)
		}
		series[k] = append(series[k], r)
	}

	types := make(map[string]ir.ColumnType, len(spec.Aggregate.Measures))
	for _, m := range spec.Aggregate.Measures {
		types[m.Name] = m.Type
	}

	for _, k := range order {
		s := series[k]
		ir.SortRows(s, []string{period})
		for i, r := range s {
			end, ok := r.Get(period).(ir.Date)
			if !ok {
				return fmt.Errorf("rolling: period %s is %s, not a date", period, ir.Format(r.Get(period)))
			}
			for _, rs := range spec.Aggregate.Rolling {
				start := end.AddDays(-(rs.Window - 1))
				var window []decimal.Decimal
				for j := i; j >= 0; j-- {
					d := s[j].Get(period).(ir.Date)
					if d.Time().Before(start.Time()) {
						break
					}
					v, err := numeric(s[j].Get(rs.Measure))
					if err != nil {
						return fmt.Errorf("rolling %s: %w", rs.Name, err)
					}
					window = append(window, v)
				}
				r[rs.Name] = rollingValue(rs, types[rs.Measure], window)
			}
		}
	}
	return nil
}

func rollingValue(rs ir.RollingSpec, measureType ir.ColumnType, window []decimal.Decimal) ir.Value {
	total := decimal.Sum(decimal.Zero, window...)
	n := decimal.NewFromInt(int64(len(window)))
	switch rs.Func {
	case ir.RollingSum:
		return typed(total, measureType, rs.Scale)
	case ir.RollingAvg:
		return ir.NewDecimal(total.DivRound(n, rs.Scale))
	case ir.RollingStddev:
		return ir.NewDecimal(stddev(window, total).Round(rs.Scale))
	}
	return ir.Null{}
}

// stddev is the sample standard deviation, zero for fewer than two values.
func stddev(window []decimal.Decimal, total decimal.Decimal) decimal.Decimal {
	if len(window) < 2 {
		return decimal.Zero
	}
	mean := total.Div(decimal.NewFromInt(int64(len(window))))
	sq := decimal.Zero
	for _, v := range window {
		dev := v.Sub(mean)
		sq = sq.Add(dev.Mul(dev))
	}
	variance := sq.Div(decimal.NewFromInt(int64(len(window) - 1)))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}
