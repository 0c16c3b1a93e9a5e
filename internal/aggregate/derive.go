package aggregate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/martsync/internal/ir"
)

var hundred = decimal.NewFromInt(100)

// derive evaluates one derived column on row. Arithmetic treats NULL as
// zero and a zero denominator yields zero; a flag with a NULL side is
// false.
func derive(row ir.Row, d ir.DerivedSpec) (ir.Value, error) {
	switch d.Kind {
	case ir.DerivedPct, ir.DerivedRatio:
		num, err := numeric(row.Get(d.Num))
		if err != nil {
			return nil, err
		}
		den, err := numeric(row.Get(d.Den))
		if err != nil {
			return nil, err
		}
		if den.IsZero() {
			return ir.NewDecimal(decimal.Zero.Round(d.Scale)), nil
		}
		if d.Kind == ir.DerivedPct {
			num = num.Mul(hundred)
		}
		return ir.NewDecimal(num.DivRound(den, d.Scale)), nil

	case ir.DerivedDiff, ir.DerivedBalance:
		total, err := sum(row, d.Plus)
		if err != nil {
			return nil, err
		}
		minus, err := sum(row, d.Minus)
		if err != nil {
			return nil, err
		}
		total = total.Sub(minus)
		if d.Kind == ir.DerivedBalance && d.Floor != nil && total.LessThan(*d.Floor) {
			total = *d.Floor
		}
		return typed(total, d.Type, d.Scale), nil

	case ir.DerivedProduct:
		total := decimal.NewFromInt(1)
		for _, c := range d.Plus {
			v, err := numeric(row.Get(c))
			if err != nil {
				return nil, err
			}
			total = total.Mul(v)
		}
		return typed(total, d.Type, d.Scale), nil

	case ir.DerivedFlag:
		left := row.Get(d.Left)
		var right ir.Value
		if d.Right != "" {
			right = row.Get(d.Right)
		} else {
			right = ir.NewDecimal(*d.Value)
		}
		if ir.IsNull(left) || ir.IsNull(right) {
			return ir.Bool(false), nil
		}
		c, err := ir.Compare(left, right)
		if err != nil {
			return nil, err
		}
		return ir.Bool(d.Op.Holds(c)), nil
	}
	return nil, fmt.Errorf("unknown kind %q", d.Kind)
}

func sum(row ir.Row, cols []string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, c := range cols {
		v, err := numeric(row.Get(c))
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v)
	}
	return total, nil
}
