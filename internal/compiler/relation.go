package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/martsync/internal/ir"
)

// CompileSource parses a CUE value into a SourceSpec.
//
// The CUE value should be the source struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`source: raw_orders: { columns: {...} }`)
//	spec, err := CompileSource(v.LookupPath(cue.ParsePath("source.raw_orders")))
func CompileSource(v cue.Value) (*ir.SourceSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.SourceSpec{Name: labelOf(v)}

	cols, err := lookupColumns(v, "columns")
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, &CompileError{Field: "columns", Message: "at least one column is required", Pos: v.Pos()}
	}
	spec.Columns = cols
	return spec, nil
}

// CompileDimension parses a CUE value into a DimensionSpec. Column types are
// left empty; Resolve copies them from the source.
func CompileDimension(v cue.Value) (*ir.DimensionSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.DimensionSpec{Name: labelOf(v)}

	var err error
	if spec.From, err = lookupString(v, "from", true); err != nil {
		return nil, err
	}
	if spec.Key, err = lookupStringList(v, "key", true); err != nil {
		return nil, err
	}
	if spec.Tracked, err = lookupStringList(v, "tracked", true); err != nil {
		return nil, err
	}
	names, err := lookupStringList(v, "columns", false)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		spec.Columns = append(spec.Columns, ir.Column{Name: n})
	}
	if spec.InvalidateHardDeletes, _, err = lookupBool(v, "invalidate_hard_deletes"); err != nil {
		return nil, err
	}
	return spec, nil
}

// CompileTable parses a CUE value into a TableSpec. Aggregation fields are
// declared flat on the table struct:
//
//	table: mart_daily_sales: {
//		strategy:   "incremental"
//		unique_key: ["date", "product_id"]
//		watermark:  "date"
//		from:       "raw_order_items"
//		grain: { date: "order_date", product_id: "product_id" }
//		measures: { units_sold: { func: "sum", column: "quantity" } }
//	}
//
// Column types are inferred later by Resolve.
func CompileTable(v cue.Value) (*ir.TableSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.TableSpec{Name: labelOf(v)}

	strategy, err := lookupString(v, "strategy", false)
	if err != nil {
		return nil, err
	}
	spec.Strategy = ir.Strategy(strategy)
	if spec.Strategy == "" {
		spec.Strategy = ir.StrategyIncremental
	}
	if spec.UniqueKey, err = lookupStringList(v, "unique_key", true); err != nil {
		return nil, err
	}
	if spec.Watermark, err = lookupString(v, "watermark", false); err != nil {
		return nil, err
	}
	if spec.WritebackColumns, err = lookupColumns(v, "writeback"); err != nil {
		return nil, err
	}

	agg := &spec.Aggregate
	if agg.From, err = lookupString(v, "from", true); err != nil {
		return nil, err
	}
	if agg.Joins, err = parseJoins(v); err != nil {
		return nil, err
	}
	if agg.Compute, err = parseDerived(v, "compute"); err != nil {
		return nil, err
	}

	grain, err := lookupStringMap(v, "grain")
	if err != nil {
		return nil, err
	}
	if len(grain) == 0 {
		return nil, &CompileError{Field: "grain", Message: "grain is required", Pos: v.Pos()}
	}
	for _, g := range grain {
		agg.Grain = append(agg.Grain, ir.GrainColumn{Target: g.Name, Source: g.Value})
	}

	if agg.Measures, err = parseMeasures(v); err != nil {
		return nil, err
	}
	if agg.Derived, err = parseDerived(v, "derived"); err != nil {
		return nil, err
	}
	if agg.Rolling, err = parseRolling(v); err != nil {
		return nil, err
	}

	fv := v.LookupPath(cue.ParsePath("forecast"))
	if fv.Exists() {
		if spec.Forecast, err = parseForecast(fv); err != nil {
			return nil, err
		}
	}

	return spec, nil
}

func parseJoins(v cue.Value) ([]ir.JoinSpec, error) {
	jv := v.LookupPath(cue.ParsePath("joins"))
	if !jv.Exists() {
		return nil, nil
	}
	iter, err := jv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var joins []ir.JoinSpec
	for iter.Next() {
		item := iter.Value()
		join := ir.JoinSpec{CurrentOnly: true}

		if join.Table, err = lookupString(item, "table", true); err != nil {
			return nil, err
		}
		on, err := lookupStringMap(item, "on")
		if err != nil {
			return nil, err
		}
		if len(on) == 0 {
			return nil, &CompileError{Field: "joins.on", Message: "join needs at least one equality condition", Pos: item.Pos()}
		}
		for _, o := range on {
			join.On = append(join.On, ir.JoinOn{Left: o.Name, Right: o.Value})
		}
		cols, err := lookupStringMap(item, "columns")
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			join.Columns = append(join.Columns, ir.JoinColumn{As: c.Name, Column: c.Value})
		}
		if b, ok, err := lookupBool(item, "current_only"); err != nil {
			return nil, err
		} else if ok {
			join.CurrentOnly = b
		}
		joins = append(joins, join)
	}
	return joins, nil
}

func parseMeasures(v cue.Value) ([]ir.MeasureSpec, error) {
	mv := v.LookupPath(cue.ParsePath("measures"))
	if !mv.Exists() {
		return nil, nil
	}
	iter, err := mv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var measures []ir.MeasureSpec
	for iter.Next() {
		item := iter.Value()
		m := ir.MeasureSpec{Name: iter.Label(), Scale: ir.DefaultScale}

		fn, err := lookupString(item, "func", true)
		if err != nil {
			return nil, err
		}
		m.Func = ir.MeasureFunc(fn)
		if !ir.ValidMeasureFuncs[m.Func] {
			return nil, &CompileError{
				Field:   "measures." + m.Name + ".func",
				Message: fmt.Sprintf("unknown aggregate %q", fn),
				Pos:     item.Pos(),
			}
		}
		if m.Column, err = lookupString(item, "column", m.Func != ir.MeasureCount); err != nil {
			return nil, err
		}
		if ev := item.LookupPath(cue.ParsePath("equals")); ev.Exists() {
			if m.Equals, err = toValue(ev); err != nil {
				return nil, err
			}
		}
		if scale, ok, err := lookupInt(item, "scale"); err != nil {
			return nil, err
		} else if ok {
			m.Scale = int32(scale)
		}
		measures = append(measures, m)
	}
	return measures, nil
}

func parseDerived(v cue.Value, field string) ([]ir.DerivedSpec, error) {
	dv := v.LookupPath(cue.ParsePath(field))
	if !dv.Exists() {
		return nil, nil
	}
	iter, err := dv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []ir.DerivedSpec
	for iter.Next() {
		item := iter.Value()
		d := ir.DerivedSpec{Name: iter.Label(), Scale: ir.DefaultScale}

		kind, err := lookupString(item, "kind", true)
		if err != nil {
			return nil, err
		}
		d.Kind = ir.DerivedKind(kind)
		if !ir.ValidDerivedKinds[d.Kind] {
			return nil, &CompileError{
				Field:   field + "." + d.Name + ".kind",
				Message: fmt.Sprintf("unknown kind %q", kind),
				Pos:     item.Pos(),
			}
		}

		if d.Num, err = lookupString(item, "num", false); err != nil {
			return nil, err
		}
		if d.Den, err = lookupString(item, "den", false); err != nil {
			return nil, err
		}
		if d.Plus, err = lookupStringList(item, "plus", false); err != nil {
			return nil, err
		}
		if d.Minus, err = lookupStringList(item, "minus", false); err != nil {
			return nil, err
		}
		if d.Floor, err = lookupDecimal(item, "floor"); err != nil {
			return nil, err
		}
		if d.Left, err = lookupString(item, "left", false); err != nil {
			return nil, err
		}
		op, err := lookupString(item, "op", false)
		if err != nil {
			return nil, err
		}
		d.Op = ir.CompareOp(op)
		if d.Right, err = lookupString(item, "right", false); err != nil {
			return nil, err
		}
		if d.Value, err = lookupDecimal(item, "value"); err != nil {
			return nil, err
		}
		if scale, ok, err := lookupInt(item, "scale"); err != nil {
			return nil, err
		} else if ok {
			d.Scale = int32(scale)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseRolling(v cue.Value) ([]ir.RollingSpec, error) {
	rv := v.LookupPath(cue.ParsePath("rolling"))
	if !rv.Exists() {
		return nil, nil
	}
	iter, err := rv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []ir.RollingSpec
	for iter.Next() {
		item := iter.Value()
		r := ir.RollingSpec{Name: iter.Label(), Scale: ir.DefaultScale}

		fn, err := lookupString(item, "func", true)
		if err != nil {
			return nil, err
		}
		r.Func = ir.RollingFunc(fn)
		if r.Measure, err = lookupString(item, "measure", true); err != nil {
			return nil, err
		}
		window, ok, err := lookupInt(item, "window")
		if err != nil {
			return nil, err
		}
		if !ok || window < 1 {
			return nil, &CompileError{Field: "rolling." + r.Name + ".window", Message: "window must be a positive number of periods", Pos: item.Pos()}
		}
		r.Window = int(window)
		if scale, ok, err := lookupInt(item, "scale"); err != nil {
			return nil, err
		} else if ok {
			r.Scale = int32(scale)
		}
		out = append(out, r)
	}
	return out, nil
}

func parseForecast(v cue.Value) (*ir.ForecastSpec, error) {
	f := &ir.ForecastSpec{}
	var err error
	if f.From, err = lookupString(v, "from", true); err != nil {
		return nil, err
	}
	if f.Horizon, err = lookupString(v, "horizon", true); err != nil {
		return nil, err
	}
	if f.Vintage, err = lookupString(v, "vintage", true); err != nil {
		return nil, err
	}
	cols, err := lookupStringMap(v, "columns")
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		f.Columns = append(f.Columns, ir.JoinColumn{As: c.Name, Column: c.Value})
	}
	return f, nil
}
