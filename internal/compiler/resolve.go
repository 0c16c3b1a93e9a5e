package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/martsync/internal/ir"
)

var systemColumns = map[string]bool{
	ir.ColValidFrom:       true,
	ir.ColValidTo:         true,
	ir.ColIsCurrent:       true,
	ir.ColRowHash:         true,
	ir.ColIsForecast:      true,
	ir.ColForecastHorizon: true,
	ir.ColForecastVintage: true,
}

// Resolve validates cross references, infers every derived column type and
// computes dependency levels. It mutates p in place and returns all errors
// found (it does not fail fast).
func Resolve(p *ir.Project) []ValidationError {
	r := &resolver{p: p}

	r.checkNames()
	for i := range p.Dimensions {
		r.resolveDimension(&p.Dimensions[i])
	}

	levels, cycles := AnalyzeDependencies(p)
	for _, c := range cycles {
		r.errorf(ErrDependencyCycle, c.Path[0], "%s", c.Message)
	}
	if len(cycles) > 0 {
		return r.errs
	}
	p.Levels = levels

	// Tables are resolved in dependency order so an upstream table's
	// columns are known before a downstream table reads them.
	for _, level := range levels {
		for _, name := range level {
			if t, ok := p.Table(name); ok {
				r.resolveTable(t)
			}
		}
	}

	for i := range p.Rules {
		r.resolveRule(&p.Rules[i])
	}
	return r.errs
}

type resolver struct {
	p    *ir.Project
	errs []ValidationError
}

func (r *resolver) errorf(code, field, format string, args ...any) {
	r.errs = append(r.errs, ValidationError{
		Field:   field,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *resolver) checkNames() {
	seen := make(map[string]string)
	check := func(kind, name string) {
		if prev, ok := seen[name]; ok {
			r.errorf(ErrDuplicateName, name, "%s %q is already declared as a %s", kind, name, prev)
			return
		}
		seen[name] = kind
	}
	for _, s := range r.p.Sources {
		check("source", s.Name)
	}
	for _, d := range r.p.Dimensions {
		check("dimension", d.Name)
	}
	for _, t := range r.p.Tables {
		check("table", t.Name)
	}
}

// schema is an ordered set of typed columns.
type schema struct {
	cols []ir.Column
}

func newSchema(cols []ir.Column) *schema {
	return &schema{cols: slices.Clone(cols)}
}

func (s *schema) get(name string) (ir.ColumnType, bool) {
	for _, c := range s.cols {
		if c.Name == name {
			return c.Type, true
		}
	}
	return "", false
}

func (s *schema) add(name string, t ir.ColumnType) bool {
	if _, exists := s.get(name); exists {
		return false
	}
	s.cols = append(s.cols, ir.Column{Name: name, Type: t})
	return true
}

func (r *resolver) resolveDimension(d *ir.DimensionSpec) {
	field := "dimension." + d.Name
	src, ok := r.p.Source(d.From)
	if !ok {
		r.errorf(ErrUnknownReference, field+".from", "source %q not declared", d.From)
		return
	}
	srcSchema := newSchema(src.Columns)

	if len(d.Columns) == 0 {
		d.Columns = slices.Clone(src.Columns)
	} else {
		for i, c := range d.Columns {
			t, ok := srcSchema.get(c.Name)
			if !ok {
				r.errorf(ErrUnknownReference, field+".columns", "column %q not in source %s", c.Name, d.From)
				continue
			}
			d.Columns[i].Type = t
		}
	}

	cols := newSchema(d.Columns)
	for _, c := range d.Columns {
		if systemColumns[c.Name] {
			r.errorf(ErrInvalidValue, field+".columns", "column %q is reserved", c.Name)
		}
	}
	for _, k := range d.Key {
		if _, ok := cols.get(k); !ok {
			r.errorf(ErrInvalidKey, field+".key", "key column %q not carried by the dimension", k)
		}
	}
	for _, c := range d.Tracked {
		if _, ok := cols.get(c); !ok {
			r.errorf(ErrUnknownReference, field+".tracked", "tracked column %q not carried by the dimension", c)
		}
	}
}

func (r *resolver) resolveTable(t *ir.TableSpec) {
	field := "table." + t.Name
	agg := &t.Aggregate

	if t.Strategy != ir.StrategyIncremental && t.Strategy != ir.StrategyFull {
		r.errorf(ErrInvalidValue, field+".strategy", "strategy must be incremental or full, got %q", t.Strategy)
	}

	inCols, ok := r.p.ColumnsOf(agg.From)
	if !ok {
		r.errorf(ErrUnknownReference, field+".from", "%q not declared", agg.From)
		return
	}
	in := newSchema(inCols)

	for i := range agg.Joins {
		r.resolveJoin(field, in, &agg.Joins[i])
	}
	for i := range agg.Compute {
		r.resolveDerived(field+".compute", in, &agg.Compute[i])
	}

	out := &schema{}
	for _, g := range agg.Grain {
		typ, ok := in.get(g.Source)
		if !ok {
			r.errorf(ErrUnknownReference, field+".grain."+g.Target, "input column %q not found", g.Source)
			continue
		}
		if !out.add(g.Target, typ) {
			r.errorf(ErrDuplicateName, field+".grain."+g.Target, "duplicate output column")
		}
	}

	for i := range agg.Measures {
		m := &agg.Measures[i]
		m.Type = r.measureType(field, in, m)
		if m.Type != "" && !out.add(m.Name, m.Type) {
			r.errorf(ErrDuplicateName, field+".measures."+m.Name, "duplicate output column")
		}
	}
	for i := range agg.Derived {
		d := &agg.Derived[i]
		r.resolveDerived(field+".derived", out, d)
	}
	r.resolveRolling(t, out)

	r.checkKeys(t, out)

	for _, w := range t.WritebackColumns {
		if systemColumns[w.Name] {
			r.errorf(ErrWritebackOverlap, field+".writeback."+w.Name, "column is reserved")
			continue
		}
		if !out.add(w.Name, w.Type) {
			r.errorf(ErrWritebackOverlap, field+".writeback."+w.Name, "column is already computed by the table")
		}
	}

	if t.Forecast != nil {
		r.resolveForecast(t, out)
	}

	t.Columns = out.cols
}

func (r *resolver) resolveJoin(field string, in *schema, j *ir.JoinSpec) {
	lookup, ok := r.p.ColumnsOf(j.Table)
	if !ok {
		r.errorf(ErrUnknownReference, field+".joins", "join table %q not declared", j.Table)
		return
	}
	if _, isDim := r.p.Dimension(j.Table); !isDim {
		j.CurrentOnly = false
	}
	ls := newSchema(lookup)
	for _, on := range j.On {
		lt, lok := in.get(on.Left)
		rt, rok := ls.get(on.Right)
		switch {
		case !lok:
			r.errorf(ErrUnknownReference, field+".joins."+j.Table, "join column %q not in input", on.Left)
		case !rok:
			r.errorf(ErrUnknownReference, field+".joins."+j.Table, "join column %q not in %s", on.Right, j.Table)
		case lt != rt:
			r.errorf(ErrTypeMismatch, field+".joins."+j.Table, "cannot join %s (%s) to %s (%s)", on.Left, lt, on.Right, rt)
		}
	}
	for _, c := range j.Columns {
		typ, ok := ls.get(c.Column)
		if !ok {
			r.errorf(ErrUnknownReference, field+".joins."+j.Table, "column %q not in %s", c.Column, j.Table)
			continue
		}
		if !in.add(c.As, typ) {
			r.errorf(ErrDuplicateName, field+".joins."+j.Table, "joined column %q shadows an input column", c.As)
		}
	}
}

func isNumeric(t ir.ColumnType) bool {
	return t == ir.TypeInt || t == ir.TypeDecimal
}

func (r *resolver) measureType(field string, in *schema, m *ir.MeasureSpec) ir.ColumnType {
	field = field + ".measures." + m.Name
	if m.Func == ir.MeasureCount {
		return ir.TypeInt
	}
	colType, ok := in.get(m.Column)
	if !ok {
		r.errorf(ErrUnknownReference, field, "input column %q not found", m.Column)
		return ""
	}

	switch m.Func {
	case ir.MeasureCountDistinct:
		return ir.TypeInt
	case ir.MeasureCountIf:
		if m.Equals != nil {
			v, err := ir.Coerce(colType, m.Equals)
			if err != nil {
				r.errorf(ErrTypeMismatch, field+".equals", "%v", err)
				return ""
			}
			m.Equals = v
		} else if colType != ir.TypeBool {
			r.errorf(ErrTypeMismatch, field, "count_if without equals needs a bool column, %s is %s", m.Column, colType)
			return ""
		}
		return ir.TypeInt
	case ir.MeasureSum:
		if !isNumeric(colType) {
			r.errorf(ErrTypeMismatch, field, "sum needs a numeric column, %s is %s", m.Column, colType)
			return ""
		}
		return colType
	case ir.MeasureAvg:
		if !isNumeric(colType) {
			r.errorf(ErrTypeMismatch, field, "avg needs a numeric column, %s is %s", m.Column, colType)
			return ""
		}
		return ir.TypeDecimal
	case ir.MeasureMin, ir.MeasureMax:
		return colType
	}
	return ""
}

func (r *resolver) resolveDerived(field string, s *schema, d *ir.DerivedSpec) {
	field = field + "." + d.Name
	numeric := func(cols ...string) (allInt bool, ok bool) {
		allInt, ok = true, true
		for _, c := range cols {
			typ, exists := s.get(c)
			switch {
			case !exists:
				r.errorf(ErrUnknownReference, field, "column %q not found", c)
				ok = false
			case !isNumeric(typ):
				r.errorf(ErrTypeMismatch, field, "column %q is %s, not numeric", c, typ)
				ok = false
			case typ == ir.TypeDecimal:
				allInt = false
			}
		}
		return allInt, ok
	}

	switch d.Kind {
	case ir.DerivedPct, ir.DerivedRatio:
		if d.Num == "" || d.Den == "" {
			r.errorf(ErrInvalidValue, field, "%s needs num and den", d.Kind)
			return
		}
		if _, ok := numeric(d.Num, d.Den); !ok {
			return
		}
		d.Type = ir.TypeDecimal
	case ir.DerivedDiff, ir.DerivedBalance, ir.DerivedProduct:
		if len(d.Plus) == 0 {
			r.errorf(ErrInvalidValue, field, "%s needs plus", d.Kind)
			return
		}
		if d.Kind == ir.DerivedProduct && len(d.Minus) > 0 {
			r.errorf(ErrInvalidValue, field, "product takes no minus")
			return
		}
		allInt, ok := numeric(append(slices.Clone(d.Plus), d.Minus...)...)
		if !ok {
			return
		}
		if d.Floor != nil && !d.Floor.IsInteger() {
			allInt = false
		}
		d.Type = ir.TypeDecimal
		if allInt {
			d.Type = ir.TypeInt
		}
	case ir.DerivedFlag:
		if _, ok := ir.ValidCompareOps[d.Op]; !ok {
			r.errorf(ErrInvalidValue, field, "unknown op %q", d.Op)
			return
		}
		if d.Left == "" || (d.Right == "" && d.Value == nil) {
			r.errorf(ErrInvalidValue, field, "flag needs left and right or value")
			return
		}
		if _, ok := s.get(d.Left); !ok {
			r.errorf(ErrUnknownReference, field, "column %q not found", d.Left)
			return
		}
		if d.Right != "" {
			if _, ok := s.get(d.Right); !ok {
				r.errorf(ErrUnknownReference, field, "column %q not found", d.Right)
				return
			}
		}
		d.Type = ir.TypeBool
	}

	if !s.add(d.Name, d.Type) {
		r.errorf(ErrDuplicateName, field, "duplicate column")
	}
}

func (r *resolver) resolveRolling(t *ir.TableSpec, out *schema) {
	for _, rs := range t.Aggregate.Rolling {
		field := "table." + t.Name + ".rolling." + rs.Name

		var measure *ir.MeasureSpec
		for i := range t.Aggregate.Measures {
			if t.Aggregate.Measures[i].Name == rs.Measure {
				measure = &t.Aggregate.Measures[i]
			}
		}
		if measure == nil {
			r.errorf(ErrInvalidRolling, field,
				"rolling metrics are computed over the per-period measure series; %q is not a measure of %s", rs.Measure, t.Name)
			continue
		}
		if t.Watermark == "" {
			r.errorf(ErrInvalidRolling, field, "rolling metrics need a date watermark column as the period")
			continue
		}
		if typ, _ := out.get(t.Watermark); typ != ir.TypeDate {
			r.errorf(ErrInvalidRolling, field, "period column %q must be a date", t.Watermark)
			continue
		}
		if !isNumeric(measure.Type) {
			r.errorf(ErrInvalidRolling, field, "measure %q is not numeric", rs.Measure)
			continue
		}

		var typ ir.ColumnType
		switch rs.Func {
		case ir.RollingSum:
			typ = measure.Type
		case ir.RollingAvg, ir.RollingStddev:
			typ = ir.TypeDecimal
		default:
			r.errorf(ErrInvalidValue, field, "unknown rolling func %q", rs.Func)
			continue
		}
		if !out.add(rs.Name, typ) {
			r.errorf(ErrDuplicateName, field, "duplicate output column")
		}
	}
}

func (r *resolver) checkKeys(t *ir.TableSpec, out *schema) {
	field := "table." + t.Name
	grain := make(map[string]bool)
	for _, g := range t.Aggregate.Grain {
		grain[g.Target] = true
	}

	seen := make(map[string]bool)
	for _, k := range t.UniqueKey {
		if seen[k] {
			r.errorf(ErrInvalidKey, field+".unique_key", "column %q listed twice", k)
		}
		seen[k] = true
		if !grain[k] {
			r.errorf(ErrInvalidKey, field+".unique_key", "key column %q is not a grain column", k)
		}
	}

	if t.Watermark != "" {
		typ, ok := out.get(t.Watermark)
		switch {
		case !grain[t.Watermark] || !ok:
			r.errorf(ErrInvalidWatermark, field+".watermark", "watermark %q is not a grain column", t.Watermark)
		case typ != ir.TypeDate && typ != ir.TypeInt && typ != ir.TypeTimestamp:
			r.errorf(ErrInvalidWatermark, field+".watermark", "watermark %q must be date, int or timestamp, not %s", t.Watermark, typ)
		}
	}
}

func (r *resolver) resolveForecast(t *ir.TableSpec, out *schema) {
	field := "table." + t.Name + ".forecast"
	f := t.Forecast

	src, ok := r.p.Source(f.From)
	if !ok {
		r.errorf(ErrUnknownReference, field+".from", "forecast source %q not declared", f.From)
		return
	}
	fs := newSchema(src.Columns)

	if _, ok := fs.get(f.Horizon); !ok {
		r.errorf(ErrUnknownReference, field+".horizon", "column %q not in %s", f.Horizon, f.From)
	}
	vintageType, ok := fs.get(f.Vintage)
	if !ok {
		r.errorf(ErrUnknownReference, field+".vintage", "column %q not in %s", f.Vintage, f.From)
		vintageType = ir.TypeString
	}

	mapped := make(map[string]bool)
	for _, c := range f.Columns {
		mapped[c.As] = true
		if _, ok := out.get(c.As); !ok {
			r.errorf(ErrUnknownReference, field+".columns."+c.As, "target column not computed by %s", t.Name)
		} else if t.IsWriteback(c.As) {
			r.errorf(ErrWritebackOverlap, field+".columns."+c.As, "writeback columns are filled by writeback only")
		}
		if _, ok := fs.get(c.Column); !ok {
			r.errorf(ErrUnknownReference, field+".columns."+c.As, "column %q not in %s", c.Column, f.From)
		}
	}
	for _, g := range t.Aggregate.Grain {
		if mapped[g.Target] {
			continue
		}
		if _, ok := fs.get(g.Target); !ok {
			r.errorf(ErrUnknownReference, field, "forecast source %s lacks grain column %q", f.From, g.Target)
		}
	}

	out.add(ir.ColIsForecast, ir.TypeBool)
	out.add(ir.ColForecastHorizon, ir.TypeString)
	out.add(ir.ColForecastVintage, vintageType)
}

func (r *resolver) resolveRule(rule *ir.RuleSpec) {
	field := "rule." + rule.Name
	cols, ok := r.p.ColumnsOf(rule.Table)
	if !ok {
		r.errorf(ErrUnknownReference, field+".table", "%q not declared", rule.Table)
		return
	}
	s := newSchema(cols)
	need := func(names ...string) {
		for _, n := range names {
			if n == "" {
				continue
			}
			if _, ok := s.get(n); !ok {
				r.errorf(ErrUnknownReference, field, "column %q not in %s", n, rule.Table)
			}
		}
	}
	missing := func(what string) {
		r.errorf(ErrInvalidRule, field, "%s rule needs %s", rule.Kind, what)
	}

	switch rule.Kind {
	case ir.RuleUnique, ir.RuleNotNull:
		if len(rule.Columns) == 0 {
			missing("columns")
		}
		need(rule.Columns...)
	case ir.RuleRange:
		if rule.Column == "" || (rule.Min == nil && rule.Max == nil) {
			missing("column and min or max")
		}
		need(rule.Column)
	case ir.RuleBalance:
		if rule.Column == "" || len(rule.Plus) == 0 {
			missing("column and plus")
		}
		need(rule.Column)
		need(rule.Plus...)
		need(rule.Minus...)
	case ir.RuleFlag:
		if _, ok := ir.ValidCompareOps[rule.Op]; !ok {
			r.errorf(ErrInvalidValue, field, "unknown op %q", rule.Op)
		}
		if rule.Column == "" || rule.Left == "" || (rule.Right == "" && rule.Value == nil) {
			missing("column, left and right or value")
		}
		need(rule.Column, rule.Left, rule.Right)
	case ir.RuleSumMatch:
		if rule.Column == "" || len(rule.Columns) == 0 || rule.RefTable == "" || rule.RefColumn == "" {
			missing("column, columns, ref_table and ref_column")
			return
		}
		need(rule.Column)
		need(rule.Columns...)
		r.needRef(field, rule.RefTable, append(slices.Clone(rule.Columns), rule.RefColumn))
	case ir.RuleReferential:
		if len(rule.Columns) == 0 || rule.RefTable == "" || len(rule.RefColumns) != len(rule.Columns) {
			missing("columns, ref_table and one ref_column per column")
			return
		}
		need(rule.Columns...)
		r.needRef(field, rule.RefTable, rule.RefColumns)
	case ir.RuleExpr:
		if rule.Expr == "" {
			missing("expr")
		}
	}
}

func (r *resolver) needRef(field, table string, columns []string) {
	cols, ok := r.p.ColumnsOf(table)
	if !ok {
		r.errorf(ErrUnknownReference, field+".ref_table", "%q not declared", table)
		return
	}
	s := newSchema(cols)
	for _, c := range columns {
		if _, ok := s.get(c); !ok {
			r.errorf(ErrUnknownReference, field, "column %q not in %s", c, table)
		}
	}
}
