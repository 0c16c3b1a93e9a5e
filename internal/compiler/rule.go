package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"github.com/shopspring/decimal"

	"github.com/roach88/martsync/internal/ir"
)

// DefaultExamples is the number of offending rows reported per violated rule.
const DefaultExamples = 5

// CompileRule parses a CUE value into a RuleSpec.
//
//	rule: order_total_matches_items: {
//		kind:       "sum_match"
//		severity:   "error"
//		table:      "fct_orders"
//		column:     "total_amount"
//		columns:    ["order_id"]
//		ref_table:  "fct_order_items"
//		ref_column: "revenue"
//		tolerance:  0.01
//	}
func CompileRule(v cue.Value) (*ir.RuleSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	r := &ir.RuleSpec{Name: labelOf(v), Severity: ir.SeverityError, Examples: DefaultExamples}

	kind, err := lookupString(v, "kind", true)
	if err != nil {
		return nil, err
	}
	r.Kind = ir.RuleKind(kind)
	if !ir.ValidRuleKinds[r.Kind] {
		return nil, &CompileError{Field: "kind", Message: fmt.Sprintf("unknown rule kind %q", kind), Pos: v.Pos()}
	}

	sev, err := lookupString(v, "severity", false)
	if err != nil {
		return nil, err
	}
	switch ir.Severity(sev) {
	case "":
	case ir.SeverityError, ir.SeverityWarn:
		r.Severity = ir.Severity(sev)
	default:
		return nil, &CompileError{Field: "severity", Message: fmt.Sprintf("severity must be error or warn, got %q", sev), Pos: v.Pos()}
	}

	if r.Table, err = lookupString(v, "table", true); err != nil {
		return nil, err
	}
	if r.Columns, err = lookupStringList(v, "columns", false); err != nil {
		return nil, err
	}
	if r.Column, err = lookupString(v, "column", false); err != nil {
		return nil, err
	}
	if r.Min, err = lookupDecimal(v, "min"); err != nil {
		return nil, err
	}
	if r.Max, err = lookupDecimal(v, "max"); err != nil {
		return nil, err
	}
	if r.Plus, err = lookupStringList(v, "plus", false); err != nil {
		return nil, err
	}
	if r.Minus, err = lookupStringList(v, "minus", false); err != nil {
		return nil, err
	}
	if r.Floor, err = lookupDecimal(v, "floor"); err != nil {
		return nil, err
	}
	if r.Left, err = lookupString(v, "left", false); err != nil {
		return nil, err
	}
	op, err := lookupString(v, "op", false)
	if err != nil {
		return nil, err
	}
	r.Op = ir.CompareOp(op)
	if r.Right, err = lookupString(v, "right", false); err != nil {
		return nil, err
	}
	if r.Value, err = lookupDecimal(v, "value"); err != nil {
		return nil, err
	}
	if r.RefTable, err = lookupString(v, "ref_table", false); err != nil {
		return nil, err
	}
	if r.RefColumn, err = lookupString(v, "ref_column", false); err != nil {
		return nil, err
	}
	if r.RefColumns, err = lookupStringList(v, "ref_columns", false); err != nil {
		return nil, err
	}
	if r.Expr, err = lookupString(v, "expr", false); err != nil {
		return nil, err
	}
	if r.Where, err = lookupString(v, "where", false); err != nil {
		return nil, err
	}
	tol, err := lookupDecimal(v, "tolerance")
	if err != nil {
		return nil, err
	}
	if tol != nil {
		r.Tolerance = *tol
	} else {
		r.Tolerance = decimal.Zero
	}
	if r.SkipNulls, _, err = lookupBool(v, "skip_nulls"); err != nil {
		return nil, err
	}
	if n, ok, err := lookupInt(v, "examples"); err != nil {
		return nil, err
	} else if ok {
		r.Examples = int(n)
	}

	return r, nil
}
