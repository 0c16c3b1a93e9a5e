package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"github.com/shopspring/decimal"

	"github.com/roach88/martsync/internal/ir"
)

// labelOf returns the last path selector of v, i.e. the struct label it
// was declared under.
func labelOf(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return sels[len(sels)-1].String()
}

func lookupString(v cue.Value, field string, required bool) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		if required {
			return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
		}
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func lookupBool(v cue.Value, field string) (value, present bool, err error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, true, formatCUEError(err)
	}
	return b, true, nil
}

func lookupInt(v cue.Value, field string) (int64, bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, false, nil
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, true, formatCUEError(err)
	}
	return n, true, nil
}

func lookupStringList(v cue.Value, field string, required bool) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		if required {
			return nil, &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
		}
		return nil, nil
	}
	iter, err := fv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	if required && len(out) == 0 {
		return nil, &CompileError{Field: field, Message: field + " must not be empty", Pos: fv.Pos()}
	}
	return out, nil
}

// namedString is one label: "value" entry of an ordered struct.
type namedString struct {
	Name  string
	Value string
}

// lookupStringMap reads a struct of string values in declaration order.
func lookupStringMap(v cue.Value, field string) ([]namedString, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []namedString
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{
				Field:   field + "." + iter.Label(),
				Message: "must be a string",
				Pos:     iter.Value().Pos(),
			}
		}
		out = append(out, namedString{Name: iter.Label(), Value: s})
	}
	return out, nil
}

// lookupColumns reads a `name: "type"` struct into typed columns.
func lookupColumns(v cue.Value, field string) ([]ir.Column, error) {
	pairs, err := lookupStringMap(v, field)
	if err != nil {
		return nil, err
	}
	cols := make([]ir.Column, 0, len(pairs))
	for _, p := range pairs {
		t := ir.ColumnType(p.Value)
		if !ir.ValidColumnTypes[t] {
			return nil, &CompileError{
				Field:   field + "." + p.Name,
				Message: fmt.Sprintf("unknown column type %q (valid: string, int, bool, decimal, date, timestamp)", p.Value),
				Pos:     v.LookupPath(cue.ParsePath(field)).Pos(),
			}
		}
		cols = append(cols, ir.Column{Name: p.Name, Type: t})
	}
	return cols, nil
}

// lookupDecimal reads an int, float or numeric string as a decimal.
func lookupDecimal(v cue.Value, field string) (*decimal.Decimal, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	d, err := toDecimal(fv)
	if err != nil {
		return nil, &CompileError{Field: field, Message: err.Error(), Pos: fv.Pos()}
	}
	return &d, nil
}

func toDecimal(v cue.Value) (decimal.Decimal, error) {
	switch v.IncompleteKind() {
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromInt(n), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromFloat(f), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	}
	return decimal.Zero, fmt.Errorf("expected a number, got %v", v.IncompleteKind())
}

// toValue converts a concrete CUE scalar to an untyped ir value. The
// resolver later coerces it to the column's declared type.
func toValue(v cue.Value) (ir.Value, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.String(s), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Bool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(n), nil
	case cue.FloatKind, cue.NumberKind:
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		return ir.NewDecimal(d), nil
	}
	return nil, &CompileError{Field: "value", Message: fmt.Sprintf("unsupported value kind %v", v.IncompleteKind()), Pos: v.Pos()}
}
