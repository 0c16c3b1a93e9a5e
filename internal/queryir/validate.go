package queryir

import (
	"fmt"

	"github.com/roach88/martsync/internal/ir"
)

// ValidationResult lists every problem found in a query.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks a query for shape errors before it reaches a backend:
// empty relation or column names, unknown comparison operators, NULL
// literals in Equals or Compare and unfiltered deletes or updates.
//
// Validate is a pure function with no side effects.
func Validate(query Query) ValidationResult {
	v := &validator{errors: []string{}}
	v.validateQuery(query)

	return ValidationResult{
		Valid:  len(v.errors) == 0,
		Errors: v.errors,
	}
}

type validator struct {
	errors []string
}

func (v *validator) addError(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addError("nil query")
	case Select:
		v.requireName("select from", query.From)
		if len(query.Columns) == 0 {
			v.addError("select from %s: explicit columns required", query.From)
		}
		for _, c := range query.Columns {
			v.requireName("select column", c)
		}
		for _, c := range query.OrderBy {
			v.requireName("order by column", c)
		}
		if query.Limit < 0 {
			v.addError("select from %s: negative limit %d", query.From, query.Limit)
		}
		v.validatePredicate(query.Filter)
	case Max:
		v.requireName("max from", query.From)
		v.requireName("max column", query.Column)
		v.validatePredicate(query.Filter)
	case Delete:
		v.requireName("delete from", query.From)
		if query.Filter == nil {
			v.addError("delete from %s: filter required", query.From)
		}
		v.validatePredicate(query.Filter)
	case Update:
		v.requireName("update table", query.Table)
		if len(query.Set) == 0 {
			v.addError("update %s: no assignments", query.Table)
		}
		for _, a := range query.Set {
			v.requireName("update column", a.Column)
		}
		if query.Filter == nil {
			v.addError("update %s: filter required", query.Table)
		}
		v.validatePredicate(query.Filter)
	default:
		v.addError("unknown query type %T", q)
	}
}

func (v *validator) requireName(what, name string) {
	if name == "" {
		v.addError("%s: empty name", what)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
	case Equals:
		v.requireName("equals field", pred.Field)
		if pred.Value == nil || ir.IsNull(pred.Value) {
			v.addError("equals %s: NULL literal, use IsNull", pred.Field)
		}
	case Compare:
		v.requireName("compare field", pred.Field)
		if _, ok := ir.ValidCompareOps[pred.Op]; !ok {
			v.addError("compare %s: unknown op %q", pred.Field, pred.Op)
		}
		if pred.Value == nil || ir.IsNull(pred.Value) {
			v.addError("compare %s: NULL literal never matches", pred.Field)
		}
	case IsNull:
		v.requireName("is null field", pred.Field)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	default:
		v.addError("unknown predicate type %T", p)
	}
}
