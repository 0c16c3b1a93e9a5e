package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/martsync/internal/ir"
)

// CompileProject parses every top-level `source`, `dimension`, `table` and
// `rule` struct of a built CUE value, then resolves the result.
//
// If collectAll is false the first error is returned alone; otherwise every
// parse and validation error is collected.
func CompileProject(value cue.Value, collectAll bool) (*ir.Project, []error) {
	p := &ir.Project{}
	var errs []error

	each := func(section string, fn func(cue.Value) error) bool {
		sv := value.LookupPath(cue.ParsePath(section))
		if !sv.Exists() {
			return true
		}
		iter, err := sv.Fields()
		if err != nil {
			errs = append(errs, formatCUEError(err))
			return collectAll
		}
		for iter.Next() {
			if err := fn(iter.Value()); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", section, iter.Label(), err))
				if !collectAll {
					return false
				}
			}
		}
		return true
	}

	ok := each("source", func(v cue.Value) error {
		s, err := CompileSource(v)
		if err == nil {
			p.Sources = append(p.Sources, *s)
		}
		return err
	}) && each("dimension", func(v cue.Value) error {
		d, err := CompileDimension(v)
		if err == nil {
			p.Dimensions = append(p.Dimensions, *d)
		}
		return err
	}) && each("table", func(v cue.Value) error {
		t, err := CompileTable(v)
		if err == nil {
			p.Tables = append(p.Tables, *t)
		}
		return err
	}) && each("rule", func(v cue.Value) error {
		r, err := CompileRule(v)
		if err == nil {
			p.Rules = append(p.Rules, *r)
		}
		return err
	})
	if !ok || len(errs) > 0 {
		return p, errs
	}

	for _, verr := range Resolve(p) {
		errs = append(errs, verr)
		if !collectAll {
			break
		}
	}
	return p, errs
}
