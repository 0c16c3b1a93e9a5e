// Package validate checks invariant rules against stored tables.
//
// Every rule compiles to read-only SQL (see querysql.CompileRule) that
// selects the violating rows. The validator counts them and keeps a few
// example rows; it never writes. Whether a violation halts a run is the
// caller's decision, made from the rule severity.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/store"
)

// Violation is the outcome of one rule that found violating rows.
type Violation struct {
	Rule     string      `json:"rule"`
	Kind     ir.RuleKind `json:"kind"`
	Severity ir.Severity `json:"severity"`
	Table    string      `json:"table"`
	Count    int64       `json:"count"`
	Examples []ir.Row    `json:"-"`
}

// MarshalJSON renders example rows as formatted strings so summaries stay
// readable and stable.
func (v Violation) MarshalJSON() ([]byte, error) {
	type plain Violation
	examples := make([]map[string]string, len(v.Examples))
	for i, r := range v.Examples {
		m := make(map[string]string, len(r))
		for k, val := range r {
			m[k] = ir.Format(val)
		}
		examples[i] = m
	}
	return json.Marshal(struct {
		plain
		Examples []map[string]string `json:"examples"`
	}{plain(v), examples})
}

// Validator runs rules for one compiled project.
type Validator struct {
	project *ir.Project
	logger  *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a Validator for project.
func New(project *ir.Project, opts ...Option) *Validator {
	v := &Validator{project: project, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs rules in order and returns one Violation per rule that
// found violating rows. Rules without violations are omitted.
func (v *Validator) Validate(ctx context.Context, q store.Querier, rules []ir.RuleSpec) ([]Violation, error) {
	out := []Violation{}
	for _, rule := range rules {
		viol, err := v.check(ctx, q, rule)
		if err != nil {
			return nil, err
		}
		if viol.Count == 0 {
			continue
		}
		v.logger.Warn("rule violated",
			"rule", rule.Name,
			"severity", rule.Severity,
			"table", rule.Table,
			"count", viol.Count)
		out = append(out, viol)
	}
	return out, nil
}

func (v *Validator) check(ctx context.Context, q store.Querier, rule ir.RuleSpec) (Violation, error) {
	sqls, err := q.Dialect().CompileRule(rule, v.exampleOrder(rule.Table))
	if err != nil {
		return Violation{}, err
	}
	viol := Violation{
		Rule:     rule.Name,
		Kind:     rule.Kind,
		Severity: rule.Severity,
		Table:    rule.Table,
	}

	viol.Count, err = store.QueryCount(ctx, q, sqls.Count)
	if err != nil {
		return Violation{}, fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	if viol.Count == 0 || rule.Examples == 0 {
		return viol, nil
	}

	viol.Examples, err = store.QueryRows(ctx, q, sqls.Examples, v.exampleTypes(rule))
	if err != nil {
		return Violation{}, fmt.Errorf("rule %s: examples: %w", rule.Name, err)
	}
	return viol, nil
}

// exampleOrder is the key of the checked relation.
func (v *Validator) exampleOrder(relation string) []string {
	if t, ok := v.project.Table(relation); ok {
		return t.EffectiveKey()
	}
	if d, ok := v.project.Dimension(relation); ok {
		return d.VersionKey()
	}
	return nil
}

// exampleTypes maps the columns an example row can carry to their types.
func (v *Validator) exampleTypes(rule ir.RuleSpec) map[string]ir.ColumnType {
	types := make(map[string]ir.ColumnType)
	cols, _ := v.project.ColumnsOf(rule.Table)
	for _, c := range cols {
		types[c.Name] = c.Type
	}
	switch rule.Kind {
	case ir.RuleUnique:
		types["duplicates"] = ir.TypeInt
	case ir.RuleSumMatch:
		types["actual"] = types[rule.Column]
		types["expected"] = ir.TypeDecimal
	}
	return types
}

// Blocking reports whether any violation has error severity.
func Blocking(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == ir.SeverityError {
			return true
		}
	}
	return false
}

// Failure builds the INVARIANT_FAILED error for the error-severity
// violations, or nil when there are none.
func Failure(violations []Violation) error {
	var failed []Violation
	for _, v := range violations {
		if v.Severity == ir.SeverityError {
			failed = append(failed, v)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	err := ir.Errorf(ir.ErrInvariantFailed, failed[0].Table,
		"%d rule(s) failed, first %s with %d violation(s)", len(failed), failed[0].Rule, failed[0].Count)
	err.Details = make(map[string]string, len(failed))
	for _, f := range failed {
		err.Details[f.Rule] = fmt.Sprintf("%d", f.Count)
	}
	return err
}
