package engine

import (
	"fmt"
	"slices"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/merge"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/querysql"
)

// Plan is the SQL a run would issue, without the row values.
type Plan struct {
	Dialect string     `json:"dialect"`
	Steps   []PlanStep `json:"steps"`
	Rules   []RulePlan `json:"rules"`
}

// PlanStep describes how one relation is reconciled.
type PlanStep struct {
	Level      int         `json:"level"`
	Relation   string      `json:"relation"`
	Kind       string      `json:"kind"`
	Strategy   string      `json:"strategy,omitempty"`
	Key        []string    `json:"key"`
	Watermark  string      `json:"watermark,omitempty"`
	Statements []Statement `json:"statements"`
}

// Statement is one compiled statement of a step.
type Statement struct {
	Purpose string `json:"purpose"`
	SQL     string `json:"sql"`
}

// RulePlan is the count query of one rule.
type RulePlan struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	SQL      string `json:"sql"`
}

// Plan compiles the statements of every level and rule for the store's
// dialect. It reads nothing.
func (e *Engine) Plan() (*Plan, error) {
	d := e.store.Dialect()
	plan := &Plan{Dialect: d.String(), Steps: []PlanStep{}, Rules: []RulePlan{}}

	for lvl, level := range e.project.Levels {
		for _, name := range level {
			var step PlanStep
			var err error
			if dim, ok := e.project.Dimension(name); ok {
				step, err = dimensionStep(d, dim)
			} else if t, ok := e.project.Table(name); ok {
				step, err = tableStep(d, t)
			} else {
				err = fmt.Errorf("level names unknown relation %q", name)
			}
			if err != nil {
				return nil, fmt.Errorf("plan %s: %w", name, err)
			}
			step.Level = lvl
			plan.Steps = append(plan.Steps, step)
		}
	}

	for _, r := range e.project.Rules {
		compiled, err := d.CompileRule(r, nil)
		if err != nil {
			return nil, fmt.Errorf("plan: %w", err)
		}
		plan.Rules = append(plan.Rules, RulePlan{Rule: r.Name, Severity: string(r.Severity), SQL: compiled.Count})
	}
	return plan, nil
}

func dimensionStep(d querysql.Dialect, dim *ir.DimensionSpec) (PlanStep, error) {
	step := PlanStep{Relation: dim.Name, Kind: "dimension", Key: dim.VersionKey()}

	sample := make(ir.Row, len(dim.Key))
	for _, k := range dim.Key {
		sample[k] = ir.String("")
	}
	closeSQL, _, err := querysql.NewSQLCompiler(d).Compile(queryir.Update{
		Table: dim.Name,
		Set: []queryir.Assignment{
			{Column: ir.ColValidTo, Value: ir.Timestamp{}},
			{Column: ir.ColIsCurrent, Value: ir.Bool(false)},
		},
		Filter: queryir.Where(
			queryir.KeyEquals(sample, dim.Key),
			queryir.Equals{Field: ir.ColValidFrom, Value: ir.Timestamp{}},
			queryir.Equals{Field: ir.ColIsCurrent, Value: ir.Bool(true)},
		),
	})
	if err != nil {
		return PlanStep{}, err
	}

	cols := make([]string, 0, len(dim.Columns)+4)
	for _, c := range dim.StoredColumns() {
		cols = append(cols, c.Name)
	}
	step.Statements = []Statement{
		{Purpose: "close", SQL: closeSQL},
		{Purpose: "open", SQL: d.Insert(dim.Name, cols)},
	}
	return step, nil
}

func tableStep(d querysql.Dialect, t *ir.TableSpec) (PlanStep, error) {
	key := t.EffectiveKey()
	step := PlanStep{
		Relation:  t.Name,
		Kind:      "table",
		Strategy:  string(t.Strategy),
		Key:       key,
		Watermark: t.Watermark,
	}

	if t.Strategy == ir.StrategyIncremental && t.Watermark != "" {
		var filter queryir.Predicate
		if t.Blended() {
			filter = queryir.Equals{Field: ir.ColIsForecast, Value: ir.Bool(false)}
		}
		sql, _, err := querysql.NewSQLCompiler(d).Compile(queryir.Max{From: t.Name, Column: t.Watermark, Filter: filter})
		if err != nil {
			return PlanStep{}, err
		}
		step.Statements = append(step.Statements, Statement{Purpose: "watermark", SQL: sql})
	}

	data := merge.DataColumns(t)
	cols := append(slices.Clone(key), data...)
	if t.Blended() {
		cols = append(cols, ir.ColForecastVintage)
	}
	step.Statements = append(step.Statements, Statement{Purpose: "upsert", SQL: d.Upsert(t.Name, cols, key, data)})

	if t.Blended() {
		sql, _, err := querysql.NewSQLCompiler(d).Compile(queryir.Delete{
			From: t.Name,
			Filter: queryir.Where(
				queryir.Equals{Field: ir.ColIsForecast, Value: ir.Bool(true)},
				queryir.Equals{Field: ir.ColForecastHorizon, Value: ir.String("")},
			),
		})
		if err != nil {
			return PlanStep{}, err
		}
		step.Statements = append(step.Statements, Statement{Purpose: "retire forecast horizon", SQL: sql})
	}
	return step, nil
}
