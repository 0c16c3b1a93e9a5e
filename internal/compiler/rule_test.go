package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/martsync/internal/ir"
)

func TestCompileRuleDefaults(t *testing.T) {
	v := lookup(t, `rule: ids_present: {kind: "not_null", table: "fct", columns: ["id"]}`, "rule.ids_present")

	r, err := CompileRule(v)
	require.NoError(t, err)
	assert.Equal(t, "ids_present", r.Name)
	assert.Equal(t, ir.RuleNotNull, r.Kind)
	assert.Equal(t, ir.SeverityError, r.Severity)
	assert.True(t, r.Tolerance.IsZero())
	assert.Equal(t, DefaultExamples, r.Examples)
	assert.False(t, r.SkipNulls)
}

func TestCompileRuleRange(t *testing.T) {
	v := lookup(t, `rule: pct: {
		kind: "range"
		severity: "warn"
		table: "mart"
		column: "pct"
		min: 0
		max: 99.5
		where: "is_forecast = 0"
		examples: 2
	}`, "rule.pct")

	r, err := CompileRule(v)
	require.NoError(t, err)
	assert.Equal(t, ir.SeverityWarn, r.Severity)
	require.NotNil(t, r.Min)
	require.NotNil(t, r.Max)
	assert.Equal(t, "0", r.Min.String())
	assert.Equal(t, "99.5", r.Max.String())
	assert.Equal(t, "is_forecast = 0", r.Where)
	assert.Equal(t, 2, r.Examples)
}

func TestCompileRuleDecimalFromString(t *testing.T) {
	v := lookup(t, `rule: s: {kind: "sum_match", table: "a", column: "x", columns: ["k"], ref_table: "b", ref_column: "y", tolerance: "0.001"}`, "rule.s")

	r, err := CompileRule(v)
	require.NoError(t, err)
	assert.Equal(t, "0.001", r.Tolerance.String())
}

func TestCompileRuleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown kind", `rule: r: {kind: "regex", table: "t"}`, `unknown rule kind "regex"`},
		{"bad severity", `rule: r: {kind: "expr", table: "t", expr: "1=1", severity: "fatal"}`, "severity must be error or warn"},
		{"missing table", `rule: r: {kind: "expr", expr: "1=1"}`, "table is required"},
		{"non-numeric bound", `rule: r: {kind: "range", table: "t", column: "c", max: "lots"}`, "max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileRule(lookup(t, tt.src, "rule.r"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
