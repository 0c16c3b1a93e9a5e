package querysql

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/martsync/internal/compiler"
	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/testutil"
)

func retailProject(t *testing.T) *ir.Project {
	t.Helper()
	v := cuecontext.New().CompileString(testutil.RetailCUE)
	require.NoError(t, v.Err())
	p, errs := compiler.CompileProject(v, true)
	require.Empty(t, errs)
	return p
}

// ruleOrder mirrors the ordering the validator uses for example rows.
func ruleOrder(p *ir.Project, table string) []string {
	if t, ok := p.Table(table); ok {
		return t.EffectiveKey()
	}
	if d, ok := p.Dimension(table); ok {
		return d.VersionKey()
	}
	return nil
}

// TestCompileRule_Golden pins the SQL generated for the retail rule set.
// Regenerate with: go test ./internal/querysql -update
func TestCompileRule_Golden(t *testing.T) {
	p := retailProject(t)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, name := range []string{
		"order_items_unique",
		"order_total_matches_items",
		"closing_stock_balance",
		"discount_pct_bounded",
		"kpi_products_known",
		"significance_agrees_with_p_value",
	} {
		t.Run(name, func(t *testing.T) {
			var rule *ir.RuleSpec
			for i := range p.Rules {
				if p.Rules[i].Name == name {
					rule = &p.Rules[i]
				}
			}
			require.NotNil(t, rule)

			sql, err := SQLite.CompileRule(*rule, ruleOrder(p, rule.Table))
			require.NoError(t, err)

			out := "-- count\n" + sql.Count + "\n-- examples\n" + sql.Examples + "\n"
			g.Assert(t, "rule_"+name, []byte(out))
		})
	}
}

func TestCompileRule_RowConditions(t *testing.T) {
	tests := []struct {
		name string
		rule ir.RuleSpec
		want string
	}{
		{
			name: "not_null",
			rule: ir.RuleSpec{Kind: ir.RuleNotNull, Table: "t", Columns: []string{"a", "b"}},
			want: `SELECT * FROM "t" WHERE ("a" IS NULL OR "b" IS NULL)`,
		},
		{
			name: "range min only",
			rule: ir.RuleSpec{Kind: ir.RuleRange, Table: "t", Column: "x", Min: decimalPtr("-1.5")},
			want: `SELECT * FROM "t" WHERE NOT ("x" >= -1.5)`,
		},
		{
			name: "flag against column",
			rule: ir.RuleSpec{Kind: ir.RuleFlag, Table: "t", Column: "f", Left: "a", Op: ir.OpGTE, Right: "b"},
			want: `SELECT * FROM "t" WHERE NOT ("f" = CASE WHEN "a" >= "b" THEN 1 ELSE 0 END)`,
		},
		{
			name: "expr with where",
			rule: ir.RuleSpec{Kind: ir.RuleExpr, Table: "t", Expr: "a <= b", Where: "c = 1"},
			want: `SELECT * FROM "t" WHERE (c = 1) AND NOT (a <= b)`,
		},
		{
			name: "balance without floor",
			rule: ir.RuleSpec{Kind: ir.RuleBalance, Table: "t", Column: "c", Plus: []string{"a"}, Minus: []string{"b"}, Tolerance: ir.MustDecimal("0.5").Decimal},
			want: `SELECT * FROM "t" WHERE NOT (ABS("c" - (COALESCE("a", 0) - COALESCE("b", 0))) <= 0.5)`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, err := Postgres.CompileRule(tt.rule, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql.Violations)
			assert.Equal(t, tt.want, sql.Examples, "no order and no limit")
			assert.Equal(t, "SELECT COUNT(*) FROM ("+tt.want+") v", sql.Count)
		})
	}
}

func TestCompileRule_UnknownKind(t *testing.T) {
	_, err := SQLite.CompileRule(ir.RuleSpec{Name: "r", Kind: "regex"}, nil)
	assert.ErrorContains(t, err, "unknown kind")

	_, err = SQLite.CompileRule(ir.RuleSpec{Name: "r", Kind: ir.RuleFlag, Op: "like"}, nil)
	assert.ErrorContains(t, err, `unknown op "like"`)
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
