package validate

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/martsync/internal/compiler"
	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/store"
	"github.com/roach88/martsync/internal/testutil"
)

type fixture struct {
	ctx       context.Context
	store     *store.Store
	project   *ir.Project
	validator *Validator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	v := cuecontext.New().CompileString(testutil.RetailCUE)
	require.NoError(t, v.Err())
	p, errs := compiler.CompileProject(v, true)
	require.Empty(t, errs)

	s, err := store.Open(filepath.Join(t.TempDir(), "validate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, store.EnsureRelations(ctx, s, p))

	return &fixture{
		ctx:       ctx,
		store:     s,
		project:   p,
		validator: New(p, WithLogger(slog.New(slog.DiscardHandler))),
	}
}

func (f *fixture) insert(t *testing.T, relation string, rows ...ir.Row) {
	t.Helper()
	cols, ok := f.project.ColumnsOf(relation)
	require.True(t, ok)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	require.NoError(t, store.Insert(f.ctx, f.store, relation, names, rows))
}

func (f *fixture) rule(t *testing.T, name string) ir.RuleSpec {
	t.Helper()
	for _, r := range f.project.Rules {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("rule %s not declared", name)
	return ir.RuleSpec{}
}

func inventory(product string, opening, sold, received, closing int64, below bool, pct string) ir.Row {
	return ir.Row{
		"snapshot_date":       ir.MustDate("2024-03-01"),
		"product_id":          ir.String(product),
		"opening_stock":       ir.Int(opening),
		"units_sold":          ir.Int(sold),
		"units_received":      ir.Int(received),
		"units_returned":      ir.Int(0),
		"reorder_point":       ir.Int(5),
		"closing_stock":       ir.Int(closing),
		"below_reorder_point": ir.Bool(below),
		"sell_through_pct":    ir.MustDecimal(pct),
	}
}

func TestValidateCleanTable(t *testing.T) {
	f := setup(t)
	f.insert(t, "mart_inventory_daily",
		inventory("p1", 10, 4, 2, 8, false, "40"),
		inventory("p2", 10, 15, 0, 0, true, "150"),
	)

	got, err := f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{
		f.rule(t, "closing_stock_balance"),
		f.rule(t, "reorder_flag_consistent"),
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidateBalanceViolation(t *testing.T) {
	f := setup(t)
	f.insert(t, "mart_inventory_daily",
		inventory("p1", 10, 4, 2, 8, false, "40"),
		inventory("p2", 10, 4, 2, 9, false, "40"),
		inventory("p3", 10, 4, 2, 3, true, "40"),
	)

	got, err := f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{f.rule(t, "closing_stock_balance")})
	require.NoError(t, err)
	require.Len(t, got, 1)

	v := got[0]
	assert.Equal(t, "closing_stock_balance", v.Rule)
	assert.Equal(t, ir.SeverityError, v.Severity)
	assert.Equal(t, int64(2), v.Count)
	require.Len(t, v.Examples, 2)
	assert.Equal(t, ir.String("p2"), v.Examples[0]["product_id"], "examples follow the table key")
	assert.Equal(t, ir.Int(9), v.Examples[0]["closing_stock"])
	assert.True(t, Blocking(got))
}

func TestValidateWarnCeiling(t *testing.T) {
	f := setup(t)
	f.insert(t, "mart_inventory_daily",
		inventory("p1", 10, 4, 2, 8, false, "40"),
		inventory("p2", 100, 95, 0, 5, false, "95"),
	)

	got, err := f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{
		f.rule(t, "sell_through_bounded"),
		f.rule(t, "sell_through_stress"),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sell_through_stress", got[0].Rule)
	assert.False(t, Blocking(got))
	assert.NoError(t, Failure(got))
}

func TestValidateExampleLimit(t *testing.T) {
	f := setup(t)
	rule := f.rule(t, "closing_stock_balance")
	rule.Examples = 1
	f.insert(t, "mart_inventory_daily",
		inventory("p1", 10, 4, 2, 1, true, "40"),
		inventory("p2", 10, 4, 2, 2, true, "40"),
	)

	got, err := f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{rule})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Count)
	assert.Len(t, got[0].Examples, 1)

	rule.Examples = 0
	got, err = f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{rule})
	require.NoError(t, err)
	assert.Empty(t, got[0].Examples)
}

func TestValidateUniqueOnSource(t *testing.T) {
	f := setup(t)
	item := ir.Row{
		"order_id":   ir.String("o1"),
		"product_id": ir.String("p1"),
		"order_date": ir.MustDate("2024-03-01"),
		"quantity":   ir.Int(1),
	}
	f.insert(t, "raw_order_items", item, item, item.Clone())

	got, err := f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{{
		Name:     "raw_items_unique",
		Kind:     ir.RuleUnique,
		Severity: ir.SeverityWarn,
		Table:    "raw_order_items",
		Columns:  []string{"order_id", "product_id"},
		Examples: 5,
	}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Count)
	assert.Equal(t, ir.Int(3), got[0].Examples[0]["duplicates"])
}

func TestValidateSumMatch(t *testing.T) {
	f := setup(t)
	f.insert(t, "fct_order_items",
		ir.Row{"order_id": ir.String("o1"), "product_id": ir.String("p1"), "order_date": ir.MustDate("2024-03-01"), "revenue": ir.MustDecimal("10.00")},
		ir.Row{"order_id": ir.String("o1"), "product_id": ir.String("p2"), "order_date": ir.MustDate("2024-03-01"), "revenue": ir.MustDecimal("5.50")},
		ir.Row{"order_id": ir.String("o2"), "product_id": ir.String("p1"), "order_date": ir.MustDate("2024-03-01"), "revenue": ir.MustDecimal("2.00")},
	)
	f.insert(t, "fct_orders",
		ir.Row{"order_id": ir.String("o1"), "order_date": ir.MustDate("2024-03-01"), "item_count": ir.Int(2), "total_amount": ir.MustDecimal("15.50")},
		ir.Row{"order_id": ir.String("o2"), "order_date": ir.MustDate("2024-03-01"), "item_count": ir.Int(1), "total_amount": ir.MustDecimal("2.50")},
	)

	got, err := f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{f.rule(t, "order_total_matches_items")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Count)
	ex := got[0].Examples[0]
	assert.Equal(t, ir.String("o2"), ex["order_id"])
	assert.Equal(t, "2.5", ir.Format(ex["actual"]))
	assert.Equal(t, "2", ir.Format(ex["expected"]))
}

func TestValidateSignificanceSkipsNullPValues(t *testing.T) {
	f := setup(t)
	exp := func(id string, significant bool, p ir.Value) ir.Row {
		return ir.Row{
			"experiment_id":  ir.String(id),
			"date":           ir.MustDate("2024-03-01"),
			"is_significant": ir.Bool(significant),
			"p_value":        p,
		}
	}
	f.insert(t, "mart_experiment_daily",
		exp("e1", true, ir.MustDecimal("0.01")),
		exp("e2", true, ir.Null{}),
		exp("e3", true, ir.MustDecimal("0.20")),
		exp("e4", false, ir.MustDecimal("0.04")),
	)

	got, err := f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{f.rule(t, "significance_agrees_with_p_value")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ir.SeverityWarn, got[0].Severity)
	assert.Equal(t, int64(2), got[0].Count)
	assert.Equal(t, ir.String("e3"), got[0].Examples[0]["experiment_id"])
	assert.Equal(t, ir.String("e4"), got[0].Examples[1]["experiment_id"])
}

func TestValidateReferential(t *testing.T) {
	f := setup(t)
	f.insert(t, "dim_products", ir.Row{
		"product_id":    ir.String("p1"),
		ir.ColValidFrom: ir.MustTimestamp("2024-01-01T00:00:00Z"),
		ir.ColIsCurrent: ir.Bool(true),
	})
	f.insert(t, "mart_daily_product_kpis",
		ir.Row{"date": ir.MustDate("2024-03-01"), "product_id": ir.String("p1"),
			ir.ColIsForecast: ir.Bool(false), ir.ColForecastHorizon: ir.String("")},
		ir.Row{"date": ir.MustDate("2024-03-01"), "product_id": ir.String("p9"),
			ir.ColIsForecast: ir.Bool(false), ir.ColForecastHorizon: ir.String("")},
	)

	got, err := f.validator.Validate(f.ctx, f.store, []ir.RuleSpec{f.rule(t, "kpi_products_known")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Count)
	assert.Equal(t, ir.String("p9"), got[0].Examples[0]["product_id"])
}

func TestFailure(t *testing.T) {
	err := Failure([]Violation{
		{Rule: "a", Severity: ir.SeverityWarn, Table: "t", Count: 1},
		{Rule: "b", Severity: ir.SeverityError, Table: "t", Count: 3},
		{Rule: "c", Severity: ir.SeverityError, Table: "u", Count: 1},
	})
	require.Error(t, err)
	assert.True(t, ir.HasCode(err, ir.ErrInvariantFailed))
	assert.Contains(t, err.Error(), "2 rule(s) failed, first b with 3 violation(s)")

	var coded *ir.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, map[string]string{"b": "3", "c": "1"}, coded.Details)
}

func TestViolationJSON(t *testing.T) {
	v := Violation{
		Rule: "r", Kind: ir.RuleRange, Severity: ir.SeverityError, Table: "t", Count: 1,
		Examples: []ir.Row{{"a": ir.MustDecimal("1.50"), "b": ir.Null{}}},
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule":"r","kind":"range","severity":"error","table":"t","count":1,
		"examples":[{"a":"1.5","b":"NULL"}]}`, string(data))
}
