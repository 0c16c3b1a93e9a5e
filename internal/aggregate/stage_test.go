package aggregate

import (
	"log/slog"
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/martsync/internal/compiler"
	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/testutil"
)

func retail(t *testing.T) *ir.Project {
	t.Helper()
	v := cuecontext.New().CompileString(testutil.RetailCUE)
	require.NoError(t, v.Err())
	p, errs := compiler.CompileProject(v, true)
	require.Empty(t, errs)
	return p
}

func tableOf(t *testing.T, name string) *ir.TableSpec {
	t.Helper()
	spec, ok := retail(t).Table(name)
	require.True(t, ok)
	return spec
}

func stage() *Stage { return New(WithLogger(slog.New(slog.DiscardHandler))) }

func assertDecimal(t *testing.T, want string, got ir.Value, msgAndArgs ...any) {
	t.Helper()
	d, ok := got.(ir.Decimal)
	require.True(t, ok, "expected decimal, got %T (%s)", got, ir.Format(got))
	assert.True(t, d.Equal(ir.MustDecimal(want).Decimal), append([]any{"want %s, got %s", want, d.String()}, msgAndArgs...)...)
}

func orderItem(order, product, date string, qty int64, price string, discount ir.Value) ir.Row {
	return ir.Row{
		"order_id":        ir.String(order),
		"product_id":      ir.String(product),
		"order_date":      ir.MustDate(date),
		"quantity":        ir.Int(qty),
		"unit_price":      ir.MustDecimal(price),
		"discount_amount": discount,
	}
}

func TestComputeDailyKPIs(t *testing.T) {
	spec := tableOf(t, "mart_daily_product_kpis")
	rows, err := stage().Compute(spec, Inputs{From: []ir.Row{
		orderItem("o1", "p1", "2024-03-01", 2, "10.00", ir.MustDecimal("1.00")),
		orderItem("o2", "p1", "2024-03-01", 3, "10.00", ir.MustDecimal("0")),
		orderItem("o3", "p2", "2024-03-02", 4, "2.50", ir.MustDecimal("0.50")),
		orderItem("o3", "p1", "2024-03-02", 1, "10.00", ir.Null{}),
	}})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	first := rows[0]
	assert.Equal(t, ir.MustDate("2024-03-01"), first["date"])
	assert.Equal(t, ir.String("p1"), first["product_id"])
	assert.Equal(t, ir.Int(5), first["units_sold"])
	assert.Equal(t, ir.Int(2), first["orders"])
	assertDecimal(t, "50", first["gross_revenue"])
	assertDecimal(t, "1", first["discounts"])
	assertDecimal(t, "2", first["discount_pct"])
	assertDecimal(t, "2.5", first["avg_units_per_order"])
	assertDecimal(t, "5", first["units_sold_7d_avg"])
	assertDecimal(t, "0", first["units_sold_7d_stddev"], "single period")

	second := rows[1]
	assert.Equal(t, ir.String("p1"), second["product_id"])
	assertDecimal(t, "0", second["discounts"], "NULL discount counts as zero")
	assertDecimal(t, "3", second["units_sold_7d_avg"])
	assertDecimal(t, "2.83", second["units_sold_7d_stddev"])

	third := rows[2]
	assert.Equal(t, ir.String("p2"), third["product_id"])
	assertDecimal(t, "5", third["discount_pct"])
	assertDecimal(t, "4", third["units_sold_7d_avg"], "series are per product")

	assert.NotContains(t, first, "demand_forecast", "writeback columns are not computed")
	assert.NotContains(t, first, ir.ColIsForecast)
}

func TestComputeRollingWindowIsCalendarDays(t *testing.T) {
	spec := tableOf(t, "mart_daily_product_kpis")
	rows, err := stage().Compute(spec, Inputs{From: []ir.Row{
		orderItem("o1", "p1", "2024-03-01", 10, "1", ir.Null{}),
		orderItem("o2", "p1", "2024-03-07", 2, "1", ir.Null{}),
		orderItem("o3", "p1", "2024-03-08", 4, "1", ir.Null{}),
	}})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assertDecimal(t, "6", rows[1]["units_sold_7d_avg"], "03-01 is inside the window ending 03-07")
	assertDecimal(t, "3", rows[2]["units_sold_7d_avg"], "03-01 has left the window ending 03-08")
}

func inventory(date, product string, opening, sold, received, returned, reorder int64) ir.Row {
	return ir.Row{
		"snapshot_date":  ir.MustDate(date),
		"product_id":     ir.String(product),
		"opening_stock":  ir.Int(opening),
		"units_sold":     ir.Int(sold),
		"units_received": ir.Int(received),
		"units_returned": ir.Int(returned),
		"reorder_point":  ir.Int(reorder),
	}
}

func TestComputeBalanceFloorAndFlag(t *testing.T) {
	spec := tableOf(t, "mart_inventory_daily")
	rows, err := stage().Compute(spec, Inputs{From: []ir.Row{
		inventory("2024-03-01", "p1", 10, 15, 2, 1, 5),
		inventory("2024-03-01", "p2", 40, 5, 0, 0, 5),
		inventory("2024-03-01", "p3", 0, 0, 0, 0, 0),
	}})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, ir.Int(0), rows[0]["closing_stock"], "negative balance is floored")
	assert.Equal(t, ir.Bool(true), rows[0]["below_reorder_point"])
	assertDecimal(t, "150", rows[0]["sell_through_pct"])

	assert.Equal(t, ir.Int(35), rows[1]["closing_stock"])
	assert.Equal(t, ir.Bool(false), rows[1]["below_reorder_point"])
	assertDecimal(t, "12.5", rows[1]["sell_through_pct"])

	assertDecimal(t, "0", rows[2]["sell_through_pct"], "zero denominator yields zero")
}

func product(id, category string, current bool) ir.Row {
	return ir.Row{
		"product_id":    ir.String(id),
		"category":      ir.String(category),
		ir.ColIsCurrent: ir.Bool(current),
		ir.ColValidFrom: ir.MustTimestamp("2024-01-01T00:00:00Z"),
	}
}

func TestComputeJoinsCurrentDimensionVersions(t *testing.T) {
	spec := tableOf(t, "mart_category_daily")
	rows, err := stage().Compute(spec, Inputs{
		From: []ir.Row{
			orderItem("o1", "p1", "2024-03-01", 2, "1", ir.Null{}),
			orderItem("o2", "p2", "2024-03-01", 3, "1", ir.Null{}),
			orderItem("o3", "p9", "2024-03-01", 1, "1", ir.Null{}),
		},
		Lookups: map[string][]ir.Row{"dim_products": {
			product("p1", "home", false),
			product("p1", "kitchen", true),
			product("p2", "home", true),
		}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.True(t, ir.IsNull(rows[0]["category"]), "unmatched facts keep a NULL category")
	assert.Equal(t, ir.Int(1), rows[0]["units_sold"])
	assert.Equal(t, ir.String("home"), rows[1]["category"])
	assert.Equal(t, ir.Int(3), rows[1]["units_sold"])
	assert.Equal(t, ir.String("kitchen"), rows[2]["category"])
	assert.Equal(t, ir.Int(1), rows[2]["products"])
}

func TestComputeJoinFanout(t *testing.T) {
	spec := tableOf(t, "mart_category_daily")
	_, err := stage().Compute(spec, Inputs{
		From: []ir.Row{orderItem("o1", "p1", "2024-03-01", 2, "1", ir.Null{})},
		Lookups: map[string][]ir.Row{"dim_products": {
			product("p1", "home", true),
			product("p1", "kitchen", true),
		}},
	})
	require.Error(t, err)
	assert.True(t, ir.HasCode(err, ir.ErrJoinFanout))
	assert.Contains(t, err.Error(), "product_id=p1")
}

func TestComputeFlagWithNullIsFalse(t *testing.T) {
	spec := tableOf(t, "mart_experiment_daily")
	rows, err := stage().Compute(spec, Inputs{From: []ir.Row{
		{"experiment_id": ir.String("e1"), "event_date": ir.MustDate("2024-03-01"),
			"visitors": ir.Int(200), "conversions": ir.Int(30), "z_score": ir.MustDecimal("2.10")},
		{"experiment_id": ir.String("e2"), "event_date": ir.MustDate("2024-03-01"),
			"visitors": ir.Int(100), "conversions": ir.Int(3), "z_score": ir.Null{}},
	}})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, ir.Bool(true), rows[0]["is_significant"])
	assertDecimal(t, "15", rows[0]["conversion_pct"])
	assert.Equal(t, ir.Bool(false), rows[1]["is_significant"])
	assert.True(t, ir.IsNull(rows[1]["z_score"]), "max over only NULLs is NULL")
}

func TestMeasureFuncs(t *testing.T) {
	rows := []ir.Row{
		{"status": ir.String("returned"), "amount": ir.MustDecimal("3"), "ok": ir.Bool(true)},
		{"status": ir.String("shipped"), "amount": ir.Null{}, "ok": ir.Bool(false)},
		{"status": ir.String("returned"), "amount": ir.MustDecimal("4"), "ok": ir.Bool(true)},
	}
	cases := []struct {
		name string
		spec ir.MeasureSpec
		want string
	}{
		{"count", ir.MeasureSpec{Func: ir.MeasureCount}, "3"},
		{"count_if equals", ir.MeasureSpec{Func: ir.MeasureCountIf, Column: "status", Equals: ir.String("returned")}, "2"},
		{"count_if bool", ir.MeasureSpec{Func: ir.MeasureCountIf, Column: "ok"}, "2"},
		{"count_distinct", ir.MeasureSpec{Func: ir.MeasureCountDistinct, Column: "status"}, "2"},
		{"sum", ir.MeasureSpec{Func: ir.MeasureSum, Column: "amount", Type: ir.TypeDecimal, Scale: 2}, "7"},
		{"avg keeps NULL rows in the denominator", ir.MeasureSpec{Func: ir.MeasureAvg, Column: "amount", Scale: 2}, "2.33"},
		{"min", ir.MeasureSpec{Func: ir.MeasureMin, Column: "amount"}, "3"},
		{"max", ir.MeasureSpec{Func: ir.MeasureMax, Column: "amount"}, "4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := measure(rows, tc.spec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ir.Format(v))
		})
	}
}

func TestDeriveRoundsHalfUp(t *testing.T) {
	row := ir.Row{"num": ir.Int(1), "den": ir.Int(8)}
	v, err := derive(row, ir.DerivedSpec{Kind: ir.DerivedRatio, Num: "num", Den: "den", Scale: 2})
	require.NoError(t, err)
	assertDecimal(t, "0.13", v, "0.125 rounds up")

	v, err = derive(row, ir.DerivedSpec{Kind: ir.DerivedPct, Num: "num", Den: "den", Scale: 1})
	require.NoError(t, err)
	assertDecimal(t, "12.5", v)
}

func TestDeriveNonNumericFails(t *testing.T) {
	_, err := derive(ir.Row{"a": ir.String("x")}, ir.DerivedSpec{Kind: ir.DerivedDiff, Plus: []string{"a"}, Type: ir.TypeInt})
	assert.ErrorContains(t, err, "not numeric")
}
