package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	f := setup(t)

	plan, err := f.engine.Plan()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", plan.Dialect)
	require.Len(t, plan.Steps, 7)
	assert.Len(t, plan.Rules, 10)

	dim := plan.Steps[0]
	assert.Equal(t, "dim_products", dim.Relation)
	assert.Equal(t, 0, dim.Level)
	require.Len(t, dim.Statements, 2)
	assert.Equal(t, "close", dim.Statements[0].Purpose)
	assert.Contains(t, dim.Statements[0].SQL, `UPDATE "dim_products"`)
	assert.Contains(t, dim.Statements[1].SQL, `INSERT INTO "dim_products"`)

	var purposes []string
	for _, s := range plan.Steps {
		if s.Relation != "mart_daily_product_kpis" {
			continue
		}
		assert.Equal(t, []string{"date", "product_id", "is_forecast", "forecast_horizon"}, s.Key)
		for _, st := range s.Statements {
			purposes = append(purposes, st.Purpose)
		}
		assert.Contains(t, s.Statements[1].SQL, "ON CONFLICT")
		assert.NotContains(t, s.Statements[1].SQL, `"demand_forecast"`, "writeback columns are never upserted")
	}
	assert.Equal(t, []string{"watermark", "upsert", "retire forecast horizon"}, purposes)

	for _, s := range plan.Steps {
		if s.Relation == "mart_category_daily" {
			assert.Equal(t, 1, s.Level)
			require.Len(t, s.Statements, 1, "full tables have no watermark query")
		}
	}
	assert.Contains(t, plan.Rules[0].SQL, "SELECT COUNT(*)")
}
