package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
)

func TestUpsert_InsertsThenUpdates(t *testing.T) {
	s := createTestStore(t)
	createKPITable(t, s)
	ctx := context.Background()
	cols := []string{"date", "product_id", "units", "revenue", "flagged"}
	update := []string{"units", "revenue", "flagged"}

	require.NoError(t, Upsert(ctx, s, "kpis", cols, kpiKey, update, []ir.Row{
		kpiRow("2024-01-01", "p1", 1, "10"),
		kpiRow("2024-01-01", "p2", 2, "20"),
	}))
	require.NoError(t, Upsert(ctx, s, "kpis", cols, kpiKey, update, []ir.Row{
		kpiRow("2024-01-01", "p1", 11, "110"),
	}))

	res, err := ReadAll(ctx, s, "kpis", kpiColumns, nil, kpiKey)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, ir.Int(11), res.Rows[0]["units"])
	assert.Equal(t, ir.Bool(true), res.Rows[0]["flagged"])
	assert.Equal(t, ir.Int(2), res.Rows[1]["units"])
}

func TestUpsert_LeavesUnlistedColumnsAlone(t *testing.T) {
	s := createTestStore(t)
	createKPITable(t, s)
	ctx := context.Background()
	cols := []string{"date", "product_id", "units"}

	row := kpiRow("2024-01-01", "p1", 1, "0")
	require.NoError(t, Upsert(ctx, s, "kpis", cols, kpiKey, []string{"units"}, []ir.Row{row}))

	_, err := Exec(ctx, s, queryir.Update{
		Table:  "kpis",
		Set:    []queryir.Assignment{{Column: "note", Value: ir.String("owned elsewhere")}},
		Filter: queryir.KeyEquals(row, kpiKey),
	})
	require.NoError(t, err)

	row["units"] = ir.Int(5)
	require.NoError(t, Upsert(ctx, s, "kpis", cols, kpiKey, []string{"units"}, []ir.Row{row}))

	res, err := ReadAll(ctx, s, "kpis", kpiColumns, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, ir.Int(5), res.Rows[0]["units"])
	assert.Equal(t, ir.String("owned elsewhere"), res.Rows[0]["note"])
}

func TestInsert_DuplicateKeyFails(t *testing.T) {
	s := createTestStore(t)
	createKPITable(t, s)
	ctx := context.Background()

	row := kpiRow("2024-01-01", "p1", 1, "0")
	require.NoError(t, Insert(ctx, s, "kpis", kpiKey, []ir.Row{row}))

	err := Insert(ctx, s, "kpis", kpiKey, []ir.Row{row})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "date=2024-01-01, product_id=p1")
}

func TestExec_DeleteReportsAffectedRows(t *testing.T) {
	s := createTestStore(t)
	createKPITable(t, s)
	ctx := context.Background()

	require.NoError(t, Insert(ctx, s, "kpis", []string{"date", "product_id", "flagged"}, []ir.Row{
		{"date": ir.MustDate("2024-01-01"), "product_id": ir.String("a"), "flagged": ir.Bool(true)},
		{"date": ir.MustDate("2024-01-02"), "product_id": ir.String("b"), "flagged": ir.Bool(true)},
		{"date": ir.MustDate("2024-01-03"), "product_id": ir.String("c"), "flagged": ir.Bool(false)},
	}))

	n, err := Exec(ctx, s, queryir.Delete{From: "kpis", Filter: queryir.Equals{Field: "flagged", Value: ir.Bool(true)}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = Exec(ctx, s, queryir.Delete{From: "kpis"})
	assert.Error(t, err, "unfiltered deletes are rejected")
	assert.Zero(t, n)
}
