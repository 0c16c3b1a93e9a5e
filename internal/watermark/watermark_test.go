package watermark

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dailyTable(blended bool) *ir.TableSpec {
	t := &ir.TableSpec{
		Name:      "daily",
		Strategy:  ir.StrategyIncremental,
		UniqueKey: []string{"date", "sku"},
		Watermark: "date",
		Columns: []ir.Column{
			{Name: "date", Type: ir.TypeDate},
			{Name: "sku", Type: ir.TypeString},
			{Name: "units", Type: ir.TypeInt},
		},
		Aggregate: ir.AggregateSpec{
			From:  "raw",
			Grain: []ir.GrainColumn{{Target: "date", Source: "day"}, {Target: "sku", Source: "sku"}},
		},
	}
	if blended {
		t.Forecast = &ir.ForecastSpec{From: "predictions"}
		t.Columns = append(t.Columns,
			ir.Column{Name: ir.ColIsForecast, Type: ir.TypeBool},
			ir.Column{Name: ir.ColForecastHorizon, Type: ir.TypeString},
			ir.Column{Name: ir.ColForecastVintage, Type: ir.TypeDate},
		)
	}
	return t
}

func createTable(t *testing.T, s *store.Store, table *ir.TableSpec) {
	t.Helper()
	require.NoError(t, store.EnsureRelations(context.Background(), s, &ir.Project{
		Tables: []ir.TableSpec{*table},
	}))
}

func names(cols []ir.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func quiet() Option { return WithLogger(slog.New(slog.DiscardHandler)) }

func TestCurrentFirstRun(t *testing.T) {
	s := openStore(t)
	tr := New(quiet())

	v, ok, err := tr.Current(context.Background(), s, dailyTable(false))
	require.NoError(t, err)
	assert.False(t, ok, "missing relation means full backfill")
	assert.True(t, ir.IsNull(v))
}

func TestCurrentEmptyTable(t *testing.T) {
	s := openStore(t)
	table := dailyTable(false)
	createTable(t, s, table)

	_, ok, err := New(quiet()).Current(context.Background(), s, table)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCurrentReturnsMax(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	table := dailyTable(false)
	createTable(t, s, table)
	require.NoError(t, store.Insert(ctx, s, table.Name, names(table.Columns), []ir.Row{
		{"date": ir.MustDate("2024-03-01"), "sku": ir.String("a"), "units": ir.Int(1)},
		{"date": ir.MustDate("2024-03-09"), "sku": ir.String("a"), "units": ir.Int(2)},
		{"date": ir.MustDate("2024-03-04"), "sku": ir.String("b"), "units": ir.Int(3)},
	}))

	v, ok, err := New(quiet()).Current(ctx, s, table)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.MustDate("2024-03-09"), v)
}

func TestCurrentIgnoresForecastRows(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	table := dailyTable(true)
	createTable(t, s, table)
	require.NoError(t, store.Insert(ctx, s, table.Name, names(table.Columns), []ir.Row{
		{"date": ir.MustDate("2024-03-02"), "sku": ir.String("a"), "units": ir.Int(1),
			ir.ColIsForecast: ir.Bool(false), ir.ColForecastHorizon: ir.String("")},
		{"date": ir.MustDate("2024-03-20"), "sku": ir.String("a"), "units": ir.Int(9),
			ir.ColIsForecast: ir.Bool(true), ir.ColForecastHorizon: ir.String("7d"),
			ir.ColForecastVintage: ir.MustDate("2024-03-02")},
	}))

	v, ok, err := New(quiet()).Current(ctx, s, table)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.MustDate("2024-03-02"), v)
}

func TestCurrentForecastOnlyTableIsFirstRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	table := dailyTable(true)
	createTable(t, s, table)
	require.NoError(t, store.Insert(ctx, s, table.Name, names(table.Columns), []ir.Row{
		{"date": ir.MustDate("2024-03-20"), "sku": ir.String("a"),
			ir.ColIsForecast: ir.Bool(true), ir.ColForecastHorizon: ir.String("7d")},
	}))

	_, ok, err := New(quiet()).Current(ctx, s, table)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCurrentFullStrategy(t *testing.T) {
	table := dailyTable(false)
	table.Strategy = ir.StrategyFull

	_, ok, err := New(quiet()).Current(context.Background(), openStore(t), table)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCurrentMissingPhysicalColumn(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := s.ExecContext(ctx, `CREATE TABLE "daily" ("sku" TEXT, "units" INTEGER)`)
	require.NoError(t, err)

	var buf bytes.Buffer
	tr := New(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	_, ok, err := tr.Current(ctx, s, dailyTable(false))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "watermark column missing")
}

func TestFilterSince(t *testing.T) {
	rows := []ir.Row{
		{"date": ir.MustDate("2024-01-01")},
		{"date": ir.MustDate("2024-01-02")},
		{"date": ir.Null{}},
		{"date": ir.MustDate("2024-01-03")},
	}

	got := FilterSince(rows, "date", ir.MustDate("2024-01-02"))
	require.Len(t, got, 1)
	assert.Equal(t, ir.MustDate("2024-01-03"), got[0]["date"])

	assert.Len(t, FilterSince(rows, "date", ir.Null{}), 4, "no boundary keeps everything")
}

func TestSinceLogsRegression(t *testing.T) {
	var buf bytes.Buffer
	tr := New(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	rows := []ir.Row{{"date": ir.MustDate("2024-01-01")}}

	got := tr.Since("daily", "date", ir.MustDate("2024-02-01"), true, rows)
	assert.Empty(t, got)
	assert.Contains(t, buf.String(), "watermark regression")
	assert.Contains(t, buf.String(), "boundary=2024-02-01")

	assert.Equal(t, rows, tr.Since("daily", "date", ir.Null{}, false, rows))
}

func TestLookbackBound(t *testing.T) {
	assert.Equal(t, ir.MustDate("2024-02-25"), LookbackBound(ir.MustDate("2024-03-01"), 5))
	assert.Equal(t, ir.MustDate("2024-03-01"), LookbackBound(ir.MustDate("2024-03-01"), 0))
	assert.Equal(t, ir.Int(7), LookbackBound(ir.Int(7), 3))
}

func TestSourceFilter(t *testing.T) {
	table := dailyTable(false)
	table.Aggregate.Rolling = []ir.RollingSpec{
		{Name: "u7", Measure: "units", Window: 7},
		{Name: "u3", Measure: "units", Window: 3},
	}
	from := []ir.Column{{Name: "day", Type: ir.TypeDate}, {Name: "sku", Type: ir.TypeString}}
	boundary := ir.MustDate("2024-03-10")

	got := SourceFilter(table, from, boundary, true)
	assert.Equal(t, queryir.Compare{Field: "day", Op: ir.OpGT, Value: ir.MustDate("2024-03-04")}, got)

	assert.Nil(t, SourceFilter(table, from, boundary, false), "first run reads everything")
	assert.Nil(t, SourceFilter(table, from[1:], boundary, true), "watermark source not in from relation")
}
