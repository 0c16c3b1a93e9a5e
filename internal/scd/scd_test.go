package scd

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/store"
)

var products = &ir.DimensionSpec{
	Name: "dim_products",
	From: "raw_products",
	Key:  []string{"product_id"},
	Columns: []ir.Column{
		{Name: "product_id", Type: ir.TypeString},
		{Name: "name", Type: ir.TypeString},
		{Name: "category", Type: ir.TypeString},
		{Name: "unit_price", Type: ir.TypeDecimal},
	},
	Tracked:               []string{"category", "unit_price"},
	InvalidateHardDeletes: true,
}

var (
	t1 = ir.MustTimestamp("2024-01-01T00:00:00Z")
	t2 = ir.MustTimestamp("2024-01-02T00:00:00Z")
	t3 = ir.MustTimestamp("2024-01-03T00:00:00Z")
)

func product(id, name, category, price string) ir.Row {
	return ir.Row{
		"product_id": ir.String(id),
		"name":       ir.String(name),
		"category":   ir.String(category),
		"unit_price": ir.MustDecimal(price),
	}
}

func newDetector(dim *ir.DimensionSpec) *Detector {
	return NewDetector(dim, WithLogger(slog.New(slog.DiscardHandler)))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, store.EnsureRelations(context.Background(), s,
		&ir.Project{Dimensions: []ir.DimensionSpec{*products}}))
	return s
}

// run detects and applies one snapshot, returning the changeset.
func run(t *testing.T, s *store.Store, d *Detector, at ir.Timestamp, snapshot ...ir.Row) Changeset {
	t.Helper()
	ctx := context.Background()
	cur, err := d.ReadCurrent(ctx, s)
	require.NoError(t, err)
	cs, err := d.Detect(cur.Rows, snapshot, at)
	require.NoError(t, err)
	require.NoError(t, d.Apply(ctx, s, cs))
	return cs
}

func history(t *testing.T, s *store.Store) []ir.Row {
	t.Helper()
	res, err := store.ReadAll(context.Background(), s, products.Name, products.StoredColumns(),
		nil, products.VersionKey())
	require.NoError(t, err)
	return res.Rows
}

func TestDetectNewEntities(t *testing.T) {
	d := newDetector(products)
	cs, err := d.Detect(nil, []ir.Row{
		product("p1", "Mug", "kitchen", "4.50"),
		product("p2", "Lamp", "home", "20.00"),
	}, t1)
	require.NoError(t, err)

	require.Len(t, cs.Opens, 2)
	assert.Empty(t, cs.Closes)
	v := cs.Opens[0]
	assert.Equal(t, ir.String("p1"), v["product_id"])
	assert.Equal(t, t1, v[ir.ColValidFrom])
	assert.True(t, ir.IsNull(v[ir.ColValidTo]))
	assert.Equal(t, ir.Bool(true), v[ir.ColIsCurrent])
	assert.Equal(t, ir.String(ir.MustRowHash(product("p1", "Mug", "kitchen", "4.50"), products.Tracked)),
		v[ir.ColRowHash])
}

func TestDetectIgnoresUntrackedChanges(t *testing.T) {
	s := openStore(t)
	d := newDetector(products)
	run(t, s, d, t1, product("p1", "Mug", "kitchen", "4.50"))

	cs := run(t, s, d, t2, product("p1", "Big Mug", "kitchen", "4.5"))
	assert.True(t, cs.Empty())
	assert.Equal(t, 1, cs.Unchanged)
	assert.Len(t, history(t, s), 1)
}

func TestDetectTrackedChangeClosesAndOpens(t *testing.T) {
	s := openStore(t)
	d := newDetector(products)
	run(t, s, d, t1, product("p1", "Mug", "kitchen", "4.50"))

	cs := run(t, s, d, t2, product("p1", "Mug", "dining", "4.50"))
	require.Len(t, cs.Closes, 1)
	require.Len(t, cs.Opens, 1)

	rows := history(t, s)
	require.Len(t, rows, 2)
	assert.Equal(t, ir.String("kitchen"), rows[0]["category"])
	assert.Equal(t, t2, rows[0][ir.ColValidTo])
	assert.Equal(t, ir.Bool(false), rows[0][ir.ColIsCurrent])
	assert.Equal(t, ir.String("dining"), rows[1]["category"])
	assert.Equal(t, t2, rows[1][ir.ColValidFrom], "new version starts where the old one ends")
	assert.True(t, ir.IsNull(rows[1][ir.ColValidTo]))
}

func TestDetectRevertOpensFreshVersion(t *testing.T) {
	s := openStore(t)
	d := newDetector(products)
	run(t, s, d, t1, product("p1", "Mug", "kitchen", "4.50"))
	run(t, s, d, t2, product("p1", "Mug", "dining", "4.50"))
	run(t, s, d, t3, product("p1", "Mug", "kitchen", "4.50"))

	rows := history(t, s)
	require.Len(t, rows, 3)
	assert.Equal(t, rows[0][ir.ColRowHash], rows[2][ir.ColRowHash])
	assert.Equal(t, ir.Bool(false), rows[0][ir.ColIsCurrent], "old version stays closed")
	assert.Equal(t, t3, rows[2][ir.ColValidFrom])
}

func TestDetectHardDelete(t *testing.T) {
	s := openStore(t)
	d := newDetector(products)
	run(t, s, d, t1, product("p1", "Mug", "kitchen", "4.50"), product("p2", "Lamp", "home", "20"))

	cs := run(t, s, d, t2, product("p1", "Mug", "kitchen", "4.50"))
	require.Len(t, cs.Closes, 1)
	assert.True(t, cs.Closes[0].Deleted)
	assert.Empty(t, cs.Opens)

	cur, err := d.ReadCurrent(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, cur.Rows, 1)
	assert.Equal(t, ir.String("p1"), cur.Rows[0]["product_id"])
}

func TestDetectHardDeleteDisabled(t *testing.T) {
	dim := *products
	dim.InvalidateHardDeletes = false
	d := newDetector(&dim)

	current := []ir.Row{versionRow(product("p1", "Mug", "kitchen", "4.50"), t1)}
	cs, err := d.Detect(current, nil, t2)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestDetectTimeRegression(t *testing.T) {
	d := newDetector(products)
	current := []ir.Row{versionRow(product("p1", "Mug", "kitchen", "4.50"), t2)}

	_, err := d.Detect(current, []ir.Row{product("p1", "Mug", "dining", "4.50")}, t2)
	require.Error(t, err)
	assert.True(t, ir.HasCode(err, ir.ErrSCDTimeRegression))

	_, err = d.Detect(current, []ir.Row{product("p1", "Mug", "kitchen", "4.50")}, t1)
	assert.NoError(t, err, "no change means no regression")
}

func TestDetectLatestSnapshotWins(t *testing.T) {
	d := newDetector(products)
	older := product("p1", "Mug", "kitchen", "4.50")
	older["generated_at"] = t1
	newer := product("p1", "Mug", "dining", "4.50")
	newer["generated_at"] = t2

	cs, err := d.Detect(nil, []ir.Row{newer, older}, t3)
	require.NoError(t, err)
	require.Len(t, cs.Opens, 1)
	assert.Equal(t, ir.String("dining"), cs.Opens[0]["category"])
	assert.NotContains(t, cs.Opens[0], "generated_at")
}

func TestDetectSkipsNullKeys(t *testing.T) {
	d := newDetector(products)
	bad := product("p1", "Mug", "kitchen", "4.50")
	bad["product_id"] = ir.Null{}

	cs, err := d.Detect(nil, []ir.Row{bad}, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.Skipped)
	assert.True(t, cs.Empty())
}

func TestDetectRejectsDuplicateOpenVersions(t *testing.T) {
	d := newDetector(products)
	v := versionRow(product("p1", "Mug", "kitchen", "4.50"), t1)

	_, err := d.Detect([]ir.Row{v, v}, nil, t2)
	assert.ErrorContains(t, err, "more than one open version")
}

func TestApplyRejectsStaleClose(t *testing.T) {
	s := openStore(t)
	d := newDetector(products)
	run(t, s, d, t1, product("p1", "Mug", "kitchen", "4.50"))

	err := d.Apply(context.Background(), s, Changeset{Closes: []Close{{
		Key:       ir.Row{"product_id": ir.String("p1")},
		ValidFrom: t2,
		ValidTo:   t3,
	}}})
	assert.ErrorContains(t, err, "matched 0 open versions")
}

func versionRow(r ir.Row, from ir.Timestamp) ir.Row {
	v := r.Clone()
	v[ir.ColValidFrom] = from
	v[ir.ColValidTo] = ir.Null{}
	v[ir.ColIsCurrent] = ir.Bool(true)
	v[ir.ColRowHash] = ir.String(ir.MustRowHash(r, products.Tracked))
	return v
}

func TestDetectSnapshotHoldsHardDeletesWhenRowsSkipped(t *testing.T) {
	d := newDetector(products)
	current := []ir.Row{
		versionRow(product("p1", "Mug", "kitchen", "4.50"), t1),
		versionRow(product("p2", "Lamp", "home", "20.00"), t1),
	}
	snapshot := store.ReadResult{Rows: []ir.Row{product("p1", "Mug", "kitchen", "4.50")}}

	cs, err := d.DetectSnapshot(current, snapshot, t2)
	require.NoError(t, err)
	require.Len(t, cs.Closes, 1, "complete snapshot closes the missing entity")
	assert.True(t, cs.Closes[0].Deleted)
	assert.Zero(t, cs.HeldDeletes)

	snapshot.Skipped = 1
	cs, err = d.DetectSnapshot(current, snapshot, t2)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
	assert.Equal(t, 1, cs.Unchanged)
	assert.Equal(t, 1, cs.HeldDeletes)
}

func TestDetectSnapshotStillTracksChangesWhenRowsSkipped(t *testing.T) {
	d := newDetector(products)
	current := []ir.Row{versionRow(product("p1", "Mug", "kitchen", "4.50"), t1)}

	cs, err := d.DetectSnapshot(current, store.ReadResult{
		Rows:    []ir.Row{product("p1", "Mug", "dining", "4.50")},
		Skipped: 3,
	}, t2)
	require.NoError(t, err)
	assert.Len(t, cs.Closes, 1)
	assert.Len(t, cs.Opens, 1)
	assert.False(t, cs.Closes[0].Deleted)
}

func TestReadCurrentRejectsUndecodableVersion(t *testing.T) {
	s := openStore(t)
	d := newDetector(products)
	run(t, s, d, t1, product("p1", "Mug", "kitchen", "4.50"), product("p2", "Lamp", "home", "20"))

	ctx := context.Background()
	_, err := s.ExecContext(ctx, "UPDATE dim_products SET unit_price = 'not-a-number' WHERE product_id = 'p1'")
	require.NoError(t, err)

	_, err = d.ReadCurrent(ctx, s)
	require.Error(t, err)
	assert.True(t, ir.HasCode(err, ir.ErrCorruptVersion))
	assert.Contains(t, err.Error(), "1 open version(s) failed to decode")
}
