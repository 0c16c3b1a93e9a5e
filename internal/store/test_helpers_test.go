package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/martsync/internal/ir"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var kpiColumns = []ir.Column{
	{Name: "date", Type: ir.TypeDate},
	{Name: "product_id", Type: ir.TypeString},
	{Name: "units", Type: ir.TypeInt},
	{Name: "revenue", Type: ir.TypeDecimal},
	{Name: "flagged", Type: ir.TypeBool},
	{Name: "note", Type: ir.TypeString},
}

var kpiKey = []string{"date", "product_id"}

// createKPITable creates a small keyed table used across store tests.
func createKPITable(t *testing.T, s *Store) {
	t.Helper()
	for _, stmt := range s.Dialect().CreateTable("kpis", kpiColumns, kpiKey) {
		if _, err := s.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
}

func kpiRow(date, product string, units int64, revenue string) ir.Row {
	return ir.Row{
		"date":       ir.MustDate(date),
		"product_id": ir.String(product),
		"units":      ir.Int(units),
		"revenue":    ir.MustDecimal(revenue),
		"flagged":    ir.Bool(units > 10),
	}
}
