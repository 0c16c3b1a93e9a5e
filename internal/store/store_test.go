package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/querysql"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM martsync_runs").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	createKPITable(t, s)
	_, err = s.ExecContext(context.Background(), `INSERT INTO "kpis" ("date", "product_id") VALUES ('2024-01-01', 'p1')`)
	require.NoError(t, err)

	n, err := QueryCount(context.Background(), s, `SELECT COUNT(*) FROM "kpis"`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the single connection keeps the in-memory database alive")
}

func TestDialectFor(t *testing.T) {
	assert.Equal(t, querysql.Postgres, DialectFor("postgres://localhost/marts"))
	assert.Equal(t, querysql.Postgres, DialectFor("postgresql://u:p@db:5432/marts?sslmode=disable"))
	assert.Equal(t, querysql.SQLite, DialectFor("marts.db"))
	assert.Equal(t, querysql.SQLite, DialectFor(":memory:"))
}

func TestRunInTx_Commits(t *testing.T) {
	s := createTestStore(t)
	createKPITable(t, s)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx *Tx) error {
		return Insert(ctx, tx, "kpis", kpiKey, []ir.Row{kpiRow("2024-01-01", "p1", 1, "1")})
	})
	require.NoError(t, err)

	n, err := QueryCount(ctx, s, `SELECT COUNT(*) FROM "kpis"`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	createKPITable(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx *Tx) error {
		if err := Insert(ctx, tx, "kpis", kpiKey, []ir.Row{kpiRow("2024-01-01", "p1", 1, "1")}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := QueryCount(ctx, s, `SELECT COUNT(*) FROM "kpis"`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRunInTx_RollsBackOnCancel(t *testing.T) {
	s := createTestStore(t)
	createKPITable(t, s)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.RunInTx(ctx, func(tx *Tx) error {
		if err := Insert(ctx, tx, "kpis", kpiKey, []ir.Row{kpiRow("2024-01-01", "p1", 1, "1")}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	n, err := QueryCount(context.Background(), s, `SELECT COUNT(*) FROM "kpis"`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
