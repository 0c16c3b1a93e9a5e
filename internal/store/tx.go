package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/martsync/internal/querysql"
)

// Querier is what the reconciliation components read and write through:
// either the Store itself or the run transaction.
type Querier interface {
	Dialect() querysql.Dialect
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Tx is a run transaction.
type Tx struct {
	tx      *sql.Tx
	dialect querysql.Dialect
}

// Dialect returns the SQL dialect of the underlying store.
func (t *Tx) Dialect() querysql.Dialect { return t.dialect }

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// RunInTx runs fn inside one transaction. The transaction commits only if
// fn returns nil and ctx is still live; otherwise every write fn made is
// rolled back.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
