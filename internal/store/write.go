package store

import (
	"context"
	"fmt"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/querysql"
)

// Insert writes rows into relation, binding the cols of each row. Columns
// missing from a row are written as NULL.
func Insert(ctx context.Context, q Querier, relation string, cols []string, rows []ir.Row) error {
	if len(rows) == 0 {
		return nil
	}
	stmt := q.Dialect().Insert(relation, cols)
	for _, row := range rows {
		if _, err := q.ExecContext(ctx, stmt, rowArgs(row, cols)...); err != nil {
			return fmt.Errorf("insert into %s (%s): %w", relation, row.DescribeKey(cols), err)
		}
	}
	return nil
}

// Upsert writes rows into relation with INSERT ... ON CONFLICT(key) DO
// UPDATE of the update columns. Columns outside cols are never touched.
func Upsert(ctx context.Context, q Querier, relation string, cols, key, update []string, rows []ir.Row) error {
	if len(rows) == 0 {
		return nil
	}
	stmt := q.Dialect().Upsert(relation, cols, key, update)
	for _, row := range rows {
		if _, err := q.ExecContext(ctx, stmt, rowArgs(row, cols)...); err != nil {
			return fmt.Errorf("upsert into %s (%s): %w", relation, row.DescribeKey(key), err)
		}
	}
	return nil
}

// Exec compiles and runs a Delete or Update and returns the number of rows
// it affected.
func Exec(ctx context.Context, q Querier, stmt queryir.Query) (int64, error) {
	sqlText, args, err := querysql.NewSQLCompiler(q.Dialect()).Compile(stmt)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func rowArgs(row ir.Row, cols []string) []any {
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = ir.ToParam(row.Get(c))
	}
	return args
}
