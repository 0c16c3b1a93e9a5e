package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/querysql"
)

// ReadResult is a decoded row set.
type ReadResult struct {
	Rows []ir.Row
	// Skipped counts rows dropped because a value could not be coerced to
	// its declared column type.
	Skipped int
	// FirstSkip is the coercion error of the first skipped row, for logs.
	FirstSkip error
}

// Read runs a Select and decodes every row with the types of cols, which
// must name the selected columns. Malformed rows are skipped and counted,
// never fatal.
//
// Returns an empty slice (not nil) if no row matches.
func Read(ctx context.Context, q Querier, sel queryir.Select, cols []ir.Column) (ReadResult, error) {
	types := make(map[string]ir.ColumnType, len(cols))
	for _, c := range cols {
		types[c.Name] = c.Type
	}
	for _, name := range sel.Columns {
		if _, ok := types[name]; !ok {
			return ReadResult{}, fmt.Errorf("read %s: no type for column %q", sel.From, name)
		}
	}

	sqlText, args, err := querysql.NewSQLCompiler(q.Dialect()).Compile(sel)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read %s: %w", sel.From, err)
	}
	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read %s: %w", sel.From, err)
	}
	defer rows.Close()

	res := ReadResult{Rows: []ir.Row{}}
	for rows.Next() {
		raw, err := scanRaw(rows, len(sel.Columns))
		if err != nil {
			return ReadResult{}, fmt.Errorf("read %s: %w", sel.From, err)
		}
		row, err := decodeTyped(sel.Columns, raw, types)
		if err != nil {
			res.Skipped++
			if res.FirstSkip == nil {
				res.FirstSkip = err
			}
			continue
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return ReadResult{}, fmt.Errorf("read %s: iterate: %w", sel.From, err)
	}
	return res, nil
}

// ReadAll reads every column of a relation matching filter, ordered by
// order (or by every column when order is empty).
func ReadAll(ctx context.Context, q Querier, relation string, cols []ir.Column, filter queryir.Predicate, order []string) (ReadResult, error) {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return Read(ctx, q, queryir.Select{From: relation, Columns: names, Filter: filter, OrderBy: order}, cols)
}

// MaxValue returns the largest non-NULL value of col in relation among
// rows matching filter, coerced to the column type. It returns ir.Null
// when no row qualifies.
func MaxValue(ctx context.Context, q Querier, relation string, col ir.Column, filter queryir.Predicate) (ir.Value, error) {
	sqlText, args, err := querysql.NewSQLCompiler(q.Dialect()).Compile(queryir.Max{From: relation, Column: col.Name, Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("max %s.%s: %w", relation, col.Name, err)
	}
	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("max %s.%s: %w", relation, col.Name, err)
	}
	defer rows.Close()

	var raw any
	if rows.Next() {
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("max %s.%s: scan: %w", relation, col.Name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("max %s.%s: iterate: %w", relation, col.Name, err)
	}
	return ir.CoerceColumn(col.Name, col.Type, raw)
}

// QueryCount runs a `SELECT COUNT(*) ...` statement.
func QueryCount(ctx context.Context, q Querier, sqlText string, args ...any) (int64, error) {
	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("count: scan: %w", err)
		}
	}
	return n, rows.Err()
}

// QueryRows runs free-form read-only SQL and decodes the result. Columns
// named in types are coerced to their declared type; any other column is
// decoded from its driver value. Undecodable values are kept as strings
// so example rows are never lost.
func QueryRows(ctx context.Context, q Querier, sqlText string, types map[string]ir.ColumnType, args ...any) ([]ir.Row, error) {
	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query: columns: %w", err)
	}

	out := []ir.Row{}
	for rows.Next() {
		raw, err := scanRaw(rows, len(names))
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		row := make(ir.Row, len(names))
		for i, name := range names {
			if t, ok := types[name]; ok {
				if v, err := ir.Coerce(t, raw[i]); err == nil {
					row[name] = v
					continue
				}
			}
			row[name] = decodeAny(raw[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: iterate: %w", err)
	}
	return out, nil
}

func scanRaw(rows *sql.Rows, n int) ([]any, error) {
	raw := make([]any, n)
	ptrs := make([]any, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return raw, nil
}

func decodeTyped(names []string, raw []any, types map[string]ir.ColumnType) (ir.Row, error) {
	row := make(ir.Row, len(names))
	for i, name := range names {
		v, err := ir.CoerceColumn(name, types[name], raw[i])
		if err != nil {
			return nil, err
		}
		row[name] = v
	}
	return row, nil
}

// decodeAny maps a driver value to the closest ir value.
func decodeAny(raw any) ir.Value {
	switch v := raw.(type) {
	case nil:
		return ir.Null{}
	case int64:
		return ir.Int(v)
	case float64, int, int32:
		if d, err := ir.Coerce(ir.TypeDecimal, v); err == nil {
			return d
		}
	case bool:
		return ir.Bool(v)
	case []byte:
		return ir.String(string(v))
	case string:
		return ir.String(v)
	}
	return ir.String(fmt.Sprintf("%v", raw))
}

// Columns lists the physical columns of a relation in declaration order.
// It returns an empty slice when the relation does not exist. The lookup
// goes through the catalog so a missing relation never aborts an open
// Postgres transaction.
func Columns(ctx context.Context, q Querier, relation string) ([]string, error) {
	var query string
	switch q.Dialect() {
	case querysql.Postgres:
		query = `SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position`
	default:
		query = `SELECT name FROM pragma_table_info(?) ORDER BY cid`
	}
	rows, err := q.QueryContext(ctx, query, relation)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", relation, err)
	}
	defer rows.Close()

	cols := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("columns of %s: scan: %w", relation, err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
