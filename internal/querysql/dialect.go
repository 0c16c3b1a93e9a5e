package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/martsync/internal/ir"
)

// Dialect captures the spelling differences between the supported stores.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// String returns the dialect name used in logs and `plan` output.
func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	}
	return fmt.Sprintf("dialect(%d)", int(d))
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Quote quotes an identifier. Both dialects use ANSI double quotes.
func (d Dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// ColumnType maps a column type to its storage type.
//
// Decimals are NUMERIC so rule SQL can compare and sum them natively.
// Dates and timestamps are fixed-width TEXT whose lexical order is their
// chronological order, and bools are 0/1 integers, so the same predicates
// work unchanged on both dialects.
func (d Dialect) ColumnType(t ir.ColumnType) string {
	switch t {
	case ir.TypeInt:
		if d == Postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case ir.TypeBool:
		return "INTEGER"
	case ir.TypeDecimal:
		return "NUMERIC"
	default:
		return "TEXT"
	}
}

// quoteAll quotes each identifier, optionally prefixed by a table alias.
func (d Dialect) quoteAll(alias string, idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = d.Quote(id)
		if alias != "" {
			out[i] = alias + "." + out[i]
		}
	}
	return out
}

// params tracks bind parameters while a statement is assembled.
type params struct {
	d    Dialect
	args []any
}

func (p *params) add(v ir.Value) string {
	p.args = append(p.args, ir.ToParam(v))
	return p.d.Placeholder(len(p.args))
}
