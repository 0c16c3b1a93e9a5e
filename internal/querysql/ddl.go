package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/martsync/internal/ir"
)

// CreateTable returns the statements creating a relation and, when key is
// non-empty, the unique index the upsert conflicts on. Both are idempotent.
func (d Dialect) CreateTable(table string, cols []ir.Column, key []string) []string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = d.Quote(c.Name) + " " + d.ColumnType(c.Type)
	}
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(table), strings.Join(defs, ", ")),
	}
	if len(key) > 0 {
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			d.Quote(table+"__key"), d.Quote(table), strings.Join(d.quoteAll("", key), ", ")))
	}
	return stmts
}

// Insert returns a single-row INSERT for cols.
func (d Dialect) Insert(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(d.quoteAll("", cols), ", "), d.Placeholders(len(cols)))
}

// Upsert returns a single-row INSERT that updates the update columns when a
// row with the same key already exists. An empty update list turns the
// conflict into a no-op. Columns absent from cols are never touched, which
// keeps writeback-owned values intact.
func (d Dialect) Upsert(table string, cols, key, update []string) string {
	var b strings.Builder
	b.WriteString(d.Insert(table, cols))
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO ", strings.Join(d.quoteAll("", key), ", "))
	if len(update) == 0 {
		b.WriteString("NOTHING")
		return b.String()
	}
	sets := make([]string, len(update))
	for i, c := range update {
		q := d.Quote(c)
		sets[i] = q + " = excluded." + q
	}
	b.WriteString("UPDATE SET ")
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

// Placeholders returns n comma-separated bind parameters.
func (d Dialect) Placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.Placeholder(i + 1)
	}
	return strings.Join(ph, ", ")
}
