// Package queryir provides an abstract query representation for the reads
// and deletes the engine issues against the store.
//
// QueryIR is the boundary between the reconciliation components and the
// SQL dialects. Components describe WHAT they read (a relation, a column
// list, a filter, an ordering) and internal/querysql decides HOW it is
// spelled for SQLite or Postgres.
//
// ARCHITECTURE:
//
//	[watermark / merge / scd / overlay] → [Query IR] → [querysql.Dialect] → SQL
//
// The fragment is deliberately small:
//   - Select(from, columns, filter, order, limit)
//   - Max(from, column, filter), the watermark read
//   - Delete(from, filter) and Update(table, set, filter)
//   - Predicates: Equals, Compare, IsNull, And
//
// It excludes joins, grouping and expressions. Joins and aggregation happen
// in Go in internal/aggregate; rule checks are compiled straight to SQL by
// querysql.CompileRule.
//
// SEALED INTERFACES:
//
// Query and Predicate are sealed interfaces using the marker method pattern,
// so backends can switch over them exhaustively:
//
//	switch q := query.(type) {
//	case Select:
//	case Max:
//	case Delete:
//	case Update:
//	}
//
// All literal values are ir.Value types. They are always bound as
// parameters, never interpolated.
package queryir
