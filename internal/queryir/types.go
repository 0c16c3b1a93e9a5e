package queryir

import "github.com/roach88/martsync/internal/ir"

// Query represents an abstract statement in the QueryIR.
//
// This is a sealed interface - only types in this package implement it.
type Query interface {
	queryNode()
}

// Predicate represents a filter condition in the QueryIR.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Select reads rows from a relation.
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY <order_by> LIMIT <limit>
//
// Columns must be explicit. OrderBy is required for deterministic results;
// backends append every selected column as a tiebreaker when it is empty.
// A zero Limit means no limit.
type Select struct {
	From    string
	Columns []string
	Filter  Predicate
	OrderBy []string
	Limit   int
}

func (Select) queryNode() {}

// Max reads the largest non-NULL value of one column.
//
//	SELECT MAX(<column>) FROM <from> WHERE <filter>
//
// The result is NULL when no row qualifies.
type Max struct {
	From   string
	Column string
	Filter Predicate
}

func (Max) queryNode() {}

// Delete removes every row of a relation matching Filter. A nil Filter
// is rejected by Validate; full-table deletes must say so with an empty And.
type Delete struct {
	From   string
	Filter Predicate
}

func (Delete) queryNode() {}

// Update sets columns on every row matching Filter.
//
//	UPDATE <table> SET <set...> WHERE <filter>
type Update struct {
	Table  string
	Set    []Assignment
	Filter Predicate
}

func (Update) queryNode() {}

// Assignment is one `column = value` pair of an Update.
type Assignment struct {
	Column string
	Value  ir.Value
}

// Equals matches rows where Field equals Value. Value must not be ir.Null;
// use IsNull instead.
type Equals struct {
	Field string
	Value ir.Value
}

func (Equals) predicateNode() {}

// Compare matches rows where `Field Op Value` holds. Rows whose Field is
// NULL never match.
type Compare struct {
	Field string
	Op    ir.CompareOp
	Value ir.Value
}

func (Compare) predicateNode() {}

// IsNull matches rows where Field is NULL.
type IsNull struct {
	Field string
}

func (IsNull) predicateNode() {}

// And represents a conjunction of predicates. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Where builds an And from the non-nil predicates, collapsing a single
// predicate to itself and returning nil when none remain.
func Where(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return And{Predicates: kept}
}

// KeyEquals builds the predicate matching one row by its key columns.
// A NULL key value matches with IsNull.
func KeyEquals(row ir.Row, key []string) Predicate {
	preds := make([]Predicate, 0, len(key))
	for _, k := range key {
		v := row.Get(k)
		if ir.IsNull(v) {
			preds = append(preds, IsNull{Field: k})
			continue
		}
		preds = append(preds, Equals{Field: k, Value: v})
	}
	return And{Predicates: preds}
}
