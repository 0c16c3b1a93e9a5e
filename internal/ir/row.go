package ir

import (
	"sort"
	"strconv"
	"strings"
)

// Row is one record keyed by column name.
type Row map[string]Value

// Get returns the value of column, or Null when the column is missing.
func (r Row) Get(column string) Value {
	if v, ok := r[column]; ok && v != nil {
		return v
	}
	return Null{}
}

// Clone returns a shallow copy. Values are immutable so this is sufficient.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project returns a new row containing only the listed columns.
func (r Row) Project(columns []string) Row {
	out := make(Row, len(columns))
	for _, c := range columns {
		out[c] = r.Get(c)
	}
	return out
}

// SortedColumns returns the row's column names in ascending order.
func (r Row) SortedColumns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Key encodes the values of the listed columns into a single string usable
// as a map key. Each part is length-prefixed so that ("a|b","c") and
// ("a","b|c") never collide, and Null is distinct from the string "NULL".
func (r Row) Key(columns []string) string {
	vals := make([]Value, len(columns))
	for i, c := range columns {
		vals[i] = r.Get(c)
	}
	return Key(vals...)
}

// Key encodes an ordered tuple of values. See Row.Key.
func Key(vals ...Value) string {
	var b strings.Builder
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('|')
		}
		if IsNull(v) {
			b.WriteString("~")
			continue
		}
		s := Format(v)
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	return b.String()
}

// DescribeKey renders key column values as "col=value, col=value" for error
// messages and example rows.
func (r Row) DescribeKey(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + "=" + Format(r.Get(c))
	}
	return strings.Join(parts, ", ")
}

// SortRows orders rows by the listed columns, ascending. Incomparable values
// fall back to their formatted text.
func SortRows(rows []Row, columns []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, c := range columns {
			a, b := rows[i].Get(c), rows[j].Get(c)
			cmp, err := Compare(a, b)
			if err != nil {
				cmp = strings.Compare(Format(a), Format(b))
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
}
