package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
)

// SQLCompiler compiles QueryIR to parameterized SQL for one dialect.
//
// Every Select carries an ORDER BY so reads are deterministic, and every
// literal is bound as a parameter, never interpolated.
type SQLCompiler struct {
	Dialect Dialect
}

// NewSQLCompiler creates a compiler for the given dialect.
func NewSQLCompiler(d Dialect) *SQLCompiler {
	return &SQLCompiler{Dialect: d}
}

// Compile converts a QueryIR statement to SQL.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}
	if res := queryir.Validate(q); !res.Valid {
		return "", nil, fmt.Errorf("invalid query: %s", strings.Join(res.Errors, "; "))
	}

	p := &params{d: c.Dialect}
	var sql string
	var err error
	switch query := q.(type) {
	case queryir.Select:
		sql, err = c.compileSelect(query, p)
	case queryir.Max:
		sql, err = c.compileMax(query, p)
	case queryir.Delete:
		sql, err = c.compileDelete(query, p)
	case queryir.Update:
		sql, err = c.compileUpdate(query, p)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
	if err != nil {
		return "", nil, err
	}
	return sql, p.args, nil
}

func (c *SQLCompiler) compileSelect(q queryir.Select, p *params) (string, error) {
	d := c.Dialect
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(d.quoteAll("", q.Columns), ", "), d.Quote(q.From))
	if err := c.writeWhere(&b, q.Filter, p); err != nil {
		return "", err
	}

	order := q.OrderBy
	if len(order) == 0 {
		order = q.Columns
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(d.quoteAll("", order), ", "))
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), nil
}

func (c *SQLCompiler) compileMax(q queryir.Max, p *params) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT MAX(%s) FROM %s", c.Dialect.Quote(q.Column), c.Dialect.Quote(q.From))
	if err := c.writeWhere(&b, q.Filter, p); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *SQLCompiler) compileDelete(q queryir.Delete, p *params) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %s", c.Dialect.Quote(q.From))
	if err := c.writeWhere(&b, q.Filter, p); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *SQLCompiler) compileUpdate(q queryir.Update, p *params) (string, error) {
	d := c.Dialect
	sets := make([]string, len(q.Set))
	for i, a := range q.Set {
		sets[i] = d.Quote(a.Column) + " = " + p.add(a.Value)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s", d.Quote(q.Table), strings.Join(sets, ", "))
	if err := c.writeWhere(&b, q.Filter, p); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *SQLCompiler) writeWhere(b *strings.Builder, filter queryir.Predicate, p *params) error {
	if filter == nil {
		return nil
	}
	if and, ok := filter.(queryir.And); ok && len(and.Predicates) == 0 {
		return nil
	}
	sql, err := c.compilePredicate(filter, p)
	if err != nil {
		return fmt.Errorf("compile filter: %w", err)
	}
	b.WriteString(" WHERE ")
	b.WriteString(sql)
	return nil
}

// compilePredicate compiles a predicate to a WHERE fragment, appending its
// values to p.
func (c *SQLCompiler) compilePredicate(pred queryir.Predicate, p *params) (string, error) {
	d := c.Dialect
	switch pr := pred.(type) {
	case queryir.Equals:
		return d.Quote(pr.Field) + " = " + p.add(pr.Value), nil
	case queryir.Compare:
		op, ok := ir.ValidCompareOps[pr.Op]
		if !ok {
			return "", fmt.Errorf("unknown op %q", pr.Op)
		}
		return d.Quote(pr.Field) + " " + op + " " + p.add(pr.Value), nil
	case queryir.IsNull:
		return d.Quote(pr.Field) + " IS NULL", nil
	case queryir.And:
		if len(pr.Predicates) == 0 {
			return "1 = 1", nil
		}
		parts := make([]string, 0, len(pr.Predicates))
		for _, sub := range pr.Predicates {
			sql, err := c.compilePredicate(sub, p)
			if err != nil {
				return "", err
			}
			if _, nested := sub.(queryir.And); nested {
				sql = "(" + sql + ")"
			}
			parts = append(parts, sql)
		}
		return strings.Join(parts, " AND "), nil
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", pred)
	}
}
