package querysql

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/martsync/internal/ir"
)

// RuleSQL is the compiled form of one invariant rule.
type RuleSQL struct {
	// Violations selects one row per violation.
	Violations string
	// Count counts the rows of Violations.
	Count string
	// Examples selects up to the rule's example limit of violations in a
	// stable order.
	Examples string
}

// CompileRule compiles a rule into read-only SQL. order names the columns
// used to order example rows of row-level rules, normally the checked
// table's key.
//
// Rows where the rule's condition evaluates to NULL are not violations;
// not_null and skip_nulls are the way to make NULLs count or to skip them
// explicitly. Numeric constants from the rule are inlined as decimal
// literals so expressions compare numerically on both dialects.
func (d Dialect) CompileRule(rule ir.RuleSpec, order []string) (RuleSQL, error) {
	var violations string
	switch rule.Kind {
	case ir.RuleUnique:
		violations = d.uniqueViolations(rule)
		order = rule.Columns
	case ir.RuleSumMatch:
		violations = d.sumMatchViolations(rule)
		order = rule.Columns
	case ir.RuleReferential:
		violations = d.referentialViolations(rule)
	case ir.RuleNotNull, ir.RuleRange, ir.RuleBalance, ir.RuleFlag, ir.RuleExpr:
		cond, err := d.rowCondition(rule)
		if err != nil {
			return RuleSQL{}, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		violations = fmt.Sprintf("SELECT * FROM %s WHERE %s", d.Quote(rule.Table), d.withWhere(rule.Where, cond))
	default:
		return RuleSQL{}, fmt.Errorf("rule %s: unknown kind %q", rule.Name, rule.Kind)
	}

	out := RuleSQL{
		Violations: violations,
		Count:      "SELECT COUNT(*) FROM (" + violations + ") v",
		Examples:   violations,
	}
	if len(order) > 0 {
		out.Examples += " ORDER BY " + strings.Join(d.quoteAll("", order), ", ")
	}
	if rule.Examples > 0 {
		out.Examples += fmt.Sprintf(" LIMIT %d", rule.Examples)
	}
	return out, nil
}

func (d Dialect) withWhere(where, cond string) string {
	if strings.TrimSpace(where) == "" {
		return cond
	}
	return "(" + where + ") AND " + cond
}

// rowCondition returns the per-row violation predicate.
func (d Dialect) rowCondition(rule ir.RuleSpec) (string, error) {
	q := d.Quote
	switch rule.Kind {
	case ir.RuleNotNull:
		parts := make([]string, len(rule.Columns))
		for i, c := range rule.Columns {
			parts[i] = q(c) + " IS NULL"
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil

	case ir.RuleRange:
		var holds []string
		if rule.Min != nil {
			holds = append(holds, q(rule.Column)+" >= "+literal(*rule.Min))
		}
		if rule.Max != nil {
			holds = append(holds, q(rule.Column)+" <= "+literal(*rule.Max))
		}
		return "NOT (" + strings.Join(holds, " AND ") + ")", nil

	case ir.RuleBalance:
		expected := d.signedSum(rule.Plus, rule.Minus)
		if rule.Floor != nil {
			f := literal(*rule.Floor)
			expected = fmt.Sprintf("CASE WHEN %s < %s THEN %s ELSE %s END", expected, f, f, expected)
		}
		return fmt.Sprintf("NOT (ABS(%s - (%s)) <= %s)", q(rule.Column), expected, literal(rule.Tolerance)), nil

	case ir.RuleFlag:
		op, ok := ir.ValidCompareOps[rule.Op]
		if !ok {
			return "", fmt.Errorf("unknown op %q", rule.Op)
		}
		right := ""
		if rule.Right != "" {
			right = q(rule.Right)
		} else {
			right = literal(*rule.Value)
		}
		cond := fmt.Sprintf("NOT (%s = CASE WHEN %s %s %s THEN 1 ELSE 0 END)", q(rule.Column), q(rule.Left), op, right)
		if rule.SkipNulls {
			guard := []string{q(rule.Column) + " IS NOT NULL", q(rule.Left) + " IS NOT NULL"}
			if rule.Right != "" {
				guard = append(guard, q(rule.Right)+" IS NOT NULL")
			}
			cond = strings.Join(guard, " AND ") + " AND " + cond
		}
		return cond, nil

	case ir.RuleExpr:
		return "NOT (" + rule.Expr + ")", nil
	}
	return "", fmt.Errorf("kind %q has no row condition", rule.Kind)
}

func (d Dialect) signedSum(plus, minus []string) string {
	var b strings.Builder
	for i, c := range plus {
		if i > 0 {
			b.WriteString(" + ")
		}
		fmt.Fprintf(&b, "COALESCE(%s, 0)", d.Quote(c))
	}
	for _, c := range minus {
		fmt.Fprintf(&b, " - COALESCE(%s, 0)", d.Quote(c))
	}
	return b.String()
}

func (d Dialect) uniqueViolations(rule ir.RuleSpec) string {
	cols := strings.Join(d.quoteAll("", rule.Columns), ", ")
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, COUNT(*) AS %s FROM %s", cols, d.Quote("duplicates"), d.Quote(rule.Table))
	if strings.TrimSpace(rule.Where) != "" {
		fmt.Fprintf(&b, " WHERE (%s)", rule.Where)
	}
	fmt.Fprintf(&b, " GROUP BY %s HAVING COUNT(*) > 1", cols)
	return b.String()
}

func (d Dialect) sumMatchViolations(rule ir.RuleSpec) string {
	q := d.Quote
	target := "SELECT * FROM " + q(rule.Table)
	if strings.TrimSpace(rule.Where) != "" {
		target += " WHERE (" + rule.Where + ")"
	}
	keys := strings.Join(d.quoteAll("", rule.Columns), ", ")
	on := make([]string, len(rule.Columns))
	for i, c := range rule.Columns {
		on[i] = "t." + q(c) + " = r." + q(c)
	}
	expected := q("expected")
	return fmt.Sprintf(
		"SELECT %s, t.%s AS %s, r.%s FROM (%s) t LEFT JOIN (SELECT %s, SUM(%s) AS %s FROM %s GROUP BY %s) r ON %s WHERE NOT (ABS(COALESCE(t.%s, 0) - COALESCE(r.%s, 0)) <= %s)",
		strings.Join(d.quoteAll("t", rule.Columns), ", "), q(rule.Column), q("actual"), expected,
		target,
		keys, q(rule.RefColumn), expected, q(rule.RefTable), keys,
		strings.Join(on, " AND "),
		q(rule.Column), expected, literal(rule.Tolerance),
	)
}

func (d Dialect) referentialViolations(rule ir.RuleSpec) string {
	q := d.Quote
	var notNull, match []string
	for i, c := range rule.Columns {
		notNull = append(notNull, "t."+q(c)+" IS NOT NULL")
		match = append(match, "r."+q(rule.RefColumns[i])+" = t."+q(c))
	}
	cond := fmt.Sprintf("%s AND NOT EXISTS (SELECT 1 FROM %s r WHERE %s)",
		strings.Join(notNull, " AND "), q(rule.RefTable), strings.Join(match, " AND "))
	return fmt.Sprintf("SELECT t.* FROM %s t WHERE %s", q(rule.Table), d.withWhere(rule.Where, cond))
}

func literal(v decimal.Decimal) string {
	return v.String()
}
