package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Table    string       // Relation the assertion read
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Table)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	// Step outcomes for context
	fmt.Fprintf(&buf, "\nSteps:\n")
	for _, ev := range e.Trace {
		switch ev.Kind {
		case KindRun:
			fmt.Fprintf(&buf, "  [%d] run %s %s %s\n", ev.Step, ev.RunID, ev.Status, ev.Code)
		case KindLoad:
			fmt.Fprintf(&buf, "  [%d] load %d rows\n", ev.Step, ev.Rows)
		default:
			fmt.Fprintf(&buf, "  [%d] %s %s\n", ev.Step, ev.Kind, ev.Code)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the stored state and
// returns one message per failure.
func (h *Harness) EvaluateAssertions(ctx context.Context, assertions []Assertion, trace []TraceEvent) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRowCount:
			err = h.assertRowCount(ctx, a)
		case AssertFinalState:
			err = h.assertFinalState(ctx, a)
		case AssertWatermark:
			err = h.assertWatermark(ctx, a)
		case AssertSCDIntervals:
			err = h.assertSCDIntervals(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err == nil {
			continue
		}
		if ae, ok := err.(*AssertionError); ok {
			ae.Trace = trace
		}
		failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
	}
	return failures
}

// readWhere reads the rows of a relation whose columns equal where.
// A nil value in where matches NULL.
func (h *Harness) readWhere(ctx context.Context, relation string, where map[string]any) ([]ir.Row, error) {
	cols, ok := h.project.ColumnsOf(relation)
	if !ok {
		return nil, fmt.Errorf("unknown relation %q", relation)
	}

	var filter queryir.Predicate
	for _, name := range slices.Sorted(maps.Keys(where)) {
		col, ok := column(cols, name)
		if !ok {
			return nil, fmt.Errorf("%s has no column %q", relation, name)
		}
		if where[name] == nil {
			filter = queryir.Where(filter, queryir.IsNull{Field: name})
			continue
		}
		v, err := ir.CoerceColumn(name, col.Type, where[name])
		if err != nil {
			return nil, err
		}
		filter = queryir.Where(filter, queryir.Equals{Field: name, Value: v})
	}

	res, err := store.ReadAll(ctx, h.store, relation, cols, filter, nil)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

func (h *Harness) assertRowCount(ctx context.Context, a Assertion) error {
	rows, err := h.readWhere(ctx, a.Table, a.Where)
	if err != nil {
		return err
	}
	if len(rows) != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Table:    a.Table,
			Expected: fmt.Sprintf("%d row(s) where %v", a.Count, a.Where),
			Actual:   fmt.Sprintf("%d row(s)", len(rows)),
		}
	}
	return nil
}

func (h *Harness) assertFinalState(ctx context.Context, a Assertion) error {
	rows, err := h.readWhere(ctx, a.Table, a.Where)
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return &AssertionError{
			Type:     a.Type,
			Table:    a.Table,
			Expected: fmt.Sprintf("exactly one row where %v", a.Where),
			Actual:   fmt.Sprintf("%d row(s)", len(rows)),
		}
	}

	cols, _ := h.project.ColumnsOf(a.Table)
	row := rows[0]
	for _, name := range slices.Sorted(maps.Keys(a.Expect)) {
		col, ok := column(cols, name)
		if !ok {
			return fmt.Errorf("%s has no column %q", a.Table, name)
		}
		var want ir.Value = ir.Null{}
		if a.Expect[name] != nil {
			want, err = ir.CoerceColumn(name, col.Type, a.Expect[name])
			if err != nil {
				return err
			}
		}
		got := row.Get(name)
		if !ir.Equal(got, want) {
			return &AssertionError{
				Type:     a.Type,
				Table:    a.Table,
				Expected: fmt.Sprintf("%s = %s", name, ir.Format(want)),
				Actual:   fmt.Sprintf("%s = %s", name, ir.Format(got)),
			}
		}
	}
	return nil
}

func (h *Harness) assertWatermark(ctx context.Context, a Assertion) error {
	marks, err := h.engine.Watermarks(ctx)
	if err != nil {
		return err
	}
	for _, m := range marks {
		if m.Table != a.Table {
			continue
		}
		if m.Value != a.Value {
			return &AssertionError{
				Type:     a.Type,
				Table:    a.Table,
				Expected: fmt.Sprintf("watermark %q", a.Value),
				Actual:   fmt.Sprintf("watermark %q", m.Value),
			}
		}
		return nil
	}
	return fmt.Errorf("unknown table %q", a.Table)
}

// assertSCDIntervals checks the version history of every entity: versions
// never overlap, only the newest may be open, and is_current marks exactly
// the open version.
func (h *Harness) assertSCDIntervals(ctx context.Context, a Assertion) error {
	dim, ok := h.project.Dimension(a.Table)
	if !ok {
		return fmt.Errorf("unknown dimension %q", a.Table)
	}
	rows, err := h.readWhere(ctx, a.Table, nil)
	if err != nil {
		return err
	}

	entities := make(map[string][]ir.Row)
	for _, r := range rows {
		k := r.Key(dim.Key)
		entities[k] = append(entities[k], r)
	}

	fail := func(entity, expected, actual string) error {
		return &AssertionError{
			Type:     a.Type,
			Table:    a.Table,
			Expected: fmt.Sprintf("%s: %s", entity, expected),
			Actual:   actual,
		}
	}

	for _, k := range slices.Sorted(maps.Keys(entities)) {
		versions := entities[k]
		ir.SortRows(versions, []string{ir.ColValidFrom})
		entity := versions[0].DescribeKey(dim.Key)

		for i, v := range versions {
			open := ir.IsNull(v.Get(ir.ColValidTo))
			current := ir.Equal(v.Get(ir.ColIsCurrent), ir.Bool(true))
			if open != current {
				return fail(entity, "is_current set exactly on the open version",
					fmt.Sprintf("valid_from %s open=%t is_current=%t", ir.Format(v.Get(ir.ColValidFrom)), open, current))
			}
			if open {
				if i != len(versions)-1 {
					return fail(entity, "only the newest version open",
						fmt.Sprintf("open version from %s is followed by another", ir.Format(v.Get(ir.ColValidFrom))))
				}
				continue
			}
			if cmp, err := ir.Compare(v.Get(ir.ColValidTo), v.Get(ir.ColValidFrom)); err != nil || cmp <= 0 {
				return fail(entity, "valid_to after valid_from",
					fmt.Sprintf("[%s, %s)", ir.Format(v.Get(ir.ColValidFrom)), ir.Format(v.Get(ir.ColValidTo))))
			}
			if i+1 < len(versions) {
				next := versions[i+1]
				if cmp, err := ir.Compare(v.Get(ir.ColValidTo), next.Get(ir.ColValidFrom)); err != nil || cmp > 0 {
					return fail(entity, "non-overlapping versions",
						fmt.Sprintf("version ending %s overlaps version from %s",
							ir.Format(v.Get(ir.ColValidTo)), ir.Format(next.Get(ir.ColValidFrom))))
				}
			}
		}
	}
	return nil
}

func column(cols []ir.Column, name string) (ir.Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return ir.Column{}, false
}
