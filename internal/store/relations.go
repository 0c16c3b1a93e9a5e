package store

import (
	"context"
	"fmt"

	"github.com/roach88/martsync/internal/ir"
)

// EnsureRelations creates every source, dimension and table of the project
// that does not exist yet, with the unique index each upsert conflicts on:
// the effective key for tables and the version key for dimensions.
// Existing relations are left as they are.
func EnsureRelations(ctx context.Context, q Querier, p *ir.Project) error {
	d := q.Dialect()
	var stmts []string
	for _, s := range p.Sources {
		stmts = append(stmts, d.CreateTable(s.Name, s.Columns, nil)...)
	}
	for i := range p.Dimensions {
		dim := &p.Dimensions[i]
		stmts = append(stmts, d.CreateTable(dim.Name, dim.StoredColumns(), dim.VersionKey())...)
	}
	for i := range p.Tables {
		t := &p.Tables[i]
		stmts = append(stmts, d.CreateTable(t.Name, t.Columns, t.EffectiveKey())...)
	}

	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure relations: %w", err)
		}
	}
	return nil
}
