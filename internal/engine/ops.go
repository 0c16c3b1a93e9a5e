package engine

import (
	"context"
	"fmt"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/merge"
	"github.com/roach88/martsync/internal/store"
	"github.com/roach88/martsync/internal/validate"
)

// Check runs every rule against the stored tables without reconciling
// anything. Missing relations are created empty first.
func (e *Engine) Check(ctx context.Context) ([]validate.Violation, error) {
	if err := store.EnsureRelations(ctx, e.store, e.project); err != nil {
		return nil, err
	}
	return e.validator.Validate(ctx, e.store, e.project.Rules)
}

// Writeback applies externally computed values to the writeback-owned
// columns of one table in its own transaction. See merge.Executor.Writeback
// for the request contract.
func (e *Engine) Writeback(ctx context.Context, tableName string, rows []ir.Row) (merge.WritebackResult, error) {
	table, ok := e.project.Table(tableName)
	if !ok {
		return merge.WritebackResult{}, ir.Errorf(ir.ErrWritebackForbidden, tableName, "unknown table")
	}

	var res merge.WritebackResult
	err := e.store.RunInTx(ctx, func(tx *store.Tx) error {
		if err := store.EnsureRelations(ctx, tx, e.project); err != nil {
			return err
		}
		var err error
		res, err = e.merger.Writeback(ctx, tx, table, rows)
		return err
	})
	if err != nil {
		return merge.WritebackResult{}, err
	}
	if e.metrics != nil {
		e.metrics.ObserveWriteback(tableName, res.Matched)
	}
	return res, nil
}

// WatermarkStatus is the current boundary of one table.
type WatermarkStatus struct {
	Table    string `json:"table"`
	Strategy string `json:"strategy"`
	Column   string `json:"column,omitempty"`
	Value    string `json:"value,omitempty"`
	Backfill bool   `json:"backfill"` // next run rebuilds from scratch
}

// Watermarks reports the boundary of every table in declaration order.
// Full-strategy tables always report a backfill.
func (e *Engine) Watermarks(ctx context.Context) ([]WatermarkStatus, error) {
	if err := store.EnsureRelations(ctx, e.store, e.project); err != nil {
		return nil, err
	}
	out := make([]WatermarkStatus, 0, len(e.project.Tables))
	for i := range e.project.Tables {
		t := &e.project.Tables[i]
		st := WatermarkStatus{Table: t.Name, Strategy: string(t.Strategy), Column: t.Watermark, Backfill: true}
		boundary, ok, err := e.tracker.Current(ctx, e.store, t)
		if err != nil {
			return nil, fmt.Errorf("watermarks: %w", err)
		}
		if ok {
			st.Value = ir.Format(boundary)
			st.Backfill = false
		}
		out = append(out, st)
	}
	return out, nil
}

// Runs returns the most recent ledger entries, newest first.
func (e *Engine) Runs(ctx context.Context, limit int) ([]store.RunRecord, error) {
	return store.ReadRuns(ctx, e.store, limit)
}
