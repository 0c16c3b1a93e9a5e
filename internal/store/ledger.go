package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/martsync/internal/ir"
)

// RunRecord is one row of the martsync_runs ledger.
type RunRecord struct {
	RunID       string
	EffectiveAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	ErrorCode   string
	Summary     []byte // JSON-encoded run summary
}

// WriteRun records a finished run. A failed run is recorded outside the
// rolled-back run transaction, so q is normally the Store itself.
// Uses ON CONFLICT(run_id) DO NOTHING for idempotency.
func WriteRun(ctx context.Context, q Querier, rec RunRecord) error {
	d := q.Dialect()
	stmt := fmt.Sprintf(`
		INSERT INTO martsync_runs
		(run_id, effective_at, started_at, finished_at, status, error_code, summary)
		VALUES (%s)
		ON CONFLICT(run_id) DO NOTHING
	`, d.Placeholders(7))

	_, err := q.ExecContext(ctx, stmt,
		rec.RunID,
		ir.NewTimestamp(rec.EffectiveAt).String(),
		ir.NewTimestamp(rec.StartedAt).String(),
		ir.NewTimestamp(rec.FinishedAt).String(),
		rec.Status,
		rec.ErrorCode,
		string(rec.Summary),
	)
	if err != nil {
		return fmt.Errorf("write run %s: %w", rec.RunID, err)
	}
	return nil
}

// ReadRuns returns the most recent runs, newest first. A non-positive
// limit returns every run.
//
// Returns an empty slice (not nil) if the ledger is empty.
func ReadRuns(ctx context.Context, q Querier, limit int) ([]RunRecord, error) {
	query := `
		SELECT run_id, effective_at, started_at, finished_at, status, error_code, summary
		FROM martsync_runs
		ORDER BY effective_at DESC, started_at DESC, run_id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		var rec RunRecord
		var effective, started, finished, summary string
		if err := rows.Scan(&rec.RunID, &effective, &started, &finished, &rec.Status, &rec.ErrorCode, &summary); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		for _, f := range []struct {
			raw string
			dst *time.Time
		}{{effective, &rec.EffectiveAt}, {started, &rec.StartedAt}, {finished, &rec.FinishedAt}} {
			ts, err := ir.ParseTimestamp(f.raw)
			if err != nil {
				return nil, fmt.Errorf("run %s: %w", rec.RunID, err)
			}
			*f.dst = ts.Time()
		}
		rec.Summary = []byte(summary)
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LastRun returns the most recent run, or sql.ErrNoRows if none exists.
func LastRun(ctx context.Context, q Querier) (RunRecord, error) {
	runs, err := ReadRuns(ctx, q, 1)
	if err != nil {
		return RunRecord{}, err
	}
	if len(runs) == 0 {
		return RunRecord{}, sql.ErrNoRows
	}
	return runs[0], nil
}

// IsNoRows reports whether err means an empty ledger.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
