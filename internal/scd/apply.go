package scd

import (
	"context"
	"fmt"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/queryir"
	"github.com/roach88/martsync/internal/store"
)

// ReadCurrent returns the open versions of the dimension. An open version
// that fails to decode fails with CORRUPT_VERSION.
func (d *Detector) ReadCurrent(ctx context.Context, q store.Querier) (store.ReadResult, error) {
	res, err := store.ReadAll(ctx, q, d.spec.Name, d.spec.StoredColumns(),
		queryir.Equals{Field: ir.ColIsCurrent, Value: ir.Bool(true)}, d.spec.Key)
	if err != nil {
		return store.ReadResult{}, fmt.Errorf("read current %s: %w", d.spec.Name, err)
	}
	if res.Skipped > 0 {
		err := ir.Errorf(ir.ErrCorruptVersion, d.spec.Name,
			"%d open version(s) failed to decode: %v", res.Skipped, res.FirstSkip)
		err.Details = map[string]string{"rows": fmt.Sprint(res.Skipped)}
		return store.ReadResult{}, err
	}
	return res, nil
}

// Apply writes cs: closes first, then opens. Each close must hit exactly
// one open version.
func (d *Detector) Apply(ctx context.Context, q store.Querier, cs Changeset) error {
	for _, c := range cs.Closes {
		filter := queryir.Where(
			queryir.KeyEquals(c.Key, d.spec.Key),
			queryir.Equals{Field: ir.ColValidFrom, Value: c.ValidFrom},
			queryir.Equals{Field: ir.ColIsCurrent, Value: ir.Bool(true)},
		)
		n, err := store.Exec(ctx, q, queryir.Update{
			Table: d.spec.Name,
			Set: []queryir.Assignment{
				{Column: ir.ColValidTo, Value: c.ValidTo},
				{Column: ir.ColIsCurrent, Value: ir.Bool(false)},
			},
			Filter: filter,
		})
		if err != nil {
			return fmt.Errorf("close version %s: %w", c.Key.DescribeKey(d.spec.Key), err)
		}
		if n != 1 {
			return fmt.Errorf("close version %s: matched %d open versions", c.Key.DescribeKey(d.spec.Key), n)
		}
	}

	cols := make([]string, 0, len(d.spec.Columns)+4)
	for _, c := range d.spec.StoredColumns() {
		cols = append(cols, c.Name)
	}
	if err := store.Insert(ctx, q, d.spec.Name, cols, cs.Opens); err != nil {
		return fmt.Errorf("open versions: %w", err)
	}

	d.logger.Debug("dimension applied",
		"dimension", d.spec.Name,
		"opened", len(cs.Opens),
		"closed", len(cs.Closes),
		"unchanged", cs.Unchanged)
	return nil
}
