package scd

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/martsync/internal/ir"
	"github.com/roach88/martsync/internal/store"
)

// Close ends the open version of one entity.
type Close struct {
	Key       ir.Row // entity key columns
	ValidFrom ir.Timestamp
	ValidTo   ir.Timestamp
	Deleted   bool // closed without replacement
}

// Changeset is the set of version writes for one dimension.
type Changeset struct {
	Opens       []ir.Row // full version rows, system columns included
	Closes      []Close
	Unchanged   int
	Skipped     int // incoming rows with a NULL key column
	HeldDeletes int // hard deletes left open because the snapshot was incomplete
}

// Empty reports whether the changeset writes nothing.
func (c Changeset) Empty() bool { return len(c.Opens) == 0 && len(c.Closes) == 0 }

// Detector computes version changes for one dimension.
type Detector struct {
	spec   *ir.DimensionSpec
	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a Detector for dim.
func NewDetector(dim *ir.DimensionSpec, opts ...Option) *Detector {
	d := &Detector{spec: dim, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect compares the open versions in current with the incoming snapshot
// and returns the closes and opens needed at effectiveAt.
//
// When incoming holds several rows for one entity, the row with the latest
// generated_at wins, and on ties the later row. Entities missing from
// incoming are closed only when the dimension invalidates hard deletes.
// Any change to an entity whose open version starts at or after
// effectiveAt fails with SCD_TIME_REGRESSION.
func (d *Detector) Detect(current, incoming []ir.Row, effectiveAt ir.Timestamp) (Changeset, error) {
	return d.detect(current, incoming, effectiveAt, true)
}

// DetectSnapshot is Detect for a snapshot read from the store. When the
// read skipped malformed rows the entities behind them are still present
// upstream, so no hard delete is closed in this run.
func (d *Detector) DetectSnapshot(current []ir.Row, snapshot store.ReadResult, effectiveAt ir.Timestamp) (Changeset, error) {
	return d.detect(current, snapshot.Rows, effectiveAt, snapshot.Skipped == 0)
}

func (d *Detector) detect(current, incoming []ir.Row, effectiveAt ir.Timestamp, complete bool) (Changeset, error) {
	var cs Changeset
	key := d.spec.Key

	open := make(map[string]ir.Row, len(current))
	for _, v := range current {
		k := v.Key(key)
		if _, dup := open[k]; dup {
			return Changeset{}, fmt.Errorf("dimension %s: more than one open version for %s",
				d.spec.Name, v.DescribeKey(key))
		}
		open[k] = v
	}

	latest := make(map[string]ir.Row, len(incoming))
	var order []string
	for _, r := range incoming {
		if hasNullKey(r, key) {
			cs.Skipped++
			continue
		}
		k := r.Key(key)
		prev, seen := latest[k]
		if !seen {
			order = append(order, k)
		} else if c, err := ir.Compare(r.Get("generated_at"), prev.Get("generated_at")); err == nil && c < 0 {
			continue
		}
		latest[k] = r
	}
	if cs.Skipped > 0 {
		d.logger.Warn("skipped dimension rows with NULL key",
			"dimension", d.spec.Name,
			"rows", cs.Skipped)
	}

	for _, k := range order {
		row := latest[k]
		hash, err := ir.RowHash(row, d.spec.Tracked)
		if err != nil {
			return Changeset{}, fmt.Errorf("dimension %s: %w", d.spec.Name, err)
		}

		cur, exists := open[k]
		if exists && string(asString(cur.Get(ir.ColRowHash))) == hash {
			cs.Unchanged++
			continue
		}
		if exists {
			c, err := d.closeAt(cur, effectiveAt, false)
			if err != nil {
				return Changeset{}, err
			}
			cs.Closes = append(cs.Closes, c)
		}
		cs.Opens = append(cs.Opens, d.version(row, hash, effectiveAt))
	}

	if d.spec.InvalidateHardDeletes {
		var gone []string
		for k := range open {
			if _, present := latest[k]; !present {
				gone = append(gone, k)
			}
		}
		slices.Sort(gone)
		if !complete && len(gone) > 0 {
			cs.HeldDeletes = len(gone)
			d.logger.Warn("hard deletes held: snapshot has malformed rows",
				"dimension", d.spec.Name,
				"entities", len(gone))
			gone = nil
		}
		for _, k := range gone {
			c, err := d.closeAt(open[k], effectiveAt, true)
			if err != nil {
				return Changeset{}, err
			}
			cs.Closes = append(cs.Closes, c)
		}
	}
	return cs, nil
}

func (d *Detector) closeAt(cur ir.Row, effectiveAt ir.Timestamp, deleted bool) (Close, error) {
	from, ok := cur.Get(ir.ColValidFrom).(ir.Timestamp)
	if !ok {
		return Close{}, fmt.Errorf("dimension %s: open version %s has no valid_from",
			d.spec.Name, cur.DescribeKey(d.spec.Key))
	}
	if !effectiveAt.Time().After(from.Time()) {
		err := ir.Errorf(ir.ErrSCDTimeRegression, d.spec.Name,
			"change for %s at %s is not after current version start %s",
			cur.DescribeKey(d.spec.Key), effectiveAt, from)
		err.Details = map[string]string{
			"effective_at": effectiveAt.String(),
			"valid_from":   from.String(),
		}
		return Close{}, err
	}
	return Close{
		Key:       cur.Project(d.spec.Key),
		ValidFrom: from,
		ValidTo:   effectiveAt,
		Deleted:   deleted,
	}, nil
}

func (d *Detector) version(row ir.Row, hash string, effectiveAt ir.Timestamp) ir.Row {
	v := make(ir.Row, len(d.spec.Columns)+4)
	for _, c := range d.spec.Columns {
		v[c.Name] = row.Get(c.Name)
	}
	v[ir.ColValidFrom] = effectiveAt
	v[ir.ColValidTo] = ir.Null{}
	v[ir.ColIsCurrent] = ir.Bool(true)
	v[ir.ColRowHash] = ir.String(hash)
	return v
}

func hasNullKey(r ir.Row, key []string) bool {
	for _, k := range key {
		if ir.IsNull(r.Get(k)) {
			return true
		}
	}
	return false
}

func asString(v ir.Value) ir.String {
	s, _ := v.(ir.String)
	return s
}
