package engine

import "time"

// Clock supplies the effective time of a run. SCD versions opened by the
// run start at this instant and the run ledger records it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. The CLI uses it for
// --effective-at backfills.
type FixedClock struct {
	At time.Time
}

// Now returns the fixed instant in UTC.
func (c FixedClock) Now() time.Time { return c.At.UTC() }
