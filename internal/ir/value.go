package ir

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Value is a sealed interface representing the typed cell values that flow
// through the reconciliation engine.
// Only Null, String, Int, Bool, Decimal, Date and Timestamp implement it.
//
// Floats are deliberately absent: monetary and percentage values are carried
// as Decimal so that rounding is exact and reproducible across runs.
type Value interface {
	irValue() // Sealed - only these types implement it
}

// Null represents a missing value.
type Null struct{}

func (Null) irValue() {}

// String is a text value.
type String string

func (String) irValue() {}

// Int is a 64-bit integer value.
type Int int64

func (Int) irValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) irValue() {}

// Decimal is an arbitrary-precision decimal value.
type Decimal struct {
	decimal.Decimal
}

func (Decimal) irValue() {}

// Date is a calendar day. The wrapped time is always midnight UTC.
type Date struct {
	t time.Time
}

func (Date) irValue() {}

// Timestamp is an instant, normalised to UTC.
type Timestamp struct {
	t time.Time
}

func (Timestamp) irValue() {}

const (
	// DateLayout is the storage and display layout for Date values.
	DateLayout = "2006-01-02"

	// TimestampLayout is fixed-width so that lexicographic order of the
	// stored text equals chronological order.
	TimestampLayout = "2006-01-02T15:04:05.000000000Z"
)

// NewDate creates a Date for the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in UTC.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, m, d)
}

// ParseDate parses a YYYY-MM-DD string. Longer RFC 3339 strings are
// accepted and truncated to their date part.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

// MustDate is like ParseDate but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string { return d.t.Format(DateLayout) }

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return d.t }

// AddDays returns the date n days later (n may be negative).
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// DaysSince returns the number of whole days from other to d.
func (d Date) DaysSince(other Date) int {
	return int(d.t.Sub(other.t).Hours() / 24)
}

// NewTimestamp creates a Timestamp, normalising to UTC.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{t: t.UTC()} }

// ParseTimestamp parses an RFC 3339 timestamp (with or without fractional
// seconds).
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return NewTimestamp(t), nil
}

// MustTimestamp is like ParseTimestamp but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustTimestamp(s string) Timestamp {
	ts, err := ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// String formats the timestamp with TimestampLayout.
func (ts Timestamp) String() string { return ts.t.Format(TimestampLayout) }

// Time returns the wrapped instant.
func (ts Timestamp) Time() time.Time { return ts.t }

// NewDecimal wraps a decimal.Decimal.
func NewDecimal(d decimal.Decimal) Decimal { return Decimal{Decimal: d} }

// MustDecimal parses a decimal literal and panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDecimal(s string) Decimal {
	return Decimal{Decimal: decimal.RequireFromString(s)}
}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Format renders a value for logs, keys and example rows.
// Null renders as "NULL".
func Format(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "NULL"
	case String:
		return string(val)
	case Int:
		return fmt.Sprintf("%d", int64(val))
	case Bool:
		if val {
			return "true"
		}
		return "false"
	case Decimal:
		return val.String()
	case Date:
		return val.String()
	case Timestamp:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// AsDecimal converts numeric values to a decimal. Null and non-numeric values
// return ok=false.
func AsDecimal(v Value) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case Int:
		return decimal.NewFromInt(int64(val)), true
	case Decimal:
		return val.Decimal, true
	case Bool:
		if val {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	default:
		return decimal.Zero, false
	}
}

// Compare orders two values of the same kind. Null sorts before everything.
// Int and Decimal compare numerically with each other.
func Compare(a, b Value) (int, error) {
	aNull, bNull := IsNull(a), IsNull(b)
	switch {
	case aNull && bNull:
		return 0, nil
	case aNull:
		return -1, nil
	case bNull:
		return 1, nil
	}

	switch av := a.(type) {
	case String:
		if bv, ok := b.(String); ok {
			return strings.Compare(string(av), string(bv)), nil
		}
	case Int:
		switch bv := b.(type) {
		case Int:
			return cmpInt(int64(av), int64(bv)), nil
		case Decimal:
			return decimal.NewFromInt(int64(av)).Cmp(bv.Decimal), nil
		}
	case Decimal:
		if bd, ok := AsDecimal(b); ok {
			if _, isBool := b.(Bool); !isBool {
				return av.Cmp(bd), nil
			}
		}
	case Bool:
		if bv, ok := b.(Bool); ok {
			return cmpInt(boolInt(bool(av)), boolInt(bool(bv))), nil
		}
	case Date:
		if bv, ok := b.(Date); ok {
			return av.t.Compare(bv.t), nil
		}
	case Timestamp:
		if bv, ok := b.(Timestamp); ok {
			return av.t.Compare(bv.t), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

// Equal reports whether two values are equal. Values of incomparable kinds
// are never equal; two Nulls are equal.
func Equal(a, b Value) bool {
	c, err := Compare(a, b)
	return err == nil && c == 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
