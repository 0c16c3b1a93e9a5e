package ir

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ColumnType names the declared type of a column in configuration.
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeInt       ColumnType = "int"
	TypeBool      ColumnType = "bool"
	TypeDecimal   ColumnType = "decimal"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
)

// ValidColumnTypes defines allowed column types.
var ValidColumnTypes = map[ColumnType]bool{
	TypeString:    true,
	TypeInt:       true,
	TypeBool:      true,
	TypeDecimal:   true,
	TypeDate:      true,
	TypeTimestamp: true,
}

// CoerceError reports a raw cell that cannot be cast to its declared type.
// Callers treat it as an ingestion malformation: the row is skipped and
// counted, never silently dropped.
type CoerceError struct {
	Column string
	Type   ColumnType
	Raw    any
	Err    error
}

func (e *CoerceError) Error() string {
	return fmt.Sprintf("column %s: cannot cast %v (%T) to %s: %v", e.Column, e.Raw, e.Raw, e.Type, e.Err)
}

func (e *CoerceError) Unwrap() error { return e.Err }

// Coerce converts a raw database or YAML value to a typed Value.
// nil always becomes Null regardless of the declared type.
func Coerce(t ColumnType, raw any) (Value, error) {
	if raw == nil {
		return Null{}, nil
	}
	if v, ok := raw.(Value); ok {
		return coerceValue(t, v)
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}

	switch t {
	case TypeString:
		switch val := raw.(type) {
		case string:
			return String(val), nil
		case int64:
			return String(strconv.FormatInt(val, 10)), nil
		case int:
			return String(strconv.Itoa(val)), nil
		case time.Time:
			return String(val.UTC().Format(time.RFC3339)), nil
		}
		return String(fmt.Sprintf("%v", raw)), nil

	case TypeInt:
		switch val := raw.(type) {
		case int64:
			return Int(val), nil
		case int:
			return Int(val), nil
		case int32:
			return Int(val), nil
		case float64:
			if val != float64(int64(val)) {
				return nil, fmt.Errorf("non-integral value %v", val)
			}
			return Int(int64(val)), nil
		case bool:
			return Int(boolInt(val)), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return nil, err
			}
			return Int(n), nil
		}

	case TypeBool:
		switch val := raw.(type) {
		case bool:
			return Bool(val), nil
		case int64:
			return Bool(val != 0), nil
		case int:
			return Bool(val != 0), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return nil, err
			}
			return Bool(b), nil
		}

	case TypeDecimal:
		switch val := raw.(type) {
		case decimal.Decimal:
			return Decimal{Decimal: val}, nil
		case int64:
			return Decimal{Decimal: decimal.NewFromInt(val)}, nil
		case int:
			return Decimal{Decimal: decimal.NewFromInt(int64(val))}, nil
		case float64:
			return Decimal{Decimal: decimal.NewFromFloat(val)}, nil
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(val))
			if err != nil {
				return nil, err
			}
			return Decimal{Decimal: d}, nil
		}

	case TypeDate:
		switch val := raw.(type) {
		case time.Time:
			return DateOf(val), nil
		case string:
			return ParseDate(val)
		}

	case TypeTimestamp:
		switch val := raw.(type) {
		case time.Time:
			return NewTimestamp(val), nil
		case string:
			return ParseTimestamp(val)
		}

	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}

	return nil, fmt.Errorf("unsupported %T for %s", raw, t)
}

// coerceValue re-types an already typed value, e.g. an Int literal from
// config landing in a decimal column.
func coerceValue(t ColumnType, v Value) (Value, error) {
	switch val := v.(type) {
	case Null:
		return val, nil
	case String:
		return Coerce(t, string(val))
	case Int:
		return Coerce(t, int64(val))
	case Bool:
		return Coerce(t, bool(val))
	case Decimal:
		switch t {
		case TypeDecimal:
			return val, nil
		case TypeInt:
			if !val.IsInteger() {
				return nil, fmt.Errorf("non-integral value %s", val)
			}
			return Int(val.IntPart()), nil
		case TypeString:
			return String(val.String()), nil
		}
	case Date:
		switch t {
		case TypeDate:
			return val, nil
		case TypeTimestamp:
			return NewTimestamp(val.t), nil
		case TypeString:
			return String(val.String()), nil
		}
	case Timestamp:
		switch t {
		case TypeTimestamp:
			return val, nil
		case TypeDate:
			return DateOf(val.t), nil
		case TypeString:
			return String(val.String()), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}

// CoerceColumn is Coerce with the failure wrapped in a CoerceError.
func CoerceColumn(column string, t ColumnType, raw any) (Value, error) {
	v, err := Coerce(t, raw)
	if err != nil {
		return nil, &CoerceError{Column: column, Type: t, Raw: raw, Err: err}
	}
	return v, nil
}

// ToParam converts a Value to a driver parameter using the storage encoding:
// decimals are bound as their exact string (stored as NUMERIC), dates and
// timestamps are TEXT, bools are INTEGER 0/1.
func ToParam(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return boolInt(bool(val))
	case Decimal:
		return val.String()
	case Date:
		return val.String()
	case Timestamp:
		return val.String()
	default:
		panic(fmt.Sprintf("ToParam: unexpected value type %T", v))
	}
}
