package ir

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode categorizes errors that abort a run or reject a request.
type ErrorCode string

const (
	// ErrKeyCollision: two computed rows map to the same unique key.
	ErrKeyCollision ErrorCode = "KEY_COLLISION"

	// ErrInvariantFailed: an error-severity rule found violations.
	ErrInvariantFailed ErrorCode = "INVARIANT_FAILED"

	// ErrJoinFanout: a join lookup key matched more than one row.
	ErrJoinFanout ErrorCode = "JOIN_FANOUT"

	// ErrSCDTimeRegression: a dimension change was detected at an effective
	// time not after the current version's valid_from.
	ErrSCDTimeRegression ErrorCode = "SCD_TIME_REGRESSION"

	// ErrWritebackForbidden: writeback touched a column or row it does not own.
	ErrWritebackForbidden ErrorCode = "WRITEBACK_FORBIDDEN"

	// ErrCorruptVersion: an open dimension version could not be decoded.
	ErrCorruptVersion ErrorCode = "CORRUPT_VERSION"

	// ErrCanceled: the run context was canceled before commit.
	ErrCanceled ErrorCode = "CANCELED"
)

// Error is a coded error raised by a reconciliation component.
//
// Error includes structured fields for diagnostics and reporting.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Table names the affected table, if any.
	Table string

	// Message is a human-readable description.
	Message string

	// Details contains additional context (keys, counts, timestamps).
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Table != "" {
		fmt.Fprintf(&b, " (table=%s)", e.Table)
	}
	return b.String()
}

// DetailKeys returns the detail keys in sorted order.
func (e *Error) DetailKeys() []string {
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Errorf creates a coded error for table.
func Errorf(code ErrorCode, table, format string, args ...any) *Error {
	return &Error{Code: code, Table: table, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err wraps an *Error with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
