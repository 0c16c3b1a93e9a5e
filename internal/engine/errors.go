package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/martsync/internal/ir"
)

// CodeInternal marks run failures that carry no component error code,
// such as a storage error.
const CodeInternal ir.ErrorCode = "INTERNAL"

// RunError is the error returned by a failed run.
//
// It carries the code, table and details of the component error that
// aborted the run, plus the run id so callers can find the ledger entry.
type RunError struct {
	// RunID identifies the failed run.
	RunID string

	// Code identifies the error category.
	Code ir.ErrorCode

	// Table names the affected table, if any.
	Table string

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s: %s (run=%s, table=%s)", e.Code, e.Message, e.RunID, e.Table)
	}
	return fmt.Sprintf("%s: %s (run=%s)", e.Code, e.Message, e.RunID)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error { return e.Err }

// newRunError classifies err. Coded component errors keep their code;
// context cancellation becomes CANCELED; anything else is INTERNAL.
func newRunError(runID string, err error) *RunError {
	re := &RunError{RunID: runID, Code: CodeInternal, Message: err.Error(), Err: err}

	var coded *ir.Error
	switch {
	case errors.As(err, &coded):
		re.Code = coded.Code
		re.Table = coded.Table
		re.Message = coded.Message
		re.Details = coded.Details
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		re.Code = ir.ErrCanceled
	}
	return re
}

// IsKeyCollision reports whether err is a run aborted by KEY_COLLISION.
// Uses errors.As to handle wrapped errors.
func IsKeyCollision(err error) bool {
	return hasRunCode(err, ir.ErrKeyCollision)
}

// IsInvariantFailure reports whether err is a run rolled back by an
// error-severity rule.
func IsInvariantFailure(err error) bool {
	return hasRunCode(err, ir.ErrInvariantFailed)
}

func hasRunCode(err error, code ir.ErrorCode) bool {
	var re *RunError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return ir.HasCode(err, code)
}
