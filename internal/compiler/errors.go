package compiler

import (
	"fmt"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Validation error codes reported by Resolve.
const (
	ErrUnknownReference = "UNKNOWN_REFERENCE" // table, column or source not declared
	ErrDuplicateName    = "DUPLICATE_NAME"    // two relations share a name
	ErrInvalidValue     = "INVALID_VALUE"     // unknown strategy, func, kind, op or type
	ErrInvalidKey       = "INVALID_KEY"       // unique key or dimension key malformed
	ErrInvalidWatermark = "INVALID_WATERMARK" // watermark not a date/int grain column
	ErrInvalidRolling   = "INVALID_ROLLING"   // rolling metric over a non-measure
	ErrTypeMismatch     = "TYPE_MISMATCH"     // arithmetic over non-numeric columns
	ErrDependencyCycle  = "DEPENDENCY_CYCLE"  // tables read each other
	ErrWritebackOverlap = "WRITEBACK_OVERLAP" // writeback column also computed
	ErrInvalidRule      = "INVALID_RULE"      // rule missing kind-specific fields
)

// CompileError represents a parse error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents a cross-reference or semantic error found
// after parsing.
type ValidationError struct {
	Field   string    `json:"field"`
	Message string    `json:"message"`
	Code    string    `json:"code"`
	Pos     token.Pos `json:"-"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("[%s] %s:%d: %s: %s", e.Code, e.Pos.Filename(), e.Pos.Line(), e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
