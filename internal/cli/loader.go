package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/martsync/internal/compiler"
	"github.com/roach88/martsync/internal/ir"
)

// LoadMode controls how errors are handled during spec loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the results of loading specs from a directory.
type LoadResult struct {
	Project   *ir.Project // nil when compilation failed
	FileCount int         // Number of CUE files found
}

// LoadError represents an error that occurred during spec loading.
type LoadError struct {
	Code    string
	Field   string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadSpecs loads the CUE files at the top level of dir as one instance and
// compiles them into a project.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
//
// A nil result means the directory could not be read or the CUE did not
// build; otherwise the result's Project is set exactly when errs is empty.
func LoadSpecs(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("specs directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing specs directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	// Files are named explicitly so package-less specs load as one instance.
	instances := load.Instances(files, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{FileCount: len(files)}
	project, compileErrs := compiler.CompileProject(value, mode == LoadModeCollectAll)
	if len(compileErrs) == 0 {
		result.Project = project
		return result, nil
	}

	errs := make([]error, 0, len(compileErrs))
	for _, err := range compileErrs {
		errs = append(errs, convertCompileError(err))
		if mode == LoadModeFailFast {
			break
		}
	}
	return result, errs
}

// FindCUEFiles returns the .cue files directly inside dir, sorted, as
// names relative to dir.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)
	return files, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Field:   compileErr.Field,
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	var validationErr compiler.ValidationError
	if errors.As(err, &validationErr) {
		return &LoadError{
			Code:    MapValidationCode(validationErr.Code),
			Field:   validationErr.Field,
			Message: validationErr.Message,
			Pos:     validationErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error

	// Declaration errors
	ErrCodeMissingField = "E101" // Required field missing or empty
	ErrCodeInvalidValue = "E102" // Unknown strategy, func, kind, op or type
	ErrCodeInvalidGrain = "E103" // Grain, joins or rolling malformed
	ErrCodeInvalidRule  = "E104" // Rule missing kind-specific fields

	// Cross-reference errors
	ErrCodeUnknownReference = "E110" // Relation or column not declared
	ErrCodeDuplicateName    = "E111" // Two relations share a name
	ErrCodeInvalidKey       = "E112" // Unique key or dimension key malformed
	ErrCodeInvalidWatermark = "E113" // Watermark not a date/int grain column
	ErrCodeDependencyCycle  = "E114" // Tables read each other
	ErrCodeWritebackOverlap = "E115" // Writeback column also computed
	ErrCodeTypeMismatch     = "E116" // Arithmetic over non-numeric columns
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "cue":
		return ErrCodeBuildFailed
	case field == "kind", field == "severity", field == "value":
		return ErrCodeInvalidValue
	case field == "grain", field == "joins.on", strings.HasPrefix(field, "rolling."), strings.HasPrefix(field, "measures."):
		return ErrCodeInvalidGrain
	case field == "":
		return ErrCodeGeneric
	default:
		return ErrCodeMissingField
	}
}

// MapValidationCode maps a compiler validation code to an error code.
func MapValidationCode(code string) string {
	switch code {
	case compiler.ErrUnknownReference:
		return ErrCodeUnknownReference
	case compiler.ErrDuplicateName:
		return ErrCodeDuplicateName
	case compiler.ErrInvalidValue:
		return ErrCodeInvalidValue
	case compiler.ErrInvalidKey:
		return ErrCodeInvalidKey
	case compiler.ErrInvalidWatermark:
		return ErrCodeInvalidWatermark
	case compiler.ErrInvalidRolling:
		return ErrCodeInvalidGrain
	case compiler.ErrTypeMismatch:
		return ErrCodeTypeMismatch
	case compiler.ErrDependencyCycle:
		return ErrCodeDependencyCycle
	case compiler.ErrWritebackOverlap:
		return ErrCodeWritebackOverlap
	case compiler.ErrInvalidRule:
		return ErrCodeInvalidRule
	default:
		return ErrCodeGeneric
	}
}
