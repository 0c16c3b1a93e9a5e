package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Sources    int               `json:"sources"`
	Dimensions int               `json:"dimensions"`
	Tables     int               `json:"tables"`
	Rules      int               `json:"rules"`
	Levels     [][]string        `json:"levels,omitempty"`
	Errors     []ValidationIssue `json:"errors,omitempty"`
}

// ValidationIssue is one problem found in the specs.
type ValidationIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <specs-dir>",
		Short: "Validate specs without touching a store",
		Long: `Validate CUE source, dimension, table and rule declarations.

Performs syntax checking, required-field checks, cross-reference
resolution (relations, columns, keys, watermarks, writeback ownership) and
dependency cycle detection, reporting every problem found. Prints the
dependency levels of a valid project.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, specsDir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	res, errs := LoadSpecs(specsDir, LoadModeCollectAll)

	// Directory not found, no files, CUE that does not build
	if res == nil {
		var loadErr *LoadError
		if errors.As(errs[0], &loadErr) {
			_ = f.Error(loadErr.Code, loadErr.Message, nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", loadErr.Code, loadErr.Message))
		}
		_ = f.Error(ErrCodeGeneric, errs[0].Error(), nil)
		return NewExitError(ExitCommandError, errs[0].Error())
	}
	f.VerboseLog("Found %d CUE file(s) in %s", res.FileCount, specsDir)

	if len(errs) > 0 {
		return outputValidationErrors(f, toIssues(errs))
	}

	p := res.Project
	result := ValidationResult{
		Valid:      true,
		Sources:    len(p.Sources),
		Dimensions: len(p.Dimensions),
		Tables:     len(p.Tables),
		Rules:      len(p.Rules),
		Levels:     p.Levels,
	}
	if f.JSON() {
		return f.Success(result)
	}

	fmt.Fprintf(f.Writer, "✓ All specs valid: %d source(s), %d dimension(s), %d table(s), %d rule(s)\n",
		result.Sources, result.Dimensions, result.Tables, result.Rules)
	for i, level := range result.Levels {
		fmt.Fprintf(f.Writer, "  level %d: %v\n", i, level)
	}
	return nil
}

func toIssues(errs []error) []ValidationIssue {
	issues := make([]ValidationIssue, 0, len(errs))
	for _, err := range errs {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			issues = append(issues, ValidationIssue{Code: ErrCodeGeneric, Message: err.Error()})
			continue
		}
		issue := ValidationIssue{Code: loadErr.Code, Field: loadErr.Field, Message: loadErr.Message}
		if loadErr.Pos.IsValid() {
			issue.File = loadErr.Pos.Filename()
			issue.Line = loadErr.Pos.Line()
		}
		issues = append(issues, issue)
	}
	return issues
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(f *OutputFormatter, issues []ValidationIssue) error {
	if f.JSON() {
		err := f.encode(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		})
		if err != nil {
			return err
		}
		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	// Text format
	fmt.Fprintln(f.Writer, "✗ Validation failed")
	fmt.Fprintln(f.Writer)

	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(f.Writer, "%s:%d\n", issue.File, issue.Line)
		}
		if issue.Field != "" {
			fmt.Fprintf(f.Writer, "  %s: %s: %s\n\n", issue.Code, issue.Field, issue.Message)
		} else {
			fmt.Fprintf(f.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
		}
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
