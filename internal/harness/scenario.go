package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a reconciliation test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists paths to CUE files compiled together into the project.
	// Paths are relative to the scenario file location.
	Specs []string `yaml:"specs"`

	// Start is the effective time of the first run, RFC3339.
	// Defaults to DefaultStart.
	Start string `yaml:"start,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final stored state.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultStart is the effective time of the first run when a scenario
// sets no start.
const DefaultStart = "2024-01-01T00:00:00Z"

// Step is one action. Exactly one field must be set.
type Step struct {
	// Load inserts rows into relations, keyed by relation name.
	Load map[string][]map[string]any `yaml:"load,omitempty"`

	// Run reconciles the project once.
	Run *RunStep `yaml:"run,omitempty"`

	// Writeback submits externally computed values.
	Writeback *WritebackStep `yaml:"writeback,omitempty"`

	// Check runs every rule without reconciling.
	Check *CheckStep `yaml:"check,omitempty"`
}

// RunStep describes the expected outcome of a run.
type RunStep struct {
	// Expect is "passed" (default) or "failed".
	Expect string `yaml:"expect,omitempty"`

	// Code is the expected error code of a failed run.
	Code string `yaml:"code,omitempty"`

	// Counts are expected summary counts per relation, e.g.
	// {fct_orders: {inserted: 2}}. Unlisted counts are not checked.
	Counts map[string]map[string]int `yaml:"counts,omitempty"`

	// Violations are expected violation counts per rule. Unlisted rules
	// are not checked.
	Violations map[string]int64 `yaml:"violations,omitempty"`
}

// WritebackStep is one writeback request.
type WritebackStep struct {
	Table string           `yaml:"table"`
	Rows  []map[string]any `yaml:"rows"`

	// Matched is the expected number of updated rows, if set.
	Matched *int `yaml:"matched,omitempty"`

	// Code is the expected error code of a rejected request.
	Code string `yaml:"code,omitempty"`
}

// CheckStep lists the exact violations expected from a rule check.
type CheckStep struct {
	Violations map[string]int64 `yaml:"violations"`
}

// Assertion validates the final stored state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "row_count": Table (filtered by Where) holds exactly Count rows
	// - "final_state": the single row matching Where carries Expect
	// - "watermark": the table's current boundary is Value ("" = backfill)
	// - "scd_intervals": every entity of dimension Table has contiguous,
	//   non-overlapping versions with at most one open
	Type string `yaml:"type"`

	Table  string         `yaml:"table"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Count  int            `yaml:"count,omitempty"`
	Value  string         `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertRowCount     = "row_count"
	AssertFinalState   = "final_state"
	AssertWatermark    = "watermark"
	AssertSCDIntervals = "scd_intervals"
)

// LoadScenario reads and parses a scenario YAML file.
// Spec paths are resolved relative to the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML, resolving spec paths against
// baseDir.
func ParseScenario(data []byte, baseDir string) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, specPath := range scenario.Specs {
		if !filepath.IsAbs(specPath) && baseDir != "" {
			scenario.Specs[i] = filepath.Join(baseDir, specPath)
		}
	}
	if scenario.Start == "" {
		scenario.Start = DefaultStart
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// StartTime parses Start.
func (s *Scenario) StartTime() (time.Time, error) {
	return time.Parse(time.RFC3339, s.Start)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Specs) == 0 {
		return fmt.Errorf("specs list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if _, err := s.StartTime(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	for _, specPath := range s.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return fmt.Errorf("spec file not found: %s", specPath)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	set := 0
	if st.Load != nil {
		set++
	}
	if st.Run != nil {
		set++
		switch st.Run.Expect {
		case "", "passed":
			if st.Run.Code != "" {
				return fmt.Errorf("steps[%d].run: code requires expect: failed", index)
			}
		case "failed":
		default:
			return fmt.Errorf("steps[%d].run: expect must be passed or failed, got %q", index, st.Run.Expect)
		}
	}
	if st.Writeback != nil {
		set++
		if st.Writeback.Table == "" {
			return fmt.Errorf("steps[%d].writeback: table is required", index)
		}
	}
	if st.Check != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of load, run, writeback, check is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Table == "" {
		return fmt.Errorf("assertions[%d]: table is required for %s", index, a.Type)
	}

	switch a.Type {
	case AssertRowCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertWatermark, AssertSCDIntervals:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
