package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(scenario.Steps))
		})
	}
}

func TestRun_ReportsMismatchedExpectations(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, `
name: mismatch
description: "Every expectation here is wrong"
specs: [specs.cue]
start: "2024-03-03T00:00:00Z"
steps:
  - load:
      raw_products:
        - {product_id: p1, name: Hammer, category: tools, unit_price: "10.00"}
  - run:
      expect: failed
      code: INVARIANT_FAILED
      counts:
        dim_products: {scd_opened: 2, sideways: 1}
        no_such_table: {read: 1}
  - writeback:
      table: mart_experiment_daily
      rows: [{experiment_id: e1, date: "2024-03-01", p_value: "0.2"}]
      matched: 1
  - check:
      violations: {order_items_unique: 1}
assertions:
  - type: row_count
    table: dim_products
    count: 3
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)

	joined := strings.Join(result.Errors, "\n")
	assert.Contains(t, joined, "run passed, want failed")
	assert.Contains(t, joined, `error code "", want "INVARIANT_FAILED"`)
	assert.Contains(t, joined, "dim_products.scd_opened = 1, want 2")
	assert.Contains(t, joined, `unknown count "sideways"`)
	assert.Contains(t, joined, "no summary for no_such_table")
	assert.Contains(t, joined, "writeback matched 0, want 1")
	assert.Contains(t, joined, "violations map[], want map[order_items_unique:1]")
	assert.Contains(t, joined, "Assertion failed: row_count on dim_products")
}

func TestRun_UnknownRelationBreaksScenario(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, `
name: broken
description: "Loads rows into a relation the project does not declare"
specs: [specs.cue]
steps:
  - load:
      raw_nothing: [{id: 1}]
`))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown relation "raw_nothing"`)
}

func TestRun_UnknownColumnBreaksScenario(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, `
name: broken
description: "Loads a column the source does not declare"
specs: [specs.cue]
steps:
  - load:
      raw_products: [{product_id: p1, colour: red}]
`))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown column "colour"`)
}

func TestRun_SCDIntervalsDetectsOverlap(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, `
name: overlap
description: "Two open versions of one product violate the interval check"
specs: [specs.cue]
steps:
  - load:
      dim_products:
        - {product_id: p1, category: tools, valid_from: "2024-03-01T00:00:00Z", is_current: true}
        - {product_id: p1, category: garden, valid_from: "2024-03-02T00:00:00Z", is_current: true}
assertions:
  - type: scd_intervals
    table: dim_products
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "only the newest version open")
}

func TestCompileSpecs_MissingFile(t *testing.T) {
	_, err := CompileSpecs([]string{filepath.Join(t.TempDir(), "gone.cue")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read spec")
}
