package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tu "github.com/roach88/martsync/internal/testutil"
)

const orderScenario = `name: %s
description: "One order line lands in fct_orders"
specs:
  - ../specs/retail.cue
start: "2024-03-03T00:00:00Z"
steps:
  - load:
      raw_products:
        - {product_id: p1, name: Hammer, category: tools, unit_price: "10.00", generated_at: "2024-03-01T06:00:00Z", batch_id: b1}
      raw_order_items:
        - {order_id: o1, product_id: p1, order_date: "2024-03-01", quantity: 2, unit_price: "10.00", discount_amount: "1.00", generated_at: "2024-03-01T06:00:00Z", batch_id: b1}
  - run:
      counts:
        fct_order_items: {inserted: 1}
assertions:
  - type: row_count
    table: fct_orders
    count: %d
`

// writeScenarioTree lays out <root>/specs/retail.cue and one scenario per
// entry under <root>/scenarios, returning the scenarios directory.
func writeScenarioTree(t *testing.T, scenarios map[string]int) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "specs", "retail.cue"), []byte(tu.RetailCUE), 0644))
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for name, count := range scenarios {
		body := []byte(fmt.Sprintf(orderScenario, name, count))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), body, 0644))
	}
	return dir
}

func runTestCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"test"}, args...)...)
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCmd(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := runTestCmd(t, "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := runTestCmd(t, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")

	out, err = execute(t, "--format", "json", "test", t.TempDir())
	require.NoError(t, err)
	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Data.Total)
}

func TestTestCommandPassAndFail(t *testing.T) {
	dir := writeScenarioTree(t, map[string]int{"good": 1, "bad": 5})

	out, err := execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	for _, s := range resp.Data.Scenarios {
		assert.Equal(t, s.Name == "good", s.Pass, s.Name)
	}
}

func TestTestCommandFilter(t *testing.T) {
	dir := writeScenarioTree(t, map[string]int{"good": 1, "bad": 5})

	out, err := runTestCmd(t, "--filter", "go*", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ good")
	assert.NotContains(t, out, "bad")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandGoldenRoundTrip(t *testing.T) {
	dir := writeScenarioTree(t, map[string]int{"good": 1})
	goldenPath := filepath.Join(filepath.Dir(dir), "golden", "good.golden")

	out, err := runTestCmd(t, "--update", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "golden updated")
	require.FileExists(t, goldenPath)

	_, err = runTestCmd(t, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(goldenPath, []byte("[]\n"), 0644))
	out, err = runTestCmd(t, dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	for _, name := range []string{"a.yaml", "b.yml", "notes.txt", "nested/c.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("name: x"), 0644))
	}

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	files, err = findScenarioFiles(dir, "c")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(dir, "nested", "c.yaml"), files[0])

	_, err = findScenarioFiles(dir, "[")
	assert.Error(t, err)
}

func TestGoldenFilePath(t *testing.T) {
	got := goldenFilePath(filepath.Join("testdata", "scenarios", "scd_history.yaml"), "scd_history")
	assert.Equal(t, filepath.Join("testdata", "golden", "scd_history.golden"), got)
}

func TestHelpMentionsGoldenLayout(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: "text"})
	assert.Contains(t, cmd.Long, "golden")
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "--update")
}
