package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	repoScenarios = "../../testdata/scenarios"
	repoGoldens   = "../harness/testdata/golden"
)

const tinyScenario = `name: tiny
dimensions: [X]
nodes:
  - id: a
    peer: "0001:0001"
steps:
  - op: init
    node: a
    buffers: {X: ab}
    expect: {clock: 0}
  - op: update
    node: a
    dimension: X
    data: cd
    expect: {clock: 1}
assertions:
  - {type: clock, node: a, value: 1}
`

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestScenarioRun_RepositoryScenarios(t *testing.T) {
	testEnv(t)

	run := runCLI(t, "--format", "json", "scenario", "run", repoScenarios, "--golden", repoGoldens)
	require.Equal(t, ExitSuccess, run.code, run.stdout)

	var summary ScenarioSummary
	resp := run.decode(t, &summary)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 6, summary.Passed)
	assert.Zero(t, summary.Failed)
	for _, s := range summary.Scenarios {
		assert.Equal(t, "match", s.Golden, s.Name)
	}
}

func TestScenarioRun_Filter(t *testing.T) {
	testEnv(t)

	run := runCLI(t, "--format", "json", "scenario", "run", repoScenarios, "--golden", repoGoldens, "--filter", "branch_*")
	require.Equal(t, ExitSuccess, run.code, run.stdout)

	var summary ScenarioSummary
	run.decode(t, &summary)
	require.Len(t, summary.Scenarios, 1)
	assert.Equal(t, "branch_lww", summary.Scenarios[0].Name)
}

func TestScenarioRun_UpdateThenMatch(t *testing.T) {
	testEnv(t)
	dir := t.TempDir()
	file := writeScenario(t, dir, "tiny.yaml", tinyScenario)

	run := runCLI(t, "scenario", "run", file)
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	assert.Contains(t, run.stdout, "✓ tiny")
	assert.Contains(t, run.stdout, "All scenarios passed")

	run = runCLI(t, "--format", "json", "scenario", "run", file, "--update")
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var summary ScenarioSummary
	run.decode(t, &summary)
	require.Len(t, summary.Scenarios, 1)
	assert.Equal(t, "updated", summary.Scenarios[0].Golden)

	golden := filepath.Join(dir, "golden", "tiny.golden")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario":"tiny"`)

	run = runCLI(t, "--format", "json", "scenario", "run", dir)
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	run.decode(t, &summary)
	require.Len(t, summary.Scenarios, 1)
	assert.Equal(t, "match", summary.Scenarios[0].Golden)
}

func TestScenarioRun_GoldenMismatch(t *testing.T) {
	testEnv(t)
	dir := t.TempDir()
	file := writeScenario(t, dir, "tiny.yaml", tinyScenario)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "tiny.golden"), []byte("{}"), 0o644))

	run := runCLI(t, "--format", "json", "scenario", "run", file)
	assert.Equal(t, ExitFailure, run.code)
	assert.Empty(t, run.stderr)

	var summary ScenarioSummary
	resp := run.decode(t, &summary)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO_FAILED", resp.Error.Code)
	require.Len(t, summary.Scenarios, 1)
	assert.False(t, summary.Scenarios[0].Pass)
	assert.Contains(t, summary.Scenarios[0].Errors[len(summary.Scenarios[0].Errors)-1], "golden")
}

func TestScenarioRun_FailedAssertion(t *testing.T) {
	testEnv(t)
	dir := t.TempDir()
	body := tinyScenario + "  - {type: clock, node: a, value: 7}\n"
	file := writeScenario(t, dir, "tiny.yaml", body)

	run := runCLI(t, "scenario", "run", file)
	assert.Equal(t, ExitFailure, run.code)
	assert.Contains(t, run.stdout, "✗ tiny")
	assert.Contains(t, run.stdout, "1 failed")
}

func TestScenarioRun_MissingPath(t *testing.T) {
	testEnv(t)

	run := runCLI(t, "scenario", "run", filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, ExitCommandError, run.code)
	assert.Contains(t, run.stderr, "scenario path not found")
}

func TestScenarioRun_EmptyDirectory(t *testing.T) {
	testEnv(t)

	run := runCLI(t, "scenario", "run", t.TempDir())
	assert.Equal(t, ExitSuccess, run.code)
	assert.Contains(t, run.stdout, "No scenarios found.")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", tinyScenario)
	writeScenario(t, dir, "b.yml", tinyScenario)
	writeScenario(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	writeScenario(t, filepath.Join(dir, "golden"), "c.yaml", tinyScenario)

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yml")}, files)

	files, err = findScenarioFiles(dir, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.yml")}, files)

	single := filepath.Join(dir, "notes.txt")
	files, err = findScenarioFiles(single, "")
	require.NoError(t, err)
	assert.Equal(t, []string{single}, files)

	_, err = findScenarioFiles(dir, "[")
	assert.Error(t, err)
}

func TestGoldenFilePath(t *testing.T) {
	opts := &ScenarioOptions{}
	assert.Equal(t, filepath.Join("s", "golden", "x.golden"), goldenFilePath(opts, filepath.Join("s", "x.yaml"), "x"))

	opts.GoldenDir = "elsewhere"
	assert.Equal(t, filepath.Join("elsewhere", "x.golden"), goldenFilePath(opts, filepath.Join("s", "x.yaml"), "x"))
}
