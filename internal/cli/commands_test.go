package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliRun struct {
	code   int
	stdout string
	stderr string
}

// decode parses a JSON CLIResponse and unmarshals its data into v.
func (r cliRun) decode(t *testing.T, v any) CLIResponse {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), "stdout: %s", r.stdout)
	if v != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return CLIResponse{Status: resp.Status, Error: resp.Error}
}

// testEnv isolates a test from BLOCKSTATE_* variables and returns a
// database path in a temp dir.
func testEnv(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"BLOCKSTATE_DB", "BLOCKSTATE_ARCHIVE", "BLOCKSTATE_POLICY", "BLOCKSTATE_NODE_ID", "BLOCKSTATE_LOG_LEVEL", "BLOCKSTATE_WORKERS"} {
		t.Setenv(k, "") // restores the original value on cleanup
		require.NoError(t, os.Unsetenv(k))
	}
	t.Setenv("BLOCKSTATE_PREFIX", "1")
	t.Setenv("BLOCKSTATE_NODE", "1")
	return filepath.Join(t.TempDir(), "state.db")
}

func runCLI(t *testing.T, args ...string) cliRun {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(), args, stdout, stderr)
	return cliRun{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// jsonCLI runs a command against db with --format json.
func jsonCLI(t *testing.T, db string, args ...string) cliRun {
	t.Helper()
	return runCLI(t, append([]string{"--format", "json", "--db", db}, args...)...)
}

func TestInitUpdateShow(t *testing.T) {
	db := testEnv(t)

	run := jsonCLI(t, db, "--node", "alpha", "init", "Graph=hello", "Node=hex:0a0b")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	var genesis snapshotView
	resp := run.decode(t, &genesis)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "alpha", genesis.Node)
	assert.Equal(t, uint64(0), genesis.Clock)
	assert.Len(t, genesis.Digests, 5)
	assert.Empty(t, genesis.Previous)

	run = jsonCLI(t, db, "--node", "alpha", "update", "Graph", "world")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	var updated snapshotView
	run.decode(t, &updated)
	assert.Equal(t, uint64(1), updated.Clock)
	assert.Equal(t, genesis.Combined, updated.Previous)
	assert.NotEqual(t, genesis.Digests["Graph"], updated.Digests["Graph"])
	assert.Equal(t, genesis.Digests["Node"], updated.Digests["Node"])

	run = jsonCLI(t, db, "--node", "alpha", "show")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	var status struct {
		NodeID     string `json:"node_id"`
		Clock      uint64 `json:"clock"`
		HistoryLen int    `json:"history_len"`
	}
	run.decode(t, &status)
	assert.Equal(t, "alpha", status.NodeID)
	assert.Equal(t, uint64(1), status.Clock)
	assert.Equal(t, 2, status.HistoryLen)

	run = runCLI(t, "--db", db, "--node", "alpha", "show", "--dimension", "Graph")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	assert.Equal(t, "world", run.stdout)

	run = runCLI(t, "--db", db, "--node", "alpha", "show")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	assert.Contains(t, run.stdout, "node      alpha")
	assert.Contains(t, run.stdout, "clock     1")
	assert.Contains(t, run.stdout, "Hypergraph")
}

func TestInit_RefusesExistingNode(t *testing.T) {
	db := testEnv(t)

	require.Equal(t, ExitSuccess, jsonCLI(t, db, "--node", "alpha", "init").code)

	run := jsonCLI(t, db, "--node", "alpha", "init")
	assert.Equal(t, ExitFailure, run.code)
	resp := run.decode(t, nil)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error.Message, "already exists")

	run = jsonCLI(t, db, "--node", "alpha", "init", "--force", "Edge=e")
	assert.Equal(t, ExitSuccess, run.code, run.stdout)
}

func TestInit_BadArguments(t *testing.T) {
	db := testEnv(t)

	run := runCLI(t, "--db", db, "init", "Graph")
	assert.Equal(t, ExitCommandError, run.code)
	assert.Contains(t, run.stderr, "DIMENSION=VALUE")

	run = runCLI(t, "--db", db, "init", "Graph=a", "Graph=b")
	assert.Equal(t, ExitCommandError, run.code)
	assert.Contains(t, run.stderr, "assigned twice")

	run = runCLI(t, "--db", db, "init", "Graph=hex:zz")
	assert.Equal(t, ExitCommandError, run.code)

	run = runCLI(t, "--db", db, "init", "--peer", "nope")
	assert.Equal(t, ExitCommandError, run.code)
	assert.Contains(t, run.stderr, "invalid --peer")

	run = jsonCLI(t, db, "init", "Unknown=x")
	assert.Equal(t, ExitFailure, run.code)
	assert.Equal(t, "UNKNOWN_DIMENSION", run.decode(t, nil).Error.Code)
}

func TestCommands_MissingNode(t *testing.T) {
	db := testEnv(t)

	run := jsonCLI(t, db, "--node", "ghost", "show")
	assert.Equal(t, ExitCommandError, run.code)
	resp := run.decode(t, nil)
	assert.Contains(t, resp.Error.Message, `node "ghost" not found`)
}

func TestUpdate_ValueFromFile(t *testing.T) {
	db := testEnv(t)
	path := filepath.Join(t.TempDir(), "edge.bin")
	require.NoError(t, os.WriteFile(path, []byte{0, 1, 2}, 0o644))

	require.Equal(t, ExitSuccess, jsonCLI(t, db, "init").code)
	run := jsonCLI(t, db, "update", "Edge", "@"+path)
	require.Equal(t, ExitSuccess, run.code, run.stdout)

	run = jsonCLI(t, db, "show", "-d", "Edge")
	require.Equal(t, ExitSuccess, run.code)
	var buf map[string]string
	run.decode(t, &buf)
	assert.Equal(t, "000102", buf["hex"])
	assert.Equal(t, "Edge", buf["dimension"])
}

func TestBranchLifecycle(t *testing.T) {
	db := testEnv(t)
	node := []string{"--node", "gamma"}
	cli := func(args ...string) cliRun { return jsonCLI(t, db, append(node, args...)...) }

	require.Equal(t, ExitSuccess, cli("init", "Graph=base").code)

	run := cli("fork", "feature")
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var forked snapshotView
	run.decode(t, &forked)
	assert.Equal(t, "feature", forked.Branch)
	assert.Equal(t, uint64(0), forked.Clock)

	run = cli("fork", "feature")
	assert.Equal(t, ExitFailure, run.code)
	assert.Equal(t, "DUPLICATE_BRANCH", run.decode(t, nil).Error.Code)

	run = cli("branch", "update", "feature", "Graph", "draft")
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var branchSnap snapshotView
	run.decode(t, &branchSnap)
	assert.Equal(t, uint64(1), branchSnap.Clock)

	run = cli("branch", "show", "feature")
	require.Equal(t, ExitSuccess, run.code)
	var shown snapshotView
	run.decode(t, &shown)
	assert.Equal(t, branchSnap.Combined, shown.Combined)

	run = cli("branch", "list")
	require.Equal(t, ExitSuccess, run.code)
	var list branchesView
	run.decode(t, &list)
	assert.Equal(t, []string{"feature"}, list.Branches)

	// Node, Edge and Incidence still agree, so the merge is a majority
	// advance rather than a conflict.
	run = cli("branch", "merge", "feature")
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var merged mergeView
	run.decode(t, &merged)
	assert.True(t, merged.Success)
	assert.Equal(t, "majority-advance", string(merged.Strategy))
	assert.Equal(t, "majority", merged.Verdict)

	run = cli("branch", "merge", "missing")
	assert.Equal(t, ExitFailure, run.code)
	assert.Equal(t, "UNKNOWN_BRANCH", run.decode(t, nil).Error.Code)

	run = cli("branch", "delete", "feature")
	require.Equal(t, ExitSuccess, run.code)

	run = cli("branch", "delete", "feature")
	assert.Equal(t, ExitFailure, run.code)

	run = cli("branch", "list")
	require.Equal(t, ExitSuccess, run.code)
	run.decode(t, &list)
	assert.Empty(t, list.Branches)
}

func TestCompareAndMergeFrom(t *testing.T) {
	db := testEnv(t)

	require.Equal(t, ExitSuccess, jsonCLI(t, db, "--node", "alpha", "init", "Graph=hello").code)
	require.Equal(t, ExitSuccess, jsonCLI(t, db, "--node", "beta", "init", "--peer", "0001:0002", "Graph=hello").code)
	require.Equal(t, ExitSuccess, jsonCLI(t, db, "--node", "beta", "update", "Graph", "world").code)

	run := jsonCLI(t, db, "--node", "alpha", "compare", "beta")
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var cmp compareView
	run.decode(t, &cmp)
	assert.Equal(t, "majority", cmp.Method)
	assert.Equal(t, []string{"Node", "Edge", "Incidence", "Hypergraph"}, cmp.Matching)

	run = jsonCLI(t, db, "--node", "alpha", "merge-from", "beta")
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var merged mergeView
	run.decode(t, &merged)
	assert.Equal(t, "majority-advance", string(merged.Strategy))
	assert.Equal(t, uint64(2), merged.Clock)
	assert.Equal(t, "beta", merged.Source)

	run = jsonCLI(t, db, "--node", "alpha", "show")
	var status struct {
		Clock uint64 `json:"clock"`
	}
	run.decode(t, &status)
	assert.Equal(t, uint64(2), status.Clock)

	run = jsonCLI(t, db, "--node", "alpha", "merge-from", "alpha")
	assert.Equal(t, ExitCommandError, run.code)

	run = jsonCLI(t, db, "--node", "alpha", "merge-from", "nobody")
	assert.Equal(t, ExitCommandError, run.code)
	assert.Contains(t, run.decode(t, nil).Error.Message, "peer node")
}

func TestExportImport(t *testing.T) {
	db := testEnv(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "alpha.json")

	require.Equal(t, ExitSuccess, jsonCLI(t, db, "--node", "alpha", "init", "--peer", "0002:0003", "Graph=g").code)
	require.Equal(t, ExitSuccess, jsonCLI(t, db, "--node", "alpha", "update", "Edge", "e").code)
	require.Equal(t, ExitSuccess, jsonCLI(t, db, "--node", "alpha", "fork", "side").code)

	run := runCLI(t, "--db", db, "--node", "alpha", "export", "-o", out)
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	data, err := os.ReadFile(out)
	require.NoError(t, err)

	run = runCLI(t, "--db", db, "--node", "alpha", "export")
	require.Equal(t, ExitSuccess, run.code)
	assert.Equal(t, string(data)+"\n", run.stdout)

	otherDB := filepath.Join(dir, "other.db")
	run = jsonCLI(t, otherDB, "--node", "copy", "import", out)
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var status struct {
		NodeID   string   `json:"node_id"`
		Clock    uint64   `json:"clock"`
		Branches []string `json:"branches"`
		Address  struct {
			Prefix uint64 `json:"prefix"`
			Node   uint64 `json:"node"`
		} `json:"address"`
	}
	run.decode(t, &status)
	assert.Equal(t, "copy", status.NodeID)
	assert.Equal(t, uint64(1), status.Clock)
	assert.Equal(t, []string{"side"}, status.Branches)
	assert.Equal(t, uint64(2), status.Address.Prefix)
	assert.Equal(t, uint64(3), status.Address.Node)

	// Same digests, different node id.
	run = runCLI(t, "--db", otherDB, "--node", "copy", "export")
	require.Equal(t, ExitSuccess, run.code)
	assert.Equal(t, strings.ReplaceAll(string(data), `"node_id":"alpha"`, `"node_id":"copy"`)+"\n", run.stdout)

	run = jsonCLI(t, otherDB, "nodes")
	require.Equal(t, ExitSuccess, run.code)
	var nodes nodesView
	run.decode(t, &nodes)
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, "copy", nodes.Nodes[0].ID)
}

func TestImport_RejectsOtherDimensionSet(t *testing.T) {
	db := testEnv(t)
	dir := t.TempDir()
	policy := filepath.Join(dir, "xy.cue")
	require.NoError(t, os.WriteFile(policy, []byte(`dimensions: ["X", "Y"]`+"\n"), 0o644))
	out := filepath.Join(dir, "alpha.json")

	require.Equal(t, ExitSuccess, jsonCLI(t, db, "--node", "alpha", "init").code)
	require.Equal(t, ExitSuccess, runCLI(t, "--db", db, "--node", "alpha", "export", "-o", out).code)

	run := jsonCLI(t, db, "--policy", policy, "--node", "xy", "import", out)
	assert.Equal(t, ExitCommandError, run.code)
	assert.Equal(t, "INCOMPATIBLE_DIMENSION_SET", run.decode(t, nil).Error.Code)

	run = jsonCLI(t, db, "nodes")
	var nodes nodesView
	run.decode(t, &nodes)
	assert.Len(t, nodes.Nodes, 1)
}

func TestRetentionWithArchive(t *testing.T) {
	db := testEnv(t)
	dir := t.TempDir()
	policy := filepath.Join(dir, "keep1.cue")
	require.NoError(t, os.WriteFile(policy, []byte("retention: max_entries: 1\n"), 0o644))
	arch := filepath.Join(dir, "archive")
	base := []string{"--policy", policy, "--archive", arch, "--node", "alpha"}
	cli := func(args ...string) cliRun { return jsonCLI(t, db, append(base, args...)...) }

	run := cli("init", "Graph=v0")
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var genesis snapshotView
	run.decode(t, &genesis)

	require.Equal(t, ExitSuccess, cli("update", "Graph", "v1").code)
	require.Equal(t, ExitSuccess, cli("update", "Graph", "v2").code)

	run = cli("history")
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var hist historyView
	run.decode(t, &hist)
	require.Len(t, hist.Snapshots, 1)
	assert.Equal(t, uint64(2), hist.Snapshots[0].Clock)

	run = cli("history", "--lookup", genesis.Combined)
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var found snapshotView
	run.decode(t, &found)
	assert.Equal(t, uint64(0), found.Clock)
	assert.Equal(t, genesis.Combined, found.Combined)

	run = cli("prune")
	require.Equal(t, ExitSuccess, run.code)
	var pruned map[string]any
	run.decode(t, &pruned)
	assert.Equal(t, float64(0), pruned["pruned"])

	// Without the archive the pruned genesis is gone.
	run = jsonCLI(t, db, "--policy", policy, "--node", "alpha", "history", "--lookup", genesis.Combined)
	assert.Equal(t, ExitFailure, run.code)
}

func TestMetricsFile(t *testing.T) {
	db := testEnv(t)
	metricsPath := filepath.Join(t.TempDir(), "blockstate.prom")

	require.Equal(t, ExitSuccess, jsonCLI(t, db, "init").code)
	run := jsonCLI(t, db, "--metrics-file", metricsPath, "update", "Graph", "x")
	require.Equal(t, ExitSuccess, run.code, run.stdout)

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "blockstate_engine_updates_total")
}

func TestAddressCommands(t *testing.T) {
	testEnv(t)

	run := runCLI(t, "--format", "json", "address", "encode", "0001:0002:00000003")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	var enc addressView
	run.decode(t, &enc)
	assert.Equal(t, uint64(281483566645251), enc.Packed)
	assert.Equal(t, "1000200000003", enc.Hex)
	assert.Equal(t, "16/16/32", enc.Layout)

	run = runCLI(t, "--format", "json", "address", "decode", "0x1000200000003")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	var dec addressView
	run.decode(t, &dec)
	assert.Equal(t, uint64(1), dec.Address.Prefix)
	assert.Equal(t, uint64(2), dec.Address.Node)
	assert.Equal(t, uint64(3), dec.Address.Clock)
	assert.Equal(t, "0001:0002:00000003", dec.Display)

	run = runCLI(t, "address", "encode", "10000:0001")
	assert.Equal(t, ExitFailure, run.code)
	assert.Contains(t, run.stderr, "ADDRESS_OVERFLOW")

	run = runCLI(t, "address", "decode", "not-a-number")
	assert.Equal(t, ExitCommandError, run.code)

	run = runCLI(t, "address", "encode", "0001:0002:00000003")
	require.Equal(t, ExitSuccess, run.code)
	assert.Equal(t, "0001:0002:00000003 = 281483566645251 (0x1000200000003, layout 16/16/32)\n", run.stdout)
}

func TestPolicyCheck(t *testing.T) {
	testEnv(t)
	dir := t.TempDir()

	run := runCLI(t, "--format", "json", "policy", "check")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	var builtin policyView
	run.decode(t, &builtin)
	assert.Equal(t, "(built-in)", builtin.Source)
	assert.Equal(t, "sha256", builtin.Policy["codec"])

	good := filepath.Join(dir, "xy.cue")
	require.NoError(t, os.WriteFile(good, []byte(`dimensions: ["X", "Y"]
codec: "blake2b-256"
`), 0o644))
	run = runCLI(t, "--format", "json", "policy", "check", good)
	require.Equal(t, ExitSuccess, run.code, run.stdout)
	var custom policyView
	run.decode(t, &custom)
	assert.Equal(t, []any{"X", "Y"}, custom.Policy["dimensions"])
	assert.Equal(t, "blake2b-256", custom.Policy["codec"])

	bad := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte(`codec: "md5"`+"\n"), 0o644))
	run = runCLI(t, "--format", "json", "policy", "check", bad)
	assert.Equal(t, ExitCommandError, run.code)
	assert.Equal(t, "INVALID_POLICY", run.decode(t, nil).Error.Code)

	run = runCLI(t, "--policy", good, "policy", "check")
	require.Equal(t, ExitSuccess, run.code)
	assert.Contains(t, run.stdout, "policy "+good+": valid")
}
