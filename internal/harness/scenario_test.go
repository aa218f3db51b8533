package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: one node, one update
dimensions: [X, Y]
nodes:
  - id: a
    peer: "0001:0001"
steps:
  - op: init
    node: a
    buffers: {X: ab}
  - op: update
    node: a
    dimension: Y
    data: "hex:0a0b"
    expect: {clock: 1}
assertions:
  - {type: clock, node: a, value: 1}
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, []string{"X", "Y"}, s.Dimensions)
	require.Len(t, s.Nodes, 1)
	assert.Equal(t, "0001:0001", s.Nodes[0].Peer)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, OpInit, s.Steps[0].Op)
	assert.Equal(t, map[string]string{"X": "ab"}, s.Steps[0].Buffers)
	require.NotNil(t, s.Steps[1].Expect)
	require.NotNil(t, s.Steps[1].Expect.Clock)
	assert.Equal(t, uint64(1), *s.Steps[1].Expect.Clock)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, uint64(1), *s.Assertions[0].Value)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownFieldRejected(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	nodes := `
nodes:
  - {id: a, peer: "0001:0001"}
  - {id: b, peer: "0001:0002"}
`
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing name", "description: d\n" + nodes + "steps: [{op: init, node: a}]\n", "name is required"},
		{"missing description", "name: n\n" + nodes + "steps: [{op: init, node: a}]\n", "description is required"},
		{"no nodes", "name: n\ndescription: d\nsteps: [{op: init, node: a}]\n", "nodes list is required"},
		{"no steps", "name: n\ndescription: d\n" + nodes, "steps list is required"},
		{"bad peer", "name: n\ndescription: d\nnodes: [{id: a, peer: zz}]\nsteps: [{op: init, node: a}]\n", "nodes[0]"},
		{"duplicate peer", "name: n\ndescription: d\nnodes: [{id: a, peer: \"1:1\"}, {id: b, peer: \"0001:0001\"}]\nsteps: [{op: init, node: a}]\n", "already used"},
		{"duplicate id", "name: n\ndescription: d\nnodes: [{id: a, peer: \"1:1\"}, {id: a, peer: \"1:2\"}]\nsteps: [{op: init, node: a}]\n", "duplicate id"},
		{"unknown op", "name: n\ndescription: d\n" + nodes + "steps: [{op: explode, node: a}]\n", "unknown op"},
		{"unknown node", "name: n\ndescription: d\n" + nodes + "steps: [{op: init, node: c}]\n", "known node"},
		{"update without dimension", "name: n\ndescription: d\n" + nodes + "steps: [{op: update, node: a}]\n", "needs a dimension"},
		{"fork without branch", "name: n\ndescription: d\n" + nodes + "steps: [{op: fork, node: a}]\n", "needs a branch"},
		{"send to self", "name: n\ndescription: d\n" + nodes + "steps: [{op: send, node: a, peer: a}]\n", "must differ"},
		{"bad hex", "name: n\ndescription: d\n" + nodes + "steps: [{op: update, node: a, dimension: X, data: \"hex:zz\"}]\n", "data"},
		{"bad duration", "name: n\ndescription: d\n" + nodes + "steps: [{op: advance, duration: soon}]\n", "advance"},
		{"clock without value", "name: n\ndescription: d\n" + nodes + "steps: [{op: init, node: a}]\nassertions: [{type: clock, node: a}]\n", "value is required"},
		{"same_state one node", "name: n\ndescription: d\n" + nodes + "steps: [{op: init, node: a}]\nassertions: [{type: same_state, nodes: [a]}]\n", "at least two"},
		{"unknown assertion", "name: n\ndescription: d\n" + nodes + "steps: [{op: init, node: a}]\nassertions: [{type: vibes}]\n", "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDir_SortedByFile(t *testing.T) {
	dir := t.TempDir()
	second := []byte(minimalScenario)
	first := []byte(strings.Replace(minimalScenario, "name: minimal", "name: aaa", 1))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), second, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), first, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	got, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "aaa", got[0].Name)
	assert.Equal(t, "minimal", got[1].Name)
}

func TestLoadDir_ReportsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\n"), 0644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestDecodeData(t *testing.T) {
	b, err := decodeData("hex:00ff")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, b)

	b, err = decodeData("plain")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), b)

	b, err = decodeData("")
	require.NoError(t, err)
	assert.Empty(t, b)

	_, err = decodeData("hex:0")
	assert.Error(t, err)
}
