package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarioDir holds the shared scenario files at the module root.
const scenarioDir = "../../testdata/scenarios"

func TestScenarios_Golden(t *testing.T) {
	scenarios, err := LoadDir(scenarioDir)
	require.NoError(t, err)
	require.NotEmpty(t, scenarios, "no scenarios in %s", scenarioDir)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestScenarios_Deterministic(t *testing.T) {
	s, err := LoadScenario(filepath.Join(scenarioDir, "offline_queue_sync.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first.Trace)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalTrace_Canonical(t *testing.T) {
	out, err := MarshalTrace("t", []TraceEvent{
		{Seq: 1, Op: OpSend, Node: "a", Peer: "b", Outcome: OutcomeQueued, Clock: 3},
		{Seq: 2, Op: OpAdvance, Outcome: OutcomeOK},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario":"t","trace":[{"clock":3,"node":"a","op":"send","outcome":"queued","peer":"b","seq":1},{"clock":0,"op":"advance","outcome":"ok","seq":2}]}`,
		string(out))
}
