package merge

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/engine"
	"github.com/roach88/blockstate/internal/ir"
)

var setXY = ir.MustDimensionSet("X", "Y")

var defaultBufs = map[ir.Dimension][]byte{
	ir.DimNode:       {1},
	ir.DimEdge:       {2},
	ir.DimGraph:      {3},
	ir.DimIncidence:  {4},
	ir.DimHypergraph: {5},
}

type strategyRecorder struct {
	strategies []string
}

func (r *strategyRecorder) RecordMerge(s string) { r.strategies = append(r.strategies, s) }

type constCombiner struct{}

func (constCombiner) Combine([]ir.Digest) ir.Digest { return ir.Digest{1} }

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newEngine(t *testing.T, id string, set ir.DimensionSet, bufs map[ir.Dimension][]byte) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Config{NodeID: id, Dimensions: set, Logger: quietLogger()})
	require.NoError(t, err)
	_, err = e.Initialize(context.Background(), bufs)
	require.NoError(t, err)
	return e
}

func newXY(t *testing.T, id string) *engine.Engine {
	return newEngine(t, id, setXY, map[ir.Dimension][]byte{"X": {1, 2}, "Y": {3, 4}})
}

func update(t *testing.T, e *engine.Engine, d ir.Dimension, data ...byte) {
	t.Helper()
	_, err := e.Update(context.Background(), d, data)
	require.NoError(t, err)
}

func TestMerge_ExactIsIdempotent(t *testing.T) {
	ctx := context.Background()
	local := newXY(t, "local")
	peer := newXY(t, "peer")
	c := NewCoordinator(Config{Logger: quietLogger()})
	before := local.Snapshot()

	for i := 0; i < 2; i++ {
		res, err := c.Merge(ctx, local, peer.Snapshot(), peer.Buffers())
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, StrategyExactNoop, res.Strategy)
		assert.False(t, res.Changed)
		assert.Equal(t, before, local.Snapshot(), "call %d must not change state", i+1)
		assert.Equal(t, Idle, c.State())
	}
	assert.Equal(t, 1, local.HistoryLen())
}

func TestMerge_MajorityAdvancesClockOnly(t *testing.T) {
	ctx := context.Background()
	set := ir.DefaultDimensionSet()
	local := newEngine(t, "local", set, defaultBufs)
	peer := newEngine(t, "peer", set, defaultBufs)
	update(t, peer, ir.DimGraph, 9)
	update(t, peer, ir.DimHypergraph, 9)
	update(t, peer, ir.DimEdge, 9)
	before := local.Snapshot()

	res, err := NewCoordinator(Config{Logger: quietLogger()}).Merge(ctx, local, peer.Snapshot(), nil)
	require.NoError(t, err)

	assert.Equal(t, consensus.Majority, res.Verdict.Method)
	assert.Equal(t, 7, res.Verdict.ConvergenceSteps)
	assert.Equal(t, StrategyMajorityAdvance, res.Strategy)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(4), local.Snapshot().Clock(), "max(0, 3)+1")
	assert.True(t, local.Snapshot().SameDigests(before), "digests are not overwritten")
}

func TestMerge_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	local := newXY(t, "local")
	peer := newXY(t, "peer")
	update(t, peer, "X", 9, 9)

	res, err := NewCoordinator(Config{Logger: quietLogger()}).Merge(ctx, local, peer.Snapshot(), peer.Buffers())
	require.NoError(t, err)

	assert.Equal(t, consensus.None, res.Verdict.Method)
	assert.Equal(t, StrategyLastWriterWins, res.Strategy)
	assert.True(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.Contains(t, res.Conflicts[0], "last-writer-wins")
	assert.Equal(t, []ir.Dimension{"X"}, res.ConflictingDimensions)
	assert.True(t, local.Snapshot().SameDigests(peer.Snapshot()))
	assert.Equal(t, uint64(1), local.Snapshot().Clock(), "peer snapshot taken at the peer's clock")

	x, err := local.Buffer("X")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, x)
	y, err := local.Buffer("Y")
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, y, "agreeing dimensions keep the local buffer")
}

func TestMerge_Conflicted(t *testing.T) {
	ctx := context.Background()
	local := newXY(t, "local")
	peer := newXY(t, "peer")
	update(t, local, "X", 5)
	update(t, local, "X", 6)
	update(t, peer, "X", 7)
	before := local.Snapshot()

	rec := &strategyRecorder{}
	c := NewCoordinator(Config{Logger: quietLogger(), Recorder: rec})
	res, err := c.Merge(ctx, local, peer.Snapshot(), nil)
	require.NoError(t, err, "disagreement is not an error")

	assert.False(t, res.Success)
	assert.Equal(t, StrategyConflicted, res.Strategy)
	assert.Equal(t, []ir.Dimension{"X"}, res.ConflictingDimensions)
	assert.Equal(t, before, local.Snapshot())
	assert.Equal(t, Idle, c.State(), "returns to idle after a conflict")
	assert.Equal(t, []string{"conflicted"}, rec.strategies)
}

func TestMerge_AdvisedPerDimension(t *testing.T) {
	ctx := context.Background()
	local := newXY(t, "local")
	peer := newXY(t, "peer")
	update(t, local, "Y", 'l')
	update(t, peer, "X", 'p')

	var (
		c    *Coordinator
		seen State
	)
	c = NewCoordinator(Config{
		Logger: quietLogger(),
		Advisor: AdvisorFunc(func(l, p ir.Snapshot) Suggestion {
			seen = c.State()
			return Suggestion{Confidence: 0.9, Dimensions: map[ir.Dimension]bool{"X": true}}
		}),
	})

	res, err := c.Merge(ctx, local, peer.Snapshot(), peer.Buffers())
	require.NoError(t, err)

	assert.Equal(t, Evaluating, seen)
	assert.Equal(t, StrategyAdvisedMerge, res.Strategy)
	assert.True(t, res.Success)
	assert.Equal(t, peer.Snapshot().Digest(0), res.Snapshot.Digest(0), "X from peer")
	assert.NotEqual(t, peer.Snapshot().Digest(1), res.Snapshot.Digest(1), "Y kept local")
	assert.Equal(t, uint64(2), res.Snapshot.Clock())

	x, err := local.Buffer("X")
	require.NoError(t, err)
	assert.Equal(t, []byte{'p'}, x)
	y, err := local.Buffer("Y")
	require.NoError(t, err)
	assert.Equal(t, []byte{'l'}, y)
}

func TestMerge_AdvisorAtThresholdIsIgnored(t *testing.T) {
	ctx := context.Background()
	local := newXY(t, "local")
	peer := newXY(t, "peer")
	update(t, local, "X", 1)
	update(t, peer, "X", 2)

	c := NewCoordinator(Config{
		Logger: quietLogger(),
		Advisor: AdvisorFunc(func(l, p ir.Snapshot) Suggestion {
			return Suggestion{Confidence: DefaultThreshold, PreferPeer: true}
		}),
	})
	res, err := c.Merge(ctx, local, peer.Snapshot(), nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyConflicted, res.Strategy, "confidence must exceed the threshold")
}

func TestMerge_ZeroThresholdIsNotDefaulted(t *testing.T) {
	ctx := context.Background()
	advisor := AdvisorFunc(func(l, p ir.Snapshot) Suggestion {
		return Suggestion{Confidence: 0.1, PreferPeer: true}
	})

	tests := []struct {
		name      string
		threshold *float64
		want      Strategy
	}{
		{"unset uses default", nil, StrategyConflicted},
		{"explicit zero", ptr(0.0), StrategyAdvisedMerge},
		{"explicit high", ptr(0.5), StrategyConflicted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := newXY(t, "local")
			peer := newXY(t, "peer")
			update(t, local, "X", 1)
			update(t, peer, "X", 2)

			c := NewCoordinator(Config{Logger: quietLogger(), Advisor: advisor, Threshold: tt.threshold})
			res, err := c.Merge(ctx, local, peer.Snapshot(), peer.Buffers())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Strategy)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestMerge_IncompatibleShape(t *testing.T) {
	local := newXY(t, "local")
	peer := newEngine(t, "peer", ir.MustDimensionSet("X", "Z"), map[ir.Dimension][]byte{"X": {1, 2}})

	c := NewCoordinator(Config{Logger: quietLogger()})
	_, err := c.Merge(context.Background(), local, peer.Snapshot(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ir.ErrIncompatibleDimensionSet)
	assert.Equal(t, Idle, c.State())
}

func TestMerge_RejectsUnverifiedPeer(t *testing.T) {
	local := newXY(t, "local")
	forged := ir.NewSnapshot(constCombiner{}, setXY.Shape(), local.Snapshot().Digests(), 9, ir.Genesis)

	_, err := NewCoordinator(Config{Logger: quietLogger()}).Merge(context.Background(), local, forged, nil)
	assert.ErrorIs(t, err, ir.ErrCorruptSnapshot)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "evaluating", Evaluating.String())
	assert.Equal(t, "resolved", Resolved.String())
	assert.Equal(t, "conflicted", Conflicted.String())
}
