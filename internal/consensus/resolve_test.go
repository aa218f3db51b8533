package consensus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blockstate/internal/codec"
	"github.com/roach88/blockstate/internal/ir"
)

var testCodec = codec.SHA256()

// snap builds a snapshot over set from single-byte values; 0 means unset.
func snap(set ir.DimensionSet, clock uint64, vals ...byte) ir.Snapshot {
	digests := make([]ir.Digest, set.Len())
	for i, v := range vals {
		if v != 0 {
			digests[i] = testCodec.Hash([]byte{v}, codec.PrecisionOpaque)
		}
	}
	return ir.NewSnapshot(testCodec, set.Shape(), digests, clock, ir.Genesis)
}

func TestResolve_Exact(t *testing.T) {
	set := ir.DefaultDimensionSet()
	p := DefaultPolicy()
	a := snap(set, 3, 1, 2, 3, 4, 5)
	b := snap(set, 9, 1, 2, 3, 4, 5)

	v := Resolve(a, b, set, p)
	assert.Equal(t, Exact, v.Method)
	assert.Equal(t, 0, v.ConvergenceSteps)
	assert.Len(t, v.Matching, 5)
}

func TestResolve_ExactSymmetric(t *testing.T) {
	set := ir.DefaultDimensionSet()
	p := DefaultPolicy()
	a := snap(set, 1, 1, 2, 3, 4, 5)
	b := snap(set, 7, 1, 2, 3, 4, 5)

	assert.Equal(t, Exact, Resolve(a, b, set, p).Method)
	assert.Equal(t, Exact, Resolve(b, a, set, p).Method)
}

func TestResolve_Majority(t *testing.T) {
	set := ir.DefaultDimensionSet()
	p := DefaultPolicy()
	// Node and Edge match (2 of the 3 quorum dims), Incidence differs.
	a := snap(set, 2, 1, 2, 3, 4, 5)
	b := snap(set, 4, 1, 2, 9, 9, 9)

	v := Resolve(a, b, set, p)
	assert.Equal(t, Majority, v.Method)
	assert.Equal(t, 7, v.ConvergenceSteps)
}

func TestResolve_Partial(t *testing.T) {
	set := ir.DefaultDimensionSet()
	p := DefaultPolicy()
	// Only Incidence (anchor) and Graph match.
	a := snap(set, 0, 1, 2, 3, 4, 5)
	b := snap(set, 5, 8, 8, 3, 4, 8)

	v := Resolve(a, b, set, p)
	assert.Equal(t, Partial, v.Method)
	assert.Equal(t, PartialSteps(5, DefaultMaxSteps), v.ConvergenceSteps)
}

func TestResolve_None(t *testing.T) {
	set := ir.DefaultDimensionSet()
	p := DefaultPolicy()
	a := snap(set, 0, 1, 2, 3, 4, 5)
	b := snap(set, 1, 6, 7, 8, 9, 10)

	v := Resolve(a, b, set, p)
	assert.Equal(t, None, v.Method)
	assert.Equal(t, DefaultMaxSteps, v.ConvergenceSteps)
}

func TestResolve_ShapeMismatchIsNone(t *testing.T) {
	set := ir.DefaultDimensionSet()
	other := ir.MustDimensionSet("X", "Y")
	a := snap(set, 0, 1, 2, 3, 4, 5)
	b := snap(other, 0, 1, 2)

	assert.Equal(t, None, Resolve(a, b, set, DefaultPolicy()).Method)
}

func TestPartialSteps_MonotonicAndCapped(t *testing.T) {
	prev := 0
	for gap := uint64(0); gap < 1<<20; gap = gap*2 + 1 {
		steps := PartialSteps(gap, DefaultMaxSteps)
		assert.GreaterOrEqual(t, steps, prev, "gap %d", gap)
		assert.LessOrEqual(t, steps, DefaultMaxSteps)
		prev = steps
	}
	assert.Equal(t, 1, PartialSteps(0, DefaultMaxSteps))
	assert.Equal(t, 2, PartialSteps(1, DefaultMaxSteps))
	assert.Equal(t, DefaultMaxSteps, PartialSteps(^uint64(0), DefaultMaxSteps))
}

func TestPolicyFor_CustomSet(t *testing.T) {
	set := ir.MustDimensionSet("X", "Y")
	p := PolicyFor(set)

	require.NoError(t, p.Validate(set))
	assert.Equal(t, []ir.Dimension{"X", "Y"}, p.Quorum)
	assert.Equal(t, 2, p.QuorumMin)
	assert.Equal(t, ir.Dimension("X"), p.Anchor)
}

func TestPolicyFor_DefaultSet(t *testing.T) {
	p := PolicyFor(ir.DefaultDimensionSet())
	assert.Equal(t, DefaultPolicy(), p)
}

func TestPolicy_Validate(t *testing.T) {
	set := ir.DefaultDimensionSet()
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"empty quorum", func(p *Policy) { p.Quorum = nil }},
		{"unknown quorum dim", func(p *Policy) { p.Quorum = []ir.Dimension{"Nope"} }},
		{"repeated quorum dim", func(p *Policy) { p.Quorum = []ir.Dimension{ir.DimNode, ir.DimNode} }},
		{"quorum min too high", func(p *Policy) { p.QuorumMin = 4 }},
		{"quorum min zero", func(p *Policy) { p.QuorumMin = 0 }},
		{"unknown anchor", func(p *Policy) { p.Anchor = "Nope" }},
		{"majority above max", func(p *Policy) { p.MajoritySteps = 20 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate(set)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ir.ErrInvalidPolicy))
		})
	}
	assert.NoError(t, DefaultPolicy().Validate(set))
}
