package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blockstate/internal/address"
	"github.com/roach88/blockstate/internal/codec"
	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/router"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.Dimensions.Equal(ir.DefaultDimensionSet()))
	assert.Equal(t, codec.NameSHA256, p.Codec.Name())
	assert.Equal(t, codec.PrecisionOpaque, p.Precision)
	assert.Equal(t, consensus.DefaultPolicy(), p.Consensus)
	assert.Equal(t, 0.7, p.Threshold)
	assert.Equal(t, address.DefaultLayout(), p.Layout)
	assert.False(t, p.Retention.Enabled())
	assert.Equal(t, router.DefaultGapTimeout, p.GapTimeout)
	assert.Zero(t, p.FlushEvery)
	assert.Nil(t, p.Limiter())
}

func TestParsePolicy_CustomSet(t *testing.T) {
	src := `
dimensions: ["X", "Y", "Z"]
codec: "blake2b-256"
consensus: {
	quorum: ["X", "Y"]
	anchor: "Z"
	max_steps: 20
}
merge: threshold: 0.9
address: {prefix_bits: 8, node_bits: 8, clock_bits: 48}
retention: {max_entries: 100, max_age: "1h"}
router: {gap_timeout: "250ms", flush_every: "100ms", sync_rate: 10, sync_burst: 5}
`
	p, err := ParsePolicy([]byte(src), "custom.cue")
	require.NoError(t, err)

	assert.Equal(t, []string{"X", "Y", "Z"}, p.Dimensions.Strings())
	assert.Equal(t, codec.NameBLAKE2b, p.Codec.Name())
	assert.Equal(t, []ir.Dimension{"X", "Y"}, p.Consensus.Quorum)
	assert.Equal(t, 2, p.Consensus.QuorumMin)
	assert.Equal(t, ir.Dimension("Z"), p.Consensus.Anchor)
	assert.Equal(t, 20, p.Consensus.MaxSteps)
	assert.Equal(t, 0.9, p.Threshold)
	assert.Equal(t, address.Layout{PrefixBits: 8, NodeBits: 8, ClockBits: 48}, p.Layout)
	assert.Equal(t, 100, p.Retention.MaxEntries)
	assert.Equal(t, time.Hour, p.Retention.MaxAge)
	assert.Equal(t, 250*time.Millisecond, p.GapTimeout)
	assert.Equal(t, 100*time.Millisecond, p.FlushEvery)

	lim := p.Limiter()
	require.NotNil(t, lim)
	assert.Equal(t, 5, lim.Burst())

	assert.Equal(t, "8/8/48", p.Summary()["layout"])
}

func TestParsePolicy_DerivedPolicyForCustomSet(t *testing.T) {
	p, err := ParsePolicy([]byte(`dimensions: ["A", "B"]`), "ab.cue")
	require.NoError(t, err)
	assert.Equal(t, consensus.PolicyFor(p.Dimensions), p.Consensus)
}

func TestParsePolicy_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `dimensions: [`},
		{"unknown field", `colour: "blue"`},
		{"empty dimensions", `dimensions: []`},
		{"duplicate dimension", `dimensions: ["X", "X"]`},
		{"unknown codec", `codec: "md5"`},
		{"threshold range", `merge: threshold: 1.5`},
		{"quorum outside set", `dimensions: ["X"], consensus: quorum: ["Q"]`},
		{"anchor outside set", `consensus: anchor: "Nope"`},
		{"layout too wide", `address: {prefix_bits: 32, node_bits: 32, clock_bits: 32}`},
		{"bad duration", `router: gap_timeout: "soon"`},
		{"bad flush interval", `router: flush_every: "often"`},
		{"negative duration", `retention: max_age: "-1s"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.src), tt.name+".cue")
			require.Error(t, err)
			assert.True(t, ir.IsConfiguration(err), "want configuration error, got %v", err)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(`dimensions: ["X", "Y"]`), 0o644))

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Dimensions.Len())

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

func TestNodeConfig(t *testing.T) {
	e := Env{NodeID: "n1", Prefix: 2, Node: 3, Workers: 4}
	p := DefaultPolicy()
	cfg := NodeConfig(e, p)

	assert.Equal(t, "n1", cfg.ID)
	assert.Equal(t, ir.PeerKey{Prefix: 2, Node: 3}, cfg.Peer)
	assert.Equal(t, 4, cfg.Workers)
	require.NotNil(t, cfg.Policy)
	assert.Equal(t, p.Consensus, *cfg.Policy)
	assert.Nil(t, cfg.Limiter)
	require.NotNil(t, cfg.Threshold)
	assert.Equal(t, 0.7, *cfg.Threshold)
	assert.Zero(t, cfg.FlushEvery)
}

func TestNodeConfig_ZeroThresholdIsKept(t *testing.T) {
	p, err := ParsePolicy([]byte(`merge: threshold: 0`), "zero.cue")
	require.NoError(t, err)

	cfg := NodeConfig(Env{NodeID: "n1"}, p)
	require.NotNil(t, cfg.Threshold)
	assert.Zero(t, *cfg.Threshold)
}
