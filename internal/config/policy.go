package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/time/rate"

	"github.com/roach88/blockstate/internal/address"
	"github.com/roach88/blockstate/internal/codec"
	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/engine"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/node"
	"github.com/roach88/blockstate/internal/router"
)

//go:embed policy.cue
var policySchema string

// policyFile mirrors #Policy after defaults are applied.
type policyFile struct {
	Dimensions []string `json:"dimensions"`
	Codec      string   `json:"codec"`
	Precision  string   `json:"precision"`
	Consensus  struct {
		Quorum        []string `json:"quorum"`
		QuorumMin     int      `json:"quorum_min"`
		Anchor        string   `json:"anchor"`
		MajoritySteps int      `json:"majority_steps"`
		MaxSteps      int      `json:"max_steps"`
	} `json:"consensus"`
	Merge struct {
		Threshold float64 `json:"threshold"`
	} `json:"merge"`
	Address struct {
		PrefixBits uint `json:"prefix_bits"`
		NodeBits   uint `json:"node_bits"`
		ClockBits  uint `json:"clock_bits"`
	} `json:"address"`
	Retention struct {
		MaxEntries int    `json:"max_entries"`
		MaxAge     string `json:"max_age"`
	} `json:"retention"`
	Router struct {
		GapTimeout string  `json:"gap_timeout"`
		FlushEvery string  `json:"flush_every"`
		SyncRate   float64 `json:"sync_rate"`
		SyncBurst  int     `json:"sync_burst"`
	} `json:"router"`
}

// Policy is a validated replication policy.
type Policy struct {
	Dimensions ir.DimensionSet
	Codec      codec.Codec
	Precision  codec.Precision
	Consensus  consensus.Policy
	Threshold  float64
	Layout     address.Layout
	Retention  engine.RetentionPolicy
	GapTimeout time.Duration
	// FlushEvery is the background gap flush interval; zero disables it.
	FlushEvery time.Duration

	// SyncRate is messages per second for Sync; zero means unpaced.
	SyncRate  float64
	SyncBurst int
}

// DefaultPolicy returns the built-in policy (an empty policy file).
func DefaultPolicy() Policy {
	p, err := ParsePolicy([]byte(""), "default.cue")
	if err != nil {
		// The embedded schema has a default for every field.
		panic(fmt.Sprintf("config: default policy: %v", err))
	}
	return p
}

// LoadPolicyFile reads and validates a CUE policy file.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data, path)
}

// ParsePolicy validates CUE source against #Policy and converts it.
// Errors carry CUE positions when available.
func ParsePolicy(src []byte, filename string) (Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(policySchema, cue.Filename("policy.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, fmt.Errorf("compile policy schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Policy"))

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Policy{}, configErr("parse", err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, configErr("validate", err)
	}

	var raw policyFile
	if err := unified.Decode(&raw); err != nil {
		return Policy{}, configErr("decode", err)
	}
	return raw.convert()
}

func (f policyFile) convert() (Policy, error) {
	names := make([]ir.Dimension, len(f.Dimensions))
	for i, d := range f.Dimensions {
		names[i] = ir.Dimension(d)
	}
	set, err := ir.NewDimensionSet(names...)
	if err != nil {
		return Policy{}, err
	}

	c, err := codec.ByName(f.Codec)
	if err != nil {
		return Policy{}, configErr("codec", err)
	}

	cp := consensus.PolicyFor(set)
	if len(f.Consensus.Quorum) > 0 {
		cp.Quorum = make([]ir.Dimension, len(f.Consensus.Quorum))
		for i, d := range f.Consensus.Quorum {
			cp.Quorum[i] = ir.NormalizeDimension(ir.Dimension(d))
		}
		cp.QuorumMin = len(cp.Quorum)/2 + 1
	}
	if f.Consensus.QuorumMin > 0 {
		cp.QuorumMin = f.Consensus.QuorumMin
	}
	if f.Consensus.Anchor != "" {
		cp.Anchor = ir.NormalizeDimension(ir.Dimension(f.Consensus.Anchor))
	}
	cp.MajoritySteps = f.Consensus.MajoritySteps
	cp.MaxSteps = f.Consensus.MaxSteps
	if err := cp.Validate(set); err != nil {
		return Policy{}, err
	}

	layout := address.Layout{
		PrefixBits: f.Address.PrefixBits,
		NodeBits:   f.Address.NodeBits,
		ClockBits:  f.Address.ClockBits,
	}
	if err := layout.Validate(); err != nil {
		return Policy{}, err
	}

	maxAge, err := parseDuration("retention.max_age", f.Retention.MaxAge)
	if err != nil {
		return Policy{}, err
	}
	gap, err := parseDuration("router.gap_timeout", f.Router.GapTimeout)
	if err != nil {
		return Policy{}, err
	}
	if gap == 0 {
		gap = router.DefaultGapTimeout
	}
	flush, err := parseDuration("router.flush_every", f.Router.FlushEvery)
	if err != nil {
		return Policy{}, err
	}

	return Policy{
		Dimensions: set,
		Codec:      c,
		Precision:  codec.Precision(f.Precision),
		Consensus:  cp,
		Threshold:  f.Merge.Threshold,
		Layout:     layout,
		Retention:  engine.RetentionPolicy{MaxEntries: f.Retention.MaxEntries, MaxAge: maxAge},
		GapTimeout: gap,
		FlushEvery: flush,
		SyncRate:   f.Router.SyncRate,
		SyncBurst:  f.Router.SyncBurst,
	}, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, configErr(field, err)
	}
	if d < 0 {
		return 0, configErr(field, fmt.Errorf("negative duration %s", s))
	}
	return d, nil
}

// Limiter returns a token bucket for Sync, or nil when unpaced.
func (p Policy) Limiter() *rate.Limiter {
	if p.SyncRate <= 0 {
		return nil
	}
	burst := p.SyncBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(p.SyncRate), burst)
}

// Summary renders the policy as plain values for display.
func (p Policy) Summary() map[string]any {
	rateText := "unpaced"
	if p.SyncRate > 0 {
		rateText = fmt.Sprintf("%g/s burst %d", p.SyncRate, p.SyncBurst)
	}
	return map[string]any{
		"dimensions":     p.Dimensions.Strings(),
		"codec":          p.Codec.Name(),
		"precision":      string(p.Precision),
		"quorum":         dimensionStrings(p.Consensus.Quorum),
		"quorum_min":     p.Consensus.QuorumMin,
		"anchor":         string(p.Consensus.Anchor),
		"majority_steps": p.Consensus.MajoritySteps,
		"max_steps":      p.Consensus.MaxSteps,
		"threshold":      p.Threshold,
		"layout":         fmt.Sprintf("%d/%d/%d", p.Layout.PrefixBits, p.Layout.NodeBits, p.Layout.ClockBits),
		"max_entries":    p.Retention.MaxEntries,
		"max_age":        p.Retention.MaxAge.String(),
		"gap_timeout":    p.GapTimeout.String(),
		"flush_every":    p.FlushEvery.String(),
		"sync":           rateText,
	}
}

func dimensionStrings(ds []ir.Dimension) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}

func configErr(stage string, err error) error {
	return ir.Errorf(ir.ErrInvalidPolicy, map[string]string{
		"stage":  stage,
		"reason": err.Error(),
	})
}

// NodeConfig combines the identity from e with the policy. Transport,
// archive, metrics and logger are left for the caller.
func NodeConfig(e Env, p Policy) node.Config {
	cp := p.Consensus
	return node.Config{
		ID:         e.NodeID,
		Peer:       ir.PeerKey{Prefix: e.Prefix, Node: e.Node},
		Layout:     p.Layout,
		Dimensions: p.Dimensions,
		Codec:      p.Codec,
		Workers:    e.Workers,
		Precision:  p.Precision,
		Policy:     &cp,
		Retention:  p.Retention,
		Threshold:  &p.Threshold,
		GapTimeout: p.GapTimeout,
		FlushEvery: p.FlushEvery,
		Limiter:    p.Limiter(),
	}
}
