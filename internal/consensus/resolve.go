package consensus

import (
	"math/bits"

	"github.com/roach88/blockstate/internal/ir"
)

// Method classifies agreement between two snapshots.
type Method string

const (
	Exact    Method = "exact"
	Majority Method = "majority"
	Partial  Method = "partial"
	None     Method = "none"
)

// Agrees reports whether the method declares agreement strong enough to
// override clock ordering.
func (m Method) Agrees() bool {
	return m == Exact || m == Majority
}

// Verdict is the outcome of Resolve.
type Verdict struct {
	Method           Method         `json:"method"`
	ConvergenceSteps int            `json:"convergence_steps"`
	Matching         []ir.Dimension `json:"matching,omitempty"`
}

// Resolve classifies local against peer. It is pure and total: snapshots
// of different lengths or shapes resolve to None.
func Resolve(local, peer ir.Snapshot, set ir.DimensionSet, p Policy) Verdict {
	if local.Len() != set.Len() || peer.Len() != set.Len() || local.Shape() != peer.Shape() {
		return Verdict{Method: None, ConvergenceSteps: p.MaxSteps}
	}

	var matching []ir.Dimension
	for i := 0; i < set.Len(); i++ {
		if local.Digest(i) == peer.Digest(i) {
			matching = append(matching, set.Name(i))
		}
	}

	// Rule 1: exact
	if len(matching) == set.Len() {
		return Verdict{Method: Exact, ConvergenceSteps: 0, Matching: matching}
	}

	// Rule 2: majority over the quorum list
	quorumHits := 0
	for _, d := range p.Quorum {
		if i, ok := set.Index(d); ok && local.Digest(i) == peer.Digest(i) {
			quorumHits++
		}
	}
	if p.QuorumMin > 0 && quorumHits >= p.QuorumMin {
		return Verdict{Method: Majority, ConvergenceSteps: p.MajoritySteps, Matching: matching}
	}

	// Rule 3: anchor
	if i, ok := set.Index(p.Anchor); ok && local.Digest(i) == peer.Digest(i) {
		return Verdict{
			Method:           Partial,
			ConvergenceSteps: PartialSteps(clockGap(local.Clock(), peer.Clock()), p.MaxSteps),
			Matching:         matching,
		}
	}

	return Verdict{Method: None, ConvergenceSteps: p.MaxSteps, Matching: matching}
}

// PartialSteps estimates convergence for an anchor-only match:
// min(maxSteps, 1 + bitlen(gap)), i.e. 1 + ceil-ish log2 of the clock gap.
// Monotonically non-decreasing in gap and capped at maxSteps.
func PartialSteps(gap uint64, maxSteps int) int {
	return min(maxSteps, 1+bits.Len64(gap))
}

func clockGap(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
