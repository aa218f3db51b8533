package consensus

import (
	"fmt"

	"github.com/roach88/blockstate/internal/ir"
)

// Default policy constants.
const (
	DefaultMajoritySteps = 7
	DefaultMaxSteps      = 14
	DefaultQuorumMin     = 2
)

// DefaultQuorum lists the quorum dimensions of the built-in set.
var DefaultQuorum = []ir.Dimension{ir.DimNode, ir.DimEdge, ir.DimIncidence}

// DefaultAnchor is the structural-incidence dimension of the built-in set.
const DefaultAnchor = ir.DimIncidence

// Policy holds the tie-break constants. They are configuration, not
// correctness guarantees.
type Policy struct {
	Quorum        []ir.Dimension `json:"quorum"`
	QuorumMin     int            `json:"quorum_min"`
	Anchor        ir.Dimension   `json:"anchor"`
	MajoritySteps int            `json:"majority_steps"`
	MaxSteps      int            `json:"max_steps"`
}

// DefaultPolicy returns the 2-of-3 {Node, Edge, Incidence} quorum with the
// Incidence anchor.
func DefaultPolicy() Policy {
	return Policy{
		Quorum:        append([]ir.Dimension(nil), DefaultQuorum...),
		QuorumMin:     DefaultQuorumMin,
		Anchor:        DefaultAnchor,
		MajoritySteps: DefaultMajoritySteps,
		MaxSteps:      DefaultMaxSteps,
	}
}

// PolicyFor returns DefaultPolicy when set contains the built-in quorum and
// anchor. For custom sets the quorum is the first min(3, n) dimensions with
// a strict-majority threshold, and the anchor is the first dimension.
func PolicyFor(set ir.DimensionSet) Policy {
	p := DefaultPolicy()
	if p.Validate(set) == nil {
		return p
	}
	n := min(3, set.Len())
	if n == 0 {
		return p
	}
	p.Quorum = set.Names()[:n]
	p.QuorumMin = n/2 + 1
	p.Anchor = set.Name(0)
	return p
}

// Validate checks the policy against a dimension set.
func (p Policy) Validate(set ir.DimensionSet) error {
	if set.Len() == 0 {
		return ir.ErrEmptyDimensionSet
	}
	if len(p.Quorum) == 0 {
		return invalid("quorum is empty")
	}
	seen := make(map[ir.Dimension]bool, len(p.Quorum))
	for _, d := range p.Quorum {
		if !set.Contains(d) {
			return invalid(fmt.Sprintf("quorum dimension %q not in set", d))
		}
		if seen[d] {
			return invalid(fmt.Sprintf("quorum dimension %q repeated", d))
		}
		seen[d] = true
	}
	if p.QuorumMin < 1 || p.QuorumMin > len(p.Quorum) {
		return invalid(fmt.Sprintf("quorum_min %d outside 1..%d", p.QuorumMin, len(p.Quorum)))
	}
	if !set.Contains(p.Anchor) {
		return invalid(fmt.Sprintf("anchor dimension %q not in set", p.Anchor))
	}
	if p.MajoritySteps < 0 || p.MaxSteps < 1 {
		return invalid("step bounds must be positive")
	}
	if p.MajoritySteps > p.MaxSteps {
		return invalid(fmt.Sprintf("majority_steps %d exceeds max_steps %d", p.MajoritySteps, p.MaxSteps))
	}
	return nil
}

func invalid(reason string) error {
	return ir.Errorf(ir.ErrInvalidPolicy, map[string]string{"reason": reason})
}
