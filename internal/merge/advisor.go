package merge

import "github.com/roach88/blockstate/internal/ir"

// DefaultThreshold is the confidence an advisor must exceed before its
// suggestion is applied.
const DefaultThreshold = 0.7

// Suggestion is an advisor's confidence-weighted preference.
type Suggestion struct {
	// Confidence in [0, 1]. Applied only when strictly greater than the
	// coordinator's threshold.
	Confidence float64
	// PreferPeer selects the peer's value for every dimension not listed
	// in Dimensions.
	PreferPeer bool
	// Dimensions overrides PreferPeer per dimension: true takes the peer.
	Dimensions map[ir.Dimension]bool
}

// takesPeer reports whether dimension d comes from the peer.
func (s Suggestion) takesPeer(d ir.Dimension) bool {
	if v, ok := s.Dimensions[d]; ok {
		return v
	}
	return s.PreferPeer
}

// Advisor is consulted when consensus is partial or none. Its scoring is
// opaque to the coordinator.
type Advisor interface {
	Suggest(local, peer ir.Snapshot) Suggestion
}

// AdvisorFunc adapts a function to Advisor.
type AdvisorFunc func(local, peer ir.Snapshot) Suggestion

// Suggest calls f.
func (f AdvisorFunc) Suggest(local, peer ir.Snapshot) Suggestion {
	return f(local, peer)
}
