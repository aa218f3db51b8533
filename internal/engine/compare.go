package engine

import (
	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/ir"
)

// Causality is the relationship of the local snapshot to a peer's.
type Causality int

const (
	// Before: local is behind the peer.
	Before Causality = iota + 1
	// After: local is ahead of the peer.
	After
	// Concurrent: neither orders the other, or consensus declares agreement.
	Concurrent
)

// String returns the lowercase name.
func (c Causality) String() string {
	switch c {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Causality) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Compare classifies the current snapshot against peer. It is
// deterministic and side-effect free.
//
// Evaluation order:
//  1. equal clocks                        → concurrent
//  2. consensus exact or majority         → concurrent
//  3. peer is in our own lineage          → after (never before an ancestor)
//  4. otherwise the lower clock is before
func (e *Engine) Compare(peer ir.Snapshot) Causality {
	local := e.current
	if local.Clock() == peer.Clock() {
		return Concurrent
	}
	v := consensus.Resolve(local, peer, e.cfg.Dimensions, e.policy)
	if v.Method.Agrees() {
		return Concurrent
	}
	if e.IsAncestor(peer) {
		return After
	}
	if local.Clock() < peer.Clock() {
		return Before
	}
	return After
}

// Resolve runs the consensus resolver against peer with this engine's
// policy.
func (e *Engine) Resolve(peer ir.Snapshot) consensus.Verdict {
	return consensus.Resolve(e.current, peer, e.cfg.Dimensions, e.policy)
}
