// Package merge decides how a node reconciles its state with a peer
// snapshot.
//
// The Coordinator runs the consensus resolver and then, first match wins:
//
//	exact              → exact-noop        (nothing changes)
//	majority           → majority-advance  (clock to max+1, digests kept)
//	advisor confident  → advised-merge     (per-dimension pick, clock to max+1)
//	peer clock greater → last-writer-wins  (adopt peer at its clock, conflict noted)
//	otherwise          → conflicted        (success=false, nothing changes)
//
// Disagreement is a result, never an error. Merge fails only when the peer
// snapshot has a different dimension set shape or does not verify.
package merge
