// Package engine implements the vector clock engine of one node.
//
// An Engine owns a node's current snapshot, its logical (Lamport) clock,
// the raw bytes of every dimension and an append-only history of every
// snapshot it produced or adopted.
//
// ARCHITECTURE:
//
// Single-Writer:
// An Engine is not synchronized. The node actor (internal/node) owns the
// engine of its main line and of every branch, and runs all calls on one
// goroutine. This keeps history totally ordered by clock and makes
// replays reproducible.
//
// Mutation Flow:
//  1. Buffers are hashed through a codec.Pool (possibly concurrently)
//  2. Only once every digest is known is a snapshot built
//  3. The snapshot is chained to the previous one (Previous = old Combined)
//  4. It is appended to history and becomes current
//  5. The retention policy runs; pruned entries go to the Archive
//
// CRITICAL PATTERNS:
//
// Logical Clocks:
// Clock values come from Clock, never from wall time. Local updates use
// Next; adoption from a peer uses Witness (max(local, peer)+1). Wall time
// is only used to age history entries for retention.
//
// Causality:
// Compare never reports Before for a snapshot in the engine's own lineage.
package engine
