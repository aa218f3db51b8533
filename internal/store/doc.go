// Package store provides SQLite-backed durable storage for node state.
//
// A node is stored as the rows of its export:
//   - nodes: identity, codec, dimension set and sequence counters
//   - snapshots: history in append order
//   - buffers: raw dimension bytes of the current snapshot
//   - queued_messages: outbound queues and buffered inbound messages
//   - branches: one exported engine per branch
//
// SaveNode rewrites all rows of one node in a single transaction, so a
// reader never sees a half-written node. LoadNode reassembles the export.
//
// # Determinism
//
// Every query orders by an explicit key (position, peer, name), never by
// rowid, so LoadNode returns byte-identical exports for identical saves.
// JSON columns hold RFC 8785 canonical JSON produced by ir.MarshalCanonical.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
