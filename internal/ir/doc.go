// Package ir provides the shared data model for blockstate.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the data model the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Snapshots are immutable once built; accessors return copies
//   - A snapshot's combined digest is always consistent with its digests
//   - Dimension sets are fixed at construction and identical across peers
//   - Logical clocks only, never wall-clock timestamps, for ordering
//   - All JSON tags use snake_case
package ir
