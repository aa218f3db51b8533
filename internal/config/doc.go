// Package config loads node configuration.
//
// Process settings (database path, node identity, log level) come from
// BLOCKSTATE_* environment variables. Replication policy (dimension set,
// consensus constants, address layout, retention, router pacing) comes
// from a CUE file validated against the embedded #Policy schema.
package config
