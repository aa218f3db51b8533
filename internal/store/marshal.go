package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/blockstate/internal/ir"
)

// marshalCanonical converts v to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalCanonical(what string, v any) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(data), nil
}

// unmarshalText parses JSON TEXT into v.
func unmarshalText(what, data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return nil
}

// toInt64 narrows a counter for SQLite, which stores signed 64-bit
// integers only.
func toInt64(what string, v uint64) (int64, error) {
	if v > 1<<63-1 {
		return 0, fmt.Errorf("%s %d does not fit an SQLite integer", what, v)
	}
	return int64(v), nil
}
