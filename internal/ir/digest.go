package ir

import (
	"encoding/hex"
	"fmt"
)

// DigestSize is the fixed digest length in bytes (256-bit).
const DigestSize = 32

// genesisText is the text form of a lineage root's previous digest.
const genesisText = "genesis"

// Digest is a fixed-length content hash.
//
// The zero Digest doubles as the "unset" value of a dimension and as the
// previous digest of a lineage root (Genesis).
type Digest [DigestSize]byte

// Genesis is the previous digest of the first snapshot in a lineage.
var Genesis Digest

// IsZero reports whether d is the unset/genesis digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns a 12-character prefix for logs.
func (d Digest) Short() string {
	if d.IsZero() {
		return genesisText
	}
	return d.String()[:12]
}

// MarshalText encodes the zero digest as an empty string and everything
// else as hex.
func (d Digest) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText accepts "", "genesis" or 64 hex characters.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses the text form produced by MarshalText or String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if s == "" || s == genesisText {
		return d, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// formatPrevious renders a previous-digest pointer, spelling out genesis.
func formatPrevious(d Digest) string {
	if d.IsZero() {
		return genesisText
	}
	return d.String()
}
