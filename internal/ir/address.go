package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies a node for routing: a routing prefix (peer-group
// identity), a node id and the node's logical clock at the time the
// address was derived.
//
// Addresses are derived data. They are regenerated whenever the clock
// changes and are never mutated in place. Packing into a fixed-width
// integer lives in internal/address.
type Address struct {
	Prefix uint64 `json:"prefix"`
	Node   uint64 `json:"node"`
	Clock  uint64 `json:"clock"`
}

// PeerKey is the clock-independent part of an Address. Queues and
// per-sender ordering state are keyed by it.
type PeerKey struct {
	Prefix uint64 `json:"prefix"`
	Node   uint64 `json:"node"`
}

// Peer returns the clock-independent identity.
func (a Address) Peer() PeerKey {
	return PeerKey{Prefix: a.Prefix, Node: a.Node}
}

// WithClock returns a copy of a stamped with clock.
func (a Address) WithClock(clock uint64) Address {
	a.Clock = clock
	return a
}

// String renders prefix:node:clock in hex.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%04x:%08x", a.Prefix, a.Node, a.Clock)
}

// String renders prefix:node in hex.
func (k PeerKey) String() string {
	return fmt.Sprintf("%04x:%04x", k.Prefix, k.Node)
}

// Address returns the peer address stamped with clock.
func (k PeerKey) Address(clock uint64) Address {
	return Address{Prefix: k.Prefix, Node: k.Node, Clock: clock}
}

// ParseAddress parses prefix:node[:clock] hex text.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return Address{}, fmt.Errorf("parse address %q: want prefix:node[:clock]", s)
	}
	vals := make([]uint64, 3)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 64)
		if err != nil {
			return Address{}, fmt.Errorf("parse address %q: %w", s, err)
		}
		vals[i] = v
	}
	return Address{Prefix: vals[0], Node: vals[1], Clock: vals[2]}, nil
}

// ParsePeerKey parses prefix:node hex text; a trailing clock is ignored.
func ParsePeerKey(s string) (PeerKey, error) {
	a, err := ParseAddress(s)
	if err != nil {
		return PeerKey{}, err
	}
	return a.Peer(), nil
}
