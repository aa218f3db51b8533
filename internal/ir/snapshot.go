package ir

import (
	"encoding/json"
	"fmt"
)

// Combiner folds ordered per-dimension digests into a combined digest.
// Implemented by codec.Codec.
type Combiner interface {
	Combine(digests []Digest) Digest
}

// Snapshot is an immutable record of one digest per tracked dimension at
// one logical instant.
//
// INVARIANTS:
//   - combined == Combiner.Combine(digests) for the codec that built it
//   - digests are ordered by the DimensionSet whose shape is recorded
//   - accessors never expose the internal slice
type Snapshot struct {
	digests  []Digest
	clock    uint64
	previous Digest
	combined Digest
	shape    Digest
}

// NewSnapshot builds a snapshot and computes its combined digest.
// The digests slice is copied.
func NewSnapshot(c Combiner, shape Digest, digests []Digest, clock uint64, previous Digest) Snapshot {
	own := make([]Digest, len(digests))
	copy(own, digests)
	return Snapshot{
		digests:  own,
		clock:    clock,
		previous: previous,
		combined: c.Combine(own),
		shape:    shape,
	}
}

// Digests returns a copy of the ordered per-dimension digests.
func (s Snapshot) Digests() []Digest {
	out := make([]Digest, len(s.digests))
	copy(out, s.digests)
	return out
}

// Digest returns the digest at dimension position i.
func (s Snapshot) Digest(i int) Digest {
	return s.digests[i]
}

// Len returns the number of dimensions recorded.
func (s Snapshot) Len() int {
	return len(s.digests)
}

// Clock returns the logical clock at which the snapshot was produced.
func (s Snapshot) Clock() uint64 {
	return s.clock
}

// Previous returns the combined digest of the preceding snapshot, or
// Genesis for a lineage root.
func (s Snapshot) Previous() Digest {
	return s.previous
}

// Combined returns the Merkle root over all per-dimension digests.
func (s Snapshot) Combined() Digest {
	return s.combined
}

// Shape returns the digest of the dimension set the snapshot was built for.
func (s Snapshot) Shape() Digest {
	return s.shape
}

// IsGenesis reports whether the snapshot starts a lineage.
func (s Snapshot) IsGenesis() bool {
	return s.previous.IsZero()
}

// IsZero reports whether s is the zero Snapshot (never built).
func (s Snapshot) IsZero() bool {
	return len(s.digests) == 0 && s.combined.IsZero()
}

// Verify recomputes the combined digest and compares it with the stored one.
func (s Snapshot) Verify(c Combiner) bool {
	return c.Combine(s.digests) == s.combined
}

// SameDigests reports whether every per-dimension digest is equal.
func (s Snapshot) SameDigests(other Snapshot) bool {
	if len(s.digests) != len(other.digests) {
		return false
	}
	for i := range s.digests {
		if s.digests[i] != other.digests[i] {
			return false
		}
	}
	return true
}

// DiffIndices returns the dimension positions whose digests differ.
// Positions present on only one side count as differing.
func (s Snapshot) DiffIndices(other Snapshot) []int {
	n := max(len(s.digests), len(other.digests))
	var out []int
	for i := 0; i < n; i++ {
		if i >= len(s.digests) || i >= len(other.digests) || s.digests[i] != other.digests[i] {
			out = append(out, i)
		}
	}
	return out
}

// DigestMap returns the digests keyed by dimension name.
func (s Snapshot) DigestMap(set DimensionSet) map[Dimension]Digest {
	out := make(map[Dimension]Digest, set.Len())
	for i := 0; i < set.Len() && i < len(s.digests); i++ {
		out[set.Name(i)] = s.digests[i]
	}
	return out
}

// String returns a short human-readable form.
func (s Snapshot) String() string {
	return fmt.Sprintf("snapshot{clock=%d combined=%s previous=%s}", s.clock, s.combined.Short(), s.previous.Short())
}

// snapshotWire is the serialized form of a Snapshot.
type snapshotWire struct {
	Digests      []Digest `json:"digests"`
	LogicalClock uint64   `json:"logical_clock"`
	Previous     string   `json:"previous"`
	Combined     Digest   `json:"combined"`
	Shape        Digest   `json:"shape"`
}

// MarshalJSON implements json.Marshaler.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	digests := s.digests
	if digests == nil {
		digests = []Digest{}
	}
	return json.Marshal(snapshotWire{
		Digests:      digests,
		LogicalClock: s.clock,
		Previous:     formatPrevious(s.previous),
		Combined:     s.combined,
		Shape:        s.shape,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
// The decoded snapshot is not verified; callers holding a Combiner must
// call Verify before trusting it.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	prev, err := ParseDigest(w.Previous)
	if err != nil {
		return fmt.Errorf("unmarshal snapshot previous: %w", err)
	}
	*s = Snapshot{
		digests:  w.Digests,
		clock:    w.LogicalClock,
		previous: prev,
		combined: w.Combined,
		shape:    w.Shape,
	}
	return nil
}
