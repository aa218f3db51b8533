package ir

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Dimension names one tracked slot of raw state.
type Dimension string

// Built-in dimensions. DefaultDimensions lists them in their fixed order.
const (
	DimNode       Dimension = "Node"
	DimEdge       Dimension = "Edge"
	DimGraph      Dimension = "Graph"
	DimIncidence  Dimension = "Incidence"
	DimHypergraph Dimension = "Hypergraph"
)

// DefaultDimensions is the process-wide default dimension order.
var DefaultDimensions = []Dimension{DimNode, DimEdge, DimGraph, DimIncidence, DimHypergraph}

// DimensionSet is a fixed, ordered list of unique dimension names.
//
// The set is built once and never changes. Peers interoperate only when
// their shapes (a digest over the ordered names) are equal.
//
// The zero DimensionSet is empty; every constructor that accepts one must
// reject it with ErrEmptyDimensionSet.
type DimensionSet struct {
	names []Dimension
	index map[Dimension]int
	shape Digest
}

// NewDimensionSet builds a set from names in the given order.
// Names are NFC-normalized and trimmed; empty or repeated names are
// configuration errors.
func NewDimensionSet(names ...Dimension) (DimensionSet, error) {
	if len(names) == 0 {
		return DimensionSet{}, ErrEmptyDimensionSet
	}
	s := DimensionSet{
		names: make([]Dimension, 0, len(names)),
		index: make(map[Dimension]int, len(names)),
	}
	var joined strings.Builder
	for _, raw := range names {
		d := NormalizeDimension(raw)
		if d == "" {
			return DimensionSet{}, Errorf(ErrEmptyDimensionSet, map[string]string{"reason": "blank dimension name"})
		}
		if _, dup := s.index[d]; dup {
			return DimensionSet{}, Errorf(ErrDuplicateDimension, map[string]string{"dimension": string(d)})
		}
		s.index[d] = len(s.names)
		s.names = append(s.names, d)
		joined.WriteString(string(d))
		joined.WriteByte(0x00)
	}
	s.shape = hashWithDomain(DomainShape, []byte(joined.String()))
	return s, nil
}

// MustDimensionSet is like NewDimensionSet but panics on error.
// Use only in tests or for compile-time constant sets.
func MustDimensionSet(names ...Dimension) DimensionSet {
	s, err := NewDimensionSet(names...)
	if err != nil {
		panic(err)
	}
	return s
}

// DefaultDimensionSet returns the five built-in dimensions.
func DefaultDimensionSet() DimensionSet {
	return MustDimensionSet(DefaultDimensions...)
}

// NormalizeDimension applies the canonical form used for lookups.
func NormalizeDimension(d Dimension) Dimension {
	return Dimension(norm.NFC.String(strings.TrimSpace(string(d))))
}

// Len returns the number of dimensions.
func (s DimensionSet) Len() int {
	return len(s.names)
}

// Names returns a copy of the ordered names.
func (s DimensionSet) Names() []Dimension {
	out := make([]Dimension, len(s.names))
	copy(out, s.names)
	return out
}

// Strings returns the ordered names as plain strings.
func (s DimensionSet) Strings() []string {
	out := make([]string, len(s.names))
	for i, d := range s.names {
		out[i] = string(d)
	}
	return out
}

// Name returns the dimension at position i.
func (s DimensionSet) Name(i int) Dimension {
	return s.names[i]
}

// Index returns the position of d, or false if d is not a member.
func (s DimensionSet) Index(d Dimension) (int, bool) {
	i, ok := s.index[NormalizeDimension(d)]
	return i, ok
}

// Contains reports membership.
func (s DimensionSet) Contains(d Dimension) bool {
	_, ok := s.Index(d)
	return ok
}

// Shape returns the digest identifying this ordered set.
func (s DimensionSet) Shape() Digest {
	return s.shape
}

// Equal reports whether both sets hold the same names in the same order.
func (s DimensionSet) Equal(other DimensionSet) bool {
	return s.shape == other.shape
}
