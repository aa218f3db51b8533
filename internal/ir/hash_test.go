package ir

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256Combiner is a minimal Combiner for tests in this package.
type sha256Combiner struct{}

func (sha256Combiner) Combine(ds []Digest) Digest {
	parts := make([][]byte, len(ds))
	for i := range ds {
		parts[i] = ds[i][:]
	}
	return SumWithDomain(sha256.New, DomainCombined, parts...)
}

func digestOf(s string) Digest {
	return hashWithDomain(DomainDimension, []byte(s))
}

func TestSumWithDomainDeterminism(t *testing.T) {
	d1 := SumWithDomain(sha256.New, DomainDimension, []byte("abc"))
	d2 := SumWithDomain(sha256.New, DomainDimension, []byte("abc"))
	assert.Equal(t, d1, d2)
	assert.Len(t, d1.String(), 64, "SHA-256 hex is 64 characters")
}

func TestSumWithDomainSeparatesDomains(t *testing.T) {
	d1 := SumWithDomain(sha256.New, DomainDimension, []byte("abc"))
	d2 := SumWithDomain(sha256.New, DomainCombined, []byte("abc"))
	assert.NotEqual(t, d1, d2, "same data under different domains must differ")
}

func TestSumWithDomainNullSeparator(t *testing.T) {
	// Without the 0x00 separator "ab"+"c" and "a"+"bc" would collide.
	d1 := SumWithDomain(sha256.New, "ab", []byte("c"))
	d2 := SumWithDomain(sha256.New, "a", []byte("bc"))
	assert.NotEqual(t, d1, d2)
}

func TestMessageContentIDStable(t *testing.T) {
	set := MustDimensionSet("X", "Y")
	snap := NewSnapshot(sha256Combiner{}, set.Shape(), []Digest{digestOf("a"), digestOf("b")}, 3, Genesis)
	msg := OutboundMessage{
		ID:           "ignored-for-content",
		Type:         MessageData,
		From:         Address{Prefix: 1, Node: 2, Clock: 3},
		To:           Address{Prefix: 1, Node: 5},
		Payload:      []byte("hello"),
		LogicalClock: 3,
		Seq:          1,
		Snapshot:     snap,
	}

	id1, err := MessageContentID(msg)
	require.NoError(t, err)

	other := msg.Clone()
	other.ID = "different-transport-id"
	id2, err := MessageContentID(other)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "transport ID must not affect content ID")

	other.Payload = []byte("changed")
	id3, err := MessageContentID(other)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}
