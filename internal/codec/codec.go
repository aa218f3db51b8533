package codec

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/roach88/blockstate/internal/ir"
)

// Precision declares how the bytes of a dimension buffer are interpreted.
// The codec never decodes the buffer; the tag only separates digests of
// identical bytes declared with different precisions.
type Precision string

const (
	PrecisionOpaque Precision = "opaque"
	PrecisionU8     Precision = "u8"
	PrecisionF32    Precision = "f32"
	PrecisionF64    Precision = "f64"
)

// Codec names the hashing contract used by snapshots.
type Codec interface {
	// Name identifies the algorithm in exports.
	Name() string
	// Hash digests one dimension buffer.
	Hash(data []byte, p Precision) ir.Digest
	// Combine digests the ordered concatenation of per-dimension digests.
	Combine(digests []ir.Digest) ir.Digest
}

// Algorithm names accepted by ByName.
const (
	NameSHA256  = "sha256"
	NameBLAKE2b = "blake2b-256"
)

type hashCodec struct {
	name    string
	newHash func() hash.Hash
}

// SHA256 returns the default codec.
func SHA256() Codec {
	return hashCodec{name: NameSHA256, newHash: sha256.New}
}

// BLAKE2b returns a codec using BLAKE2b-256.
func BLAKE2b() Codec {
	return hashCodec{name: NameBLAKE2b, newHash: newBLAKE2b256}
}

func newBLAKE2b256() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails for keys longer than 64 bytes.
		panic(err)
	}
	return h
}

// ByName selects a codec by its Name.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameSHA256:
		return SHA256(), nil
	case NameBLAKE2b, "blake2b":
		return BLAKE2b(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want %s or %s)", name, NameSHA256, NameBLAKE2b)
	}
}

func (c hashCodec) Name() string {
	return c.name
}

func (c hashCodec) Hash(data []byte, p Precision) ir.Digest {
	if p == "" {
		p = PrecisionOpaque
	}
	return ir.SumWithDomain(c.newHash, ir.DomainDimension, []byte(p), []byte{0x00}, data)
}

func (c hashCodec) Combine(digests []ir.Digest) ir.Digest {
	parts := make([][]byte, len(digests))
	for i := range digests {
		parts[i] = digests[i][:]
	}
	return ir.SumWithDomain(c.newHash, ir.DomainCombined, parts...)
}
