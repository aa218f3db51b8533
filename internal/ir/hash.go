package ir

import (
	"crypto/sha256"
	"hash"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainDimension = "blockstate/dimension/v1"
	DomainCombined  = "blockstate/combined/v1"
	DomainShape     = "blockstate/shape/v1"
	DomainMessage   = "blockstate/message/v1"
)

// SumWithDomain hashes parts with domain separation.
// Format: H(domain + 0x00 + part_1 + ... + part_n)
// The null byte separator prevents domain/data boundary ambiguity; callers
// that pass more than one variable-length part must separate them.
func SumWithDomain(newHash func() hash.Hash, domain string, parts ...[]byte) Digest {
	h := newHash()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// hashWithDomain is SumWithDomain fixed to SHA-256, used for identities
// that must not depend on the configured codec (shapes, message IDs).
func hashWithDomain(domain string, data []byte) Digest {
	return SumWithDomain(sha256.New, domain, data)
}

// MessageContentID computes a content-addressed ID for a message body.
// Unlike OutboundMessage.ID it is stable across re-sends of the same
// content, which lets receivers recognise duplicates.
func MessageContentID(msg OutboundMessage) (Digest, error) {
	body := map[string]any{
		"from":          msg.From.String(),
		"to":            msg.To.String(),
		"type":          string(msg.Type),
		"payload":       msg.Payload,
		"logical_clock": msg.LogicalClock,
		"combined":      msg.Snapshot.Combined().String(),
		"seq":           msg.Seq,
	}
	canonical, err := MarshalCanonical(body)
	if err != nil {
		return Digest{}, err
	}
	return hashWithDomain(DomainMessage, canonical), nil
}
