// Package codec implements the dimension codec: a pure function from an
// opaque byte buffer and a precision tag to a fixed-length digest, plus the
// combined digest over an ordered list of per-dimension digests.
//
// Hashing uses domain separation (see ir.SumWithDomain):
//
//	dimension: H("blockstate/dimension/v1" || 0x00 || precision || 0x00 || data)
//	combined:  H("blockstate/combined/v1"  || 0x00 || d_1 || ... || d_n)
//
// Combined digests concatenate fixed-width digests in dimension order, so
// no separator is needed between them.
//
// Pool offloads hashing to a bounded set of goroutines. Callers receive
// results only after every digest is computed.
package codec
