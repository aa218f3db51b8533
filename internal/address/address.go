// Package address packs routing addresses into a fixed-width integer.
//
// The packed layout is [prefix: P bits][node: N bits][clock: C bits] with
// P+N+C ≤ 64. The clock is masked to C bits: values beyond the field wrap
// and are not corrected. Addresses are for routing only, not security.
package address

import (
	"fmt"

	"github.com/roach88/blockstate/internal/ir"
)

// Default field widths.
const (
	DefaultPrefixBits = 16
	DefaultNodeBits   = 16
	DefaultClockBits  = 32
)

// Layout is the bit split of a packed address.
type Layout struct {
	PrefixBits uint `json:"prefix_bits"`
	NodeBits   uint `json:"node_bits"`
	ClockBits  uint `json:"clock_bits"`
}

// DefaultLayout returns the 16/16/32 layout.
func DefaultLayout() Layout {
	return Layout{
		PrefixBits: DefaultPrefixBits,
		NodeBits:   DefaultNodeBits,
		ClockBits:  DefaultClockBits,
	}
}

// Width returns the total bit width.
func (l Layout) Width() uint {
	return l.PrefixBits + l.NodeBits + l.ClockBits
}

// Validate rejects layouts wider than 64 bits or with an empty node field.
func (l Layout) Validate() error {
	if l.Width() > 64 {
		return ir.Errorf(ir.ErrInvalidLayout, map[string]string{
			"width": fmt.Sprint(l.Width()),
		})
	}
	if l.NodeBits == 0 {
		return ir.Errorf(ir.ErrInvalidLayout, map[string]string{"reason": "node field is empty"})
	}
	return nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// Encode packs a. Prefix or node values that do not fit their field are
// an error; the clock wraps.
func (l Layout) Encode(a ir.Address) (uint64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	if a.Prefix > mask(l.PrefixBits) {
		return 0, overflow("prefix", a.Prefix, l.PrefixBits)
	}
	if a.Node > mask(l.NodeBits) {
		return 0, overflow("node", a.Node, l.NodeBits)
	}
	v := a.Clock & mask(l.ClockBits)
	v |= a.Node << l.ClockBits
	if l.PrefixBits > 0 {
		v |= a.Prefix << (l.ClockBits + l.NodeBits)
	}
	return v, nil
}

// Decode unpacks v. It is the inverse of Encode for representable values.
func (l Layout) Decode(v uint64) ir.Address {
	a := ir.Address{
		Clock: v & mask(l.ClockBits),
		Node:  (v >> l.ClockBits) & mask(l.NodeBits),
	}
	if l.PrefixBits > 0 {
		a.Prefix = (v >> (l.ClockBits + l.NodeBits)) & mask(l.PrefixBits)
	}
	return a
}

// Wrap returns a with its clock masked to the clock field.
func (l Layout) Wrap(a ir.Address) ir.Address {
	a.Clock &= mask(l.ClockBits)
	return a
}

func overflow(field string, v uint64, bits uint) error {
	return ir.Errorf(ir.ErrAddressOverflow, map[string]string{
		"field": field,
		"value": fmt.Sprintf("%#x", v),
		"bits":  fmt.Sprint(bits),
	})
}
