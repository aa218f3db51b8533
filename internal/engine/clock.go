package engine

import "sync/atomic"

// Clock is the monotonic logical (Lamport) clock of one engine.
//
// Every snapshot is stamped with a strictly increasing value from this
// clock. This ensures:
// - Deterministic ordering (no wall-clock race conditions)
// - A node's history is totally ordered
// - Causal relationships are explicit
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// However, the engine's single-writer design means only the owning node
// goroutine typically calls Next() or Witness().
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific value.
// Used when restoring an exported engine.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new value.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Witness applies the Lamport receive rule: the clock moves to
// max(current, observed) + 1 and the new value is returned.
func (c *Clock) Witness(observed uint64) uint64 {
	for {
		cur := c.seq.Load()
		next := max(cur, observed) + 1
		if c.seq.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Jump moves the clock to v if v is greater than the current value and
// reports whether it did.
func (c *Clock) Jump(v uint64) bool {
	for {
		cur := c.seq.Load()
		if v <= cur {
			return false
		}
		if c.seq.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Current returns the current value without incrementing.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}
