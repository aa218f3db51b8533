package testutil

import (
	"sync"
	"time"
)

// ManualTime is a wall clock that only moves when told to.
//
// Retention by age and the router's gap timeout read wall time through an
// injected func() time.Time; tests pass ManualTime.Now so expiry is
// deterministic.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualTime struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the default start of ManualTime.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// NewManualTime creates a clock at start. A zero start means Epoch.
func NewManualTime(start time.Time) *ManualTime {
	if start.IsZero() {
		start = Epoch
	}
	return &ManualTime{now: start}
}

// Now returns the current instant.
func (m *ManualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new instant.
func (m *ManualTime) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set moves the clock to t.
func (m *ManualTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
