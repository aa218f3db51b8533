package router

import (
	"sync"

	"github.com/roach88/blockstate/internal/ir"
)

// Reachability decides whether a destination is currently reachable.
type Reachability interface {
	Reachable(from, to ir.PeerKey) bool
}

// ReachabilityFunc adapts a function to Reachability.
type ReachabilityFunc func(from, to ir.PeerKey) bool

// Reachable calls f.
func (f ReachabilityFunc) Reachable(from, to ir.PeerKey) bool {
	return f(from, to)
}

// SamePrefix treats peers sharing a routing prefix as reachable.
func SamePrefix() Reachability {
	return ReachabilityFunc(func(from, to ir.PeerKey) bool {
		return from.Prefix == to.Prefix
	})
}

// Links is a Reachability with explicit per-destination overrides on top
// of a fallback rule.
//
// Thread-safety: safe for concurrent use.
type Links struct {
	mu       sync.RWMutex
	fallback Reachability
	up       map[ir.PeerKey]bool
}

// NewLinks creates overrides on top of fallback (SamePrefix when nil).
func NewLinks(fallback Reachability) *Links {
	if fallback == nil {
		fallback = SamePrefix()
	}
	return &Links{fallback: fallback, up: make(map[ir.PeerKey]bool)}
}

// Set forces a destination up or down.
func (l *Links) Set(to ir.PeerKey, up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up[to] = up
}

// Clear removes an override.
func (l *Links) Clear(to ir.PeerKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.up, to)
}

// Reachable implements Reachability.
func (l *Links) Reachable(from, to ir.PeerKey) bool {
	l.mu.RLock()
	up, ok := l.up[to]
	l.mu.RUnlock()
	if ok {
		return up
	}
	return l.fallback.Reachable(from, to)
}
