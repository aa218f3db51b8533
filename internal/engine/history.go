package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/blockstate/internal/ir"
)

// RetentionPolicy bounds the in-memory history. The current snapshot is
// never pruned.
type RetentionPolicy struct {
	// MaxEntries keeps at most this many snapshots. Zero disables.
	MaxEntries int
	// MaxAge prunes snapshots recorded longer ago than this. Zero disables.
	MaxAge time.Duration
}

// Enabled reports whether any bound is set.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxEntries > 0 || p.MaxAge > 0
}

type historyEntry struct {
	snap ir.Snapshot
	at   time.Time
}

type lineageKey struct {
	combined ir.Digest
	clock    uint64
}

// history is the append-only snapshot log of one engine.
//
// Entries are never modified. byDigest maps a combined digest to the
// earliest retained snapshot with that content (distinct snapshots may
// share content, e.g. after a clock-only advance). lineage records every
// retained (combined, clock) pair for O(1) ancestry checks.
type history struct {
	log      []historyEntry
	byDigest map[ir.Digest]ir.Snapshot
	lineage  map[lineageKey]struct{}
}

func newHistory() *history {
	return &history{
		byDigest: make(map[ir.Digest]ir.Snapshot),
		lineage:  make(map[lineageKey]struct{}),
	}
}

func (h *history) append(s ir.Snapshot, at time.Time) {
	h.log = append(h.log, historyEntry{snap: s, at: at})
	if _, exists := h.byDigest[s.Combined()]; !exists {
		h.byDigest[s.Combined()] = s
	}
	h.lineage[lineageKey{s.Combined(), s.Clock()}] = struct{}{}
}

// dropHead removes the n oldest entries and repairs the indexes.
func (h *history) dropHead(n int) []ir.Snapshot {
	removed := make([]ir.Snapshot, n)
	for i := 0; i < n; i++ {
		removed[i] = h.log[i].snap
	}
	rest := make([]historyEntry, len(h.log)-n)
	copy(rest, h.log[n:])
	h.log = rest

	for _, s := range removed {
		delete(h.lineage, lineageKey{s.Combined(), s.Clock()})
		if mapped, ok := h.byDigest[s.Combined()]; ok && mapped.Clock() == s.Clock() {
			delete(h.byDigest, s.Combined())
			for _, e := range h.log {
				if e.snap.Combined() == s.Combined() {
					h.byDigest[s.Combined()] = e.snap
					break
				}
			}
		}
	}
	return removed
}

// HistoryLen returns the number of retained snapshots (genesis included
// until pruned).
func (e *Engine) HistoryLen() int {
	return len(e.history.log)
}

// History returns the retained snapshots in clock order.
func (e *Engine) History() []ir.Snapshot {
	out := make([]ir.Snapshot, len(e.history.log))
	for i, entry := range e.history.log {
		out[i] = entry.snap
	}
	return out
}

// Lookup returns the earliest retained snapshot with the given combined
// digest, falling through to the archive when configured.
func (e *Engine) Lookup(ctx context.Context, d ir.Digest) (ir.Snapshot, bool, error) {
	if s, ok := e.history.byDigest[d]; ok {
		return s, true, nil
	}
	if e.cfg.Archive == nil {
		return ir.Snapshot{}, false, nil
	}
	s, ok, err := e.cfg.Archive.Get(ctx, d)
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("lookup %s: %w", d.Short(), err)
	}
	return s, ok, nil
}

// IsAncestor reports whether s is a retained snapshot of this engine's own
// lineage (the current snapshot included).
func (e *Engine) IsAncestor(s ir.Snapshot) bool {
	_, ok := e.history.lineage[lineageKey{s.Combined(), s.Clock()}]
	return ok
}

// Prune applies the retention policy as of now and returns the number of
// snapshots removed. Pruned snapshots are handed to the archive first; if
// archiving fails, nothing is pruned.
func (e *Engine) Prune(ctx context.Context, now time.Time) (int, error) {
	n := e.prunable(now)
	if n == 0 {
		return 0, nil
	}
	if e.cfg.Archive != nil {
		for _, entry := range e.history.log[:n] {
			if err := e.cfg.Archive.Put(ctx, entry.snap); err != nil {
				return 0, fmt.Errorf("prune: archive %s: %w", entry.snap.Combined().Short(), err)
			}
		}
	}
	e.history.dropHead(n)

	e.logger.Debug("history pruned", "removed", n, "retained", len(e.history.log))
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.RecordPruned(e.cfg.NodeID, n)
	}
	return n, nil
}

// prunable counts how many head entries the policy allows removing.
func (e *Engine) prunable(now time.Time) int {
	p := e.cfg.Retention
	total := len(e.history.log)
	if !p.Enabled() || total <= 1 {
		return 0
	}
	n := 0
	if p.MaxEntries > 0 && total > p.MaxEntries {
		n = total - p.MaxEntries
	}
	if p.MaxAge > 0 {
		for n < total-1 && now.Sub(e.history.log[n].at) > p.MaxAge {
			n++
		}
	}
	// The current snapshot is always the last entry.
	return min(n, total-1)
}

// autoPrune runs after every append. Update never fails, so archive errors
// are logged and the entries are kept for the next attempt.
func (e *Engine) autoPrune() {
	if !e.cfg.Retention.Enabled() {
		return
	}
	if _, err := e.Prune(context.Background(), e.cfg.Now()); err != nil {
		e.logger.Warn("automatic prune failed", "error", err)
	}
}
