package engine

import (
	"context"
	"fmt"

	"github.com/roach88/blockstate/internal/ir"
)

// Export returns the serializable state of the engine: identity, clock,
// current snapshot, retained history and the raw buffers (unset and
// digest-only dimensions are omitted).
func (e *Engine) Export() ir.EngineExport {
	bufs := make(map[string][]byte, len(e.buffers))
	for i, b := range e.buffers {
		if b != nil {
			bufs[string(e.cfg.Dimensions.Name(i))] = cloneBytes(b)
		}
	}
	return ir.EngineExport{
		NodeID:  e.cfg.NodeID,
		Clock:   e.clock.Current(),
		Current: e.current,
		History: e.History(),
		Buffers: bufs,
	}
}

// Restore replaces the engine state with an export. Every snapshot must
// carry this engine's shape and verify against its codec, history clocks
// must strictly increase, the last history entry must be the current
// snapshot, and every buffer must hash to its dimension's digest.
// On error the engine is left unchanged.
func (e *Engine) Restore(ctx context.Context, exp ir.EngineExport) error {
	shape := e.cfg.Dimensions.Shape()
	c := e.cfg.Pool.Codec()

	check := func(what string, s ir.Snapshot) error {
		if s.Shape() != shape || s.Len() != e.cfg.Dimensions.Len() {
			return ir.IncompatibleShape(shape, s.Shape())
		}
		if !s.Verify(c) {
			return ir.Errorf(ir.ErrCorruptSnapshot, map[string]string{
				"snapshot": what,
				"combined": s.Combined().String(),
			})
		}
		return nil
	}

	if err := check("current", exp.Current); err != nil {
		return err
	}
	hist := exp.History
	if len(hist) == 0 {
		hist = []ir.Snapshot{exp.Current}
	}
	for i, s := range hist {
		if err := check(fmt.Sprintf("history[%d]", i), s); err != nil {
			return err
		}
		if i > 0 && s.Clock() <= hist[i-1].Clock() {
			return ir.Errorf(ir.ErrCorruptSnapshot, map[string]string{
				"snapshot": fmt.Sprintf("history[%d]", i),
				"reason":   "clock does not increase",
			})
		}
	}
	last := hist[len(hist)-1]
	if last.Combined() != exp.Current.Combined() || last.Clock() != exp.Current.Clock() {
		return ir.Errorf(ir.ErrCorruptSnapshot, map[string]string{
			"snapshot": "current",
			"reason":   "not the last history entry",
		})
	}

	bufs := make([][]byte, e.cfg.Dimensions.Len())
	for name, b := range exp.Buffers {
		i, ok := e.cfg.Dimensions.Index(ir.Dimension(name))
		if !ok {
			return ir.UnknownDimension(ir.Dimension(name))
		}
		bufs[i] = cloneBytes(b)
	}
	digests, err := e.cfg.Pool.HashAll(ctx, bufs, e.cfg.Precision)
	if err != nil {
		return fmt.Errorf("restore: hash dimensions: %w", err)
	}
	for i := range bufs {
		if bufs[i] != nil && digests[i] != exp.Current.Digest(i) {
			return ir.Errorf(ir.ErrCorruptSnapshot, map[string]string{
				"dimension": string(e.cfg.Dimensions.Name(i)),
				"reason":    "buffer does not match digest",
			})
		}
	}

	h := newHistory()
	now := e.cfg.Now()
	for _, s := range hist {
		h.append(s, now)
	}

	e.history = h
	e.current = exp.Current
	e.buffers = bufs
	e.clock = NewClockAt(max(exp.Clock, exp.Current.Clock()))
	e.initialized = true
	if exp.NodeID != "" {
		e.cfg.NodeID = exp.NodeID
		e.logger = e.cfg.Logger.With("node", exp.NodeID)
	}

	e.logger.Info("engine restored",
		"combined", exp.Current.Combined().Short(),
		"clock", e.clock.Current(),
		"history", len(hist),
	)
	return nil
}
