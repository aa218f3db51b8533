package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/blockstate/internal/engine"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/merge"
)

// Warnings attached to applied messages.
const (
	// WarnCausalGap: applied after GapTimeout with earlier messages missing.
	WarnCausalGap = "causal-gap"
	// WarnLateArrival: a message whose gap had already been skipped.
	WarnLateArrival = "late-arrival"
	// WarnDuplicate: a sequence number that was already applied.
	WarnDuplicate = "duplicate"
)

// Delivery describes one message applied to the engine.
type Delivery struct {
	MessageID string           `json:"message_id"`
	From      ir.Address       `json:"from"`
	Seq       uint64           `json:"seq"`
	Causality engine.Causality `json:"causality"`
	Merged    bool             `json:"merged"`
	Strategy  merge.Strategy   `json:"strategy"`
	Result    merge.Result     `json:"-"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// ReceiveResult reports what Receive did.
//
// The top-level Causality, Merged, Strategy and Warnings describe the
// received message when it was applied during this call. Deliveries lists
// every message applied during the call in application order, including
// buffered messages released by it and expired gaps.
type ReceiveResult struct {
	MessageID  string           `json:"message_id"`
	Applied    bool             `json:"applied"`
	Buffered   bool             `json:"buffered"`
	Duplicate  bool             `json:"duplicate"`
	Forwarded  bool             `json:"forwarded"`
	Causality  engine.Causality `json:"causality,omitempty"`
	Merged     bool             `json:"merged"`
	Strategy   merge.Strategy   `json:"strategy,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
	Deliveries []Delivery       `json:"deliveries,omitempty"`
}

type pendingMessage struct {
	msg     ir.OutboundMessage
	bufs    [][]byte
	arrived time.Time
}

// Receive applies an inbound message. Messages addressed to another node
// are forwarded. Per sender, messages are applied in Seq order; a message
// arriving ahead of a gap is buffered. Expired gaps are flushed first.
//
// Receive fails only for a message that cannot be applied at all: a
// different dimension set shape, an unverifiable snapshot or a malformed
// state payload.
func (r *Router) Receive(ctx context.Context, msg ir.OutboundMessage) (ReceiveResult, error) {
	res := ReceiveResult{MessageID: msg.ID}

	if msg.To.Peer() != r.cfg.Self {
		if _, err := r.Forward(ctx, msg); err != nil {
			return ReceiveResult{}, err
		}
		res.Forwarded = true
		return res, nil
	}

	pm, err := r.prepare(msg)
	if err != nil {
		return ReceiveResult{}, err
	}

	flushed, err := r.FlushExpired(ctx, pm.arrived)
	res.Deliveries = flushed
	if err != nil {
		return res, err
	}

	sender := msg.From.Peer()
	if msg.Seq == 0 {
		d, err := r.apply(ctx, pm, nil)
		if err != nil {
			return res, err
		}
		res.take(d)
		return res, nil
	}

	expected := r.inSeq[sender] + 1
	switch {
	case msg.Seq < expected:
		if r.skipped[sender][msg.Seq] {
			d, err := r.apply(ctx, pm, []string{WarnLateArrival})
			if err != nil {
				return res, err
			}
			r.unskip(sender, msg.Seq)
			res.take(d)
			return res, nil
		}
		return r.duplicate(res, msg), nil

	case msg.Seq > expected:
		if _, dup := r.pending[sender][msg.Seq]; dup {
			return r.duplicate(res, msg), nil
		}
		if r.pending[sender] == nil {
			r.pending[sender] = make(map[uint64]pendingMessage)
		}
		r.pending[sender][msg.Seq] = pm
		res.Buffered = true
		r.logger.Debug("message buffered ahead of gap",
			"id", msg.ID,
			"from", sender.String(),
			"seq", msg.Seq,
			"expected", expected,
		)
		return res, nil
	}

	d, err := r.apply(ctx, pm, nil)
	if err != nil {
		return res, err
	}
	r.inSeq[sender] = msg.Seq
	res.take(d)

	released, err := r.release(ctx, sender)
	res.Deliveries = append(res.Deliveries, released...)
	return res, err
}

func (res *ReceiveResult) take(d Delivery) {
	res.Applied = true
	res.Causality = d.Causality
	res.Merged = d.Merged
	res.Strategy = d.Strategy
	res.Warnings = d.Warnings
	res.Deliveries = append(res.Deliveries, d)
}

func (r *Router) duplicate(res ReceiveResult, msg ir.OutboundMessage) ReceiveResult {
	res.Duplicate = true
	res.Warnings = []string{WarnDuplicate}
	r.logger.Warn("duplicate message ignored",
		"id", msg.ID,
		"from", msg.From.String(),
		"seq", msg.Seq,
	)
	return res
}

// prepare validates msg and decodes its buffers.
func (r *Router) prepare(msg ir.OutboundMessage) (pendingMessage, error) {
	set := r.cfg.Engine.Dimensions()
	snap := msg.Snapshot
	if snap.Shape() != set.Shape() || snap.Len() != set.Len() {
		return pendingMessage{}, ir.IncompatibleShape(set.Shape(), snap.Shape())
	}
	if !snap.Verify(r.cfg.Engine.Codec()) {
		return pendingMessage{}, ir.Errorf(ir.ErrCorruptSnapshot, map[string]string{
			"message":  msg.ID,
			"combined": snap.Combined().String(),
		})
	}
	var bufs [][]byte
	if msg.Type == ir.MessageState {
		var err error
		bufs, err = ir.DecodeBuffers(set, msg.Payload)
		if err != nil {
			return pendingMessage{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
	}
	return pendingMessage{msg: msg.Clone(), bufs: bufs, arrived: r.cfg.Now()}, nil
}

// apply compares and merges one message.
func (r *Router) apply(ctx context.Context, pm pendingMessage, warnings []string) (Delivery, error) {
	snap := pm.msg.Snapshot
	causality := r.cfg.Engine.Compare(snap)
	mr, err := r.cfg.Merger.Merge(ctx, r.cfg.Engine, snap, pm.bufs)
	if err != nil {
		return Delivery{}, fmt.Errorf("apply message %s: %w", pm.msg.ID, err)
	}
	d := Delivery{
		MessageID: pm.msg.ID,
		From:      pm.msg.From,
		Seq:       pm.msg.Seq,
		Causality: causality,
		Merged:    mr.Changed,
		Strategy:  mr.Strategy,
		Result:    mr,
		Warnings:  warnings,
	}
	r.logger.Debug("message applied",
		"id", d.MessageID,
		"from", d.From.String(),
		"seq", d.Seq,
		"causality", causality.String(),
		"strategy", string(mr.Strategy),
	)
	return d, nil
}

// release applies buffered messages from sender that are now in order.
func (r *Router) release(ctx context.Context, sender ir.PeerKey) ([]Delivery, error) {
	var out []Delivery
	for {
		next := r.inSeq[sender] + 1
		pm, ok := r.pending[sender][next]
		if !ok {
			break
		}
		d, err := r.apply(ctx, pm, nil)
		if err != nil {
			return out, err
		}
		delete(r.pending[sender], next)
		r.inSeq[sender] = next
		out = append(out, d)
	}
	if len(r.pending[sender]) == 0 {
		delete(r.pending, sender)
	}
	return out, nil
}

// FlushExpired applies buffered messages whose gap has been open for at
// least GapTimeout as of now. The first message after each expired gap
// carries a causal-gap warning. Senders are processed in address order.
func (r *Router) FlushExpired(ctx context.Context, now time.Time) ([]Delivery, error) {
	senders := make([]ir.PeerKey, 0, len(r.pending))
	for s := range r.pending {
		senders = append(senders, s)
	}
	sortPeers(senders)

	var out []Delivery
	for _, sender := range senders {
		for len(r.pending[sender]) > 0 {
			minSeq, oldest := r.gapInfo(sender)
			if now.Sub(oldest) < r.cfg.GapTimeout {
				break
			}
			expected := r.inSeq[sender] + 1
			pm := r.pending[sender][minSeq]
			r.logger.Warn("applying message across causal gap",
				"id", pm.msg.ID,
				"from", sender.String(),
				"seq", minSeq,
				"missing_from", expected,
				"missing_to", minSeq-1,
				"waited", now.Sub(pm.arrived).String(),
			)
			// The message stays buffered until it has been applied.
			d, err := r.apply(ctx, pm, []string{WarnCausalGap})
			if err != nil {
				return out, err
			}
			if r.cfg.Recorder != nil {
				r.cfg.Recorder.RecordCausalGap()
			}
			delete(r.pending[sender], minSeq)
			if r.skipped[sender] == nil {
				r.skipped[sender] = make(map[uint64]bool)
			}
			for s := expected; s < minSeq; s++ {
				r.skipped[sender][s] = true
			}
			r.inSeq[sender] = minSeq
			out = append(out, d)

			released, err := r.release(ctx, sender)
			out = append(out, released...)
			if err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func (r *Router) unskip(sender ir.PeerKey, seq uint64) {
	delete(r.skipped[sender], seq)
	if len(r.skipped[sender]) == 0 {
		delete(r.skipped, sender)
	}
}

// gapInfo returns the lowest buffered seq of sender and the earliest
// arrival among its buffered messages.
func (r *Router) gapInfo(sender ir.PeerKey) (uint64, time.Time) {
	var (
		minSeq uint64
		oldest time.Time
		first  = true
	)
	for seq, pm := range r.pending[sender] {
		if first || seq < minSeq {
			minSeq = seq
		}
		if first || pm.arrived.Before(oldest) {
			oldest = pm.arrived
		}
		first = false
	}
	return minSeq, oldest
}

// PendingCount returns the number of buffered out-of-order messages.
func (r *Router) PendingCount() int {
	n := 0
	for _, p := range r.pending {
		n += len(p)
	}
	return n
}

// State is the persistable part of a router.
type State struct {
	Queued      map[string][]ir.OutboundMessage
	Pending     map[string][]ir.OutboundMessage
	OutboundSeq map[string]uint64
	InboundSeq  map[string]uint64
	// Skipped lists, per sender, the sequence numbers passed over by a
	// gap flush. A late arrival of one of them is still applied.
	Skipped map[string][]uint64
}

// Export returns queues, buffered messages and sequence counters keyed by
// peer text.
func (r *Router) Export() State {
	st := State{
		Queued:      make(map[string][]ir.OutboundMessage, len(r.queues)),
		Pending:     make(map[string][]ir.OutboundMessage, len(r.pending)),
		OutboundSeq: make(map[string]uint64, len(r.outSeq)),
		InboundSeq:  make(map[string]uint64, len(r.inSeq)),
		Skipped:     make(map[string][]uint64, len(r.skipped)),
	}
	for p := range r.queues {
		if q := r.Queued(p); len(q) > 0 {
			st.Queued[p.String()] = q
		}
	}
	for p, byseq := range r.pending {
		seqs := make([]uint64, 0, len(byseq))
		for s := range byseq {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		msgs := make([]ir.OutboundMessage, len(seqs))
		for i, s := range seqs {
			msgs[i] = byseq[s].msg.Clone()
		}
		st.Pending[p.String()] = msgs
	}
	for p, s := range r.outSeq {
		st.OutboundSeq[p.String()] = s
	}
	for p, s := range r.inSeq {
		st.InboundSeq[p.String()] = s
	}
	for p, set := range r.skipped {
		if len(set) == 0 {
			continue
		}
		seqs := make([]uint64, 0, len(set))
		for s := range set {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		st.Skipped[p.String()] = seqs
	}
	return st
}

// Restore replaces the router state. Buffered messages restart their gap
// timers. On error the router is unchanged.
func (r *Router) Restore(st State) error {
	queues := make(map[ir.PeerKey][]ir.OutboundMessage, len(st.Queued))
	for k, msgs := range st.Queued {
		p, err := ir.ParsePeerKey(k)
		if err != nil {
			return fmt.Errorf("restore queue: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}
		q := make([]ir.OutboundMessage, len(msgs))
		for i, m := range msgs {
			q[i] = m.Clone()
		}
		queues[p] = q
	}

	pending := make(map[ir.PeerKey]map[uint64]pendingMessage, len(st.Pending))
	for k, msgs := range st.Pending {
		p, err := ir.ParsePeerKey(k)
		if err != nil {
			return fmt.Errorf("restore pending: %w", err)
		}
		for _, m := range msgs {
			pm, err := r.prepare(m)
			if err != nil {
				return fmt.Errorf("restore pending: %w", err)
			}
			if pending[p] == nil {
				pending[p] = make(map[uint64]pendingMessage)
			}
			pending[p][m.Seq] = pm
		}
	}

	outSeq, err := parseSeqs(st.OutboundSeq)
	if err != nil {
		return err
	}
	inSeq, err := parseSeqs(st.InboundSeq)
	if err != nil {
		return err
	}
	skipped := make(map[ir.PeerKey]map[uint64]bool, len(st.Skipped))
	for k, seqs := range st.Skipped {
		p, err := ir.ParsePeerKey(k)
		if err != nil {
			return fmt.Errorf("restore skipped: %w", err)
		}
		if len(seqs) == 0 {
			continue
		}
		skipped[p] = make(map[uint64]bool, len(seqs))
		for _, s := range seqs {
			skipped[p][s] = true
		}
	}

	r.queues = queues
	r.pending = pending
	r.outSeq = outSeq
	r.inSeq = inSeq
	r.skipped = skipped
	r.updateQueued()
	return nil
}

func parseSeqs(in map[string]uint64) (map[ir.PeerKey]uint64, error) {
	out := make(map[ir.PeerKey]uint64, len(in))
	for k, v := range in {
		p, err := ir.ParsePeerKey(k)
		if err != nil {
			return nil, fmt.Errorf("restore sequence: %w", err)
		}
		out[p] = v
	}
	return out, nil
}
