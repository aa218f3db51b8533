package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/blockstate/internal/codec"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/merge"
	"github.com/roach88/blockstate/internal/node"
	"github.com/roach88/blockstate/internal/router"
	"github.com/roach88/blockstate/internal/testutil"
)

// Epoch is the start time of every scenario clock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Option customizes a run.
type Option func(*Harness)

// WithLogger routes node logs to logger. Logs are discarded by default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// Harness executes one scenario. Each run gets fresh nodes, a fresh
// network and a manual clock starting at Epoch.
type Harness struct {
	scenario *Scenario
	set      ir.DimensionSet
	net      *router.MemoryNetwork
	clock    *testutil.ManualTime
	logger   *slog.Logger

	nodes map[string]*node.Node
	keys  map[string]ir.PeerKey

	// inbox holds messages taken off the network but not yet received.
	inbox map[string][]ir.OutboundMessage

	result *Result
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Start one node per NodeSpec on a shared in-memory network
//  2. Execute steps in order, recording trace events and checking expects
//  3. Evaluate assertions against the trace and the final node state
//  4. Stop every node
//
// Run returns an error only when the scenario cannot be set up. Failed
// expectations and assertions are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		net:      router.NewMemoryNetwork(),
		clock:    testutil.NewManualTime(Epoch),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		nodes:    make(map[string]*node.Node, len(scenario.Nodes)),
		keys:     make(map[string]ir.PeerKey, len(scenario.Nodes)),
		inbox:    make(map[string][]ir.OutboundMessage),
		result:   NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := h.start(runCtx); err != nil {
		return nil, err
	}
	defer h.stop()

	for i, st := range scenario.Steps {
		if err := h.execute(runCtx, i, st); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}

	for _, msg := range EvaluateAssertions(runCtx, h, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) start(ctx context.Context) error {
	set := ir.DefaultDimensionSet()
	if len(h.scenario.Dimensions) > 0 {
		names := make([]ir.Dimension, len(h.scenario.Dimensions))
		for i, d := range h.scenario.Dimensions {
			names[i] = ir.Dimension(d)
		}
		var err error
		if set, err = ir.NewDimensionSet(names...); err != nil {
			return fmt.Errorf("dimensions: %w", err)
		}
	}
	h.set = set

	c := codec.SHA256()
	if h.scenario.Codec != "" {
		var err error
		if c, err = codec.ByName(h.scenario.Codec); err != nil {
			return err
		}
	}

	for _, spec := range h.scenario.Nodes {
		key, err := ir.ParsePeerKey(spec.Peer)
		if err != nil {
			return fmt.Errorf("node %s: %w", spec.ID, err)
		}
		n, err := node.New(node.Config{
			ID:           spec.ID,
			Peer:         key,
			Dimensions:   set,
			Codec:        c,
			Transport:    h.net,
			Reachability: h.net,
			IDs:          testutil.NewSequentialIDs(spec.ID),
			Logger:       h.logger.With("node", spec.ID),
			Now:          h.clock.Now,
		})
		if err != nil {
			h.stop()
			return fmt.Errorf("node %s: %w", spec.ID, err)
		}
		n.Start(ctx)
		h.nodes[spec.ID] = n
		h.keys[spec.ID] = key
	}
	return nil
}

func (h *Harness) stop() {
	for _, n := range h.nodes {
		n.Stop()
	}
}

// execute runs one step. Operation failures become trace outcomes; only
// harness faults are returned.
func (h *Harness) execute(ctx context.Context, index int, st Step) error {
	ev := TraceEvent{
		Op:        st.Op,
		Node:      st.Node,
		Peer:      st.Peer,
		Branch:    st.Branch,
		Dimension: st.Dimension,
		Outcome:   OutcomeOK,
	}
	n := h.nodes[st.Node]

	var (
		snap    ir.Snapshot
		hasSnap bool
		err     error
	)
	switch st.Op {
	case OpInit:
		bufs := make(map[ir.Dimension][]byte, len(st.Buffers))
		for d, v := range st.Buffers {
			bufs[ir.Dimension(d)], _ = decodeData(v)
		}
		snap, err = n.Initialize(ctx, bufs)
		hasSnap = err == nil

	case OpUpdate:
		data, _ := decodeData(st.Data)
		snap, err = n.Update(ctx, ir.Dimension(st.Dimension), data)
		hasSnap = err == nil

	case OpFork:
		snap, err = n.Fork(ctx, st.Branch)
		hasSnap = err == nil

	case OpUpdateBranch:
		data, _ := decodeData(st.Data)
		snap, err = n.UpdateBranch(ctx, st.Branch, ir.Dimension(st.Dimension), data)
		hasSnap = err == nil

	case OpMergeBranch:
		res, mErr := n.MergeBranch(ctx, st.Branch)
		if err = mErr; err == nil {
			ev.Outcome = string(res.Strategy)
			snap, hasSnap = res.Snapshot, true
		}

	case OpDeleteBranch:
		var ok bool
		if ok, err = n.DeleteBranch(ctx, st.Branch); err == nil {
			ev.Outcome = OutcomeMissing
			if ok {
				ev.Outcome = OutcomeDeleted
			}
		}

	case OpMergeFrom:
		res, mErr := h.mergeFrom(ctx, n, h.nodes[st.Peer])
		if err = mErr; err == nil {
			ev.Outcome = string(res.Strategy)
			snap, hasSnap = res.Snapshot, true
		}

	case OpSend, OpSendState:
		to := h.keys[st.Peer].Address(0)
		var res router.SendResult
		if st.Op == OpSend {
			data, _ := decodeData(st.Data)
			res, err = n.Send(ctx, to, data)
		} else {
			res, err = n.SendState(ctx, to)
		}
		if err == nil {
			ev.Outcome = OutcomeSent
			if res.Queued {
				ev.Outcome = OutcomeQueued
			}
		}

	case OpSync:
		var res router.SyncResult
		if st.Peer == "" {
			res, err = n.SyncReachable(ctx)
		} else {
			res, err = n.Sync(ctx, h.keys[st.Peer])
		}
		ev.Count = res.Delivered

	case OpReceive:
		return h.receive(ctx, index, st, ev)

	case OpDrop:
		h.collect(st.Node)
		count := st.Count
		if count == 0 {
			count = 1
		}
		count = min(count, len(h.inbox[st.Node]))
		h.inbox[st.Node] = h.inbox[st.Node][count:]
		ev.Count = count

	case OpFlush:
		var ds []router.Delivery
		ds, err = n.FlushExpired(ctx)
		ev.Count = len(ds)

	case OpSetDown, OpSetUp:
		down := st.Op == OpSetDown
		h.net.SetDown(h.keys[st.Node], down)
		ev.Outcome = OutcomeUp
		if down {
			ev.Outcome = OutcomeDown
		}

	case OpAdvance:
		d, perr := time.ParseDuration(st.Duration)
		if perr != nil {
			return perr
		}
		h.clock.Advance(d)

	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}

	if err != nil {
		if errors.Is(err, node.ErrClosed) {
			return err
		}
		ev.Outcome = errorOutcome(err)
	}

	switch {
	case hasSnap:
		ev.Clock = snap.Clock()
	case n != nil:
		c, cErr := h.clockOf(ctx, n)
		if cErr != nil {
			return cErr
		}
		ev.Clock = c
	}

	ev = h.result.record(ev)
	h.check(index, st, ev, err)
	return nil
}

// receive takes every message waiting for the node off the network and
// applies them one by one, one trace event each.
func (h *Harness) receive(ctx context.Context, index int, st Step, base TraceEvent) error {
	n := h.nodes[st.Node]
	h.collect(st.Node)
	msgs := h.inbox[st.Node]
	h.inbox[st.Node] = nil

	if len(msgs) == 0 {
		ev := base
		ev.Outcome = OutcomeEmpty
		c, err := h.clockOf(ctx, n)
		if err != nil {
			return err
		}
		ev.Clock = c
		ev = h.result.record(ev)
		h.check(index, st, ev, nil)
		return nil
	}

	if st.Reverse {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	var (
		last    TraceEvent
		lastErr error
	)
	for _, msg := range msgs {
		ev := base
		res, err := n.Receive(ctx, msg)
		switch {
		case errors.Is(err, node.ErrClosed):
			return err
		case err != nil:
			ev.Outcome = errorOutcome(err)
		case res.Applied:
			ev.Outcome = string(res.Strategy)
		case res.Buffered:
			ev.Outcome = OutcomeBuffered
		case res.Duplicate:
			ev.Outcome = OutcomeDup
		case res.Forwarded:
			ev.Outcome = OutcomeForward
		}
		ev.Count = len(res.Deliveries)
		c, cErr := h.clockOf(ctx, n)
		if cErr != nil {
			return cErr
		}
		ev.Clock = c
		last = h.result.record(ev)
		lastErr = err
	}
	h.check(index, st, last, lastErr)
	return nil
}

// collect moves the node's network inbox into the harness inbox.
func (h *Harness) collect(id string) {
	h.inbox[id] = append(h.inbox[id], h.net.Drain(h.keys[id])...)
}

func (h *Harness) mergeFrom(ctx context.Context, target, peer *node.Node) (merge.Result, error) {
	snap, err := peer.Snapshot(ctx)
	if err != nil {
		return merge.Result{}, err
	}
	bufs := make([][]byte, h.set.Len())
	for i, d := range h.set.Names() {
		if bufs[i], err = peer.Buffer(ctx, d); err != nil {
			return merge.Result{}, err
		}
	}
	return target.Merge(ctx, snap, bufs)
}

func (h *Harness) clockOf(ctx context.Context, n *node.Node) (uint64, error) {
	st, err := n.Status(ctx)
	if err != nil {
		return 0, err
	}
	return st.Clock, nil
}

// check compares a recorded event with the step's expectation. An error
// that was not expected fails the run.
func (h *Harness) check(index int, st Step, ev TraceEvent, err error) {
	exp := st.Expect
	if exp == nil || exp.Error == "" {
		if err != nil {
			h.result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", index, st.Op, err))
		}
	}
	if exp == nil {
		return
	}
	if exp.Error != "" {
		want := "error:" + exp.Error
		if ev.Outcome != want {
			h.result.AddError(fmt.Sprintf("step %d (%s): expected %s, got outcome %s", index, st.Op, want, ev.Outcome))
		}
	}
	if exp.Outcome != "" && ev.Outcome != exp.Outcome {
		h.result.AddError(fmt.Sprintf("step %d (%s): expected outcome %s, got %s", index, st.Op, exp.Outcome, ev.Outcome))
	}
	if exp.Clock != nil && ev.Clock != *exp.Clock {
		h.result.AddError(fmt.Sprintf("step %d (%s): expected clock %d, got %d", index, st.Op, *exp.Clock, ev.Clock))
	}
}

func errorOutcome(err error) string {
	var e *ir.Error
	if errors.As(err, &e) {
		return "error:" + string(e.Code)
	}
	return "error"
}
