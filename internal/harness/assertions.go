package harness

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/blockstate/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s -> %s (clock %d)\n", ev.Seq, ev.Op, ev.Node, ev.Outcome, ev.Clock)
		}
	}
	return buf.String()
}

// assertTraceCount checks that op appears exactly Count times, restricted
// to Node when set.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Op == a.Op && (a.Node == "" || ev.Node == a.Node) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the first occurrences of Ops appear in the
// given order. Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int, len(a.Ops))
	for _, ev := range trace {
		if _, seen := positions[ev.Op]; !seen && slices.Contains(a.Ops, ev.Op) {
			positions[ev.Op] = ev.Seq
		}
	}

	for _, op := range a.Ops {
		if _, ok := positions[op]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func (h *Harness) assertState(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertClock, AssertHistoryLen, AssertQueued:
		return h.assertCount(ctx, a)

	case AssertBranches:
		names, err := h.nodes[a.Node].Branches(ctx)
		if err != nil {
			return err
		}
		want := a.Names
		if want == nil {
			want = []string{}
		}
		if !slices.Equal(names, want) {
			return &AssertionError{
				Type:     AssertBranches,
				Expected: fmt.Sprintf("node %s branches %v", a.Node, want),
				Actual:   fmt.Sprintf("%v", names),
			}
		}
		return nil

	case AssertBuffer:
		got, err := h.nodes[a.Node].Buffer(ctx, ir.Dimension(a.Dimension))
		if err != nil {
			return err
		}
		want, _ := decodeData(a.Data)
		if !bytes.Equal(got, want) {
			return &AssertionError{
				Type:     AssertBuffer,
				Expected: fmt.Sprintf("node %s %s = %q", a.Node, a.Dimension, want),
				Actual:   fmt.Sprintf("%q", got),
			}
		}
		return nil

	case AssertSameState, AssertDifferentState:
		return h.assertStates(ctx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (h *Harness) assertCount(ctx context.Context, a Assertion) error {
	n := h.nodes[a.Node]
	var got uint64
	switch a.Type {
	case AssertClock:
		st, err := n.Status(ctx)
		if err != nil {
			return err
		}
		got = st.Clock
	case AssertHistoryLen:
		st, err := n.Status(ctx)
		if err != nil {
			return err
		}
		got = uint64(st.HistoryLen)
	case AssertQueued:
		if a.Peer != "" {
			msgs, err := n.Queued(ctx, h.keys[a.Peer])
			if err != nil {
				return err
			}
			got = uint64(len(msgs))
		} else {
			st, err := n.Status(ctx)
			if err != nil {
				return err
			}
			got = uint64(st.Queued)
		}
	}
	if got != *a.Value {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("node %s %s = %d", a.Node, a.Type, *a.Value),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertStates compares the per-dimension digests of the listed nodes.
// Clocks and lineage are ignored: two nodes hold the same state when
// every dimension digest matches.
func (h *Harness) assertStates(ctx context.Context, a Assertion) error {
	snaps := make([]ir.Snapshot, len(a.Nodes))
	for i, id := range a.Nodes {
		s, err := h.nodes[id].Snapshot(ctx)
		if err != nil {
			return err
		}
		snaps[i] = s
	}

	same := true
	for _, s := range snaps[1:] {
		if !snaps[0].SameDigests(s) {
			same = false
			break
		}
	}
	if same == (a.Type == AssertSameState) {
		return nil
	}
	actual := "digests differ"
	if same {
		actual = "digests equal"
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("nodes %v: %s", a.Nodes, strings.ReplaceAll(a.Type, "_", " ")),
		Actual:   actual,
	}
}

// EvaluateAssertions evaluates all assertions against the run.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceCount:
			err = assertTraceCount(h.result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(h.result.Trace, a)
		default:
			err = h.assertState(ctx, a)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
