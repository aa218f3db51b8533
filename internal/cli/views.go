package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/merge"
	"github.com/roach88/blockstate/internal/node"
	"github.com/roach88/blockstate/internal/store"
)

// snapshotView is a snapshot with its digests keyed by dimension.
type snapshotView struct {
	Node     string            `json:"node"`
	Branch   string            `json:"branch,omitempty"`
	Clock    uint64            `json:"clock"`
	Combined string            `json:"combined"`
	Previous string            `json:"previous,omitempty"`
	Digests  map[string]string `json:"digests"`

	order []string
}

func newSnapshotView(nodeID string, set ir.DimensionSet, s ir.Snapshot) snapshotView {
	v := snapshotView{
		Node:     nodeID,
		Clock:    s.Clock(),
		Combined: s.Combined().String(),
		Digests:  make(map[string]string, set.Len()),
		order:    set.Strings(),
	}
	if !s.Previous().IsZero() {
		v.Previous = s.Previous().String()
	}
	for d, dg := range s.DigestMap(set) {
		v.Digests[string(d)] = dg.String()
	}
	return v
}

func (v snapshotView) Text(w io.Writer) error {
	label := v.Node
	if v.Branch != "" {
		label += "@" + v.Branch
	}
	fmt.Fprintf(w, "%s clock %d\n", label, v.Clock)
	fmt.Fprintf(w, "  combined  %s\n", v.Combined)
	if v.Previous != "" {
		fmt.Fprintf(w, "  previous  %s\n", v.Previous)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, d := range v.order {
		fmt.Fprintf(tw, "  %s\t%s\n", d, v.Digests[d])
	}
	return tw.Flush()
}

// statusView wraps node.Status for display.
type statusView struct {
	node.Status
	order []string
}

func (v statusView) Text(w io.Writer) error {
	fmt.Fprintf(w, "node      %s\n", v.NodeID)
	fmt.Fprintf(w, "address   %s\n", v.Address)
	fmt.Fprintf(w, "clock     %d\n", v.Clock)
	fmt.Fprintf(w, "history   %d\n", v.HistoryLen)
	fmt.Fprintf(w, "queued    %d\n", v.Queued)
	fmt.Fprintf(w, "pending   %d\n", v.Pending)
	branches := "-"
	if len(v.Branches) > 0 {
		branches = strings.Join(v.Branches, ", ")
	}
	fmt.Fprintf(w, "branches  %s\n", branches)
	if !v.Initialized {
		return nil
	}
	fmt.Fprintf(w, "combined  %s\n", v.Snapshot.Combined())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, d := range v.order {
		fmt.Fprintf(tw, "  %s\t%s\n", d, v.Digests[ir.Dimension(d)])
	}
	return tw.Flush()
}

// historyView lists retained snapshots oldest first.
type historyView struct {
	Node      string         `json:"node"`
	Snapshots []snapshotView `json:"snapshots"`
}

func (v historyView) Text(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLOCK\tCOMBINED\tPREVIOUS")
	for _, s := range v.Snapshots {
		prev := "-"
		if s.Previous != "" {
			prev = shortHex(s.Previous)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Clock, shortHex(s.Combined), prev)
	}
	return tw.Flush()
}

// mergeView reports a merge outcome.
type mergeView struct {
	Node        string         `json:"node"`
	Source      string         `json:"source"`
	Strategy    merge.Strategy `json:"strategy"`
	Success     bool           `json:"success"`
	Changed     bool           `json:"changed"`
	Clock       uint64         `json:"clock"`
	Verdict     string         `json:"verdict"`
	Conflicts   []string       `json:"conflicts,omitempty"`
	Conflicting []string       `json:"conflicting_dimensions,omitempty"`
}

func newMergeView(nodeID, source string, res merge.Result) mergeView {
	v := mergeView{
		Node:      nodeID,
		Source:    source,
		Strategy:  res.Strategy,
		Success:   res.Success,
		Changed:   res.Changed,
		Clock:     res.Snapshot.Clock(),
		Verdict:   string(res.Verdict.Method),
		Conflicts: res.Conflicts,
	}
	for _, d := range res.ConflictingDimensions {
		v.Conflicting = append(v.Conflicting, string(d))
	}
	return v
}

func (v mergeView) Text(w io.Writer) error {
	fmt.Fprintf(w, "merge %s into %s: %s (clock %d)\n", v.Source, v.Node, v.Strategy, v.Clock)
	if len(v.Conflicting) > 0 {
		fmt.Fprintf(w, "  conflicting: %s\n", strings.Join(v.Conflicting, ", "))
	}
	for _, c := range v.Conflicts {
		fmt.Fprintf(w, "  %s\n", c)
	}
	return nil
}

// compareView reports causality and the consensus verdict against a peer.
type compareView struct {
	Node      string   `json:"node"`
	Peer      string   `json:"peer"`
	Causality string   `json:"causality"`
	Method    string   `json:"method"`
	Steps     int      `json:"convergence_steps"`
	Matching  []string `json:"matching"`
}

func newCompareView(nodeID, peer string, c fmt.Stringer, v consensus.Verdict) compareView {
	out := compareView{
		Node:      nodeID,
		Peer:      peer,
		Causality: c.String(),
		Method:    string(v.Method),
		Steps:     v.ConvergenceSteps,
		Matching:  []string{},
	}
	for _, d := range v.Matching {
		out.Matching = append(out.Matching, string(d))
	}
	return out
}

func (v compareView) Text(w io.Writer) error {
	matching := "-"
	if len(v.Matching) > 0 {
		matching = strings.Join(v.Matching, ", ")
	}
	fmt.Fprintf(w, "%s vs %s: %s, consensus %s in %d steps (matching: %s)\n",
		v.Node, v.Peer, v.Causality, v.Method, v.Steps, matching)
	return nil
}

// branchesView lists branch names.
type branchesView struct {
	Node     string   `json:"node"`
	Branches []string `json:"branches"`
}

func (v branchesView) Text(w io.Writer) error {
	if len(v.Branches) == 0 {
		_, err := fmt.Fprintln(w, "no branches")
		return err
	}
	for _, b := range v.Branches {
		fmt.Fprintln(w, b)
	}
	return nil
}

// nodesView lists stored nodes.
type nodesView struct {
	Nodes []store.NodeSummary `json:"nodes"`
}

func (v nodesView) Text(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tADDRESS\tCLOCK\tHISTORY\tBRANCHES")
	for _, n := range v.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", n.ID, n.Address, n.Clock, n.HistoryLen, n.Branches)
	}
	return tw.Flush()
}

func shortHex(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
