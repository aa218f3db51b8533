package ir

import "sort"

// EngineExport is the serialized state of one vector clock engine
// (a node's main line or one branch).
type EngineExport struct {
	NodeID  string            `json:"node_id"`
	Clock   uint64            `json:"clock"`
	Current Snapshot          `json:"current"`
	History []Snapshot        `json:"history"`
	Buffers map[string][]byte `json:"buffers"`
}

// BranchExport is the serialized state of a named branch.
type BranchExport struct {
	Name         string       `json:"name"`
	ParentDigest Digest       `json:"parent_digest"`
	State        EngineExport `json:"state"`
}

// NodeExport is the persisted layout of a node: identity, current
// snapshot, history, queued messages and branches.
type NodeExport struct {
	Version     int                          `json:"version"`
	Address     Address                      `json:"address"`
	Codec       string                       `json:"codec"`
	Dimensions  []string                     `json:"dimensions"`
	State       EngineExport                 `json:"state"`
	Queued      map[string][]OutboundMessage `json:"queued"`
	Pending     map[string][]OutboundMessage `json:"pending"`
	OutboundSeq map[string]uint64            `json:"outbound_seq"`
	InboundSeq  map[string]uint64            `json:"inbound_seq"`
	SkippedSeq  map[string][]uint64          `json:"skipped_seq"`
	Branches    []BranchExport               `json:"branches"`
}

// BranchNames returns branch names in sorted order.
func (e NodeExport) BranchNames() []string {
	names := make([]string, 0, len(e.Branches))
	for _, b := range e.Branches {
		names = append(names, b.Name)
	}
	sort.Strings(names)
	return names
}

// QueuedCount returns the number of queued messages across destinations.
func (e NodeExport) QueuedCount() int {
	n := 0
	for _, msgs := range e.Queued {
		n += len(msgs)
	}
	return n
}
