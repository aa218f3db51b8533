package router

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/roach88/blockstate/internal/ir"
)

// ErrLinkDown is returned by MemoryNetwork when a destination is down.
var ErrLinkDown = errors.New("link down")

// MemoryNetwork is an in-process Transport that files messages into
// per-destination inboxes. Nothing is applied until the owner drains an
// inbox and calls Receive, so senders never wait on receivers.
//
// Thread-safety: safe for concurrent use.
type MemoryNetwork struct {
	mu      sync.Mutex
	inboxes map[ir.PeerKey][]ir.OutboundMessage
	down    map[ir.PeerKey]bool
	log     []ir.OutboundMessage
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		inboxes: make(map[ir.PeerKey][]ir.OutboundMessage),
		down:    make(map[ir.PeerKey]bool),
	}
}

// Deliver implements Transport.
func (n *MemoryNetwork) Deliver(ctx context.Context, msg ir.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	to := msg.To.Peer()
	if n.down[to] {
		return ErrLinkDown
	}
	c := msg.Clone()
	n.inboxes[to] = append(n.inboxes[to], c)
	n.log = append(n.log, c)
	return nil
}

// SetDown marks a destination down (Deliver fails) or up.
func (n *MemoryNetwork) SetDown(to ir.PeerKey, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[to] = down
}

// Reachable implements Reachability: a destination is reachable unless it
// is marked down.
func (n *MemoryNetwork) Reachable(_, to ir.PeerKey) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.down[to]
}

// Drain removes and returns the inbox of to in arrival order.
func (n *MemoryNetwork) Drain(to ir.PeerKey) []ir.OutboundMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.inboxes[to]
	delete(n.inboxes, to)
	return msgs
}

// Pending returns the inbox size of to.
func (n *MemoryNetwork) Pending(to ir.PeerKey) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inboxes[to])
}

// Destinations returns every peer with a non-empty inbox, sorted.
func (n *MemoryNetwork) Destinations() []ir.PeerKey {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ir.PeerKey, 0, len(n.inboxes))
	for k, v := range n.inboxes {
		if len(v) > 0 {
			out = append(out, k)
		}
	}
	sortPeers(out)
	return out
}

// Delivered returns every message accepted so far, in order.
func (n *MemoryNetwork) Delivered() []ir.OutboundMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ir.OutboundMessage(nil), n.log...)
}

func sortPeers(ps []ir.PeerKey) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Prefix != ps[j].Prefix {
			return ps[i].Prefix < ps[j].Prefix
		}
		return ps[i].Node < ps[j].Node
	})
}
