package node

import (
	"context"
	"time"

	"github.com/roach88/blockstate/internal/branch"
	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/engine"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/merge"
	"github.com/roach88/blockstate/internal/router"
)

// Status summarizes a node for display.
type Status struct {
	NodeID      string                  `json:"node_id"`
	Address     ir.Address              `json:"address"`
	Initialized bool                    `json:"initialized"`
	Clock       uint64                  `json:"clock"`
	Snapshot    ir.Snapshot             `json:"snapshot"`
	Digests     map[ir.Dimension]string `json:"digests"`
	HistoryLen  int                     `json:"history_len"`
	Branches    []string                `json:"branches"`
	Queued      int                     `json:"queued"`
	Pending     int                     `json:"pending"`
}

// Initialize installs the genesis snapshot from buffers.
func (n *Node) Initialize(ctx context.Context, buffers map[ir.Dimension][]byte) (ir.Snapshot, error) {
	return call(ctx, n, false, func(ctx context.Context) (ir.Snapshot, error) {
		return n.engine.Initialize(ctx, buffers)
	})
}

// Update replaces one dimension's buffer and advances the clock.
func (n *Node) Update(ctx context.Context, d ir.Dimension, data []byte) (ir.Snapshot, error) {
	return call(ctx, n, false, func(ctx context.Context) (ir.Snapshot, error) {
		return n.engine.Update(ctx, d, data)
	})
}

// Snapshot returns the current snapshot.
func (n *Node) Snapshot(ctx context.Context) (ir.Snapshot, error) {
	return call(ctx, n, true, func(context.Context) (ir.Snapshot, error) {
		if !n.engine.Initialized() {
			return ir.Snapshot{}, ir.ErrNotInitialized
		}
		return n.engine.Snapshot(), nil
	})
}

// Buffer returns a copy of one dimension's raw buffer.
func (n *Node) Buffer(ctx context.Context, d ir.Dimension) ([]byte, error) {
	return call(ctx, n, true, func(context.Context) ([]byte, error) {
		return n.engine.Buffer(d)
	})
}

// History returns the in-memory history, oldest first.
func (n *Node) History(ctx context.Context) ([]ir.Snapshot, error) {
	return call(ctx, n, true, func(context.Context) ([]ir.Snapshot, error) {
		return n.engine.History(), nil
	})
}

// Lookup finds a snapshot by combined digest in history or the archive.
func (n *Node) Lookup(ctx context.Context, d ir.Digest) (ir.Snapshot, bool, error) {
	type found struct {
		s  ir.Snapshot
		ok bool
	}
	f, err := call(ctx, n, true, func(ctx context.Context) (found, error) {
		s, ok, err := n.engine.Lookup(ctx, d)
		return found{s: s, ok: ok}, err
	})
	return f.s, f.ok, err
}

// Prune applies the retention policy now.
func (n *Node) Prune(ctx context.Context) (int, error) {
	return call(ctx, n, false, func(ctx context.Context) (int, error) {
		return n.engine.Prune(ctx, n.cfg.Now())
	})
}

// Compare orders peer relative to the current snapshot.
func (n *Node) Compare(ctx context.Context, peer ir.Snapshot) (engine.Causality, error) {
	return call(ctx, n, true, func(context.Context) (engine.Causality, error) {
		if !n.engine.Initialized() {
			return 0, ir.ErrNotInitialized
		}
		return n.engine.Compare(peer), nil
	})
}

// Resolve runs the consensus policy against peer.
func (n *Node) Resolve(ctx context.Context, peer ir.Snapshot) (consensus.Verdict, error) {
	return call(ctx, n, true, func(context.Context) (consensus.Verdict, error) {
		if !n.engine.Initialized() {
			return consensus.Verdict{}, ir.ErrNotInitialized
		}
		return n.engine.Resolve(peer), nil
	})
}

// Merge reconciles the node with a peer snapshot. peerBuffers may be nil
// when only digests are known.
func (n *Node) Merge(ctx context.Context, peer ir.Snapshot, peerBuffers [][]byte) (merge.Result, error) {
	return call(ctx, n, false, func(ctx context.Context) (merge.Result, error) {
		return n.coord.Merge(ctx, n.engine, peer, peerBuffers)
	})
}

// Fork creates a named branch from the current state.
func (n *Node) Fork(ctx context.Context, name string) (ir.Snapshot, error) {
	return call(ctx, n, false, func(ctx context.Context) (ir.Snapshot, error) {
		return n.branches.Fork(ctx, name)
	})
}

// UpdateBranch updates one dimension on a branch.
func (n *Node) UpdateBranch(ctx context.Context, name string, d ir.Dimension, data []byte) (ir.Snapshot, error) {
	return call(ctx, n, false, func(ctx context.Context) (ir.Snapshot, error) {
		return n.branches.Update(ctx, name, d, data)
	})
}

// MergeBranch merges a branch back into the node. The branch survives.
func (n *Node) MergeBranch(ctx context.Context, name string) (merge.Result, error) {
	return call(ctx, n, false, func(ctx context.Context) (merge.Result, error) {
		return n.branches.Merge(ctx, name)
	})
}

// DeleteBranch removes a branch. Returns false if it did not exist.
func (n *Node) DeleteBranch(ctx context.Context, name string) (bool, error) {
	return call(ctx, n, false, func(context.Context) (bool, error) {
		return n.branches.Delete(name), nil
	})
}

// Branches lists branch names in sorted order.
func (n *Node) Branches(ctx context.Context) ([]string, error) {
	return call(ctx, n, true, func(context.Context) ([]string, error) {
		return n.branches.Names(), nil
	})
}

// BranchSnapshot returns a branch's current snapshot.
func (n *Node) BranchSnapshot(ctx context.Context, name string) (ir.Snapshot, error) {
	return call(ctx, n, true, func(context.Context) (ir.Snapshot, error) {
		nm, err := branch.NormalizeName(name)
		if err != nil {
			return ir.Snapshot{}, err
		}
		b, ok := n.branches.Get(nm)
		if !ok {
			return ir.Snapshot{}, ir.UnknownBranch(nm)
		}
		return b.Snapshot(), nil
	})
}

// Address returns the node address stamped with the current clock.
func (n *Node) Address(ctx context.Context) (ir.Address, error) {
	return call(ctx, n, true, func(context.Context) (ir.Address, error) {
		return n.router.Address(), nil
	})
}

// Send sends an opaque payload with the current snapshot to to.
func (n *Node) Send(ctx context.Context, to ir.Address, payload []byte) (router.SendResult, error) {
	return call(ctx, n, false, func(ctx context.Context) (router.SendResult, error) {
		return n.router.Send(ctx, to, ir.MessageData, payload)
	})
}

// SendState sends the current snapshot and buffers to to.
func (n *Node) SendState(ctx context.Context, to ir.Address) (router.SendResult, error) {
	return call(ctx, n, false, func(ctx context.Context) (router.SendResult, error) {
		return n.router.SendState(ctx, to)
	})
}

// Receive applies or forwards an inbound message.
func (n *Node) Receive(ctx context.Context, msg ir.OutboundMessage) (router.ReceiveResult, error) {
	return call(ctx, n, false, func(ctx context.Context) (router.ReceiveResult, error) {
		return n.router.Receive(ctx, msg)
	})
}

// Sync drains the queue for peer. Cancelling ctx stops the drain.
func (n *Node) Sync(ctx context.Context, peer ir.PeerKey) (router.SyncResult, error) {
	return call(ctx, n, true, func(ctx context.Context) (router.SyncResult, error) {
		return n.router.Sync(ctx, peer)
	})
}

// SyncReachable drains every reachable queue.
func (n *Node) SyncReachable(ctx context.Context) (router.SyncResult, error) {
	return call(ctx, n, true, func(ctx context.Context) (router.SyncResult, error) {
		return n.router.SyncReachable(ctx)
	})
}

// FlushExpired applies buffered messages whose gap timed out.
func (n *Node) FlushExpired(ctx context.Context) ([]router.Delivery, error) {
	return call(ctx, n, false, func(ctx context.Context) ([]router.Delivery, error) {
		return n.router.FlushExpired(ctx, n.cfg.Now())
	})
}

// Queued returns the messages waiting for peer.
func (n *Node) Queued(ctx context.Context, peer ir.PeerKey) ([]ir.OutboundMessage, error) {
	return call(ctx, n, true, func(context.Context) ([]ir.OutboundMessage, error) {
		return n.router.Queued(peer), nil
	})
}

// Status summarizes the node.
func (n *Node) Status(ctx context.Context) (Status, error) {
	return call(ctx, n, true, func(context.Context) (Status, error) {
		st := Status{
			NodeID:      n.engine.NodeID(),
			Address:     n.router.Address(),
			Initialized: n.engine.Initialized(),
			Clock:       n.engine.Clock(),
			HistoryLen:  n.engine.HistoryLen(),
			Branches:    n.branches.Names(),
			Queued:      n.router.QueuedCount(),
			Pending:     n.router.PendingCount(),
		}
		if st.Initialized {
			st.Snapshot = n.engine.Snapshot()
			st.Digests = make(map[ir.Dimension]string, n.cfg.Dimensions.Len())
			for d, dg := range st.Snapshot.DigestMap(n.cfg.Dimensions) {
				st.Digests[d] = dg.String()
			}
		}
		return st, nil
	})
}

// flushTicker drives FlushExpired on a fixed interval until ctx ends or
// the node stops.
func (n *Node) flushTicker(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case <-t.C:
			ds, err := n.FlushExpired(ctx)
			if err != nil {
				n.logger.Warn("flush expired failed", "error", err)
				continue
			}
			if len(ds) > 0 {
				n.logger.Info("flushed expired gaps", "applied", len(ds))
			}
		}
	}
}

// StartFlusher runs FlushExpired every interval on a new goroutine until
// ctx ends or the node stops. A non-positive interval defaults to the gap
// timeout.
func (n *Node) StartFlusher(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = n.cfg.GapTimeout
	}
	if every <= 0 {
		every = router.DefaultGapTimeout
	}
	go n.flushTicker(ctx, every)
}
