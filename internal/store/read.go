package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/blockstate/internal/ir"
)

// ErrNodeNotFound is returned when no node with the requested id exists.
var ErrNodeNotFound = errors.New("node not found")

// NodeSummary is one row of ListNodes.
type NodeSummary struct {
	ID         string     `json:"id"`
	Address    ir.Address `json:"address"`
	Clock      uint64     `json:"clock"`
	Codec      string     `json:"codec"`
	Current    ir.Digest  `json:"current"`
	HistoryLen int        `json:"history_len"`
	Branches   int        `json:"branches"`
	Queued     int        `json:"queued"`
}

// LoadNode reassembles the export saved for id.
//
// Returns ErrNodeNotFound if id was never saved.
func (s *Store) LoadNode(ctx context.Context, id string) (ir.NodeExport, error) {
	var (
		exp                       ir.NodeExport
		prefix, node, aclock, clk int64
		dims, current, out, in    string
		skip                      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, prefix, node, address_clock, clock, codec, dimensions, current_digest, outbound_seq, inbound_seq, skipped_seq
		FROM nodes
		WHERE id = ?
	`, id).Scan(&exp.Version, &prefix, &node, &aclock, &clk, &exp.Codec, &dims, &current, &out, &in, &skip)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.NodeExport{}, fmt.Errorf("load node %s: %w", id, ErrNodeNotFound)
	}
	if err != nil {
		return ir.NodeExport{}, fmt.Errorf("load node %s: %w", id, err)
	}

	exp.Address = ir.Address{Prefix: uint64(prefix), Node: uint64(node), Clock: uint64(aclock)}
	if err := unmarshalText("dimensions", dims, &exp.Dimensions); err != nil {
		return ir.NodeExport{}, err
	}
	if err := unmarshalText("outbound seq", out, &exp.OutboundSeq); err != nil {
		return ir.NodeExport{}, err
	}
	if err := unmarshalText("inbound seq", in, &exp.InboundSeq); err != nil {
		return ir.NodeExport{}, err
	}
	if err := unmarshalText("skipped seq", skip, &exp.SkippedSeq); err != nil {
		return ir.NodeExport{}, err
	}

	history, err := s.ReadHistory(ctx, id)
	if err != nil {
		return ir.NodeExport{}, err
	}
	if len(history) == 0 {
		return ir.NodeExport{}, fmt.Errorf("load node %s: empty history", id)
	}
	last := history[len(history)-1]
	if last.Combined().String() != current {
		return ir.NodeExport{}, fmt.Errorf("load node %s: current digest %s is not the last history entry", id, current)
	}

	bufs, err := s.readBuffers(ctx, id)
	if err != nil {
		return ir.NodeExport{}, err
	}
	exp.State = ir.EngineExport{
		NodeID:  id,
		Clock:   uint64(clk),
		Current: last,
		History: history,
		Buffers: bufs,
	}

	if exp.Queued, err = s.readMessages(ctx, id, kindQueued); err != nil {
		return ir.NodeExport{}, err
	}
	if exp.Pending, err = s.readMessages(ctx, id, kindPending); err != nil {
		return ir.NodeExport{}, err
	}
	if exp.Branches, err = s.readBranches(ctx, id); err != nil {
		return ir.NodeExport{}, err
	}
	return exp, nil
}

// LoadNodeJSON returns the saved export of id as canonical JSON, the same
// bytes node.Export produces.
func (s *Store) LoadNodeJSON(ctx context.Context, id string) ([]byte, error) {
	exp, err := s.LoadNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(exp)
}

// ReadHistory returns the saved history of id in append order.
// Returns an empty slice (not nil) if the node has no history.
func (s *Store) ReadHistory(ctx context.Context, id string) ([]ir.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot
		FROM snapshots
		WHERE node_id = ?
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	history := []ir.Snapshot{}
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap ir.Snapshot
		if err := unmarshalText("snapshot", text, &snap); err != nil {
			return nil, err
		}
		history = append(history, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// Lookup returns the most recent saved snapshot of id with combined
// digest d.
func (s *Store) Lookup(ctx context.Context, id string, d ir.Digest) (ir.Snapshot, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot
		FROM snapshots
		WHERE node_id = ? AND digest = ?
		ORDER BY position DESC
		LIMIT 1
	`, id, d.String()).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("lookup %s: %w", d.Short(), err)
	}
	var snap ir.Snapshot
	if err := unmarshalText("snapshot", text, &snap); err != nil {
		return ir.Snapshot{}, false, err
	}
	return snap, true, nil
}

// ListNodes summarizes every saved node ordered by id.
func (s *Store) ListNodes(ctx context.Context) ([]NodeSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.prefix, n.node, n.address_clock, n.clock, n.codec, n.current_digest,
			(SELECT COUNT(*) FROM snapshots WHERE node_id = n.id),
			(SELECT COUNT(*) FROM branches WHERE node_id = n.id),
			(SELECT COUNT(*) FROM queued_messages WHERE node_id = n.id AND kind = 'queued')
		FROM nodes n
		ORDER BY n.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	out := []NodeSummary{}
	for rows.Next() {
		var (
			ns                        NodeSummary
			prefix, node, aclock, clk int64
			current                   string
		)
		if err := rows.Scan(&ns.ID, &prefix, &node, &aclock, &clk, &ns.Codec, &current,
			&ns.HistoryLen, &ns.Branches, &ns.Queued); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		ns.Address = ir.Address{Prefix: uint64(prefix), Node: uint64(node), Clock: uint64(aclock)}
		ns.Clock = uint64(clk)
		if ns.Current, err = ir.ParseDigest(current); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

func (s *Store) readBuffers(ctx context.Context, id string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dimension, bytes
		FROM buffers
		WHERE node_id = ?
		ORDER BY dimension COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query buffers: %w", err)
	}
	defer rows.Close()

	bufs := map[string][]byte{}
	for rows.Next() {
		var (
			dim string
			b   []byte
		)
		if err := rows.Scan(&dim, &b); err != nil {
			return nil, fmt.Errorf("scan buffer: %w", err)
		}
		if b == nil {
			b = []byte{}
		}
		bufs[dim] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buffers: %w", err)
	}
	return bufs, nil
}

func (s *Store) readMessages(ctx context.Context, id, kind string) (map[string][]ir.OutboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer, message
		FROM queued_messages
		WHERE node_id = ? AND kind = ?
		ORDER BY peer COLLATE BINARY ASC, position ASC
	`, id, kind)
	if err != nil {
		return nil, fmt.Errorf("query %s messages: %w", kind, err)
	}
	defer rows.Close()

	out := map[string][]ir.OutboundMessage{}
	for rows.Next() {
		var peer, text string
		if err := rows.Scan(&peer, &text); err != nil {
			return nil, fmt.Errorf("scan %s message: %w", kind, err)
		}
		var msg ir.OutboundMessage
		if err := unmarshalText("message", text, &msg); err != nil {
			return nil, err
		}
		out[peer] = append(out[peer], msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s messages: %w", kind, err)
	}
	return out, nil
}

func (s *Store) readBranches(ctx context.Context, id string) ([]ir.BranchExport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, parent_digest, state
		FROM branches
		WHERE node_id = ?
		ORDER BY name COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	out := []ir.BranchExport{}
	for rows.Next() {
		var (
			b            ir.BranchExport
			parent, text string
		)
		if err := rows.Scan(&b.Name, &parent, &text); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		if b.ParentDigest, err = ir.ParseDigest(parent); err != nil {
			return nil, err
		}
		if err := unmarshalText("branch", text, &b.State); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return out, nil
}
