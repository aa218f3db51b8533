package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/blockstate/internal/ir"
)

// Message kinds stored in queued_messages.
const (
	kindQueued  = "queued"
	kindPending = "pending"
)

// SaveNode writes a node export, replacing any earlier save of the same
// node id. The write is a single transaction: on error nothing changes.
// Saving the same export twice leaves identical rows.
func (s *Store) SaveNode(ctx context.Context, exp ir.NodeExport) (err error) {
	id := exp.State.NodeID
	if id == "" {
		return errors.New("save node: empty node id")
	}
	if len(exp.State.History) == 0 {
		return fmt.Errorf("save node %s: empty history", id)
	}

	row, err := nodeRow(exp)
	if err != nil {
		return fmt.Errorf("save node %s: %w", id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save node %s: begin: %w", id, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes
		(id, version, prefix, node, address_clock, clock, codec, dimensions, current_digest, outbound_seq, inbound_seq, skipped_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			prefix = excluded.prefix,
			node = excluded.node,
			address_clock = excluded.address_clock,
			clock = excluded.clock,
			codec = excluded.codec,
			dimensions = excluded.dimensions,
			current_digest = excluded.current_digest,
			outbound_seq = excluded.outbound_seq,
			inbound_seq = excluded.inbound_seq,
			skipped_seq = excluded.skipped_seq
	`, row...)
	if err != nil {
		return fmt.Errorf("save node %s: %w", id, err)
	}

	for _, table := range []string{"snapshots", "buffers", "queued_messages", "branches"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE node_id = ?", id); err != nil {
			return fmt.Errorf("save node %s: clear %s: %w", id, table, err)
		}
	}

	if err = writeHistory(ctx, tx, id, exp.State.History); err != nil {
		return fmt.Errorf("save node %s: %w", id, err)
	}
	if err = writeBuffers(ctx, tx, id, exp.State.Buffers); err != nil {
		return fmt.Errorf("save node %s: %w", id, err)
	}
	if err = writeMessages(ctx, tx, id, kindQueued, exp.Queued); err != nil {
		return fmt.Errorf("save node %s: %w", id, err)
	}
	if err = writeMessages(ctx, tx, id, kindPending, exp.Pending); err != nil {
		return fmt.Errorf("save node %s: %w", id, err)
	}
	if err = writeBranches(ctx, tx, id, exp.Branches); err != nil {
		return fmt.Errorf("save node %s: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("save node %s: commit: %w", id, err)
	}
	return nil
}

func nodeRow(exp ir.NodeExport) ([]any, error) {
	dims, err := marshalCanonical("dimensions", exp.Dimensions)
	if err != nil {
		return nil, err
	}
	out, err := marshalCanonical("outbound seq", nonNilSeqs(exp.OutboundSeq))
	if err != nil {
		return nil, err
	}
	in, err := marshalCanonical("inbound seq", nonNilSeqs(exp.InboundSeq))
	if err != nil {
		return nil, err
	}
	skipped := exp.SkippedSeq
	if skipped == nil {
		skipped = map[string][]uint64{}
	}
	skip, err := marshalCanonical("skipped seq", skipped)
	if err != nil {
		return nil, err
	}
	nums := make([]int64, 4)
	for i, f := range []struct {
		name string
		v    uint64
	}{
		{"prefix", exp.Address.Prefix},
		{"node", exp.Address.Node},
		{"address clock", exp.Address.Clock},
		{"clock", exp.State.Clock},
	} {
		if nums[i], err = toInt64(f.name, f.v); err != nil {
			return nil, err
		}
	}
	return []any{
		exp.State.NodeID,
		exp.Version,
		nums[0], nums[1], nums[2], nums[3],
		exp.Codec,
		dims,
		exp.State.Current.Combined().String(),
		out,
		in,
		skip,
	}, nil
}

func nonNilSeqs(m map[string]uint64) map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	return m
}

func writeHistory(ctx context.Context, tx *sql.Tx, id string, history []ir.Snapshot) error {
	for i, snap := range history {
		text, err := marshalCanonical("snapshot", snap)
		if err != nil {
			return err
		}
		clock, err := toInt64("snapshot clock", snap.Clock())
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (node_id, position, digest, clock, previous, snapshot)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(node_id, position) DO NOTHING
		`, id, i, snap.Combined().String(), clock, snap.Previous().String(), text)
		if err != nil {
			return fmt.Errorf("write snapshot %d: %w", i, err)
		}
	}
	return nil
}

func writeBuffers(ctx context.Context, tx *sql.Tx, id string, bufs map[string][]byte) error {
	for _, dim := range sortedKeys(bufs) {
		if bufs[dim] == nil {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO buffers (node_id, dimension, bytes)
			VALUES (?, ?, ?)
			ON CONFLICT(node_id, dimension) DO UPDATE SET bytes = excluded.bytes
		`, id, dim, bufs[dim])
		if err != nil {
			return fmt.Errorf("write buffer %s: %w", dim, err)
		}
	}
	return nil
}

func writeMessages(ctx context.Context, tx *sql.Tx, id, kind string, byPeer map[string][]ir.OutboundMessage) error {
	for _, peer := range sortedKeys(byPeer) {
		for i, msg := range byPeer[peer] {
			text, err := marshalCanonical("message", msg)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO queued_messages (node_id, kind, peer, position, message)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(node_id, kind, peer, position) DO NOTHING
			`, id, kind, peer, i, text)
			if err != nil {
				return fmt.Errorf("write %s message %s/%d: %w", kind, peer, i, err)
			}
		}
	}
	return nil
}

func writeBranches(ctx context.Context, tx *sql.Tx, id string, branches []ir.BranchExport) error {
	for _, b := range branches {
		text, err := marshalCanonical("branch", b.State)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO branches (node_id, name, parent_digest, state)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(node_id, name) DO UPDATE SET
				parent_digest = excluded.parent_digest,
				state = excluded.state
		`, id, b.Name, b.ParentDigest.String(), text)
		if err != nil {
			return fmt.Errorf("write branch %s: %w", b.Name, err)
		}
	}
	return nil
}

// DeleteNode removes a node and all of its rows. Returns false if the
// node did not exist.
func (s *Store) DeleteNode(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete node %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete node %s: %w", id, err)
	}
	return n > 0, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
