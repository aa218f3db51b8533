package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/blockstate/internal/branch"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/router"
)

// ExportState returns the full persisted layout of the node.
func (n *Node) ExportState(ctx context.Context) (ir.NodeExport, error) {
	return call(ctx, n, true, func(context.Context) (ir.NodeExport, error) {
		return n.exportState()
	})
}

// Export serializes the node as canonical JSON.
func (n *Node) Export(ctx context.Context) ([]byte, error) {
	exp, err := n.ExportState(ctx)
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(exp)
}

func (n *Node) exportState() (ir.NodeExport, error) {
	if !n.engine.Initialized() {
		return ir.NodeExport{}, ir.ErrNotInitialized
	}
	rs := n.router.Export()
	return ir.NodeExport{
		Version:     ir.ExportVersion,
		Address:     n.router.Address(),
		Codec:       n.cfg.Codec.Name(),
		Dimensions:  n.cfg.Dimensions.Strings(),
		State:       n.engine.Export(),
		Queued:      rs.Queued,
		Pending:     rs.Pending,
		OutboundSeq: rs.OutboundSeq,
		InboundSeq:  rs.InboundSeq,
		SkippedSeq:  rs.Skipped,
		Branches:    n.branches.Export(),
	}, nil
}

// Import replaces the node state with serialized data produced by Export.
// On any error the node is unchanged and Import returns false.
func (n *Node) Import(ctx context.Context, data []byte) (bool, error) {
	var exp ir.NodeExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return false, fmt.Errorf("import: %w", err)
	}
	return n.ImportState(ctx, exp)
}

// ImportState is Import for an already decoded export.
func (n *Node) ImportState(ctx context.Context, exp ir.NodeExport) (bool, error) {
	return call(ctx, n, false, func(ctx context.Context) (bool, error) {
		if err := n.importState(ctx, exp); err != nil {
			n.logger.Warn("import rejected", "error", err)
			return false, err
		}
		return true, nil
	})
}

func (n *Node) importState(ctx context.Context, exp ir.NodeExport) error {
	if exp.Version != ir.ExportVersion {
		return fmt.Errorf("import: unsupported export version %d (want %d)", exp.Version, ir.ExportVersion)
	}
	if exp.Codec != n.cfg.Codec.Name() {
		return ir.Errorf(ir.ErrIncompatibleDimensionSet, map[string]string{
			"local_codec": n.cfg.Codec.Name(),
			"peer_codec":  exp.Codec,
		})
	}
	local := n.cfg.Dimensions.Strings()
	if strings.Join(local, ",") != strings.Join(exp.Dimensions, ",") {
		return ir.Errorf(ir.ErrIncompatibleDimensionSet, map[string]string{
			"local": strings.Join(local, ","),
			"peer":  strings.Join(exp.Dimensions, ","),
		})
	}
	if exp.Address.Peer() != n.cfg.Peer {
		n.logger.Warn("importing state exported by another address",
			"exported", exp.Address.Peer().String(),
			"self", n.cfg.Peer.String(),
		)
	}

	// Build the replacement next to the live state and swap only once
	// every part restored.
	eng, err := n.engine.Spawn(exp.State.NodeID)
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx, exp.State); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	branches := branch.NewManager(eng, n.coord, n.cfg.Logger)
	if err := branches.Restore(ctx, exp.Branches); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	rt, err := n.newRouter(eng)
	if err != nil {
		return err
	}
	if err := rt.Restore(router.State{
		Queued:      exp.Queued,
		Pending:     exp.Pending,
		OutboundSeq: exp.OutboundSeq,
		InboundSeq:  exp.InboundSeq,
		Skipped:     exp.SkippedSeq,
	}); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	n.engine = eng
	n.branches = branches
	n.router = rt
	n.logger.Info("state imported",
		"clock", eng.Clock(),
		"history", eng.HistoryLen(),
		"branches", branches.Len(),
		"queued", rt.QueuedCount(),
	)
	return nil
}
