package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/store"
)

// loadPeer reads another stored node's export.
func (s *session) loadPeer(ctx context.Context, id string) (ir.NodeExport, error) {
	if id == s.opts.NodeID {
		return ir.NodeExport{}, NewExitError(ExitCommandError, "peer must differ from --node")
	}
	exp, err := s.store.LoadNode(ctx, id)
	if errors.Is(err, store.ErrNodeNotFound) {
		return ir.NodeExport{}, NewExitError(ExitCommandError, fmt.Sprintf("peer node %q not found", id))
	}
	if err != nil {
		return ir.NodeExport{}, WrapExitError(ExitCommandError, "load peer", err)
	}
	return exp, nil
}

// peerBuffers orders an export's buffers by the session's dimension set.
// Dimensions the export has no buffer for stay nil.
func (s *session) peerBuffers(exp ir.NodeExport) [][]byte {
	set := s.policy.Dimensions
	out := make([][]byte, set.Len())
	for i := range out {
		if b, ok := exp.State.Buffers[string(set.Name(i))]; ok {
			out[i] = b
		}
	}
	return out
}

// NewMergeFromCommand creates the merge-from command.
func NewMergeFromCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge-from PEER",
		Short: "Merge another stored node's current state into this node",
		Long: `Reconcile this node with the current snapshot and buffers of another
node in the same database. The peer is read only.

The merge strategy is chosen by consensus first and clocks second:
exact-noop, majority-advance, last-writer-wins or conflicted. A
conflicted merge leaves the node unchanged and exits with status 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID := args[0]
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				peer, err := s.loadPeer(ctx, peerID)
				if err != nil {
					return false, err
				}
				res, err := s.node.Merge(ctx, peer.State.Current, s.peerBuffers(peer))
				if err != nil {
					return false, wrapOpError("merge", err)
				}
				if err := s.out.Success(newMergeView(opts.NodeID, peerID, res)); err != nil {
					return false, err
				}
				if !res.Success {
					return false, reported(NewExitError(ExitFailure, fmt.Sprintf("merge from %s %s", peerID, res.Strategy)))
				}
				return res.Changed, nil
			})
		},
	}
}

// NewCompareCommand creates the compare command.
func NewCompareCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compare PEER",
		Short: "Order this node against another stored node",
		Long: `Report the causal order of this node's snapshot against a peer's
(before, after or concurrent) and the consensus method that
classifies them (exact, majority, partial or none). Nothing changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID := args[0]
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				peer, err := s.loadPeer(ctx, peerID)
				if err != nil {
					return false, err
				}
				c, err := s.node.Compare(ctx, peer.State.Current)
				if err != nil {
					return false, wrapOpError("compare", err)
				}
				v, err := s.node.Resolve(ctx, peer.State.Current)
				if err != nil {
					return false, wrapOpError("resolve", err)
				}
				return false, s.out.Success(newCompareView(opts.NodeID, peerID, c, v))
			})
		},
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a node as canonical JSON",
		Long: `Serialize the node (snapshot, history, buffers, queues and branches)
as canonical JSON. Importing the output under the same node id and
exporting again yields the same bytes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				data, err := s.node.Export(ctx)
				if err != nil {
					return false, wrapOpError("export", err)
				}
				if output == "" || output == "-" {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
					return false, err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return false, WrapExitError(ExitCommandError, "write export", err)
				}
				s.out.VerboseLog("exported %s to %s", opts.NodeID, output)
				return false, nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Replace a node's state from an export",
		Long: `Load an export produced by "blockstate export" into --node, creating
the node when it does not exist. The node keeps the export's address.
The export must use the policy's codec and dimension set; on any error
the stored node is unchanged. FILE "-" reads stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, args[0])
		},
	}
}

func runImport(cmd *cobra.Command, opts *RootOptions, path string) (err error) {
	var data []byte
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "read export", err)
	}

	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "close session", cerr)
		}
	}()

	var exp ir.NodeExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return WrapExitError(ExitCommandError, "decode export", err)
	}
	if exp.State.NodeID != opts.NodeID {
		s.out.VerboseLog("re-homing export of %q as %q", exp.State.NodeID, opts.NodeID)
		exp.State.NodeID = opts.NodeID
	}

	ctx := cmd.Context()
	if err := s.start(ctx, exp.Address.Peer()); err != nil {
		return err
	}
	if _, err := s.node.ImportState(ctx, exp); err != nil {
		return wrapOpError("import", err)
	}
	if err := s.save(ctx); err != nil {
		return err
	}
	st, err := s.node.Status(ctx)
	if err != nil {
		return wrapOpError("status", err)
	}
	return s.out.Success(statusView{Status: st, order: s.policy.Dimensions.Strings()})
}
