package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/store"
)

// decodeValue turns a command-line value into a buffer: "hex:..." is hex,
// "@path" reads a file, anything else is taken verbatim.
func decodeValue(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "hex:"); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid hex value: %w", err)
		}
		return b, nil
	}
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read value file: %w", err)
		}
		return b, nil
	}
	return []byte(s), nil
}

// parseAssignments parses DIM=VALUE arguments.
func parseAssignments(args []string) (map[ir.Dimension][]byte, error) {
	out := make(map[ir.Dimension][]byte, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("expected DIMENSION=VALUE, got %q", arg))
		}
		d := ir.NormalizeDimension(ir.Dimension(name))
		if _, dup := out[d]; dup {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("dimension %s assigned twice", d))
		}
		b, err := decodeValue(value)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, string(d), err)
		}
		out[d] = b
	}
	return out, nil
}

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Peer  string
	Force bool
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init [DIMENSION=VALUE ...]",
		Short: "Create a node with its genesis snapshot",
		Long: `Create a node and install its genesis snapshot at clock 0.

Dimensions not assigned start empty. Values are raw text, hex:<bytes>
or @<file>.

Examples:
  blockstate init --node alpha Graph=hello Node=hex:0a0b
  blockstate init --node beta --peer 0001:0002`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Peer, "peer", "", "routing identity prefix:node in hex (default from BLOCKSTATE_PREFIX/BLOCKSTATE_NODE)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace an existing node with the same id")

	return cmd
}

func runInit(cmd *cobra.Command, opts *InitOptions, args []string) (err error) {
	buffers, err := parseAssignments(args)
	if err != nil {
		return err
	}
	peer := ir.PeerKey{Prefix: opts.env.Prefix, Node: opts.env.Node}
	if opts.Peer != "" {
		if peer, err = ir.ParsePeerKey(opts.Peer); err != nil {
			return WrapExitError(ExitCommandError, "invalid --peer", err)
		}
	}

	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "close session", cerr)
		}
	}()

	ctx := cmd.Context()
	_, err = s.store.LoadNode(ctx, opts.NodeID)
	switch {
	case err == nil && !opts.Force:
		return NewExitError(ExitFailure, fmt.Sprintf("node %q already exists (use --force to replace)", opts.NodeID))
	case err != nil && !errors.Is(err, store.ErrNodeNotFound):
		return WrapExitError(ExitCommandError, "load node", err)
	}

	if err := s.start(ctx, peer); err != nil {
		return err
	}
	snap, err := s.node.Initialize(ctx, buffers)
	if err != nil {
		return wrapOpError("initialize", err)
	}
	if err := s.save(ctx); err != nil {
		return err
	}
	return s.out.Success(newSnapshotView(opts.NodeID, s.policy.Dimensions, snap))
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update DIMENSION VALUE",
		Short: "Replace one dimension's buffer and advance the clock",
		Long: `Replace the buffer of one dimension. The node's clock advances by one
and the new snapshot links to the previous one.

Examples:
  blockstate update --node alpha Graph "new contents"
  blockstate update --node alpha Edge @edges.bin`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := ir.Dimension(args[0])
			data, err := decodeValue(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid value", err)
			}
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				snap, err := s.node.Update(ctx, d, data)
				if err != nil {
					return false, wrapOpError("update", err)
				}
				return true, s.out.Success(newSnapshotView(opts.NodeID, s.policy.Dimensions, snap))
			})
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(opts *RootOptions) *cobra.Command {
	var dimension string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a node's status, or one dimension's buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				if dimension != "" {
					buf, err := s.node.Buffer(ctx, ir.Dimension(dimension))
					if err != nil {
						return false, wrapOpError("buffer", err)
					}
					if s.out.Format == "json" {
						return false, s.out.Success(map[string]string{
							"dimension": string(ir.NormalizeDimension(ir.Dimension(dimension))),
							"hex":       hex.EncodeToString(buf),
						})
					}
					_, err = cmd.OutOrStdout().Write(buf)
					return false, err
				}
				st, err := s.node.Status(ctx)
				if err != nil {
					return false, wrapOpError("status", err)
				}
				return false, s.out.Success(statusView{Status: st, order: s.policy.Dimensions.Strings()})
			})
		},
	}

	cmd.Flags().StringVarP(&dimension, "dimension", "d", "", "print the raw buffer of this dimension")
	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var lookup string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List retained snapshots, or look one up by combined digest",
		Long: `List the node's retained history oldest first.

With --lookup, find a snapshot by its combined digest. Snapshots pruned
into the archive (--archive) are found there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				set := s.policy.Dimensions
				if lookup != "" {
					d, err := ir.ParseDigest(lookup)
					if err != nil {
						return false, WrapExitError(ExitCommandError, "invalid digest", err)
					}
					snap, ok, err := s.node.Lookup(ctx, d)
					if err != nil {
						return false, WrapExitError(ExitCommandError, "lookup", err)
					}
					if !ok {
						return false, NewExitError(ExitFailure, fmt.Sprintf("snapshot %s not found", d.Short()))
					}
					return false, s.out.Success(newSnapshotView(opts.NodeID, set, snap))
				}

				snaps, err := s.node.History(ctx)
				if err != nil {
					return false, wrapOpError("history", err)
				}
				view := historyView{Node: opts.NodeID, Snapshots: make([]snapshotView, len(snaps))}
				for i, snap := range snaps {
					view.Snapshots[i] = newSnapshotView(opts.NodeID, set, snap)
				}
				return false, s.out.Success(view)
			})
		},
	}

	cmd.Flags().StringVar(&lookup, "lookup", "", "combined digest (hex) to look up")
	return cmd
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop history beyond the policy's retention limits",
		Long: `Apply the retention policy (retention.max_entries, retention.max_age)
to the node's history. With --archive, dropped snapshots are written
to the archive first and stay reachable through history --lookup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				n, err := s.node.Prune(ctx)
				if err != nil {
					return false, WrapExitError(ExitCommandError, "prune", err)
				}
				if err := s.out.Success(map[string]any{"node": opts.NodeID, "pruned": n}); err != nil {
					return false, err
				}
				return n > 0, nil
			})
		},
	}
}

// NewNodesCommand creates the nodes command.
func NewNodesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List nodes stored in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.Close(); cerr != nil && err == nil {
					err = WrapExitError(ExitCommandError, "close session", cerr)
				}
			}()
			nodes, err := s.store.ListNodes(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "list nodes", err)
			}
			if nodes == nil {
				nodes = []store.NodeSummary{}
			}
			return s.out.Success(nodesView{Nodes: nodes})
		},
	}
}
