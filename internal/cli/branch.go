package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/blockstate/internal/ir"
)

// NewForkCommand creates the fork command.
func NewForkCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fork NAME",
		Short: "Create a named branch from the current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				snap, err := s.node.Fork(ctx, name)
				if err != nil {
					return false, wrapOpError("fork", err)
				}
				view := newSnapshotView(opts.NodeID, s.policy.Dimensions, snap)
				view.Branch = name
				return true, s.out.Success(view)
			})
		},
	}
}

// NewBranchCommand creates the branch command group.
func NewBranchCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Work with named branches",
		Long: `Branches are independent lines forked from a node's snapshot. They
are updated in isolation and merged back into the main line.

Examples:
  blockstate fork feature
  blockstate branch update feature Graph "draft"
  blockstate branch merge feature
  blockstate branch delete feature`,
	}

	cmd.AddCommand(newBranchListCommand(opts))
	cmd.AddCommand(newBranchShowCommand(opts))
	cmd.AddCommand(newBranchUpdateCommand(opts))
	cmd.AddCommand(newBranchMergeCommand(opts))
	cmd.AddCommand(newBranchDeleteCommand(opts))
	return cmd
}

func newBranchListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List branch names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				names, err := s.node.Branches(ctx)
				if err != nil {
					return false, wrapOpError("branches", err)
				}
				if names == nil {
					names = []string{}
				}
				return false, s.out.Success(branchesView{Node: opts.NodeID, Branches: names})
			})
		},
	}
}

func newBranchShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show a branch's current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				snap, err := s.node.BranchSnapshot(ctx, name)
				if err != nil {
					return false, wrapOpError("branch show", err)
				}
				view := newSnapshotView(opts.NodeID, s.policy.Dimensions, snap)
				view.Branch = name
				return false, s.out.Success(view)
			})
		},
	}
}

func newBranchUpdateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update NAME DIMENSION VALUE",
		Short: "Update one dimension on a branch",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, d := args[0], ir.Dimension(args[1])
			data, err := decodeValue(args[2])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid value", err)
			}
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				snap, err := s.node.UpdateBranch(ctx, name, d, data)
				if err != nil {
					return false, wrapOpError("branch update", err)
				}
				view := newSnapshotView(opts.NodeID, s.policy.Dimensions, snap)
				view.Branch = name
				return true, s.out.Success(view)
			})
		},
	}
}

func newBranchMergeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge NAME",
		Short: "Merge a branch back into the main line",
		Long: `Merge a branch into the node's main line. The branch is kept; its
changes win under last-writer-wins when it is ahead. A conflicted
merge leaves the main line unchanged and exits with status 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				res, err := s.node.MergeBranch(ctx, name)
				if err != nil {
					return false, wrapOpError("branch merge", err)
				}
				if err := s.out.Success(newMergeView(opts.NodeID, "branch "+name, res)); err != nil {
					return false, err
				}
				if !res.Success {
					return false, reported(NewExitError(ExitFailure, fmt.Sprintf("merge of branch %s %s", name, res.Strategy)))
				}
				return res.Changed, nil
			})
		},
	}
}

func newBranchDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withNode(cmd, opts, func(ctx context.Context, s *session) (bool, error) {
				ok, err := s.node.DeleteBranch(ctx, name)
				if err != nil {
					return false, wrapOpError("branch delete", err)
				}
				if !ok {
					return false, NewExitError(ExitFailure, fmt.Sprintf("branch %q not found", name))
				}
				return true, s.out.Success(map[string]any{"node": opts.NodeID, "branch": name, "deleted": true})
			})
		},
	}
}
