package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/blockstate/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	DB      string
	NodeID  string
	Policy  string
	Archive string

	// MetricsFile receives Prometheus text metrics after the command.
	MetricsFile string

	// env is the process environment; flags override it.
	env config.Env
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the blockstate CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "blockstate",
		Short: "blockstate - causally ordered, content-addressed node state",
		Long: `Manage blockstate nodes persisted in a local SQLite database.

Each node holds a dimension-indexed state whose digests advance a
Lamport clock. Flags fall back to BLOCKSTATE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "SQLite database path (BLOCKSTATE_DB)")
	cmd.PersistentFlags().StringVarP(&opts.NodeID, "node", "n", "", "node id (BLOCKSTATE_NODE_ID)")
	cmd.PersistentFlags().StringVar(&opts.Policy, "policy", "", "CUE policy file (BLOCKSTATE_POLICY)")
	cmd.PersistentFlags().StringVar(&opts.Archive, "archive", "", "Badger archive directory for pruned history (BLOCKSTATE_ARCHIVE)")
	cmd.PersistentFlags().StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewForkCommand(opts))
	cmd.AddCommand(NewBranchCommand(opts))
	cmd.AddCommand(NewMergeFromCommand(opts))
	cmd.AddCommand(NewCompareCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewNodesCommand(opts))
	cmd.AddCommand(NewAddressCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// resolve fills unset flags from the environment.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	env, err := config.LoadEnv()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid environment", err)
	}
	o.env = env

	flags := cmd.Flags()
	fill := func(name string, target *string, fallback string) {
		if !flags.Changed(name) && *target == "" {
			*target = fallback
		}
	}
	fill("db", &o.DB, env.DB)
	fill("node", &o.NodeID, env.NodeID)
	fill("policy", &o.Policy, env.Policy)
	fill("archive", &o.Archive, env.Archive)
	return nil
}

// formatter returns an OutputFormatter bound to the command's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger writes structured logs to the command's stderr. Verbose lowers
// the level to debug.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := o.env.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// Execute runs the CLI with args and returns the process exit code.
// Failures are rendered in the selected format: JSON errors go to stdout
// alongside successful responses, text errors go to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	isExit := errors.As(err, &exitErr)
	if !isExit || !exitErr.Reported {
		format, _ := cmd.PersistentFlags().GetString("format")
		f := &OutputFormatter{Format: format, Writer: stderr}
		if format == "json" {
			f.Writer = stdout
		}
		_ = f.Error(errorCode(err), err.Error(), nil)
	}

	// Errors that are not ExitErrors come from cobra itself: unknown
	// commands, bad flags and argument counts.
	if !isExit {
		return ExitCommandError
	}
	return exitErr.Code
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
