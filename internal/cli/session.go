package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/blockstate/internal/archive"
	"github.com/roach88/blockstate/internal/config"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/metrics"
	"github.com/roach88/blockstate/internal/node"
	"github.com/roach88/blockstate/internal/store"
)

// session is one command's view of a stored node: the store, the policy,
// an optional archive and a running Node restored from the store.
type session struct {
	opts     *RootOptions
	out      *OutputFormatter
	logger   *slog.Logger
	policy   config.Policy
	store    *store.Store
	archive  *archive.Archive
	registry *prometheus.Registry
	node     *node.Node
	cancel   context.CancelFunc
}

// loadPolicy reads the policy file named by opts, or the built-in policy.
func loadPolicy(opts *RootOptions) (config.Policy, error) {
	if opts.Policy == "" {
		return config.DefaultPolicy(), nil
	}
	p, err := config.LoadPolicyFile(opts.Policy)
	if err != nil {
		return config.Policy{}, WrapExitError(ExitCommandError, "load policy", err)
	}
	return p, nil
}

// openSession opens the store and, when configured, the archive. No node
// is running until start or load is called.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	s := &session{
		opts:   opts,
		out:    opts.formatter(cmd),
		logger: opts.logger(cmd),
	}

	p, err := loadPolicy(opts)
	if err != nil {
		return nil, err
	}
	s.policy = p

	st, err := store.Open(opts.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}
	s.store = st
	s.out.VerboseLog("store: %s", opts.DB)

	if opts.Archive != "" {
		cfg := archive.DefaultConfig(opts.Archive)
		cfg.Logger = s.logger
		a, err := archive.Open(cfg)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "open archive", err)
		}
		s.archive = a
		s.out.VerboseLog("archive: %s", opts.Archive)
	}

	if opts.MetricsFile != "" {
		s.registry = prometheus.NewRegistry()
	}
	return s, nil
}

// start runs a fresh node with the given routing identity.
func (s *session) start(ctx context.Context, peer ir.PeerKey) error {
	cfg := config.NodeConfig(s.opts.env, s.policy)
	cfg.ID = s.opts.NodeID
	cfg.Peer = peer
	cfg.Logger = s.logger
	if s.archive != nil {
		cfg.Archive = s.archive
	}
	if s.registry != nil {
		cfg.Metrics = metrics.New(s.registry)
	}

	n, err := node.New(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "configure node", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.Start(runCtx)
	s.node = n
	s.cancel = cancel
	return nil
}

// load starts a node and restores it from the store.
func (s *session) load(ctx context.Context) error {
	exp, err := s.store.LoadNode(ctx, s.opts.NodeID)
	if errors.Is(err, store.ErrNodeNotFound) {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("node %q not found in %s (run init first)", s.opts.NodeID, s.opts.DB))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "load node", err)
	}
	if err := s.start(ctx, exp.Address.Peer()); err != nil {
		return err
	}
	if _, err := s.node.ImportState(ctx, exp); err != nil {
		return wrapOpError("restore node", err)
	}
	s.out.VerboseLog("loaded node %s at %s", s.opts.NodeID, exp.Address)
	return nil
}

// save writes the node back to the store.
func (s *session) save(ctx context.Context) error {
	exp, err := s.node.ExportState(ctx)
	if err != nil {
		return wrapOpError("export node", err)
	}
	if err := s.store.SaveNode(ctx, exp); err != nil {
		return WrapExitError(ExitCommandError, "save node", err)
	}
	s.out.VerboseLog("saved node %s at clock %d", s.opts.NodeID, exp.State.Clock)
	return nil
}

// Close stops the node and releases the store and archive. Metrics are
// written out last so they include everything the command did.
func (s *session) Close() error {
	if s.node != nil {
		s.node.Stop()
		s.cancel()
	}
	var errs []error
	if s.registry != nil {
		if err := prometheus.WriteToTextfile(s.opts.MetricsFile, s.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if s.archive != nil {
		errs = append(errs, s.archive.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

// withNode loads the stored node, runs fn, and saves the node when fn
// reports a change. The session is closed on return.
func withNode(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *session) (changed bool, err error)) (err error) {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "close session", cerr)
		}
	}()

	ctx := cmd.Context()
	if err := s.load(ctx); err != nil {
		return err
	}
	changed, err := fn(ctx, s)
	if err != nil {
		return err
	}
	if changed {
		return s.save(ctx)
	}
	return nil
}
