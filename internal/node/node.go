// Package node is the public face of one blockstate node.
//
// A Node owns a vector clock engine, its branches, a merge coordinator and
// an offline router. None of those are synchronized; instead every call
// on Node is turned into a command and executed by a single goroutine
// (Run), so all state transitions of a node and its branches are
// serialized.
//
// Every method takes a context. Cancelling it before the command starts
// drops the command; cancelling it while the command runs only abandons
// the wait, except for Sync which stops early and leaves undelivered
// messages queued.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roach88/blockstate/internal/address"
	"github.com/roach88/blockstate/internal/branch"
	"github.com/roach88/blockstate/internal/codec"
	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/engine"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/merge"
	"github.com/roach88/blockstate/internal/metrics"
	"github.com/roach88/blockstate/internal/router"
)

// ErrClosed is returned for calls made after Stop or after Run returned.
var ErrClosed = errors.New("node: closed")

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("node: already running")

// Config configures a Node.
type Config struct {
	// ID names the node in logs and exports. Defaults to a random UUID.
	ID string

	// Peer is the node's routing identity (prefix and node id).
	Peer ir.PeerKey

	// Layout bounds address fields. Defaults to address.DefaultLayout().
	Layout address.Layout

	// Dimensions defaults to ir.DefaultDimensionSet().
	Dimensions ir.DimensionSet

	// Codec defaults to SHA-256.
	Codec codec.Codec

	// Workers bounds concurrent hashing. Zero means GOMAXPROCS.
	Workers   int
	Precision codec.Precision

	// Policy defaults to consensus.PolicyFor(Dimensions).
	Policy *consensus.Policy

	Retention engine.RetentionPolicy
	Archive   engine.Archive

	// Advisor and Threshold configure advised merges. A nil Threshold
	// means merge.DefaultThreshold.
	Advisor   merge.Advisor
	Threshold *float64

	Transport    router.Transport
	Reachability router.Reachability
	IDs          router.IDGenerator
	GapTimeout   time.Duration
	Limiter      *rate.Limiter

	// FlushEvery, if positive, makes Start run FlushExpired on that
	// interval so gaps close without further traffic.
	FlushEvery time.Duration

	// Metrics, if set, receives per-node metrics.
	Metrics *metrics.Metrics

	Logger *slog.Logger
	Now    func() time.Time
}

// Node is one blockstate node.
type Node struct {
	cfg    Config
	logger *slog.Logger
	pool   *codec.Pool
	coord  *merge.Coordinator

	// Owned by the Run goroutine.
	engine   *engine.Engine
	branches *branch.Manager
	router   *router.Router

	queue    *commandQueue
	running  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a node. It does not start the command loop.
func New(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Dimensions.Len() == 0 {
		cfg.Dimensions = ir.DefaultDimensionSet()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.SHA256()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	pool := codec.NewPool(cfg.Codec, cfg.Workers)
	if cfg.Metrics != nil {
		pool = pool.WithObserver(cfg.Metrics)
	}

	mcfg := merge.Config{Advisor: cfg.Advisor, Threshold: cfg.Threshold, Logger: cfg.Logger}
	if cfg.Metrics != nil {
		mcfg.Recorder = cfg.Metrics.Node(cfg.ID)
	}

	n := &Node{
		cfg:    cfg,
		logger: cfg.Logger.With("node", cfg.ID),
		pool:   pool,
		coord:  merge.NewCoordinator(mcfg),
		queue:  newCommandQueue(),
		done:   make(chan struct{}),
	}

	eng, err := n.newEngine(cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.ID, err)
	}
	rt, err := n.newRouter(eng)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.ID, err)
	}
	n.engine = eng
	n.branches = branch.NewManager(eng, n.coord, cfg.Logger)
	n.router = rt
	return n, nil
}

func (n *Node) newEngine(id string) (*engine.Engine, error) {
	ecfg := engine.Config{
		NodeID:     id,
		Dimensions: n.cfg.Dimensions,
		Pool:       n.pool,
		Precision:  n.cfg.Precision,
		Policy:     n.cfg.Policy,
		Retention:  n.cfg.Retention,
		Archive:    n.cfg.Archive,
		Logger:     n.cfg.Logger,
		Now:        n.cfg.Now,
	}
	if n.cfg.Metrics != nil {
		ecfg.Recorder = n.cfg.Metrics.Node(n.cfg.ID)
	}
	return engine.New(ecfg)
}

func (n *Node) newRouter(eng *engine.Engine) (*router.Router, error) {
	rcfg := router.Config{
		Self:         n.cfg.Peer,
		Layout:       n.cfg.Layout,
		Engine:       eng,
		Merger:       n.coord,
		Transport:    n.cfg.Transport,
		Reachability: n.cfg.Reachability,
		IDs:          n.cfg.IDs,
		GapTimeout:   n.cfg.GapTimeout,
		Limiter:      n.cfg.Limiter,
		Logger:       n.cfg.Logger,
		Now:          n.cfg.Now,
	}
	if n.cfg.Metrics != nil {
		rcfg.Recorder = n.cfg.Metrics.Node(n.cfg.ID)
	}
	return router.New(rcfg)
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.cfg.ID
}

// Peer returns the node's routing identity.
func (n *Node) Peer() ir.PeerKey {
	return n.cfg.Peer
}

// MergeState returns the coordinator state. Safe from any goroutine.
func (n *Node) MergeState() merge.State {
	return n.coord.State()
}

// Run executes commands until ctx is cancelled or Stop is called.
// Commands queued before Stop are executed before Run returns.
//
// CRITICAL: this is the only goroutine that touches the engine, the
// branches and the router.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer n.finish()
	n.logger.Info("node starting", "peer", n.cfg.Peer.String())

	for {
		if c, ok := n.queue.TryDequeue(); ok {
			n.execute(c)
			continue
		}

		select {
		case <-ctx.Done():
			n.logger.Info("node stopping: context cancelled")
			n.queue.Close()
			return ctx.Err()
		case <-n.queue.Wait():
			if n.queue.Closed() && n.queue.Len() == 0 {
				n.logger.Info("node stopping: queue closed")
				return nil
			}
		}
	}
}

// Start runs the command loop on a new goroutine.
func (n *Node) Start(ctx context.Context) {
	go func() {
		if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrAlreadyRunning) {
			n.logger.Error("node loop exited", "error", err)
		}
	}()
	if n.cfg.FlushEvery > 0 {
		n.StartFlusher(ctx, n.cfg.FlushEvery)
	}
}

// Stop rejects new calls, lets queued ones finish and waits for Run to
// return. Safe to call more than once.
func (n *Node) Stop() {
	n.queue.Close()
	if !n.running.Load() {
		n.finish()
	}
	<-n.done
}

// Done is closed once the node has stopped.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) finish() {
	n.doneOnce.Do(func() { close(n.done) })
}

func (n *Node) execute(c command) {
	if c.ctx.Err() != nil {
		// Caller gave up before the command started.
		return
	}
	c.run(c.ctx)
}

// call runs fn on the node goroutine and waits for its result. Mutations
// get a context that outlives the caller, so a started command always
// completes; cancellable commands see the caller's context.
func call[T any](ctx context.Context, n *Node, cancellable bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	ok := n.queue.Enqueue(command{ctx: ctx, run: func(ctx context.Context) {
		if !cancellable {
			ctx = context.WithoutCancel(ctx)
		}
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}})
	if !ok {
		return zero, ErrClosed
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-n.done:
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return zero, ErrClosed
		}
	}
}
