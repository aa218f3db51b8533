package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/blockstate/internal/codec"
	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/ir"
)

// Archive receives snapshots pruned from in-memory history.
// Implemented by archive.Archive (BadgerDB).
type Archive interface {
	Put(ctx context.Context, s ir.Snapshot) error
	Get(ctx context.Context, d ir.Digest) (ir.Snapshot, bool, error)
}

// Recorder receives engine events for metrics.
// Implemented by metrics.Metrics.
type Recorder interface {
	RecordUpdate(node string)
	RecordPruned(node string, n int)
}

// Config configures an Engine.
type Config struct {
	// NodeID names the engine in logs and exports.
	NodeID string

	// Dimensions is the fixed dimension set. Required.
	Dimensions ir.DimensionSet

	// Pool hashes dimension buffers. Defaults to a SHA-256 pool.
	Pool *codec.Pool

	// Precision tags every buffer hashed by this engine.
	Precision codec.Precision

	// Policy drives the consensus override in Compare.
	// Defaults to consensus.PolicyFor(Dimensions).
	Policy *consensus.Policy

	// Retention bounds in-memory history. Zero keeps everything.
	Retention RetentionPolicy

	// Archive, if set, receives pruned snapshots.
	Archive Archive

	// Recorder, if set, receives metrics events.
	Recorder Recorder

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now defaults to time.Now. Used only for age-based retention.
	Now func() time.Time
}

// Engine is the vector clock engine of one NodeState.
//
// It owns the current snapshot, the logical clock, the raw dimension
// buffers and the append-only history.
//
// Thread-safety: Engine is NOT safe for concurrent use. It is owned by a
// single writer (the node goroutine); every method, including the
// read-only ones, must be called from that goroutine.
//
// INVARIANTS:
//   - current is always the last entry of the history log
//   - clock values in the log strictly increase
//   - buffers[i] is nil or hashes to current.Digest(i)
type Engine struct {
	cfg    Config
	policy consensus.Policy
	logger *slog.Logger

	initialized bool
	clock       *Clock
	current     ir.Snapshot
	buffers     [][]byte
	history     *history
}

// New creates an engine. Returns a configuration error if the dimension
// set is empty or the policy does not fit it.
func New(cfg Config) (*Engine, error) {
	if cfg.Dimensions.Len() == 0 {
		return nil, ir.ErrEmptyDimensionSet
	}
	if cfg.Pool == nil {
		cfg.Pool = codec.NewPool(codec.SHA256(), 0)
	}
	if cfg.Precision == "" {
		cfg.Precision = codec.PrecisionOpaque
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	policy := consensus.PolicyFor(cfg.Dimensions)
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if err := policy.Validate(cfg.Dimensions); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		policy:  policy,
		logger:  cfg.Logger.With("node", cfg.NodeID),
		clock:   NewClock(),
		history: newHistory(),
	}, nil
}

// Initialize hashes the provided buffers and installs the genesis snapshot
// (previous = genesis, clock = 0). Dimensions without a buffer are unset.
func (e *Engine) Initialize(ctx context.Context, buffers map[ir.Dimension][]byte) (ir.Snapshot, error) {
	if e.initialized {
		return ir.Snapshot{}, ir.ErrAlreadyInitialized
	}
	if e.cfg.Dimensions.Len() == 0 {
		return ir.Snapshot{}, ir.ErrEmptyDimensionSet
	}

	bufs := make([][]byte, e.cfg.Dimensions.Len())
	for d, b := range buffers {
		i, ok := e.cfg.Dimensions.Index(d)
		if !ok {
			return ir.Snapshot{}, ir.UnknownDimension(d)
		}
		bufs[i] = cloneBytes(b)
	}

	return e.genesis(ctx, bufs, nil)
}

// genesis installs the first snapshot of a lineage. carried supplies
// digests for dimensions whose buffer is unknown (nil) but whose digest is
// not unset; it may be nil.
func (e *Engine) genesis(ctx context.Context, bufs [][]byte, carried []ir.Digest) (ir.Snapshot, error) {
	digests, err := e.cfg.Pool.HashAll(ctx, bufs, e.cfg.Precision)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("initialize: hash dimensions: %w", err)
	}
	for i := range carried {
		if bufs[i] == nil {
			digests[i] = carried[i]
		}
	}

	snap := ir.NewSnapshot(e.cfg.Pool.Codec(), e.cfg.Dimensions.Shape(), digests, 0, ir.Genesis)
	e.clock = NewClock()
	e.buffers = bufs
	e.current = snap
	e.history = newHistory()
	e.history.append(snap, e.cfg.Now())
	e.initialized = true

	e.logger.Info("engine initialized",
		"combined", snap.Combined().Short(),
		"dimensions", e.cfg.Dimensions.Len(),
	)
	return snap, nil
}

// Update replaces one dimension's bytes and produces a new snapshot.
// Fails only for an unknown dimension (or an uninitialized engine); the
// state is untouched on failure.
func (e *Engine) Update(ctx context.Context, d ir.Dimension, data []byte) (ir.Snapshot, error) {
	if !e.initialized {
		return ir.Snapshot{}, ir.ErrNotInitialized
	}
	i, ok := e.cfg.Dimensions.Index(d)
	if !ok {
		return ir.Snapshot{}, ir.UnknownDimension(d)
	}

	buf := cloneBytes(data)
	digest, err := e.cfg.Pool.Hash(ctx, buf, e.cfg.Precision)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("update %s: %w", d, err)
	}

	digests := e.current.Digests()
	digests[i] = digest
	bufs := e.Buffers()
	bufs[i] = buf

	snap := e.install(digests, bufs, e.clock.Next())

	e.logger.Debug("dimension updated",
		"dimension", string(d),
		"clock", snap.Clock(),
		"combined", snap.Combined().Short(),
	)
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.RecordUpdate(e.cfg.NodeID)
	}
	return snap, nil
}

// AdvanceTo applies the Lamport receive rule without touching digests:
// the clock becomes max(local, observed)+1 and a snapshot with the same
// digests is appended.
func (e *Engine) AdvanceTo(observed uint64) (ir.Snapshot, error) {
	if !e.initialized {
		return ir.Snapshot{}, ir.ErrNotInitialized
	}
	snap := e.install(e.current.Digests(), e.buffers, e.clock.Witness(observed))
	e.logger.Debug("clock advanced", "clock", snap.Clock(), "observed", observed)
	return snap, nil
}

// Adopt installs merged digests and buffers, stamping the result with
// max(local, observed)+1.
//
// bufs[i] may be nil when only the digest is known. A buffer that does not
// hash to digests[i] is discarded and the digest is kept.
func (e *Engine) Adopt(ctx context.Context, digests []ir.Digest, bufs [][]byte, observed uint64) (ir.Snapshot, error) {
	return e.adopt(ctx, digests, bufs, func() (uint64, error) {
		return e.clock.Witness(observed), nil
	})
}

// AdoptAt is Adopt with an explicit clock, used to take a peer snapshot
// wholesale at the peer's own clock. clock must exceed the current clock.
func (e *Engine) AdoptAt(ctx context.Context, digests []ir.Digest, bufs [][]byte, clock uint64) (ir.Snapshot, error) {
	return e.adopt(ctx, digests, bufs, func() (uint64, error) {
		if !e.clock.Jump(clock) {
			return 0, fmt.Errorf("adopt at clock %d: not after current clock %d", clock, e.clock.Current())
		}
		return clock, nil
	})
}

func (e *Engine) adopt(ctx context.Context, digests []ir.Digest, bufs [][]byte, stamp func() (uint64, error)) (ir.Snapshot, error) {
	if !e.initialized {
		return ir.Snapshot{}, ir.ErrNotInitialized
	}
	n := e.cfg.Dimensions.Len()
	if len(digests) != n || (bufs != nil && len(bufs) != n) {
		return ir.Snapshot{}, ir.Errorf(ir.ErrIncompatibleDimensionSet, map[string]string{
			"want": fmt.Sprint(n),
			"got":  fmt.Sprint(len(digests)),
		})
	}

	own := make([][]byte, n)
	if bufs != nil {
		for i := range bufs {
			own[i] = cloneBytes(bufs[i])
		}
	}
	check, err := e.cfg.Pool.HashAll(ctx, own, e.cfg.Precision)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("adopt: hash dimensions: %w", err)
	}
	for i := range own {
		if own[i] != nil && check[i] != digests[i] {
			e.logger.Warn("discarding buffer that does not match its digest",
				"dimension", string(e.cfg.Dimensions.Name(i)),
			)
			own[i] = nil
		}
	}

	clock, err := stamp()
	if err != nil {
		return ir.Snapshot{}, err
	}
	snap := e.install(digests, own, clock)
	e.logger.Debug("snapshot adopted", "clock", snap.Clock(), "combined", snap.Combined().Short())
	return snap, nil
}

// install builds and records a snapshot chained to the current one.
func (e *Engine) install(digests []ir.Digest, bufs [][]byte, clock uint64) ir.Snapshot {
	snap := ir.NewSnapshot(e.cfg.Pool.Codec(), e.cfg.Dimensions.Shape(), digests, clock, e.current.Combined())
	e.current = snap
	e.buffers = bufs
	e.history.append(snap, e.cfg.Now())
	e.autoPrune()
	return snap
}

// Snapshot returns the current snapshot.
func (e *Engine) Snapshot() ir.Snapshot {
	return e.current
}

// Initialized reports whether a genesis snapshot exists.
func (e *Engine) Initialized() bool {
	return e.initialized
}

// Clock returns the current logical clock.
func (e *Engine) Clock() uint64 {
	return e.clock.Current()
}

// NodeID returns the configured node id.
func (e *Engine) NodeID() string {
	return e.cfg.NodeID
}

// Dimensions returns the fixed dimension set.
func (e *Engine) Dimensions() ir.DimensionSet {
	return e.cfg.Dimensions
}

// Codec returns the codec snapshots are built with.
func (e *Engine) Codec() codec.Codec {
	return e.cfg.Pool.Codec()
}

// Policy returns the consensus policy used by Compare.
func (e *Engine) Policy() consensus.Policy {
	return e.policy
}

// Buffers returns a copy of the per-dimension buffer slice. The byte
// slices themselves are shared and must not be modified.
func (e *Engine) Buffers() [][]byte {
	out := make([][]byte, len(e.buffers))
	copy(out, e.buffers)
	return out
}

// Buffer returns a copy of one dimension's bytes.
func (e *Engine) Buffer(d ir.Dimension) ([]byte, error) {
	i, ok := e.cfg.Dimensions.Index(d)
	if !ok {
		return nil, ir.UnknownDimension(d)
	}
	return cloneBytes(e.buffers[i]), nil
}

// Spawn creates an uninitialized engine with this engine's configuration
// under a new node id. Used to restore branches.
func (e *Engine) Spawn(nodeID string) (*Engine, error) {
	cfg := e.cfg
	cfg.NodeID = nodeID
	policy := e.policy
	cfg.Policy = &policy
	return New(cfg)
}

// Fork creates an independent engine seeded with deep copies of this
// engine's buffers. The fork starts its own lineage at genesis.
func (e *Engine) Fork(ctx context.Context, nodeID string) (*Engine, error) {
	if !e.initialized {
		return nil, ir.ErrNotInitialized
	}
	child, err := e.Spawn(nodeID)
	if err != nil {
		return nil, err
	}
	bufs := make([][]byte, len(e.buffers))
	for i, b := range e.buffers {
		bufs[i] = cloneBytes(b)
	}
	if _, err := child.genesis(ctx, bufs, e.current.Digests()); err != nil {
		return nil, err
	}
	return child, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
