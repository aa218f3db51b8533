package merge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/roach88/blockstate/internal/codec"
	"github.com/roach88/blockstate/internal/consensus"
	"github.com/roach88/blockstate/internal/ir"
)

// State is the coordinator's position in one merge.
type State int32

const (
	Idle State = iota
	Evaluating
	Resolved
	Conflicted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Evaluating:
		return "evaluating"
	case Resolved:
		return "resolved"
	case Conflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Strategy names how a merge was resolved.
type Strategy string

const (
	StrategyExactNoop       Strategy = "exact-noop"
	StrategyMajorityAdvance Strategy = "majority-advance"
	StrategyAdvisedMerge    Strategy = "advised-merge"
	StrategyLastWriterWins  Strategy = "last-writer-wins"
	StrategyConflicted      Strategy = "conflicted"
)

// Target is the engine a merge mutates. Implemented by *engine.Engine.
type Target interface {
	Snapshot() ir.Snapshot
	Dimensions() ir.DimensionSet
	Policy() consensus.Policy
	Codec() codec.Codec
	Buffers() [][]byte
	AdvanceTo(observed uint64) (ir.Snapshot, error)
	Adopt(ctx context.Context, digests []ir.Digest, bufs [][]byte, observed uint64) (ir.Snapshot, error)
	AdoptAt(ctx context.Context, digests []ir.Digest, bufs [][]byte, clock uint64) (ir.Snapshot, error)
}

// Recorder receives merge outcomes for metrics.
// Implemented by metrics.Metrics.
type Recorder interface {
	RecordMerge(strategy string)
}

// Result is the outcome of one merge.
type Result struct {
	Success  bool              `json:"success"`
	Strategy Strategy          `json:"strategy"`
	Verdict  consensus.Verdict `json:"verdict"`
	// Snapshot is the local snapshot after the merge.
	Snapshot ir.Snapshot `json:"snapshot"`
	// Changed reports whether a new snapshot was installed.
	Changed bool `json:"changed"`
	// Conflicts holds human-readable notes, e.g. discarded local changes.
	Conflicts []string `json:"conflicts,omitempty"`
	// ConflictingDimensions lists dimensions whose digests differed.
	ConflictingDimensions []ir.Dimension `json:"conflicting_dimensions,omitempty"`
}

// Config configures a Coordinator.
type Config struct {
	// Advisor is optional.
	Advisor Advisor
	// Threshold is the confidence an advisor must exceed. Nil means
	// DefaultThreshold; zero accepts any positive confidence.
	Threshold *float64
	Recorder  Recorder
	Logger    *slog.Logger
}

// Coordinator applies merge policy to a Target.
//
// It holds no cross-call state beyond the observable State, which returns
// to Idle after every call. Calls must be serialized by the owner of the
// target (the node actor).
type Coordinator struct {
	advisor   Advisor
	threshold float64
	recorder  Recorder
	logger    *slog.Logger

	state atomic.Int32
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		advisor:   cfg.Advisor,
		threshold: threshold,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// SetAdvisor replaces the advisor; nil disables it.
func (c *Coordinator) SetAdvisor(a Advisor) {
	c.advisor = a
}

// Merge reconciles target with peer. peerBuffers is positional per the
// dimension set and may be nil (digests only); nil entries are unknown.
func (c *Coordinator) Merge(ctx context.Context, target Target, peer ir.Snapshot, peerBuffers [][]byte) (Result, error) {
	set := target.Dimensions()
	local := target.Snapshot()

	if peer.Shape() != set.Shape() || peer.Len() != set.Len() {
		return Result{}, ir.IncompatibleShape(set.Shape(), peer.Shape())
	}
	if peerBuffers != nil && len(peerBuffers) != set.Len() {
		return Result{}, ir.Errorf(ir.ErrIncompatibleDimensionSet, map[string]string{
			"want": fmt.Sprint(set.Len()),
			"got":  fmt.Sprint(len(peerBuffers)),
		})
	}
	if !peer.Verify(target.Codec()) {
		return Result{}, ir.Errorf(ir.ErrCorruptSnapshot, map[string]string{
			"combined": peer.Combined().String(),
		})
	}

	c.state.Store(int32(Evaluating))
	defer c.state.Store(int32(Idle))

	verdict := consensus.Resolve(local, peer, set, target.Policy())
	res, err := c.apply(ctx, target, local, peer, peerBuffers, verdict)
	if err != nil {
		return Result{}, err
	}

	if res.Success {
		c.state.Store(int32(Resolved))
	} else {
		c.state.Store(int32(Conflicted))
	}
	c.record(res)
	return res, nil
}

func (c *Coordinator) apply(ctx context.Context, target Target, local, peer ir.Snapshot, peerBuffers [][]byte, verdict consensus.Verdict) (Result, error) {
	set := target.Dimensions()
	res := Result{Verdict: verdict, Snapshot: local}

	switch verdict.Method {
	case consensus.Exact:
		res.Success = true
		res.Strategy = StrategyExactNoop
		return res, nil

	case consensus.Majority:
		snap, err := target.AdvanceTo(peer.Clock())
		if err != nil {
			return Result{}, fmt.Errorf("majority advance: %w", err)
		}
		res.Success = true
		res.Strategy = StrategyMajorityAdvance
		res.Snapshot = snap
		res.Changed = true
		return res, nil
	}

	differing := differingDimensions(set, local, peer)

	if c.advisor != nil {
		sug := c.advisor.Suggest(local, peer)
		if sug.Confidence > c.threshold {
			digests := local.Digests()
			bufs := target.Buffers()
			for i := 0; i < set.Len(); i++ {
				if sug.takesPeer(set.Name(i)) && local.Digest(i) != peer.Digest(i) {
					digests[i] = peer.Digest(i)
					bufs[i] = bufferAt(peerBuffers, i)
				}
			}
			snap, err := target.Adopt(ctx, digests, bufs, peer.Clock())
			if err != nil {
				return Result{}, fmt.Errorf("advised merge: %w", err)
			}
			res.Success = true
			res.Strategy = StrategyAdvisedMerge
			res.Snapshot = snap
			res.Changed = true
			return res, nil
		}
		c.logger.Debug("advisor below threshold",
			"confidence", sug.Confidence,
			"threshold", c.threshold,
		)
	}

	res.ConflictingDimensions = differing

	if peer.Clock() > local.Clock() {
		bufs := target.Buffers()
		for i := 0; i < set.Len(); i++ {
			if local.Digest(i) != peer.Digest(i) {
				bufs[i] = bufferAt(peerBuffers, i)
			}
		}
		snap, err := target.AdoptAt(ctx, peer.Digests(), bufs, peer.Clock())
		if err != nil {
			return Result{}, fmt.Errorf("last-writer-wins: %w", err)
		}
		res.Success = true
		res.Strategy = StrategyLastWriterWins
		res.Snapshot = snap
		res.Changed = true
		res.Conflicts = []string{fmt.Sprintf(
			"last-writer-wins: peer clock %d > local clock %d, local values of [%s] discarded",
			peer.Clock(), local.Clock(), joinDimensions(differing),
		)}
		c.logger.Warn("merge resolved by last writer",
			"peer_clock", peer.Clock(),
			"local_clock", local.Clock(),
			"discarded", joinDimensions(differing),
		)
		return res, nil
	}

	res.Success = false
	res.Strategy = StrategyConflicted
	c.logger.Warn("merge conflicted",
		"method", string(verdict.Method),
		"peer_clock", peer.Clock(),
		"local_clock", local.Clock(),
		"dimensions", joinDimensions(differing),
	)
	return res, nil
}

func (c *Coordinator) record(res Result) {
	c.logger.Info("merge resolved",
		"strategy", string(res.Strategy),
		"method", string(res.Verdict.Method),
		"steps", res.Verdict.ConvergenceSteps,
		"clock", res.Snapshot.Clock(),
	)
	if c.recorder != nil {
		c.recorder.RecordMerge(string(res.Strategy))
	}
}

func differingDimensions(set ir.DimensionSet, a, b ir.Snapshot) []ir.Dimension {
	idx := a.DiffIndices(b)
	out := make([]ir.Dimension, len(idx))
	for i, j := range idx {
		out[i] = set.Name(j)
	}
	return out
}

func joinDimensions(ds []ir.Dimension) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = string(d)
	}
	return strings.Join(parts, ", ")
}

func bufferAt(bufs [][]byte, i int) []byte {
	if bufs == nil {
		return nil
	}
	return bufs[i]
}
