// Package router implements offline-first message delivery between nodes.
//
// Outbound messages to unreachable peers wait in a FIFO queue per
// destination until Sync hands them to the transport. Inbound messages are
// applied per sender in send order: an out-of-order arrival waits in a
// reorder buffer until the gap is filled or GapTimeout elapses, after
// which it is applied with a causal-gap warning. Nothing is dropped.
//
// Like the engine, a Router is owned by the node actor and is not
// synchronized.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/blockstate/internal/address"
	"github.com/roach88/blockstate/internal/engine"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/merge"
)

// DefaultGapTimeout bounds how long an out-of-order message waits for the
// messages before it.
const DefaultGapTimeout = 5 * time.Second

// Transport hands a message to the network. A nil error means the
// transport accepted the message; it does not imply end-to-end delivery.
type Transport interface {
	Deliver(ctx context.Context, msg ir.OutboundMessage) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg ir.OutboundMessage) error

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, msg ir.OutboundMessage) error {
	return f(ctx, msg)
}

// Recorder receives router events for metrics.
// Implemented by metrics.Metrics.
type Recorder interface {
	RecordSend(outcome string)
	RecordDelivered(n int)
	RecordCausalGap()
	SetQueued(n int)
}

// Config configures a Router.
type Config struct {
	// Self is this node's routing identity. Its clock is ignored; outbound
	// addresses are stamped with the engine clock.
	Self ir.PeerKey

	// Layout wraps address clocks. Defaults to address.DefaultLayout().
	Layout address.Layout

	// Engine and Merger apply received snapshots. Required.
	Engine *engine.Engine
	Merger *merge.Coordinator

	// Transport is required for Send and Sync.
	Transport Transport

	// Reachability defaults to SamePrefix.
	Reachability Reachability

	// IDs defaults to UUIDv7Generator.
	IDs IDGenerator

	// GapTimeout defaults to DefaultGapTimeout.
	GapTimeout time.Duration

	// Limiter, if set, paces Sync.
	Limiter *rate.Limiter

	Recorder Recorder
	Logger   *slog.Logger

	// Now defaults to time.Now. Used only for gap timeouts.
	Now func() time.Time
}

// SendResult reports what Send did with a message.
type SendResult struct {
	MessageID string `json:"message_id"`
	Sent      bool   `json:"sent"`
	Queued    bool   `json:"queued"`
}

// SyncResult reports a queue drain.
type SyncResult struct {
	Delivered int `json:"delivered"`
	Remaining int `json:"remaining"`
}

// Router queues, sends, forwards and applies messages for one node.
type Router struct {
	cfg    Config
	logger *slog.Logger

	queues map[ir.PeerKey][]ir.OutboundMessage
	outSeq map[ir.PeerKey]uint64

	inSeq   map[ir.PeerKey]uint64
	pending map[ir.PeerKey]map[uint64]pendingMessage
	skipped map[ir.PeerKey]map[uint64]bool
}

// New creates a router.
func New(cfg Config) (*Router, error) {
	if cfg.Engine == nil || cfg.Merger == nil {
		return nil, fmt.Errorf("router: engine and merger are required")
	}
	if cfg.Layout == (address.Layout{}) {
		cfg.Layout = address.DefaultLayout()
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.Layout.Encode(cfg.Self.Address(0)); err != nil {
		return nil, err
	}
	if cfg.Reachability == nil {
		cfg.Reachability = SamePrefix()
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDv7Generator{}
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = DefaultGapTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		cfg:     cfg,
		logger:  cfg.Logger.With("self", cfg.Self.String()),
		queues:  make(map[ir.PeerKey][]ir.OutboundMessage),
		outSeq:  make(map[ir.PeerKey]uint64),
		inSeq:   make(map[ir.PeerKey]uint64),
		pending: make(map[ir.PeerKey]map[uint64]pendingMessage),
		skipped: make(map[ir.PeerKey]map[uint64]bool),
	}, nil
}

// Address returns this node's address stamped with the current engine
// clock (wrapped to the layout).
func (r *Router) Address() ir.Address {
	return r.cfg.Layout.Wrap(r.cfg.Self.Address(r.cfg.Engine.Clock()))
}

// Layout returns the address layout.
func (r *Router) Layout() address.Layout {
	return r.cfg.Layout
}

// Send builds a message carrying the current snapshot and hands it to the
// transport when to is reachable, queueing it otherwise. A transport
// failure queues the message for the next Sync. A reachable destination
// with a non-empty queue also queues, so messages never overtake each
// other.
func (r *Router) Send(ctx context.Context, to ir.Address, typ ir.MessageType, payload []byte) (SendResult, error) {
	if !r.cfg.Engine.Initialized() {
		return SendResult{}, ir.ErrNotInitialized
	}
	if _, err := r.cfg.Layout.Encode(r.cfg.Layout.Wrap(to)); err != nil {
		return SendResult{}, err
	}
	peer := to.Peer()
	r.outSeq[peer]++
	from := r.Address()
	msg := ir.OutboundMessage{
		ID:           r.cfg.IDs.Generate(),
		Type:         typ,
		From:         from,
		To:           to,
		Payload:      append([]byte(nil), payload...),
		LogicalClock: r.cfg.Engine.Clock(),
		Seq:          r.outSeq[peer],
		Snapshot:     r.cfg.Engine.Snapshot(),
		HopPath:      []ir.Address{from},
	}
	return r.dispatch(ctx, msg)
}

// SendState sends the full dimension buffers so the receiver can adopt
// values, not only digests.
func (r *Router) SendState(ctx context.Context, to ir.Address) (SendResult, error) {
	payload, err := ir.EncodeBuffers(r.cfg.Engine.Dimensions(), r.cfg.Engine.Buffers())
	if err != nil {
		return SendResult{}, err
	}
	return r.Send(ctx, to, ir.MessageState, payload)
}

// Forward relays a message addressed to another node, appending this
// node to the hop path. A message that already visited this node is a
// routing loop.
func (r *Router) Forward(ctx context.Context, msg ir.OutboundMessage) (SendResult, error) {
	if msg.Visited(r.cfg.Self) {
		return SendResult{}, ir.Errorf(ir.ErrRoutingLoop, map[string]string{
			"message": msg.ID,
			"self":    r.cfg.Self.String(),
		})
	}
	out := msg.Clone()
	out.HopPath = append(out.HopPath, r.Address())
	r.logger.Debug("forwarding message",
		"id", out.ID,
		"to", out.To.String(),
		"hops", len(out.HopPath),
	)
	return r.dispatch(ctx, out)
}

func (r *Router) dispatch(ctx context.Context, msg ir.OutboundMessage) (SendResult, error) {
	peer := msg.To.Peer()
	res := SendResult{MessageID: msg.ID}

	if r.cfg.Transport != nil && len(r.queues[peer]) == 0 && r.cfg.Reachability.Reachable(r.cfg.Self, peer) {
		err := r.cfg.Transport.Deliver(ctx, msg)
		if err == nil {
			res.Sent = true
			r.recordSend("sent")
			r.logger.Debug("message sent", "id", msg.ID, "to", msg.To.String(), "seq", msg.Seq)
			return res, nil
		}
		r.logger.Error("transport rejected message, queueing",
			"id", msg.ID,
			"to", msg.To.String(),
			"error", err,
		)
	}

	r.queues[peer] = append(r.queues[peer], msg)
	res.Queued = true
	r.recordSend("queued")
	r.updateQueued()
	r.logger.Debug("message queued",
		"id", msg.ID,
		"to", msg.To.String(),
		"depth", len(r.queues[peer]),
	)
	return res, nil
}

// Sync hands the queue of peer to the transport in FIFO order. A message
// leaves the queue only once the transport accepts it. Cancellation or a
// transport error stops the drain and leaves the rest queued.
func (r *Router) Sync(ctx context.Context, peer ir.PeerKey) (SyncResult, error) {
	if r.cfg.Transport == nil {
		return SyncResult{Remaining: len(r.queues[peer])}, fmt.Errorf("sync %s: no transport", peer)
	}

	var res SyncResult
	defer func() {
		res.Remaining = len(r.queues[peer])
		if res.Delivered > 0 {
			r.updateQueued()
			if r.cfg.Recorder != nil {
				r.cfg.Recorder.RecordDelivered(res.Delivered)
			}
		}
	}()

	for len(r.queues[peer]) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if r.cfg.Limiter != nil {
			if err := r.cfg.Limiter.Wait(ctx); err != nil {
				return res, fmt.Errorf("sync %s: %w", peer, err)
			}
		}
		msg := r.queues[peer][0]
		if err := r.cfg.Transport.Deliver(ctx, msg); err != nil {
			r.logger.Error("sync stopped by transport error",
				"peer", peer.String(),
				"delivered", res.Delivered,
				"error", err,
			)
			return res, fmt.Errorf("sync %s: %w", peer, err)
		}
		r.popQueue(peer)
		res.Delivered++
	}

	r.logger.Info("queue drained", "peer", peer.String(), "delivered", res.Delivered)
	return res, nil
}

// SyncReachable drains every queue whose destination is reachable, in
// destination order. It stops at the first error.
func (r *Router) SyncReachable(ctx context.Context) (SyncResult, error) {
	var total SyncResult
	for _, peer := range r.Destinations() {
		if !r.cfg.Reachability.Reachable(r.cfg.Self, peer) {
			continue
		}
		res, err := r.Sync(ctx, peer)
		total.Delivered += res.Delivered
		if err != nil {
			total.Remaining = r.QueuedCount()
			return total, err
		}
	}
	total.Remaining = r.QueuedCount()
	return total, nil
}

func (r *Router) popQueue(peer ir.PeerKey) {
	q := r.queues[peer]
	q[0] = ir.OutboundMessage{}
	if len(q) == 1 {
		delete(r.queues, peer)
		return
	}
	r.queues[peer] = q[1:]
}

// Queued returns a copy of the queue for peer.
func (r *Router) Queued(peer ir.PeerKey) []ir.OutboundMessage {
	q := r.queues[peer]
	out := make([]ir.OutboundMessage, len(q))
	for i, m := range q {
		out[i] = m.Clone()
	}
	return out
}

// QueuedCount returns the number of queued messages across destinations.
func (r *Router) QueuedCount() int {
	n := 0
	for _, q := range r.queues {
		n += len(q)
	}
	return n
}

// Destinations returns every peer with queued messages, sorted.
func (r *Router) Destinations() []ir.PeerKey {
	out := make([]ir.PeerKey, 0, len(r.queues))
	for p, q := range r.queues {
		if len(q) > 0 {
			out = append(out, p)
		}
	}
	sortPeers(out)
	return out
}

func (r *Router) recordSend(outcome string) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.RecordSend(outcome)
	}
}

func (r *Router) updateQueued() {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.SetQueued(r.QueuedCount())
	}
}
