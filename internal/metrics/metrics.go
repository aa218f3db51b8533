// Package metrics exposes Prometheus instruments for blockstate nodes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blockstate"

// Metrics holds every instrument. Create one per registry with New and
// hand each node a recorder bound to its id with Node.
type Metrics struct {
	updates      *prometheus.CounterVec
	pruned       *prometheus.CounterVec
	merges       *prometheus.CounterVec
	sends        *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	causalGaps   *prometheus.CounterVec
	queued       *prometheus.GaugeVec
	hashDuration prometheus.Histogram
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// updates counts local dimension updates.
		// Labels: node (engine id; branches are "<node>/<branch>")
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "updates_total",
			Help:      "Total dimension updates applied",
		}, []string{"node"}),

		pruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "history_pruned_total",
			Help:      "Total snapshots pruned from in-memory history",
		}, []string{"node"}),

		// merges counts merge outcomes.
		// Labels: node, strategy (exact-noop, majority-advance, advised-merge,
		// last-writer-wins, conflicted)
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "total",
			Help:      "Total merges by strategy",
		}, []string{"node", "strategy"}),

		// sends counts outbound messages.
		// Labels: node, outcome (sent, queued)
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "sends_total",
			Help:      "Total outbound messages by outcome",
		}, []string{"node", "outcome"}),

		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "synced_total",
			Help:      "Total queued messages handed to the transport by sync",
		}, []string{"node"}),

		causalGaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "causal_gaps_total",
			Help:      "Total messages applied across an expired causal gap",
		}, []string{"node"}),

		queued: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "queued_messages",
			Help:      "Messages waiting for an unreachable destination",
		}, []string{"node"}),

		hashDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "codec",
			Name:      "hash_duration_seconds",
			Help:      "Time to hash one batch of dimension buffers",
			Buckets:   []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
}

// ObserveHash implements codec.Observer.
func (m *Metrics) ObserveHash(d time.Duration, _ int) {
	m.hashDuration.Observe(d.Seconds())
}

// Node returns a recorder bound to one node id.
func (m *Metrics) Node(id string) *NodeRecorder {
	return &NodeRecorder{m: m, node: id}
}

// NodeRecorder implements the engine, merge and router recorder
// interfaces for one node.
type NodeRecorder struct {
	m    *Metrics
	node string
}

// RecordUpdate implements engine.Recorder. The engine passes its own id,
// which distinguishes branches from the main line.
func (r *NodeRecorder) RecordUpdate(node string) {
	r.m.updates.WithLabelValues(node).Inc()
}

// RecordPruned implements engine.Recorder.
func (r *NodeRecorder) RecordPruned(node string, n int) {
	r.m.pruned.WithLabelValues(node).Add(float64(n))
}

// RecordMerge implements merge.Recorder.
func (r *NodeRecorder) RecordMerge(strategy string) {
	r.m.merges.WithLabelValues(r.node, strategy).Inc()
}

// RecordSend implements router.Recorder.
func (r *NodeRecorder) RecordSend(outcome string) {
	r.m.sends.WithLabelValues(r.node, outcome).Inc()
}

// RecordDelivered implements router.Recorder.
func (r *NodeRecorder) RecordDelivered(n int) {
	r.m.delivered.WithLabelValues(r.node).Add(float64(n))
}

// RecordCausalGap implements router.Recorder.
func (r *NodeRecorder) RecordCausalGap() {
	r.m.causalGaps.WithLabelValues(r.node).Inc()
}

// SetQueued implements router.Recorder.
func (r *NodeRecorder) SetQueued(n int) {
	r.m.queued.WithLabelValues(r.node).Set(float64(n))
}
