package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	r := m.Node("n1")

	r.RecordUpdate("n1")
	r.RecordUpdate("n1")
	r.RecordUpdate("n1/exp")
	r.RecordPruned("n1", 3)
	r.RecordMerge("exact-noop")
	r.RecordMerge("conflicted")
	r.RecordMerge("conflicted")
	r.RecordSend("queued")
	r.RecordDelivered(4)
	r.RecordCausalGap()
	r.SetQueued(7)
	r.SetQueued(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.updates.WithLabelValues("n1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues("n1/exp")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pruned.WithLabelValues("n1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.merges.WithLabelValues("n1", "conflicted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("n1", "queued")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.delivered.WithLabelValues("n1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.causalGaps.WithLabelValues("n1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queued.WithLabelValues("n1")), "gauge holds the latest depth")
}

func TestNodesAreSeparated(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Node("a").SetQueued(1)
	m.Node("b").SetQueued(5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.queued.WithLabelValues("a")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.queued.WithLabelValues("b")))
}

func TestObserveHash(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveHash(2*time.Millisecond, 5)

	n, err := testutil.GatherAndCount(reg, "blockstate_codec_hash_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
