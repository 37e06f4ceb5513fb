package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"e2e_messenger/internal/cache"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordEnqueue()
	m.RecordFailure("X")
	m.SetConnectionState(2)
	m.RegisterCache("dedupe", nil)
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordFailure("MAX_ATTEMPTS")
	m.RecordFailure("MAX_ATTEMPTS")
	m.RecordFailure("")
	m.RecordInbound("duplicate")
	m.SetOutboxDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outboxFailures.WithLabelValues("MAX_ATTEMPTS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxFailures.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inboundResults.WithLabelValues("duplicate")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.outboxDepth))
}

func TestRegisterCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	d := cache.NewDedupe(1)
	d.MarkSeen("a")
	d.MarkSeen("b")
	m.RegisterCache("dedupe", d.Stats)

	families, err := reg.Gather()
	assert.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "e2e_cache_evictions_total" {
			found = true
			assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
