package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"e2e_messenger/internal/cache"
)

// Metrics groups the delivery-core collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	outboxEnqueued  prometheus.Counter
	outboxAttempts  prometheus.Counter
	outboxAccepted  prometheus.Counter
	outboxRetries   prometheus.Counter
	outboxFailures  *prometheus.CounterVec
	outboxDepth     prometheus.Gauge
	inboundResults  *prometheus.CounterVec
	reconnects      prometheus.Counter
	connectionState prometheus.Gauge
	callsEnded      *prometheus.CounterVec
	reg             prometheus.Registerer
}

// New registers collectors on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		outboxEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2e_outbox_enqueued_total",
			Help: "Messages accepted into the outbox.",
		}),
		outboxAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2e_outbox_attempts_total",
			Help: "Transmission attempts made by the outbox.",
		}),
		outboxAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2e_outbox_accepted_total",
			Help: "Messages acknowledged by the server.",
		}),
		outboxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2e_outbox_retries_scheduled_total",
			Help: "Transient failures that scheduled a retry.",
		}),
		outboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2e_outbox_failures_total",
			Help: "Terminal outbox failures grouped by code.",
		}, []string{"code"}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "e2e_outbox_depth",
			Help: "Items currently in the live outbox queue.",
		}),
		inboundResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2e_inbound_results_total",
			Help: "Inbound pipeline outcomes.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2e_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled by the connection.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "e2e_connection_state",
			Help: "0=disconnected 1=connecting 2=connected 3=reconnecting.",
		}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2e_calls_ended_total",
			Help: "Call terminations grouped by reason.",
		}, []string{"reason"}),
		reg: reg,
	}

	reg.MustRegister(
		m.outboxEnqueued,
		m.outboxAttempts,
		m.outboxAccepted,
		m.outboxRetries,
		m.outboxFailures,
		m.outboxDepth,
		m.inboundResults,
		m.reconnects,
		m.connectionState,
		m.callsEnded,
	)
	return m
}

// RegisterCache exposes hit/miss/eviction counts of an LRU under name.
func (m *Metrics) RegisterCache(name string, stats func() cache.Stats) {
	if m == nil || stats == nil {
		return
	}
	labels := prometheus.Labels{"cache": name}
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "e2e_cache_hits_total",
			Help:        "Cache hits.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "e2e_cache_misses_total",
			Help:        "Cache misses.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "e2e_cache_evictions_total",
			Help:        "Cache evictions.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Evictions) }),
	)
}

func (m *Metrics) RecordEnqueue() {
	if m == nil {
		return
	}
	m.outboxEnqueued.Inc()
}

func (m *Metrics) RecordAttempt() {
	if m == nil {
		return
	}
	m.outboxAttempts.Inc()
}

func (m *Metrics) RecordAccepted() {
	if m == nil {
		return
	}
	m.outboxAccepted.Inc()
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.outboxRetries.Inc()
}

func (m *Metrics) RecordFailure(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.outboxFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

func (m *Metrics) RecordInbound(result string) {
	if m == nil {
		return
	}
	m.inboundResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetConnectionState(v int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(v))
}

func (m *Metrics) RecordCallEnded(reason string) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(reason).Inc()
}
