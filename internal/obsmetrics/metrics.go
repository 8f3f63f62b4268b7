// Package obsmetrics is the process-wide Prometheus metrics surface for the
// relay. It plays the same role as arcsign's chainadapter/metrics
// package (RPC call counters, success rates, health status) but exports
// real collectors via github.com/prometheus/client_golang instead of a
// hand-rolled Export() string.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the root handle threaded through every long-running loop,
// shared as one *Metrics pointer. Its fields are pointers to shared
// collectors.
type Metrics struct {
	RPCCalls          *prometheus.CounterVec
	RPCDuration       *prometheus.HistogramVec
	PipelineTicks     *prometheus.CounterVec
	NonceAllocations  *prometheus.CounterVec
	BumpCount         *prometheus.CounterVec
	TransactionStatus *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	WebhookLatency    prometheus.Histogram
	TopUpsTriggered   *prometheus.CounterVec
	GasOracleErrors   *prometheus.CounterVec
	WatcherHeadsSeen  *prometheus.CounterVec
}

// New registers and returns a fresh Metrics handle against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the global default
// registry across parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "rpc", Name: "calls_total",
			Help: "Total JSON-RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay", Subsystem: "rpc", Name: "duration_seconds",
			Help: "JSON-RPC call latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		PipelineTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "pipeline", Name: "ticks_total",
			Help: "Pipeline worker loop iterations by relayer.",
		}, []string{"relayer_id"}),
		NonceAllocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "nonce", Name: "allocations_total",
			Help: "Nonce allocations by relayer and allocation kind.",
		}, []string{"relayer_id", "kind"}),
		BumpCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "pipeline", Name: "bumps_total",
			Help: "Fee bumps issued by relayer.",
		}, []string{"relayer_id"}),
		TransactionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "tx", Name: "status_transitions_total",
			Help: "Transaction status transitions by target status.",
		}, []string{"relayer_id", "status"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "webhook", Name: "deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"event_type", "outcome"}),
		WebhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay", Subsystem: "webhook", Name: "delivery_seconds",
			Help:    "Webhook delivery latency for successful deliveries.",
			Buckets: prometheus.DefBuckets,
		}),
		TopUpsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "topup", Name: "triggered_total",
			Help: "Auto top-up transactions triggered by relayer and asset.",
		}, []string{"relayer_id", "asset"}),
		GasOracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "gasoracle", Name: "errors_total",
			Help: "Gas oracle provider failures by provider.",
		}, []string{"provider"}),
		WatcherHeadsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "watcher", Name: "heads_seen_total",
			Help: "New chain heads processed by the reorg/receipt watcher, by relayer.",
		}, []string{"relayer_id"}),
	}

	reg.MustRegister(
		m.RPCCalls, m.RPCDuration, m.PipelineTicks, m.NonceAllocations,
		m.BumpCount, m.TransactionStatus, m.WebhookDeliveries,
		m.WebhookLatency, m.TopUpsTriggered, m.GasOracleErrors, m.WatcherHeadsSeen,
	)

	return m
}

// NewUnregistered builds a Metrics handle backed by a private registry, for
// use in tests that don't want to touch the global default registry and
// don't need to scrape it.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
