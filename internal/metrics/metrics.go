// Package metrics defines the Prometheus instruments the scanner updates.
// A single Metrics value is created at startup and handed to the engine,
// coordinator and chain executors as an explicit dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every instrument the scanner exports.
type Metrics struct {
	registry *prometheus.Registry

	// Filter chain
	FilterDuration  *prometheus.HistogramVec
	FilterProcessed *prometheus.CounterVec
	FilterRemoved   *prometheus.CounterVec
	FilterSkips     *prometheus.CounterVec
	CacheHitRate    *prometheus.GaugeVec

	// Coordinator
	InflightCalls     prometheus.Gauge
	QueueDepth        prometheus.Gauge
	UpstreamQueue     prometheus.Gauge
	BackpressureDelay prometheus.Histogram
	UpstreamCalls     *prometheus.CounterVec
	CoalescedBatches  prometheus.Counter

	// Engine
	TickDuration   *prometheus.HistogramVec
	TicksTotal     *prometheus.CounterVec
	ResultsEmitted *prometheus.CounterVec
	ActiveScans    prometheus.Gauge
	Subscribers    prometheus.Gauge
	DroppedEvents  prometheus.Counter
	SlowEvictions  prometheus.Counter
}

// New builds the instrument set on a fresh registry so tests can create
// isolated instances without collisions.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FilterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "scanner_filter_duration_seconds",
			Help: "Filter execution duration in seconds.",
		}, []string{"filter"}),
		FilterProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_filter_contracts_processed_total",
			Help: "Contracts seen by each filter.",
		}, []string{"filter"}),
		FilterRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_filter_contracts_removed_total",
			Help: "Contracts removed by each filter.",
		}, []string{"filter"}),
		FilterSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_filter_skips_total",
			Help: "Filter invocations skipped by the chain heuristics.",
		}, []string{"filter", "reason"}),
		CacheHitRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scanner_filter_cache_hit_rate",
			Help: "Lifetime stage-cache hit ratio per scan.",
		}, []string{"scan"}),
		InflightCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_coordinator_inflight_calls",
			Help: "Upstream calls currently holding a concurrency permit.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_coordinator_queue_depth",
			Help: "Requests waiting in the coordinator queue.",
		}),
		UpstreamQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_upstream_queue_depth",
			Help: "Queue depth last reported by the upstream health endpoint.",
		}),
		BackpressureDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_backpressure_delay_seconds",
			Help:    "Pre-call adaptive delay applied by coordinator workers.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.5, 1},
		}),
		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_upstream_calls_total",
			Help: "Upstream fetches by outcome.",
		}, []string{"outcome"}),
		CoalescedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_coordinator_coalesced_batches_total",
			Help: "Requests merged into another batch within the coalesce window.",
		}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "scanner_tick_duration_seconds",
			Help: "Full scan tick duration.",
		}, []string{"scan"}),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_ticks_total",
			Help: "Scan ticks by outcome (ok, skipped, failed).",
		}, []string{"outcome"}),
		ResultsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_results_emitted_total",
			Help: "Diff events emitted to subscribers by action.",
		}, []string{"action"}),
		ActiveScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_active_scans",
			Help: "Currently enrolled scans.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_subscribers",
			Help: "Currently connected subscribers across all scans.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_subscriber_dropped_events_total",
			Help: "Events dropped because a subscriber queue was full.",
		}),
		SlowEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_subscriber_slow_evictions_total",
			Help: "Subscribers disconnected for staying slow two consecutive ticks.",
		}),
	}

	reg.MustRegister(
		m.FilterDuration, m.FilterProcessed, m.FilterRemoved, m.FilterSkips, m.CacheHitRate,
		m.InflightCalls, m.QueueDepth, m.UpstreamQueue, m.BackpressureDelay, m.UpstreamCalls,
		m.CoalescedBatches,
		m.TickDuration, m.TicksTotal, m.ResultsEmitted, m.ActiveScans, m.Subscribers,
		m.DroppedEvents, m.SlowEvictions,
	)
	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
