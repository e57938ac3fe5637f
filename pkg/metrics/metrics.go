package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matsync"

// Metrics holds the engine's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	syncItems     *prometheus.CounterVec
	syncDuration  prometheus.Histogram
	syncAborted   prometheus.Counter
	trimmed       prometheus.Counter
	localised     *prometheus.CounterVec
	renders       *prometheus.CounterVec
	renderSeconds prometheus.Histogram
	coalesced     prometheus.Counter
	evicted       prometheus.Counter
	discarded     prometheus.Counter
	queueDepth    prometheus.Gauge
	announcements *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Materials processed by synchronization, by outcome.",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of synchronization passes.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		syncAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "aborted_total",
			Help:      "Synchronization passes aborted by an unavailable store.",
		}),
		trimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "library",
			Name:      "trimmed_entries_total",
			Help:      "Library entries removed by trimming.",
		}),
		localised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "localize",
			Name:      "materials_total",
			Help:      "Localisation attempts, by result.",
		}, []string{"result"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thumbnail",
			Name:      "renders_total",
			Help:      "Thumbnail renders, by final status.",
		}, []string{"status"}),
		renderSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "thumbnail",
			Name:      "render_duration_seconds",
			Help:      "Time spent rendering one thumbnail.",
			Buckets:   prometheus.DefBuckets,
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thumbnail",
			Name:      "coalesced_total",
			Help:      "Requests joined to an in-flight render of the same hash.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thumbnail",
			Name:      "evicted_total",
			Help:      "Queued requests dropped to make room for higher priority work.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thumbnail",
			Name:      "discarded_total",
			Help:      "Render results discarded because the request was canceled or superseded.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "thumbnail",
			Name:      "queue_depth",
			Help:      "Thumbnail requests waiting for a worker.",
		}),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "announcements_total",
			Help:      "Library change announcements, by direction.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncItems, m.syncDuration, m.syncAborted, m.trimmed, m.localised,
		m.renders, m.renderSeconds, m.coalesced, m.evicted, m.discarded, m.queueDepth,
		m.announcements,
	)
	return m
}

// Registry exposes the private registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SyncFinished records the outcome counts of one pass
func (m *Metrics) SyncFinished(counts map[string]int, d time.Duration, aborted bool) {
	if m == nil {
		return
	}
	for outcome, n := range counts {
		m.syncItems.WithLabelValues(outcome).Add(float64(n))
	}
	m.syncDuration.Observe(d.Seconds())
	if aborted {
		m.syncAborted.Inc()
	}
}

func (m *Metrics) Trimmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.trimmed.Add(float64(n))
}

func (m *Metrics) Localised(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.localised.WithLabelValues(result).Inc()
}

// RenderFinished records one finished render
func (m *Metrics) RenderFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(status).Inc()
	if d > 0 {
		m.renderSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) Coalesced() {
	if m != nil {
		m.coalesced.Inc()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.evicted.Inc()
	}
}

func (m *Metrics) Discarded() {
	if m != nil {
		m.discarded.Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// Announced counts sent ("out") and received ("in") announcements
func (m *Metrics) Announced(direction string) {
	if m != nil {
		m.announcements.WithLabelValues(direction).Inc()
	}
}
