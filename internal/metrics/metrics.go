package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pointsqueue"

// Metrics owns a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	IngressTotal     *prometheus.CounterVec
	PatchesTotal     *prometheus.CounterVec
	RingMissesTotal  prometheus.Counter
	StreamClients    *prometheus.GaugeVec
	BroadcastSeconds prometheus.Histogram
	ExecuteSeconds   prometheus.Histogram
	BackfillRuns     *prometheus.CounterVec
}

// New builds a Metrics instance backed by a fresh registry.
func New(buildVersion string, startedAt time.Time) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := &Metrics{
		registry: registry,
		IngressTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_events_total",
			Help:      "Incoming events by normalized type and outcome.",
		}, []string{"event_type", "outcome"}),
		PatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_total",
			Help:      "Patches broadcast to clients by patch type.",
		}, []string{"type"}),
		RingMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_misses_total",
			Help:      "Resume attempts that fell behind the retained patch ring.",
		}),
		StreamClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected stream subscribers by audience.",
		}, []string{"audience"}),
		BroadcastSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent fanning a patch out to subscribers.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		ExecuteSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_duration_seconds",
			Help:      "Time spent applying a command batch transactionally.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		BackfillRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_runs_total",
			Help:      "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		metrics.IngressTotal,
		metrics.PatchesTotal,
		metrics.RingMissesTotal,
		metrics.StreamClients,
		metrics.BroadcastSeconds,
		metrics.ExecuteSeconds,
		metrics.BackfillRuns,
	)

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build metadata, value is always 1.",
		ConstLabels: prometheus.Labels{"version": buildVersion},
	})
	buildInfo.Set(1)
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since process start.",
	}, func() float64 {
		return time.Since(startedAt).Seconds()
	})
	registry.MustRegister(buildInfo, uptime)

	return metrics
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
