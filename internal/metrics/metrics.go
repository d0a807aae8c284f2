// Package metrics provides Prometheus metrics for docsync
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for docsync. Each instance owns its
// registry so several engines can live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	// Rooms and sessions
	RoomsActive    prometheus.Gauge
	SessionsActive prometheus.Gauge
	RoomLoads      *prometheus.CounterVec

	// Sync traffic
	UpdatesTotal      *prometheus.CounterVec
	AwarenessTotal    prometheus.Counter
	BroadcastsDropped prometheus.Counter

	// Auth
	AuthAttempts *prometheus.CounterVec

	// Persistence
	FlushTotal    *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	FlushRetries  prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_rooms_active",
			Help: "Number of document rooms held in memory",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_sessions_active",
			Help: "Number of attached sessions",
		}),
		RoomLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_room_loads_total",
			Help: "Room creations by snapshot source",
		}, []string{"source"}),

		UpdatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_updates_total",
			Help: "Inbound update fragments by result",
		}, []string{"result"}),
		AwarenessTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_awareness_total",
			Help: "Awareness messages relayed",
		}),
		BroadcastsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_broadcasts_dropped_total",
			Help: "Sessions closed because their outbound queue was full",
		}),

		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_auth_attempts_total",
			Help: "Credential verifications by path and outcome",
		}, []string{"path", "outcome"}),

		FlushTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_flush_total",
			Help: "Snapshot flushes by outcome",
		}, []string{"outcome"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docsync_flush_duration_seconds",
			Help:    "Duration of snapshot writes including retries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		FlushRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_flush_retries_total",
			Help: "Snapshot write attempts that were retried",
		}),
	}
}

// RecordFlush records a flush with its outcome
func (m *Metrics) RecordFlush(outcome string, duration time.Duration) {
	m.FlushTotal.WithLabelValues(outcome).Inc()
	m.FlushDuration.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
