// Package http provides the loopback HTTP transport for the session API.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for sessionwarden.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	ActiveSession         prometheus.Gauge
	LogoutsTotal          *prometheus.CounterVec
	RefreshesTotal        *prometheus.CounterVec
	WarningOpensTotal     prometheus.Counter
	ActivityEventsTotal   *prometheus.CounterVec
	BroadcastSignalsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessionwarden",
				Name:      "requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sessionwarden",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSession: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessionwarden",
				Name:      "session_active",
				Help:      "Whether a session is currently established (0 or 1)",
			},
		),
		LogoutsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessionwarden",
				Name:      "logouts_total",
				Help:      "Total session teardowns by reason",
			},
			[]string{"reason"},
		),
		RefreshesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessionwarden",
				Name:      "refreshes_total",
				Help:      "Total backend refresh attempts by outcome",
			},
			[]string{"outcome"}, // outcome=ok/failed/stale
		),
		WarningOpensTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sessionwarden",
				Name:      "warning_opens_total",
				Help:      "Total inactivity warning prompts opened",
			},
		),
		ActivityEventsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessionwarden",
				Name:      "activity_events_total",
				Help:      "Total activity events by disposition",
			},
			[]string{"disposition"},
		),
		BroadcastSignalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessionwarden",
				Name:      "broadcast_signals_total",
				Help:      "Total cross-instance signals by kind and direction",
			},
			[]string{"kind", "direction"},
		),
	}
}

// The methods below satisfy the lifecycle instrumentation surface the
// session manager records through.

func (m *Metrics) LogoutRecorded(reason string) {
	m.LogoutsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RefreshRecorded(outcome string) {
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WarningOpened() {
	m.WarningOpensTotal.Inc()
}

func (m *Metrics) ActivityRecorded(disposition string) {
	m.ActivityEventsTotal.WithLabelValues(disposition).Inc()
}

func (m *Metrics) SignalRecorded(kind, direction string) {
	m.BroadcastSignalsTotal.WithLabelValues(kind, direction).Inc()
}

func (m *Metrics) SessionActive(active bool) {
	if active {
		m.ActiveSession.Set(1)
		return
	}
	m.ActiveSession.Set(0)
}
