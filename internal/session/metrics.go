package session

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for alert sessions.
type Metrics struct {
	Sessions      prometheus.Gauge
	Enqueued      *prometheus.CounterVec
	Preemptions   prometheus.Counter
	Active        prometheus.Gauge
	Completed     *prometheus.CounterVec
	Expired       *prometheus.CounterVec
	Dropped       prometheus.Counter
	IngestResults *prometheus.CounterVec
	AckCalls      *prometheus.CounterVec
	AckDuration   prometheus.Histogram
	DBQueries     *prometheus.HistogramVec
}

// NewMetrics registers and returns session metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mayday_sessions",
			Help: "Open recipient sessions.",
		}),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mayday_alerts_enqueued_total",
			Help: "Alerts accepted into a channel queue by priority tier.",
		}, []string{"tier"}),
		Preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mayday_preemptions_total",
			Help: "Active alerts pushed back to the queue by a higher tier.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mayday_active_alerts",
			Help: "Channels currently holding an active alert, across sessions.",
		}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mayday_alerts_completed_total",
			Help: "Alerts removed from their channel by outcome.",
		}, []string{"outcome"}),
		Expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mayday_alerts_expired_total",
			Help: "Active alerts that expired unanswered by tier.",
		}, []string{"tier"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mayday_alerts_dropped_total",
			Help: "Alerts discarded by channel reset or logout.",
		}),
		IngestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mayday_ingest_results_total",
			Help: "Inbound event dispatch results per recipient by result.",
		}, []string{"result"}),
		AckCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mayday_ack_calls_total",
			Help: "Upstream acknowledgment calls by outcome.",
		}, []string{"outcome"}),
		AckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mayday_ack_duration_seconds",
			Help:    "Duration of upstream acknowledgment calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		DBQueries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mayday_db_query_duration_seconds",
			Help:    "Duration of history database queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"caller", "outcome"}),
	}

	reg.MustRegister(
		m.Sessions,
		m.Enqueued,
		m.Preemptions,
		m.Active,
		m.Completed,
		m.Expired,
		m.Dropped,
		m.IngestResults,
		m.AckCalls,
		m.AckDuration,
		m.DBQueries,
	)

	return m
}

// ObserveQuery records a database query; it satisfies postgres.QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, caller, outcome string, dur time.Duration) {
	m.DBQueries.WithLabelValues(caller, outcome).Observe(dur.Seconds())
}
