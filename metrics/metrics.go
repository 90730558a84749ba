// Package metrics exposes capture session counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
	"github.com/use-agent/pubcrawl/session"
)

const namespace = "pubcrawl"

// Metrics holds the collectors on a private registry. It implements
// session.Observer.
type Metrics struct {
	registry           *prometheus.Registry
	ActiveSessions     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	NavigationAttempts *prometheus.CounterVec
	ResponsesTotal     *prometheus.CounterVec
	BytesReceived      prometheus.Counter
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of capture sessions currently running",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished capture sessions by outcome",
		}, []string{"outcome"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of capture sessions",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		NavigationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigation_attempts_total",
			Help:      "Page load attempts by result",
		}, []string{"result"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Captured responses by classification",
		}, []string{"classification"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Original size of captured response bodies",
		}),
	}
	r.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.SessionDuration,
		m.NavigationAttempts,
		m.ResponsesTotal,
		m.BytesReceived,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SessionStarted() { m.ActiveSessions.Inc() }

func (m *Metrics) SessionFinished(outcome session.Outcome, elapsed time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(string(outcome)).Inc()
	m.SessionDuration.Observe(elapsed.Seconds())
}

// NavigationAttempted counts one attempt, labeled "success" or the failure kind.
func (m *Metrics) NavigationAttempted(err error) {
	result := "success"
	if err != nil {
		result = string(engine.KindOf(err))
	}
	m.NavigationAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ResponseCaptured(r models.CapturedResponse) {
	m.ResponsesTotal.WithLabelValues(string(r.Classification)).Inc()
	m.BytesReceived.Add(float64(r.OriginalLength))
}

var _ session.Observer = (*Metrics)(nil)
