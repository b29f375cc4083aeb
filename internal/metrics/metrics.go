package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the terminal subsystem.
// Every method is safe on a nil receiver so callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	SpawnErrors     prometheus.Counter

	// Stream metrics
	OutputBytes    prometheus.Counter
	InputBytes     prometheus.Counter
	ResizeRequests *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
}

// New creates collectors on a private registry so several instances can
// coexist (tests, embedded servers).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "monoterm_sessions_active",
			Help: "Number of registered terminal sessions",
		}),
		SessionsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monoterm_sessions_started_total",
				Help: "Terminal sessions started, by spawn strategy",
			},
			[]string{"strategy"},
		),
		SessionsEnded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monoterm_sessions_ended_total",
				Help: "Terminal sessions ended, by outcome",
			},
			[]string{"outcome"},
		),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "monoterm_session_duration_seconds",
			Help:    "Lifetime of terminal sessions",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600},
		}),
		SpawnErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "monoterm_spawn_errors_total",
			Help: "Commands that failed to start",
		}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "monoterm_output_bytes_total",
			Help: "Terminal output bytes relayed to clients",
		}),
		InputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "monoterm_input_bytes_total",
			Help: "Input bytes written to terminals",
		}),
		ResizeRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monoterm_resize_requests_total",
				Help: "Resize requests, by result (applied, dropped, failed)",
			},
			[]string{"result"},
		),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "monoterm_ws_connections",
			Help: "Open websocket connections",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionStarted(strategy string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(strategy).Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(outcome string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(outcome).Inc()
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.SpawnErrors.Inc()
}

func (m *Metrics) Output(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

func (m *Metrics) Input(n int) {
	if m == nil {
		return
	}
	m.InputBytes.Add(float64(n))
}

func (m *Metrics) Resize(result string) {
	if m == nil {
		return
	}
	m.ResizeRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
