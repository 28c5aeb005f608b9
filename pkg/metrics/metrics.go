// Package metrics provides Prometheus collectors for the channel and the
// generation controller. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry prometheus.Gatherer

	connectAttempts *prometheus.CounterVec
	reconnects      prometheus.Counter
	decodeErrors    prometheus.Counter
	events          *prometheus.CounterVec
	commands        *prometheus.CounterVec
	connected       prometheus.Gauge
	runs            *prometheus.CounterVec
	progress        prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "videomusic_channel_connect_attempts_total",
			Help: "Total number of channel dial attempts, by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "videomusic_channel_reconnects_total",
			Help: "Total number of scheduled reconnections.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "videomusic_channel_decode_errors_total",
			Help: "Total number of dropped malformed inbound frames.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "videomusic_channel_events_total",
			Help: "Total number of inbound events, by type.",
		}, []string{"type"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "videomusic_channel_commands_total",
			Help: "Total number of sent commands, by name.",
		}, []string{"command"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "videomusic_channel_connected",
			Help: "1 while the channel is connected.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "videomusic_generation_runs_total",
			Help: "Total number of generation runs, by command and outcome.",
		}, []string{"command", "outcome"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "videomusic_generation_progress_percent",
			Help: "Estimated progress of the current generation run.",
		}),
	}
	reg.MustRegister(
		m.connectAttempts,
		m.reconnects,
		m.decodeErrors,
		m.events,
		m.commands,
		m.connected,
		m.runs,
		m.progress,
	)
	return m
}

// Handler returns a router exposing the collectors on /metrics.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}

func (m *Metrics) ConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) Event(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}

func (m *Metrics) Connected(v bool) {
	if m == nil {
		return
	}
	if v {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// Run records a finished run. Outcome is "completed", "failed" or "superseded".
func (m *Metrics) Run(command, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) Progress(pct int) {
	if m == nil {
		return
	}
	m.progress.Set(float64(pct))
}
