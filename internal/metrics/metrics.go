// Package metrics exposes Prometheus instruments for conversation traffic.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn modes.
const (
	ModeTurn   = "turn"
	ModeStream = "stream"
)

// Metrics owns a dedicated registry so tests can build as many as they like.
type Metrics struct {
	registry     *prometheus.Registry
	turns        *prometheus.CounterVec
	frames       *prometheus.CounterVec
	toolUpdates  *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
}

// New creates and registers every instrument, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_turns_total",
			Help: "Conversation turns by mode and outcome.",
		}, []string{"mode", "result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_stream_frames_total",
			Help: "Frames written to streaming clients by type.",
		}, []string{"type"}),
		toolUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_tool_status_updates_total",
			Help: "Tool status updates by requested status and outcome.",
		}, []string{"status", "result"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sdk_turn_duration_seconds",
			Help:    "Wall time of a turn from engine bind to commit.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"mode"}),
	}
	m.registry.MustRegister(
		m.turns, m.frames, m.toolUpdates, m.turnDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveTurn records one finished turn.
func (m *Metrics) ObserveTurn(mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(mode, result).Inc()
	m.turnDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// Frame counts one frame delivered to a streaming client.
func (m *Metrics) Frame(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

// ToolUpdate records a status update attempt.
func (m *Metrics) ToolUpdate(status, result string) {
	if m == nil {
		return
	}
	m.toolUpdates.WithLabelValues(status, result).Inc()
}
