// Package metrics exposes pipeline counters on /metrics.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application counters. Counters are plain atomics
// incremented on the hot path; Prometheus reads them through GaugeFuncs.
type Metrics struct {
	DetectionCycles    atomic.Uint64
	DetectionsDropped  atomic.Uint64
	MalformedMessages  atomic.Uint64
	RedLightViolations atomic.Uint64
	LaneViolations     atomic.Uint64
	SignalSamples      atomic.Uint64
	FramesBuffered     atomic.Uint64
	NotifyErrors       atomic.Uint64
	PersistErrors      atomic.Uint64
	ActiveCameras      atomic.Uint64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"pipeline_detection_cycles_total", "Total detection cycles processed", m.DetectionCycles.Load},
		{"pipeline_detections_dropped_total", "Detection cycles dropped due to full camera queues", m.DetectionsDropped.Load},
		{"pipeline_malformed_messages_total", "Ingest messages dropped as malformed", m.MalformedMessages.Load},
		{"pipeline_red_light_violations_total", "Red-light violations detected", m.RedLightViolations.Load},
		{"pipeline_lane_violations_total", "Lane encroachments detected", m.LaneViolations.Load},
		{"pipeline_signal_samples_total", "Traffic-light samples observed", m.SignalSamples.Load},
		{"pipeline_frames_buffered_total", "Camera frames buffered", m.FramesBuffered.Load},
		{"pipeline_notify_errors_total", "Broadcast publish failures", m.NotifyErrors.Load},
		{"pipeline_persist_errors_total", "Persistence write failures", m.PersistErrors.Load},
		{"pipeline_active_cameras", "Cameras with a live processing worker", m.ActiveCameras.Load},
	}
	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
