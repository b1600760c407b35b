// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/mysbridge/pkg/connection"
	"github.com/Thermoquad/mysbridge/pkg/ota"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	reg       *prometheus.Registry
	namespace string

	// Traffic metrics
	FramesForwarded *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	DroppedWrites   *prometheus.CounterVec
	EventsEmitted   prometheus.Counter
	EventsDropped   prometheus.Counter
	InjectedFrames  *prometheus.CounterVec

	// Connection metrics
	EndpointState *prometheus.GaugeVec
	Connects      *prometheus.CounterVec
	GatewayResets prometheus.Counter

	// OTA metrics
	OtaSessionsStarted prometheus.Counter
	OtaBlocksServed    prometheus.Counter
	OtaCompleted       prometheus.Counter
	OtaAborted         *prometheus.CounterVec
	OtaActiveSessions  prometheus.Gauge
}

// New creates a new Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mysbridge"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		reg:       reg,
		namespace: namespace,
		FramesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_forwarded_total",
				Help:      "Total number of frames relayed between endpoints",
			},
			[]string{"origin", "command"},
		),
		DecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of frames that failed to decode",
			},
			[]string{"endpoint", "kind"},
		),
		DroppedWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_writes_total",
				Help:      "Total number of frames dropped because the target endpoint was down or failed",
			},
			[]string{"endpoint"},
		),
		EventsEmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_events_total",
				Help:      "Total number of state events published",
			},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_events_dropped_total",
				Help:      "Total number of state events dropped on a saturated channel",
			},
		),
		InjectedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "injected_frames_total",
				Help:      "Total number of frames injected toward the gateway",
			},
			[]string{"status"},
		),
		EndpointState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_state",
				Help:      "Endpoint connection state (0=disconnected, 1=connecting, 2=connected)",
			},
			[]string{"endpoint"},
		),
		Connects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_connects_total",
				Help:      "Total number of successful endpoint connections",
			},
			[]string{"endpoint"},
		),
		GatewayResets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_resets_total",
				Help:      "Total number of gateway connection resets requested",
			},
		),
		OtaSessionsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ota",
				Name:      "sessions_started_total",
				Help:      "Total number of firmware transfers started",
			},
		),
		OtaBlocksServed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ota",
				Name:      "blocks_served_total",
				Help:      "Total number of firmware blocks served in sequence",
			},
		),
		OtaCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ota",
				Name:      "sessions_completed_total",
				Help:      "Total number of firmware transfers completed",
			},
		),
		OtaAborted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ota",
				Name:      "sessions_aborted_total",
				Help:      "Total number of firmware transfers aborted",
			},
			[]string{"reason"},
		),
		OtaActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ota",
				Name:      "active_sessions",
				Help:      "Number of sessions in the OTA table",
			},
		),
	}

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// GaugeFunc registers a gauge computed on scrape.
func (m *Metrics) GaugeFunc(name, help string, f func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, f)
}

// ObserveEndpoint returns a state callback for a connection manager.
func (m *Metrics) ObserveEndpoint(endpoint string) func(connection.State) {
	gauge := m.EndpointState.WithLabelValues(endpoint)
	connects := m.Connects.WithLabelValues(endpoint)
	gauge.Set(float64(connection.StateDisconnected))

	return func(s connection.State) {
		gauge.Set(float64(s))
		if s == connection.StateConnected {
			connects.Inc()
		}
	}
}

// OTA adapts the OTA counters to the session manager.
func (m *Metrics) OTA() ota.Metrics {
	return otaMetrics{m}
}

type otaMetrics struct{ m *Metrics }

func (o otaMetrics) SessionStarted()   { o.m.OtaSessionsStarted.Inc() }
func (o otaMetrics) BlockServed()      { o.m.OtaBlocksServed.Inc() }
func (o otaMetrics) SessionCompleted() { o.m.OtaCompleted.Inc() }
func (o otaMetrics) SessionAborted(reason string) {
	o.m.OtaAborted.WithLabelValues(reason).Inc()
}
func (o otaMetrics) SetActiveSessions(n int) { o.m.OtaActiveSessions.Set(float64(n)) }
