package protocol

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pebble"

// Fault kinds used as the "kind" label of the faults counter.
const (
	faultLostConnection    = "lost_connection"
	faultMalformedResponse = "malformed_response"
)

// metrics holds the Prometheus collectors. A nil *metrics records nothing.
type metrics struct {
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	heartbeats      prometheus.Counter
	handlerPanics   prometheus.Counter
	faults          *prometheus.CounterVec
	pendingRequests prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &metrics{
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_received_total",
				Help:      "Frames read from the device, by endpoint (heartbeats excluded).",
			},
			[]string{"endpoint"},
		),
		framesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_sent_total",
				Help:      "Frames written to the device, by endpoint.",
			},
			[]string{"endpoint"},
		),
		heartbeats: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "heartbeats_total",
				Help:      "Heartbeat frames read and discarded.",
			},
		),
		handlerPanics: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handler_panics_total",
				Help:      "Handler invocations that panicked.",
			},
		),
		faults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "faults_total",
				Help:      "Sessions ended by a receive loop fault, by kind.",
			},
			[]string{"kind"},
		),
		pendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "pending_requests",
				Help:      "Synchronous requests waiting for a response.",
			},
		),
	}
}

func endpointLabel(endpoint uint16) string {
	return strconv.FormatUint(uint64(endpoint), 10)
}

func (m *metrics) frameReceived(endpoint uint16) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(endpointLabel(endpoint)).Inc()
}

func (m *metrics) frameSent(endpoint uint16) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(endpointLabel(endpoint)).Inc()
}

func (m *metrics) heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *metrics) handlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

func (m *metrics) fault(kind string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(kind).Inc()
}

func (m *metrics) requestStarted() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

func (m *metrics) requestFinished() {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
}
