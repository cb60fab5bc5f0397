// Package metrics bundles the agent's Prometheus instrumentation:
// publish outcomes, reconnects, inbound messages, and the current
// connection state as a gauge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/howardginsburg/mqttagent/internal/status"
)

// Metrics bundles the telemetry loop metrics.
type Metrics struct {
	PublishAttempts  prometheus.Counter
	PublishFailures  prometheus.Counter
	Reconnects       prometheus.Counter
	MessagesReceived prometheus.Counter
	EncodeRejects    prometheus.Counter
	ConnectionState  prometheus.Gauge
}

// New constructs metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// registry so parallel tests don't collide.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttagent_publish_attempts_total",
			Help: "Total telemetry publish attempts, success or failure",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttagent_publish_failures_total",
			Help: "Telemetry publish attempts that failed",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttagent_broker_reconnects_total",
			Help: "Broker session re-establishments after a drop",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttagent_messages_received_total",
			Help: "Messages received on the subscribed command topic",
		}),
		EncodeRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttagent_payload_rejects_total",
			Help: "Payloads rejected for exceeding the fixed capacity",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqttagent_connection_state",
			Help: "Connection state: 0 disconnected, 1 network only, 2 connected",
		}),
	}
	reg.MustRegister(
		m.PublishAttempts,
		m.PublishFailures,
		m.Reconnects,
		m.MessagesReceived,
		m.EncodeRejects,
		m.ConnectionState,
	)
	return m
}

// SetState records the derived connection state on the gauge.
func (m *Metrics) SetState(s status.ConnectionState) {
	m.ConnectionState.Set(float64(s))
}
