package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/loopcore/metric"
)

// Metrics holds Prometheus metrics for a Connection.
type Metrics struct {
	state          prometheus.Gauge
	reconnects     prometheus.Counter
	protocolErrors prometheus.Counter
	authFailures   prometheus.Counter
	framesReceived prometheus.Counter
	framesSent     prometheus.Counter
	pings          prometheus.Counter
	errorsTotal    *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcore",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts that fired",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "connection",
			Name:      "protocol_errors_total",
			Help:      "Inbound frames rejected as invalid envelopes",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "connection",
			Name:      "auth_failures_total",
			Help:      "Connections ended by an authentication failure",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "connection",
			Name:      "frames_received_total",
			Help:      "Text frames received",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "connection",
			Name:      "frames_sent_total",
			Help:      "Text frames sent",
		}),
		pings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "connection",
			Name:      "pings_total",
			Help:      "Keep-alive pings sent",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "connection",
			Name:      "errors_total",
			Help:      "Connection errors by type",
		}, []string{"type"}),
	}

	_ = registry.RegisterGauge("connection", "state", m.state)
	_ = registry.RegisterCounter("connection", "reconnect_attempts", m.reconnects)
	_ = registry.RegisterCounter("connection", "protocol_errors", m.protocolErrors)
	_ = registry.RegisterCounter("connection", "auth_failures", m.authFailures)
	_ = registry.RegisterCounter("connection", "frames_received", m.framesReceived)
	_ = registry.RegisterCounter("connection", "frames_sent", m.framesSent)
	_ = registry.RegisterCounter("connection", "pings", m.pings)
	_ = registry.RegisterCounterVec("connection", "errors_total", m.errorsTotal)

	return m
}
