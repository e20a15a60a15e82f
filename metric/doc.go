// Package metric wraps a Prometheus registry shared by every runtime component.
//
// Components create their own collectors and register them under a
// "component.metric" key so that double registration is reported as an
// Invalid error rather than a panic:
//
//	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
//	    Namespace: "loopcore",
//	    Subsystem: "transport",
//	    Name:      "reconnects_total",
//	    Help:      "Reconnect attempts scheduled",
//	})
//	_ = registry.RegisterCounter("transport", "reconnects_total", reconnects)
//
// A nil *MetricsRegistry is accepted by every component constructor and
// disables metrics for that component.
//
// Server exposes the registry at /metrics and a health endpoint at /healthz.
package metric
