package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/loopcore/metric"
)

// storeMetrics holds Prometheus metrics for the dispatch loop.
type storeMetrics struct {
	messages       *prometheus.CounterVec // By message kind
	unhandled      *prometheus.CounterVec // By message kind
	reduceErrors   *prometheus.CounterVec // By message kind
	reduceDuration prometheus.Histogram
	queueDepth     prometheus.Gauge
	saves          prometheus.Counter
}

func newStoreMetrics(registry *metric.MetricsRegistry) *storeMetrics {
	if registry == nil {
		return nil
	}

	sm := &storeMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "store",
			Name:      "messages_total",
			Help:      "Messages reduced",
		}, []string{"kind"}),
		unhandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "store",
			Name:      "unhandled_messages_total",
			Help:      "Messages the reducer did not recognise",
		}, []string{"kind"}),
		reduceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "store",
			Name:      "reduce_errors_total",
			Help:      "Reducer calls that failed or panicked",
		}, []string{"kind"}),
		reduceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loopcore",
			Subsystem: "store",
			Name:      "reduce_duration_seconds",
			Help:      "Time spent inside the reducer",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcore",
			Subsystem: "store",
			Name:      "queue_depth",
			Help:      "Messages waiting to be reduced",
		}),
		saves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "store",
			Name:      "save_commands_total",
			Help:      "SaveState commands emitted",
		}),
	}

	_ = registry.RegisterCounterVec("store", "messages_total", sm.messages)
	_ = registry.RegisterCounterVec("store", "unhandled_messages_total", sm.unhandled)
	_ = registry.RegisterCounterVec("store", "reduce_errors_total", sm.reduceErrors)
	_ = registry.RegisterHistogram("store", "reduce_duration_seconds", sm.reduceDuration)
	_ = registry.RegisterGauge("store", "queue_depth", sm.queueDepth)
	_ = registry.RegisterCounter("store", "save_commands_total", sm.saves)

	return sm
}

// executorMetrics holds Prometheus metrics for command execution.
type executorMetrics struct {
	commands     *prometheus.CounterVec // By command kind
	failures     *prometheus.CounterVec // By command kind
	callDuration prometheus.Histogram
}

func newExecutorMetrics(registry *metric.MetricsRegistry) *executorMetrics {
	if registry == nil {
		return nil
	}

	em := &executorMetrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "executor",
			Name:      "commands_total",
			Help:      "Commands executed",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "executor",
			Name:      "command_failures_total",
			Help:      "Commands whose side effect failed",
		}, []string{"kind"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loopcore",
			Subsystem: "executor",
			Name:      "network_call_duration_seconds",
			Help:      "Latency of NetworkCall commands",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	_ = registry.RegisterCounterVec("executor", "commands_total", em.commands)
	_ = registry.RegisterCounterVec("executor", "command_failures_total", em.failures)
	_ = registry.RegisterHistogram("executor", "network_call_duration_seconds", em.callDuration)

	return em
}
