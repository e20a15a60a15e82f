package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/loopcore/metric"
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	logger    *slog.Logger

	workChan chan T
	metrics  *Metrics
	wg       *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64
	panicked  int64
	inFlight  int64

	metricsRegistry *metric.MetricsRegistry
	metricsName     string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	inFlight       prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics labelled with name.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsName = name
	}
}

// WithLogger sets the logger used for recovered panics.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 4 workers and a
// queue of 256.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		logger:    slog.Default(),
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.logger = pool.logger.With("component", "worker_pool")

	if pool.metricsRegistry != nil && pool.metricsName != "" {
		pool.initializeMetrics()
	}
	return pool
}

func (p *Pool[T]) initializeMetrics() {
	labels := prometheus.Labels{"pool": p.metricsName}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcore", Subsystem: "worker_pool", Name: name, Help: help, ConstLabels: labels,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore", Subsystem: "worker_pool", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &Metrics{
		queueDepth: gauge("queue_depth", "Current worker pool queue depth"),
		inFlight:   gauge("in_flight", "Work items being processed"),
		submitted:  counter("submitted_total", "Total work items submitted"),
		processed:  counter("processed_total", "Total work items processed"),
		failed:     counter("failed_total", "Total work items that failed or panicked"),
		dropped:    counter("dropped_total", "Total work items rejected because the queue was full"),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "loopcore",
			Subsystem:   "worker_pool",
			Name:        "processing_duration_seconds",
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	component := "worker_pool." + p.metricsName
	_ = p.metricsRegistry.RegisterGauge(component, "queue_depth", m.queueDepth)
	_ = p.metricsRegistry.RegisterGauge(component, "in_flight", m.inFlight)
	_ = p.metricsRegistry.RegisterCounter(component, "submitted_total", m.submitted)
	_ = p.metricsRegistry.RegisterCounter(component, "processed_total", m.processed)
	_ = p.metricsRegistry.RegisterCounter(component, "failed_total", m.failed)
	_ = p.metricsRegistry.RegisterCounter(component, "dropped_total", m.dropped)
	_ = p.metricsRegistry.RegisterHistogramVec(component, "processing_duration_seconds", m.processingTime)

	p.metrics = m
}

// Submit enqueues work without blocking. Returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)
	p.stopped = true

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		InFlight:   atomic.LoadInt64(&p.inFlight),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Panicked:   atomic.LoadInt64(&p.panicked),
	}
}

// Idle reports whether nothing is queued or running.
func (p *Pool[T]) Idle() bool {
	return len(p.workChan) == 0 && atomic.LoadInt64(&p.inFlight) == 0
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	InFlight   int64 `json:"in_flight"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panicked   int64 `json:"panicked"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	atomic.AddInt64(&p.inFlight, 1)
	if p.metrics != nil {
		p.metrics.inFlight.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}

	start := time.Now()
	err := p.run(ctx, work)
	duration := time.Since(start)

	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
	}
	atomic.AddInt64(&p.inFlight, -1)

	if p.metrics != nil {
		p.metrics.inFlight.Dec()
		p.metrics.processed.Inc()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// run keeps a panicking processor from taking the worker down.
func (p *Pool[T]) run(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panicked, 1)
			p.logger.Error("work item panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrWorkPanicked, r)
		}
	}()
	return p.processor(ctx, work)
}
