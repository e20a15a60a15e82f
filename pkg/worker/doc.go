// Package worker provides a generic bounded worker pool.
//
// The command executor uses one Pool to run network calls, saves and
// connection dials off the dispatch goroutine. Submit never blocks: a full
// queue returns ErrQueueFull so the caller can turn the rejection into a
// failure message instead of stalling the dispatch loop.
//
// Statistics are always tracked with atomics; Prometheus metrics are opt-in
// through WithMetricsRegistry.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, job Job) error {
//	    return job.Run(ctx)
//	}, worker.WithMetricsRegistry[Job](registry, "executor"))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
package worker
