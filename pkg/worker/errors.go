package worker

import "errors"

// Lifecycle errors returned by Submit, Start and Stop.
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)

// ErrQueueFull is returned by Submit when every queue slot is taken; the
// caller decides whether to drop or report the work.
var ErrQueueFull = errors.New("worker pool queue full")

var (
	// ErrNilProcessor is the panic value of NewPool without a processor.
	ErrNilProcessor = errors.New("processor function cannot be nil")
	// ErrWorkPanicked wraps a recovered processor panic.
	ErrWorkPanicked = errors.New("work item panicked")
)
