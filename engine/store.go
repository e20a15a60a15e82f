package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/metric"
	"github.com/c360/loopcore/pkg/timestamp"
)

// DefaultSaveInterval is the minimum spacing between two SaveState commands.
const DefaultSaveInterval = 400 * time.Millisecond

// Reducer mutates state in response to msg and describes the follow-up side
// effects. It must not perform I/O, start timers or touch the UI. Returning
// an error wrapping ErrUnhandledMessage marks msg as unknown to the reducer.
type Reducer[S any] func(state *S, msg Message) ([]Command, error)

// Persistable is implemented by states that want debounced saves.
type Persistable interface {
	// TakeDirty reports whether the state changed since the last call and
	// clears the flag.
	TakeDirty() bool
	// Touch records the modification time in Unix milliseconds.
	Touch(ms int64)
}

// Dispatcher accepts messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message)
}

// Runner executes commands returned by the reducer.
type Runner interface {
	Execute(ctx context.Context, d Dispatcher, cmd Command)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, d Dispatcher, cmd Command)

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, d Dispatcher, cmd Command) { f(ctx, d, cmd) }

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	clock        timestamp.Clock
	logger       *slog.Logger
	registry     *metric.MetricsRegistry
	saveInterval time.Duration
	encode       func(any) ([]byte, error)
}

// WithClock injects the clock used for timestamps and save debouncing.
func WithClock(clock timestamp.Clock) StoreOption {
	return func(o *storeOptions) { o.clock = clock }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStoreMetrics registers store metrics.
func WithStoreMetrics(registry *metric.MetricsRegistry) StoreOption {
	return func(o *storeOptions) { o.registry = registry }
}

// WithSaveInterval sets the minimum spacing between saves.
func WithSaveInterval(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		if d > 0 {
			o.saveInterval = d
		}
	}
}

// WithEncoder replaces json.Marshal for save snapshots.
func WithEncoder(encode func(any) ([]byte, error)) StoreOption {
	return func(o *storeOptions) {
		if encode != nil {
			o.encode = encode
		}
	}
}

type queued struct {
	ctx context.Context
	msg Message
}

// Store owns the application state and serializes every mutation.
type Store[S any] struct {
	reduce  Reducer[S]
	runner  Runner
	clock   timestamp.Clock
	logger  *slog.Logger
	metrics *storeMetrics
	encode  func(any) ([]byte, error)
	limiter *rate.Limiter

	// mu guards state and pendingSave.
	mu          sync.Mutex
	state       *S
	pendingSave bool

	// qmu guards the queue and the draining flag.
	qmu      sync.Mutex
	queue    []queued
	draining bool
}

// NewStore creates a Store around initial. runner may be nil in tests that
// only inspect state.
func NewStore[S any](initial *S, reduce Reducer[S], runner Runner, opts ...StoreOption) *Store[S] {
	o := storeOptions{
		clock:        timestamp.System(),
		logger:       slog.Default(),
		saveInterval: DefaultSaveInterval,
		encode:       json.Marshal,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if initial == nil {
		initial = new(S)
	}
	if runner == nil {
		runner = RunnerFunc(func(context.Context, Dispatcher, Command) {})
	}

	return &Store[S]{
		reduce:  reduce,
		runner:  runner,
		clock:   o.clock,
		logger:  o.logger.With("component", "store"),
		metrics: newStoreMetrics(o.registry),
		encode:  o.encode,
		limiter: rate.NewLimiter(rate.Every(o.saveInterval), 1),
		state:   initial,
	}
}

// Dispatch enqueues msg and, unless another caller is already draining,
// processes the queue until it is empty. Safe for concurrent use.
func (s *Store[S]) Dispatch(ctx context.Context, msg Message) {
	if msg == nil {
		return
	}

	s.qmu.Lock()
	s.queue = append(s.queue, queued{ctx: ctx, msg: msg})
	if s.metrics != nil {
		s.metrics.queueDepth.Set(float64(len(s.queue)))
	}
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	s.qmu.Unlock()

	s.drain()
}

// Flush emits a pending save immediately, bypassing the debounce.
func (s *Store[S]) Flush(ctx context.Context) {
	s.Dispatch(ctx, flush{})
}

// Read runs fn with the state locked. fn must not dispatch or retain state.
func (s *Store[S]) Read(fn func(state *S)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Pending reports whether a save is waiting for the debounce window.
func (s *Store[S]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSave
}

func (s *Store[S]) drain() {
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.qmu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = queued{}
		s.queue = s.queue[1:]
		if s.metrics != nil {
			s.metrics.queueDepth.Set(float64(len(s.queue)))
		}
		s.qmu.Unlock()

		commands := s.step(next.msg)
		for _, cmd := range commands {
			if cmd == nil {
				continue
			}
			s.execute(next.ctx, cmd)
		}
	}
}

// step runs the reducer and the bookkeeping pass inside the mutation window.
func (s *Store[S]) step(msg Message) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := msg.Kind()
	start := time.Now()

	var commands []Command
	if _, ok := msg.(flush); ok {
		if cmd := s.snapshotLocked(); cmd != nil {
			commands = append(commands, cmd)
		}
		return commands
	}

	commands, err := s.safeReduce(msg)
	if s.metrics != nil {
		s.metrics.messages.WithLabelValues(kind).Inc()
		s.metrics.reduceDuration.Observe(time.Since(start).Seconds())
	}
	switch {
	case errors.Is(err, errors.ErrUnhandledMessage):
		s.logger.Warn("unhandled message", "kind", kind)
		if s.metrics != nil {
			s.metrics.unhandled.WithLabelValues(kind).Inc()
		}
		commands = nil
	case err != nil:
		s.logger.Error("reduce failed", "kind", kind, "error", err)
		if s.metrics != nil {
			s.metrics.reduceErrors.WithLabelValues(kind).Inc()
		}
		commands = nil
	}

	if p, ok := any(s.state).(Persistable); ok {
		if p.TakeDirty() {
			p.Touch(timestamp.ToUnixMs(s.clock.Now()))
			s.pendingSave = true
		}
		if s.pendingSave && s.limiter.AllowN(s.clock.Now(), 1) {
			if cmd := s.snapshotLocked(); cmd != nil {
				commands = append(commands, cmd)
			}
		}
	}
	return commands
}

func (s *Store[S]) safeReduce(msg Message) (commands []Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reducer panicked", "kind", msg.Kind(), "panic", r, "stack", string(debug.Stack()))
			commands = nil
			err = fmt.Errorf("reducer panic: %v", r)
		}
	}()
	return s.reduce(s.state, msg)
}

func (s *Store[S]) snapshotLocked() Command {
	if !s.pendingSave {
		return nil
	}
	data, err := s.encode(s.state)
	if err != nil {
		s.logger.Error("encode snapshot", "error", err)
		return nil
	}
	s.pendingSave = false
	if s.metrics != nil {
		s.metrics.saves.Inc()
	}
	return SaveState{Snapshot: data}
}

func (s *Store[S]) execute(ctx context.Context, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked", "command", cmd.Kind(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.runner.Execute(ctx, s, cmd)
}
