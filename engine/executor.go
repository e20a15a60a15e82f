package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/c360/loopcore/envelope"
	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/metric"
	"github.com/c360/loopcore/pkg/worker"
	"github.com/c360/loopcore/rest"
	"github.com/c360/loopcore/topic"
)

// Caller performs NetworkCall requests. *rest.Client satisfies it.
type Caller interface {
	Do(ctx context.Context, req rest.Request) (*rest.Response, error)
}

// Saver persists state snapshots.
type Saver interface {
	Save(ctx context.Context, snapshot []byte) error
}

// Transport is the connection surface used by TransportAction.
// *transport.Connection satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Logout() error
	Send(env envelope.Envelope) error
}

// Topics is the subscription surface used by TransportAction.
// *topic.Manager satisfies it.
type Topics interface {
	Subscribe(topic string, handler topic.Handler) (*topic.Subscription, error)
	Unsubscribe(sub *topic.Subscription)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCaller sets the NetworkCall implementation.
func WithCaller(c Caller) ExecutorOption {
	return func(e *Executor) { e.caller = c }
}

// WithSaver sets the persistence target for SaveState.
func WithSaver(s Saver) ExecutorOption {
	return func(e *Executor) { e.saver = s }
}

// WithTransport sets the connection.
func WithTransport(t Transport) ExecutorOption {
	return func(e *Executor) { e.transport = t }
}

// WithTopics sets the topic manager.
func WithTopics(t Topics) ExecutorOption {
	return func(e *Executor) { e.topics = t }
}

// WithFrameMapper turns inbound frames on executor-owned subscriptions into
// messages. A nil result drops the frame.
func WithFrameMapper(fn func(topic.Frame) Message) ExecutorOption {
	return func(e *Executor) { e.mapFrame = fn }
}

// WithSaveResult builds the message dispatched after every save attempt.
func WithSaveResult(fn func(error) Message) ExecutorOption {
	return func(e *Executor) { e.saveResult = fn }
}

// WithConnectResult builds the message dispatched when an asynchronous
// Connect fails.
func WithConnectResult(fn func(error) Message) ExecutorOption {
	return func(e *Executor) { e.connectResult = fn }
}

// WithPoolSize sizes the async worker pool.
func WithPoolSize(workers, queue int) ExecutorOption {
	return func(e *Executor) {
		e.workers = workers
		e.queue = queue
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutorMetrics registers executor and pool metrics.
func WithExecutorMetrics(registry *metric.MetricsRegistry) ExecutorOption {
	return func(e *Executor) { e.registry = registry }
}

// job is one asynchronous side effect.
type job struct {
	kind string
	run  func(ctx context.Context) error
}

type forward struct {
	sub  *topic.Subscription // nil until topics.Subscribe returns
	refs int
}

// Executor interprets commands. Synchronous kinds run on the dispatching
// goroutine; NetworkCall, SaveState and Connect run on a worker pool and
// report back through messages.
type Executor struct {
	caller        Caller
	saver         Saver
	transport     Transport
	topics        Topics
	mapFrame      func(topic.Frame) Message
	saveResult    func(error) Message
	connectResult func(error) Message

	workers  int
	queue    int
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *executorMetrics
	pool     *worker.Pool[job]

	mu       sync.Mutex
	forwards map[string]*forward
	baseCtx  context.Context
}

// NewExecutor creates an Executor. Call Start before dispatching commands
// that need the pool.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:   slog.Default(),
		forwards: make(map[string]*forward),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	e.metrics = newExecutorMetrics(e.registry)

	poolOpts := []worker.Option[job]{worker.WithLogger[job](e.logger)}
	if e.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[job](e.registry, "executor"))
	}
	e.pool = worker.NewPool(e.workers, e.queue, e.process, poolOpts...)
	return e
}

// Start launches the worker pool. ctx bounds every async side effect.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
	return e.pool.Start(ctx)
}

// Stop drains queued work for up to timeout.
func (e *Executor) Stop(timeout time.Duration) error {
	return e.pool.Stop(timeout)
}

// Idle reports whether no async work is queued or running.
func (e *Executor) Idle() bool {
	return e.pool.Idle()
}

// Execute runs cmd. It satisfies Runner.
func (e *Executor) Execute(ctx context.Context, d Dispatcher, cmd Command) {
	if e.metrics != nil {
		e.metrics.commands.WithLabelValues(cmd.Kind()).Inc()
	}

	switch c := cmd.(type) {
	case SendMessage:
		if c.Msg != nil {
			d.Dispatch(ctx, c.Msg)
		}
	case RunEffect:
		e.runEffect(ctx, c)
	case NetworkCall:
		e.networkCall(ctx, d, c)
	case TransportAction:
		e.transportAction(ctx, d, c)
	case SaveState:
		e.save(d, c)
	case NoOp:
	default:
		e.logger.Error("unknown command", "kind", cmd.Kind(), "type", fmt.Sprintf("%T", cmd))
	}
}

func (e *Executor) runEffect(ctx context.Context, c RunEffect) {
	if c.Fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.fail(c.Kind())
			e.logger.Error("effect panicked", "effect", c.Name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	c.Fn(ctx)
}

func (e *Executor) networkCall(ctx context.Context, d Dispatcher, c NetworkCall) {
	if e.caller == nil {
		e.dispatchError(ctx, d, c.OnError, errors.WrapFatal(errors.ErrMissingConfig, "Executor", "networkCall", "no caller configured"))
		return
	}

	err := e.pool.Submit(job{kind: c.Kind(), run: func(poolCtx context.Context) error {
		start := time.Now()
		resp, err := e.caller.Do(poolCtx, c.Request)
		if e.metrics != nil {
			e.metrics.callDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			e.fail(c.Kind())
			e.dispatchError(poolCtx, d, c.OnError, err)
			return err
		}
		if c.OnSuccess != nil {
			if msg := c.OnSuccess(resp); msg != nil {
				d.Dispatch(poolCtx, msg)
			}
		}
		return nil
	}})
	if err != nil {
		e.fail(c.Kind())
		e.dispatchError(ctx, d, c.OnError, errors.WrapTransient(err, "Executor", "networkCall", "submit request"))
	}
}

func (e *Executor) transportAction(ctx context.Context, d Dispatcher, c TransportAction) {
	switch c.Action {
	case ActionSubscribe:
		e.subscribe(d, c.Topic)
		return
	case ActionUnsubscribe:
		e.unsubscribe(c.Topic)
		return
	}

	if e.transport == nil {
		e.logger.Warn("transport action without transport", "action", c.Action.String())
		return
	}

	switch c.Action {
	case ActionConnect:
		err := e.pool.Submit(job{kind: c.Kind(), run: func(poolCtx context.Context) error {
			err := e.transport.Connect(poolCtx)
			if err != nil && !errors.Is(err, errors.ErrAlreadyConnected) {
				e.fail(c.Kind())
				e.logger.Warn("connect failed", "error", err)
				e.dispatchError(poolCtx, d, e.connectResult, err)
				return err
			}
			return nil
		}})
		if err != nil {
			e.fail(c.Kind())
			e.dispatchError(ctx, d, e.connectResult, errors.WrapTransient(err, "Executor", "transportAction", "submit connect"))
		}
	case ActionDisconnect:
		if err := e.transport.Close(); err != nil {
			e.logger.Debug("close", "error", err)
		}
	case ActionLogout:
		if err := e.transport.Logout(); err != nil {
			e.logger.Debug("logout", "error", err)
		}
	case ActionSend:
		if err := e.transport.Send(c.Envelope); err != nil {
			e.fail(c.Kind())
			e.dispatchError(ctx, d, c.OnError, err)
		}
	default:
		e.logger.Error("unknown transport action", "action", c.Action.String())
	}
}

// subscribe registers one forwarding handler per topic; later calls only
// bump its reference count. mu covers the bookkeeping only: the topic
// manager may write an announce frame.
func (e *Executor) subscribe(d Dispatcher, name string) {
	if e.topics == nil {
		e.logger.Warn("subscribe without topic manager", "topic", name)
		return
	}

	e.mu.Lock()
	if f, ok := e.forwards[name]; ok {
		f.refs++
		e.mu.Unlock()
		return
	}
	f := &forward{refs: 1}
	e.forwards[name] = f
	e.mu.Unlock()

	sub, err := e.topics.Subscribe(name, func(frame topic.Frame) error {
		if e.mapFrame == nil {
			return nil
		}
		if msg := e.mapFrame(frame); msg != nil {
			d.Dispatch(e.context(), msg)
		}
		return nil
	})

	e.mu.Lock()
	current := e.forwards[name] == f
	switch {
	case err != nil:
		if current {
			delete(e.forwards, name)
		}
	case current:
		f.sub = sub
	}
	e.mu.Unlock()

	if err != nil {
		e.fail(TransportAction{}.Kind())
		e.logger.Warn("subscribe failed", "topic", name, "error", err)
		return
	}
	if !current {
		// Released while the subscription was being set up.
		e.topics.Unsubscribe(sub)
	}
}

func (e *Executor) unsubscribe(name string) {
	if e.topics == nil {
		return
	}

	e.mu.Lock()
	f, ok := e.forwards[name]
	if !ok {
		e.mu.Unlock()
		return
	}
	f.refs--
	if f.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.forwards, name)
	sub := f.sub
	e.mu.Unlock()

	if sub != nil {
		e.topics.Unsubscribe(sub)
	}
}

// Forwarding reports how many executor-owned subscriptions are active.
func (e *Executor) Forwarding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.forwards)
}

func (e *Executor) save(d Dispatcher, c SaveState) {
	if e.saver == nil {
		return
	}

	err := e.pool.Submit(job{kind: c.Kind(), run: func(poolCtx context.Context) error {
		err := e.saver.Save(poolCtx, c.Snapshot)
		if err != nil {
			e.fail(c.Kind())
			e.logger.Warn("save failed", "bytes", len(c.Snapshot), "error", err)
		}
		if e.saveResult != nil {
			if msg := e.saveResult(err); msg != nil {
				d.Dispatch(poolCtx, msg)
			}
		}
		return err
	}})
	if err != nil {
		e.fail(c.Kind())
		e.logger.Warn("save dropped", "error", err)
	}
}

func (e *Executor) process(ctx context.Context, j job) error {
	return j.run(ctx)
}

func (e *Executor) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseCtx
}

func (e *Executor) dispatchError(ctx context.Context, d Dispatcher, build func(error) Message, err error) {
	if build == nil {
		return
	}
	if msg := build(err); msg != nil {
		d.Dispatch(ctx, msg)
	}
}

func (e *Executor) fail(kind string) {
	if e.metrics != nil {
		e.metrics.failures.WithLabelValues(kind).Inc()
	}
}
