package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/loopcore/envelope"
	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/health"
	"github.com/c360/loopcore/metric"
	"github.com/c360/loopcore/pkg/timestamp"
	"github.com/c360/loopcore/session"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateError is terminal until the next explicit Connect: the session was
	// rejected or the reconnect budget is spent.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange describes one transition.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the default dialer.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithClock injects the clock used for reconnect and keep-alive timers.
func WithClock(clock timestamp.Clock) Option {
	return func(c *Connection) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics registers connection metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Connection) { c.metrics = newMetrics(registry) }
}

// WithCredentials supplies the handshake Authorization header. Credentials are
// cleared when the server rejects the session.
func WithCredentials(creds *session.Credentials) Option {
	return func(c *Connection) { c.creds = creds }
}

// OnEnvelope is called from the read loop for every valid inbound envelope.
func OnEnvelope(fn func(envelope.Envelope)) Option {
	return func(c *Connection) { c.onEnvelope = fn }
}

// OnStateChange is called after every state transition.
func OnStateChange(fn func(StateChange)) Option {
	return func(c *Connection) { c.onStateChange = fn }
}

// OnDisconnect is called when a live or pending connection is lost unexpectedly.
func OnDisconnect(fn func(error)) Option {
	return func(c *Connection) { c.onDisconnect = fn }
}

// OnAuthFailure is called when the server rejects the session.
func OnAuthFailure(fn func(error)) Option {
	return func(c *Connection) { c.onAuthFailure = fn }
}

// Connection owns one WebSocket and keeps it alive.
//
// All state lives behind mu. Callbacks run outside the lock, so they may call
// back into the Connection.
type Connection struct {
	cfg     Config
	dialer  Dialer
	clock   timestamp.Clock
	logger  *slog.Logger
	metrics *Metrics
	creds   *session.Credentials

	onEnvelope    func(envelope.Envelope)
	onStateChange func(StateChange)
	onDisconnect  func(error)
	onAuthFailure func(error)

	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	attempt int
	lastErr error
	conn    *websocket.Conn
	baseCtx context.Context

	// epoch changes on every Connect and Close; pending dials and reconnect
	// timers from an older epoch are discarded.
	epoch uint64
	// gen changes whenever the current socket is replaced or torn down.
	gen uint64

	reconnectTimer timestamp.Timer
	pingTimer      timestamp.Timer

	// events holds callbacks queued under mu in transition order. One caller
	// at a time delivers them; reentrant transitions are appended and picked
	// up by the current deliverer.
	events     []func()
	delivering bool

	connectedAt time.Time
	reconnects  int64
	errorCount  int
}

// New creates a disconnected Connection.
func New(cfg Config, opts ...Option) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:     cfg.withDefaults(),
		clock:   timestamp.System(),
		logger:  slog.Default(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.cfg.DialTimeout,
		}
	}
	c.logger = c.logger.With("component", "connection", "url", c.cfg.URL)
	return c, nil
}

// Connect resets the backoff, cancels any scheduled reconnect and dials.
// It blocks until the handshake completes or fails. After a failure the
// reconnect loop is already running.
//
// ctx bounds this dial and every reconnect that follows it. Once ctx is done
// the connection stops reconnecting and moves to StateError with ctx.Err(),
// notifying OnStateChange; it does not close an open socket. Pass
// context.WithoutCancel to keep reconnecting until Close.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return errors.ErrAlreadyConnected
	}
	c.attempt = 0
	c.epoch++
	c.stopReconnectLocked()
	c.baseCtx = ctx
	epoch := c.epoch
	c.mu.Unlock()

	return c.dial(ctx, epoch)
}

func (c *Connection) dial(ctx context.Context, epoch uint64) error {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return errors.ErrClosed
	}
	from := c.state
	c.state = StateConnecting
	attempt := c.attempt
	c.setStateGauge(StateConnecting)
	c.enqueueStateLocked(StateChange{From: from, To: StateConnecting, Attempt: attempt})
	c.mu.Unlock()
	c.deliver()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.creds.Header())
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			authErr := errors.WrapAuth(
				fmt.Errorf("%w: handshake status %d", authSentinel(resp.StatusCode), resp.StatusCode),
				"Connection", "dial", "authenticate")
			c.lose(func() bool { return c.epoch == epoch }, authErr, true)
			return authErr
		}
		dialErr := errors.WrapTransient(err, "Connection", "dial", "open socket")
		c.trackError("dial_error")
		c.lose(func() bool { return c.epoch == epoch }, dialErr, false)
		return dialErr
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateConnected
	c.attempt = 0
	c.lastErr = nil
	c.connectedAt = c.clock.Now()
	c.armPingLocked(gen)
	c.setStateGauge(StateConnected)
	c.enqueueStateLocked(StateChange{From: StateConnecting, To: StateConnected})
	c.mu.Unlock()

	c.logger.Info("connected")
	c.deliver()

	go c.readLoop(conn, gen)
	return nil
}

func (c *Connection) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(gen, err)
			return
		}
		if c.metrics != nil {
			c.metrics.framesReceived.Inc()
		}

		env, err := envelope.Decode(data)
		if err != nil {
			c.handleProtocolError(conn, gen, err)
			return
		}

		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}

func (c *Connection) handleReadError(gen uint64, err error) {
	current := func() bool { return c.gen == gen }

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case CloseUnauthenticated, CloseForbidden:
			sentinel := errors.ErrUnauthenticated
			if closeErr.Code == CloseForbidden {
				sentinel = errors.ErrForbidden
			}
			authErr := errors.WrapAuth(fmt.Errorf("%w: close %d %s", sentinel, closeErr.Code, closeErr.Text),
				"Connection", "readLoop", "keep session")
			c.lose(current, authErr, true)
			return
		}
	}

	c.trackError("read_error")
	c.lose(current, errors.WrapTransient(err, "Connection", "readLoop", "read frame"), false)
}

// handleProtocolError closes the socket with the protocol-error code and
// lets the reconnect loop take over.
func (c *Connection) handleProtocolError(conn *websocket.Conn, gen uint64, err error) {
	c.logger.Warn("protocol error, closing connection", "error", err)
	if c.metrics != nil {
		c.metrics.protocolErrors.Inc()
	}

	msg := websocket.FormatCloseMessage(CloseProtocolError, "invalid envelope")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	_ = conn.Close()

	c.lose(func() bool { return c.gen == gen }, err, false)
}

// lose tears the current socket down and moves to Disconnected (scheduling a
// reconnect) or, for auth failures and an exhausted budget, to Error.
// current is evaluated under the lock; a stale caller changes nothing.
func (c *Connection) lose(current func() bool, cause error, auth bool) {
	c.mu.Lock()
	if !current() {
		c.mu.Unlock()
		return
	}

	c.stopPingLocked()
	c.conn = nil
	c.gen++
	from := c.state
	c.lastErr = cause
	c.errorCount++

	if auth {
		c.state = StateError
		c.setStateGauge(StateError)
		if c.metrics != nil {
			c.metrics.authFailures.Inc()
		}
		c.enqueueStateLocked(StateChange{From: from, To: StateError, Err: cause})
		if c.onAuthFailure != nil {
			c.events = append(c.events, func() { c.onAuthFailure(cause) })
		}
		c.mu.Unlock()

		c.creds.Clear()
		c.logger.Error("session rejected, not reconnecting", "error", cause)
		c.deliver()
		return
	}

	c.state = StateDisconnected
	attempt := c.attempt
	c.enqueueStateLocked(StateChange{From: from, To: StateDisconnected, Attempt: attempt, Err: cause})
	if c.onDisconnect != nil {
		c.events = append(c.events, func() { c.onDisconnect(cause) })
	}

	var logEvent func()
	switch {
	case c.baseCtx.Err() != nil:
		c.abandonLocked()
	case c.cfg.MaxAttempts > 0 && c.attempt >= c.cfg.MaxAttempts:
		c.state = StateError
		exhausted := errors.WrapTransient(
			fmt.Errorf("%w after %d attempts: %v", errors.ErrMaxRetriesExceeded, c.attempt, cause),
			"Connection", "reconnect", "schedule attempt")
		c.lastErr = exhausted
		c.enqueueStateLocked(StateChange{From: StateDisconnected, To: StateError, Attempt: attempt, Err: exhausted})
		logEvent = func() { c.logger.Error("reconnect budget exhausted", "attempts", attempt) }
	default:
		delay := c.cfg.Backoff.Delay(c.attempt)
		c.attempt++
		epoch := c.epoch
		c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(epoch) })
		logEvent = func() {
			c.logger.Info("reconnect scheduled", "delay", delay, "attempt", attempt, "error", cause)
		}
	}
	c.setStateGauge(c.state)
	c.mu.Unlock()

	if logEvent != nil {
		logEvent()
	}
	c.deliver()
}

// abandonLocked moves a Disconnected connection whose Connect context is done
// to StateError instead of scheduling another attempt.
func (c *Connection) abandonLocked() {
	cause := errors.WrapFatal(c.baseCtx.Err(), "Connection", "reconnect", "wait for context")
	c.state = StateError
	c.lastErr = cause
	c.setStateGauge(StateError)
	c.enqueueStateLocked(StateChange{From: StateDisconnected, To: StateError, Attempt: c.attempt, Err: cause})
	c.logger.Warn("connect context done, not reconnecting", "error", cause)
}

func (c *Connection) reconnect(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	ctx := c.baseCtx
	if ctx.Err() != nil {
		c.abandonLocked()
		c.mu.Unlock()
		c.deliver()
		return
	}
	c.reconnects++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.reconnects.Inc()
	}
	_ = c.dial(ctx, epoch)
}

func (c *Connection) armPingLocked(gen uint64) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	c.pingTimer = c.clock.AfterFunc(c.cfg.PingInterval, func() { c.ping(gen) })
}

func (c *Connection) ping(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		// The read loop observes the broken socket.
		c.logger.Debug("ping failed", "error", err)
		c.trackError("ping_error")
	} else if c.metrics != nil {
		c.metrics.pings.Inc()
	}

	c.mu.Lock()
	if c.gen == gen && c.conn != nil {
		c.armPingLocked(gen)
	}
	c.mu.Unlock()
}

// Send writes env as one text frame. It fails with ErrNotConnected unless the
// connection is up; nothing is queued.
func (c *Connection) Send(env envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		return errors.WrapTransient(fmt.Errorf("%w (state %s)", errors.ErrNotConnected, state),
			"Connection", "Send", "check state")
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.trackError("write_error")
		return errors.WrapTransient(err, "Connection", "Send", "write frame")
	}

	if c.metrics != nil {
		c.metrics.framesSent.Inc()
	}
	return nil
}

// Close shuts the socket down with a normal-closure frame. No reconnect
// follows.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.epoch++
	c.stopReconnectLocked()
	c.stopPingLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	from := c.state
	c.state = StateDisconnected
	c.attempt = 0
	c.setStateGauge(StateDisconnected)
	if from != StateDisconnected {
		c.enqueueStateLocked(StateChange{From: from, To: StateDisconnected})
	}
	c.mu.Unlock()

	var err error
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		err = conn.Close()
	}

	if from != StateDisconnected {
		c.logger.Info("connection closed")
	}
	c.deliver()
	return err
}

// Logout closes the connection and forgets the cached credentials.
func (c *Connection) Logout() error {
	err := c.Close()
	c.creds.Clear()
	return err
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of reconnects scheduled since the last open.
func (c *Connection) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// LastError returns the reason for the most recent disconnect.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Health reports healthy only while connected.
func (c *Connection) Health() health.Status {
	c.mu.Lock()
	state := c.state
	lastErr := c.lastErr
	metrics := &health.Metrics{
		ErrorCount: c.errorCount,
		Reconnects: c.reconnects,
	}
	if state == StateConnected {
		metrics.Uptime = c.clock.Now().Sub(c.connectedAt)
	}
	c.mu.Unlock()

	var status health.Status
	switch state {
	case StateConnected:
		status = health.NewHealthy("connection", "connected")
	case StateError:
		status = health.FromError("connection", lastErr)
		if lastErr == nil {
			status = health.NewUnhealthy("connection", "error")
		}
	default:
		status = health.NewDegraded("connection", state.String())
	}
	return status.WithMetrics(metrics)
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) stopPingLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *Connection) enqueueStateLocked(change StateChange) {
	if c.onStateChange != nil {
		c.events = append(c.events, func() { c.onStateChange(change) })
	}
}

// deliver runs queued callbacks outside the lock, in the order they were
// queued. A concurrent or reentrant caller leaves its events to the goroutine
// already delivering.
func (c *Connection) deliver() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.events) > 0 {
		event := c.events[0]
		c.events[0] = nil
		c.events = c.events[1:]
		c.mu.Unlock()
		event()
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func (c *Connection) setStateGauge(s State) {
	if c.metrics != nil {
		c.metrics.state.Set(float64(s))
	}
}

func (c *Connection) trackError(errorType string) {
	if c.metrics != nil {
		c.metrics.errorsTotal.WithLabelValues(errorType).Inc()
	}
}

func authSentinel(status int) error {
	if status == http.StatusForbidden {
		return errors.ErrForbidden
	}
	return errors.ErrUnauthenticated
}
