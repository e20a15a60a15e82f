package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/c360/loopcore/app"
	"github.com/c360/loopcore/config"
	"github.com/c360/loopcore/engine"
	"github.com/c360/loopcore/health"
	"github.com/c360/loopcore/metric"
	"github.com/c360/loopcore/pkg/tlsutil"
	"github.com/c360/loopcore/rest"
	"github.com/c360/loopcore/session"
	"github.com/c360/loopcore/storage"
	"github.com/c360/loopcore/topic"
	"github.com/c360/loopcore/transport"
)

// client owns every long-lived piece of the running program.
type client struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	snapshots storage.Store
	topics    *topic.Manager
	conn      *transport.Connection
	exec      *engine.Executor
	store     *engine.Store[app.State]
}

func newClient(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
	ui app.UI,
) (_ *client, err error) {
	c := &client{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		monitor:  health.NewMonitor(),
	}

	snapshots, err := storage.Open(ctx, cfg.StorageBackend(), logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	c.snapshots = snapshots
	defer func() {
		if err != nil && snapshots != nil {
			_ = snapshots.Close()
		}
	}()
	state := c.restore(ctx)

	creds, err := session.Load(cfg.Auth.TokenEnv, cfg.Auth.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if !creds.Present() {
		logger.Warn("no token configured; the server may reject the session",
			"env", cfg.Auth.TokenEnv, "file", cfg.Auth.TokenFile)
	}

	encode, err := app.Encoder(cfg.Store.SnapshotFormat)
	if err != nil {
		return nil, err
	}

	connOpts, restOpts, err := tlsOptions(cfg)
	if err != nil {
		return nil, err
	}

	c.topics = topic.NewManager(topic.WithLogger(logger), topic.WithMetrics(registry))

	c.conn, err = transport.New(cfg.Connection(), append(connOpts,
		transport.WithCredentials(creds),
		transport.WithLogger(logger),
		transport.WithMetrics(registry),
		transport.OnEnvelope(c.topics.Dispatch),
		transport.OnStateChange(func(change transport.StateChange) {
			if change.To == transport.StateConnected {
				c.topics.Resubscribe()
			}
			c.dispatch(ctx, app.ConnectionChanged{State: change.To, Err: change.Err})
		}),
		transport.OnAuthFailure(func(err error) {
			c.dispatch(ctx, app.SessionExpired{Err: err})
		}),
	)...)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	c.topics.SetAnnouncer(c.conn)
	c.monitor.Register("connection", c.conn.Health)

	execOpts := []engine.ExecutorOption{
		engine.WithTransport(c.conn),
		engine.WithTopics(c.topics),
		engine.WithFrameMapper(app.MapFrame),
		engine.WithConnectResult(func(err error) engine.Message { return app.ConnectFailed{Err: err} }),
		engine.WithSaveResult(func(err error) engine.Message { return app.SaveCompleted{Err: err} }),
		engine.WithPoolSize(cfg.Store.Workers, cfg.Store.QueueSize),
		engine.WithExecutorLogger(logger),
		engine.WithExecutorMetrics(registry),
	}
	if cfg.REST.BaseURL != "" {
		api, err := rest.NewClient(cfg.Client(), append(restOpts,
			rest.WithCredentials(creds),
			rest.WithLogger(logger),
			rest.WithMetrics(registry),
		)...)
		if err != nil {
			return nil, fmt.Errorf("create api client: %w", err)
		}
		execOpts = append(execOpts, engine.WithCaller(api))
	}
	if snapshots != nil {
		execOpts = append(execOpts, engine.WithSaver(snapshots))
	}
	c.exec = engine.NewExecutor(execOpts...)

	reducer := app.NewReducer(app.WithUI(ui))
	c.store = engine.NewStore(state, reducer.Reduce, c.exec,
		engine.WithStoreLogger(logger),
		engine.WithStoreMetrics(registry),
		engine.WithSaveInterval(cfg.Store.SaveInterval.Std()),
		engine.WithEncoder(encode),
	)
	return c, nil
}

// restore loads the last snapshot. A missing or unreadable snapshot starts
// from an empty state.
func (c *client) restore(ctx context.Context) *app.State {
	if c.snapshots == nil {
		return app.NewState()
	}
	data, err := c.snapshots.Load(ctx)
	if err != nil {
		c.logger.Warn("snapshot unavailable, starting fresh", "error", err)
		return app.NewState()
	}
	state, err := app.Restore(data)
	if err != nil {
		c.logger.Warn("snapshot unreadable, starting fresh", "error", err)
		return app.NewState()
	}
	return state
}

// dispatch tolerates callbacks that fire before the store exists.
func (c *client) dispatch(ctx context.Context, msg engine.Message) {
	if c.store != nil {
		c.store.Dispatch(ctx, msg)
	}
}

// run blocks until ctx is done or the console quits.
func (c *client) run(ctx context.Context, in io.Reader, ui *console) error {
	// Async work outlives the signal so the final save can complete.
	if err := c.exec.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	c.store.Dispatch(ctx, app.Resume{})
	c.store.Dispatch(ctx, app.Connect{})

	g, gctx := errgroup.WithContext(ctx)

	if c.cfg.Metrics.Enabled {
		srv := metric.NewServer(c.cfg.Metrics.Addr, c.cfg.Metrics.Path, c.registry, c.monitor.Handler(appName))
		g.Go(func() error { return srv.Start(gctx) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.Store.TickInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				c.store.Dispatch(gctx, app.Tick{})
			}
		}
	})

	g.Go(func() error { return ui.interact(gctx, in, c.store) })

	return g.Wait()
}

// shutdown writes any pending snapshot and releases the connection.
func (c *client) shutdown(timeout time.Duration) error {
	c.store.Flush(context.Background())
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("close connection", "error", err)
	}
	err := c.exec.Stop(timeout)
	if c.snapshots != nil {
		if closeErr := c.snapshots.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func tlsOptions(cfg *config.Config) ([]transport.Option, []rest.Option, error) {
	if cfg.TLS.IsZero() {
		return nil, nil, nil
	}
	tlsConf, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, nil, fmt.Errorf("load tls config: %w", err)
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.Connection().DialTimeout,
		TLSClientConfig:  tlsConf,
	}
	httpClient := &http.Client{
		Timeout: cfg.Client().Timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConf,
		},
	}
	return []transport.Option{transport.WithDialer(dialer)},
		[]rest.Option{rest.WithHTTPClient(httpClient)},
		nil
}
