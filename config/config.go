package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/pkg/retry"
	"github.com/c360/loopcore/pkg/tlsutil"
	"github.com/c360/loopcore/rest"
	"github.com/c360/loopcore/session"
	"github.com/c360/loopcore/storage"
	"github.com/c360/loopcore/transport"
)

// Config is the complete client configuration.
type Config struct {
	Transport TransportConfig      `json:"transport" yaml:"transport"`
	REST      RESTConfig           `json:"rest" yaml:"rest"`
	Store     StoreConfig          `json:"store" yaml:"store"`
	Storage   StorageConfig        `json:"storage" yaml:"storage"`
	Auth      AuthConfig           `json:"auth" yaml:"auth"`
	Metrics   MetricsConfig        `json:"metrics" yaml:"metrics"`
	TLS       tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// TransportConfig configures the WebSocket connection.
type TransportConfig struct {
	URL          string   `json:"url" yaml:"url"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay"`
	PingInterval Duration `json:"ping_interval" yaml:"ping_interval"`
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts"`
	DialTimeout  Duration `json:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
}

// RESTConfig configures the API client. An empty BaseURL disables network
// calls.
type RESTConfig struct {
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
}

// StoreConfig configures the dispatch store and the command executor.
type StoreConfig struct {
	SaveInterval Duration `json:"save_interval" yaml:"save_interval"`
	TickInterval Duration `json:"tick_interval" yaml:"tick_interval"`
	Workers      int      `json:"workers" yaml:"workers"`
	QueueSize    int      `json:"queue_size" yaml:"queue_size"`

	// SnapshotFormat is "json" or "cbor". Restore reads either.
	SnapshotFormat string `json:"snapshot_format" yaml:"snapshot_format"`
}

// StorageConfig selects where snapshots are persisted.
type StorageConfig struct {
	Mode    string   `json:"mode" yaml:"mode"`
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	NATSURL string   `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
	Bucket  string   `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key     string   `json:"key,omitempty" yaml:"key,omitempty"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// AuthConfig says where the bearer token comes from. The environment
// variable wins over the file.
type AuthConfig struct {
	TokenEnv  string `json:"token_env" yaml:"token_env"`
	TokenFile string `json:"token_file,omitempty" yaml:"token_file,omitempty"`
}

// MetricsConfig configures the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the built-in configuration every file layer is merged onto.
func Default() *Config {
	conn := transport.DefaultConfig("ws://localhost:8080/ws")
	st := storage.DefaultConfig()
	return &Config{
		Transport: TransportConfig{
			URL:          conn.URL,
			InitialDelay: Duration(conn.Backoff.Initial),
			MaxDelay:     Duration(conn.Backoff.Max),
			PingInterval: Duration(conn.PingInterval),
			MaxAttempts:  conn.MaxAttempts,
			DialTimeout:  Duration(conn.DialTimeout),
			WriteTimeout: Duration(conn.WriteTimeout),
		},
		REST: RESTConfig{
			BaseURL:     "http://localhost:8080/api",
			Timeout:     Duration(15 * time.Second),
			MaxAttempts: retry.DefaultConfig().MaxAttempts,
		},
		Store: StoreConfig{
			SaveInterval:   Duration(400 * time.Millisecond),
			TickInterval:   Duration(time.Second),
			Workers:        4,
			QueueSize:      256,
			SnapshotFormat: "json",
		},
		Storage: StorageConfig{
			Mode:    st.Mode,
			Path:    st.Path,
			Bucket:  st.Bucket,
			Key:     st.Key,
			Timeout: Duration(st.Timeout),
		},
		Auth: AuthConfig{
			TokenEnv: session.TokenEnv,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "check config")
	}
	if err := c.Connection().Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "check transport")
	}
	if c.Transport.InitialDelay > c.Transport.MaxDelay && c.Transport.MaxDelay > 0 {
		return invalid("transport.initial_delay exceeds transport.max_delay")
	}
	if c.Transport.MaxAttempts < 0 {
		return invalid("transport.max_attempts must not be negative")
	}

	if c.REST.BaseURL != "" {
		u, err := url.Parse(c.REST.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid(fmt.Sprintf("rest.base_url %q must be http or https", c.REST.BaseURL))
		}
	}
	if c.REST.Timeout < 0 || c.REST.MaxAttempts < 0 {
		return invalid("rest timeout and attempts must not be negative")
	}

	if c.Store.SaveInterval <= 0 {
		return invalid("store.save_interval must be positive")
	}
	if c.Store.TickInterval <= 0 {
		return invalid("store.tick_interval must be positive")
	}
	if c.Store.Workers <= 0 || c.Store.QueueSize <= 0 {
		return invalid("store.workers and store.queue_size must be positive")
	}
	switch c.Store.SnapshotFormat {
	case "", "json", "cbor":
	default:
		return invalid(fmt.Sprintf("store.snapshot_format %q must be json or cbor", c.Store.SnapshotFormat))
	}

	if err := c.StorageBackend().Validate(); err != nil {
		return err
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// Connection returns the transport configuration.
func (c *Config) Connection() transport.Config {
	t := c.Transport
	return transport.Config{
		URL: t.URL,
		Backoff: retry.Backoff{
			Initial:    t.InitialDelay.Std(),
			Max:        t.MaxDelay.Std(),
			Multiplier: 2.0,
		},
		PingInterval: t.PingInterval.Std(),
		MaxAttempts:  t.MaxAttempts,
		DialTimeout:  t.DialTimeout.Std(),
		WriteTimeout: t.WriteTimeout.Std(),
	}
}

// Client returns the REST client configuration.
func (c *Config) Client() rest.Config {
	cfg := rest.DefaultConfig(c.REST.BaseURL)
	if c.REST.Timeout > 0 {
		cfg.Timeout = c.REST.Timeout.Std()
	}
	cfg.Retry.MaxAttempts = c.REST.MaxAttempts
	return cfg
}

// StorageBackend returns the snapshot storage configuration.
func (c *Config) StorageBackend() storage.Config {
	s := c.Storage
	return storage.Config{
		Mode:    s.Mode,
		Path:    s.Path,
		NATSURL: s.NATSURL,
		Bucket:  s.Bucket,
		Key:     s.Key,
		Timeout: s.Timeout.Std(),
	}
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Config", "Validate", msg)
}
