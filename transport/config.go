package transport

import (
	"fmt"
	"net/url"
	"time"

	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/pkg/retry"
)

// Close codes with a meaning beyond "the socket went away".
const (
	// CloseProtocolError is sent by the client when an inbound frame is not
	// a valid envelope.
	CloseProtocolError = 1002
	// CloseUnauthenticated and CloseForbidden are sent by the server when the
	// session is no longer valid. Neither is followed by a reconnect.
	CloseUnauthenticated = 4401
	CloseForbidden       = 4403
)

// Config holds the connection parameters.
type Config struct {
	URL string

	// Backoff governs the reconnect delay: min(Initial * 2^attempt, Max).
	Backoff retry.Backoff

	// PingInterval is the keep-alive period while connected.
	PingInterval time.Duration

	// MaxAttempts bounds consecutive failed reconnects; 0 retries forever.
	MaxAttempts int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the connection defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		Backoff:      retry.DefaultBackoff(),
		PingInterval: 30 * time.Second,
		MaxAttempts:  0,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "transport", "Validate", "check url")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapFatal(err, "transport", "Validate", "parse url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.WrapFatal(fmt.Errorf("%w: scheme %q", errors.ErrInvalidConfig, u.Scheme),
			"transport", "Validate", "check url scheme")
	}
	if c.MaxAttempts < 0 {
		return errors.WrapFatal(fmt.Errorf("%w: negative max attempts", errors.ErrInvalidConfig),
			"transport", "Validate", "check max attempts")
	}
	if c.Backoff.Initial < 0 || c.Backoff.Max < 0 || c.PingInterval < 0 {
		return errors.WrapFatal(fmt.Errorf("%w: negative duration", errors.ErrInvalidConfig),
			"transport", "Validate", "check durations")
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.PingInterval == 0 {
		c.PingInterval = def.PingInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}
