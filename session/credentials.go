// Package session holds the credentials shared by the socket and REST clients.
package session

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/c360/loopcore/errors"
)

// TokenEnv is the default environment variable read by Load.
const TokenEnv = "LOOPCORE_TOKEN"

// Credentials is a thread-safe bearer token cache. Clearing it is how an
// authentication failure forces the user to sign in again.
type Credentials struct {
	mu    sync.RWMutex
	token string
}

// New creates credentials holding token.
func New(token string) *Credentials {
	return &Credentials{token: token}
}

// Load reads the token from envKey, falling back to the first line of
// tokenFile. Neither being set yields signed-out credentials.
func Load(envKey, tokenFile string) (*Credentials, error) {
	if envKey == "" {
		envKey = TokenEnv
	}
	if token := os.Getenv(envKey); token != "" {
		return New(token), nil
	}
	if tokenFile == "" {
		return New(""), nil
	}
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "session", "Load", fmt.Sprintf("read token file %s", tokenFile))
	}
	token, _, _ := strings.Cut(string(data), "\n")
	return New(strings.TrimSpace(token)), nil
}

// Token returns the current token ("" when signed out).
func (c *Credentials) Token() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Set replaces the token.
func (c *Credentials) Set(token string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Clear drops the token.
func (c *Credentials) Clear() {
	c.Set("")
}

// Present reports whether a token is cached.
func (c *Credentials) Present() bool {
	return c.Token() != ""
}

// Header returns an Authorization header for the token, or an empty header
// when signed out.
func (c *Credentials) Header() http.Header {
	h := http.Header{}
	if token := c.Token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
