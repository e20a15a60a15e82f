// Package rest is the HTTP side of the runtime: JSON requests against the
// API with bearer authentication, request IDs and retry of transient failures.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/metric"
	"github.com/c360/loopcore/pkg/retry"
	"github.com/c360/loopcore/session"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

const maxErrorBody = 4 << 10

// Request describes one API call.
type Request struct {
	Method string
	// Path is resolved against the client's base URL.
	Path  string
	Query url.Values
	// Body is JSON-encoded when non-nil.
	Body any
	// Retry allows retrying a non-idempotent method.
	Retry bool
}

// Response is a completed call with a 2xx status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Response", "Decode", "read empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.WrapInvalid(err, "Response", "Decode", "unmarshal body")
	}
	return nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto the shared sentinels.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return errors.ErrUnauthenticated
	case http.StatusForbidden:
		return errors.ErrForbidden
	case http.StatusConflict:
		return errors.ErrConflict
	case http.StatusTooManyRequests:
		return errors.ErrRateLimited
	}
	if e.StatusCode >= 500 {
		return nil
	}
	return errors.ErrInvalidData
}

// Config holds client parameters.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Config
}

// DefaultConfig returns client defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 15 * time.Second,
		Retry:   retry.DefaultConfig(),
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCredentials attaches the bearer token to every request.
func WithCredentials(creds *session.Credentials) Option {
	return func(c *Client) { c.creds = creds }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics registers client metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) { c.metrics = newClientMetrics(registry) }
}

// Client performs API calls.
type Client struct {
	base    *url.URL
	cfg     Config
	http    *http.Client
	creds   *session.Credentials
	logger  *slog.Logger
	metrics *clientMetrics
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "rest", "NewClient", "check base url")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		if err == nil {
			err = fmt.Errorf("%w: scheme %q", errors.ErrInvalidConfig, base.Scheme)
		}
		return nil, errors.WrapFatal(err, "rest", "NewClient", "parse base url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig("").Timeout
	}

	c := &Client{
		base:   base,
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rest_client")
	return c, nil
}

// Do performs req. Transient failures of idempotent requests are retried;
// auth and validation failures never are.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	cfg := c.cfg.Retry
	if !req.Retry && !idempotent(req.Method) {
		cfg.MaxAttempts = 1
	}

	resp, err := retry.DoWithResult(ctx, cfg, func() (*Response, error) {
		resp, err := c.once(ctx, req)
		if err != nil && !errors.IsTransient(err) {
			return nil, retry.NonRetryable(err)
		}
		return resp, err
	})
	if err != nil {
		var nre *retry.NonRetryableError
		if errors.As(err, &nre) {
			return nil, nre.Err
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	endpoint := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		endpoint.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.WrapInvalid(err, "rest", "Do", "marshal body")
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint.String(), body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "rest", "Do", "build request")
	}

	requestID := uuid.NewString()
	httpReq.Header.Set(RequestIDHeader, requestID)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token := c.creds.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe(req.Method, "error", start)
		return nil, errors.WrapTransient(err, "rest", "Do", fmt.Sprintf("%s %s", req.Method, req.Path))
	}
	defer httpResp.Body.Close()

	c.observe(req.Method, strconv.Itoa(httpResp.StatusCode), start)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		statusErr := &StatusError{
			StatusCode: httpResp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			RequestID:  requestID,
		}
		c.logger.Debug("request failed", "method", req.Method, "path", req.Path,
			"status", httpResp.StatusCode, "request_id", requestID)
		return nil, classify(statusErr, req)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.WrapTransient(err, "rest", "Do", "read body")
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		RequestID:  requestID,
	}, nil
}

func classify(err *StatusError, req Request) error {
	action := fmt.Sprintf("%s %s", req.Method, req.Path)
	switch {
	case err.StatusCode == http.StatusUnauthorized || err.StatusCode == http.StatusForbidden:
		return errors.WrapAuth(err, "rest", "Do", action)
	case err.StatusCode == http.StatusTooManyRequests || err.StatusCode >= 500:
		return errors.WrapTransient(err, "rest", "Do", action)
	default:
		return errors.WrapInvalid(err, "rest", "Do", action)
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func (c *Client) observe(method, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.requests.WithLabelValues(method, status).Inc()
	c.metrics.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

type clientMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newClientMetrics(registry *metric.MetricsRegistry) *clientMetrics {
	if registry == nil {
		return nil
	}
	m := &clientMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "rest",
			Name:      "requests_total",
			Help:      "API requests by method and status",
		}, []string{"method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loopcore",
			Subsystem: "rest",
			Name:      "request_duration_seconds",
			Help:      "API request latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
	}
	_ = registry.RegisterCounterVec("rest", "requests_total", m.requests)
	_ = registry.RegisterHistogramVec("rest", "request_duration_seconds", m.duration)
	return m
}
