// Package topic multiplexes many independent subscribers over one connection.
//
// The Manager keeps an ordered set of handlers per topic, fans every inbound
// envelope out to all handlers registered for its topic and isolates handler
// failures so one misbehaving subscriber cannot starve the others.
package topic

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/loopcore/envelope"
	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/metric"
)

// Frame is what a handler receives for one inbound envelope.
type Frame struct {
	Type  string
	Topic string
	Data  json.RawMessage
}

// Handler consumes frames for a topic. A returned error (or a panic) is
// logged and counted; it never affects other handlers.
type Handler func(Frame) error

// Announcer sends subscribe/unsubscribe frames to the remote side.
// transport.Connection satisfies it.
type Announcer interface {
	Send(env envelope.Envelope) error
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uuid.UUID
	topic   string
	handler Handler
}

// ID returns the unique handle identifier.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Manager owns the topic → handlers registry.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string][]*Subscription
	announcer Announcer
	logger    *slog.Logger
	metrics   *managerMetrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithAnnouncer enables subscribe/unsubscribe frames on first-subscriber and
// last-unsubscriber transitions.
func WithAnnouncer(a Announcer) Option {
	return func(m *Manager) { m.announcer = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics registers manager metrics with the registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) { m.metrics = newManagerMetrics(registry) }
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		registry: make(map[string][]*Subscription),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "topic_manager")
	return m
}

// SetAnnouncer replaces the announcer; used when the connection is created
// after the manager.
func (m *Manager) SetAnnouncer(a Announcer) {
	m.mu.Lock()
	m.announcer = a
	m.mu.Unlock()
}

// Subscribe registers handler under topic and returns its handle.
func (m *Manager) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("empty topic"), "Manager", "Subscribe", "validate topic")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil handler"), "Manager", "Subscribe", "validate handler")
	}

	sub := &Subscription{id: uuid.New(), topic: topic, handler: handler}

	m.mu.Lock()
	first := len(m.registry[topic]) == 0
	m.registry[topic] = append(m.registry[topic], sub)
	announcer := m.announcer
	active := len(m.registry)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.activeTopics.Set(float64(active))
	}
	if first {
		m.announce(announcer, envelope.TypeSubscribe, topic)
	}
	return sub, nil
}

// Unsubscribe removes the handle. Unknown or already removed handles are a no-op.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	subs := m.registry[sub.topic]
	idx := -1
	for i, s := range subs {
		if s == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return
	}

	remaining := make([]*Subscription, 0, len(subs)-1)
	remaining = append(remaining, subs[:idx]...)
	remaining = append(remaining, subs[idx+1:]...)

	last := len(remaining) == 0
	if last {
		delete(m.registry, sub.topic)
	} else {
		m.registry[sub.topic] = remaining
	}
	announcer := m.announcer
	active := len(m.registry)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.activeTopics.Set(float64(active))
	}
	if last {
		m.announce(announcer, envelope.TypeUnsubscribe, sub.topic)
	}
}

// Dispatch delivers env to every handler registered for env.Topic.
// Envelopes for topics without local subscribers are dropped silently.
func (m *Manager) Dispatch(env envelope.Envelope) {
	m.mu.RLock()
	subs := m.registry[env.Topic]
	m.mu.RUnlock()

	if len(subs) == 0 {
		if m.metrics != nil {
			m.metrics.dropped.Inc()
		}
		return
	}

	frame := Frame{Type: env.Type, Topic: env.Topic, Data: env.Data}
	for _, sub := range subs {
		m.deliver(sub, frame)
	}
}

// deliver invokes one handler, converting a panic into a logged failure.
func (m *Manager) deliver(sub *Subscription, frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("topic handler panicked",
				"topic", frame.Topic,
				"type", frame.Type,
				"subscription", sub.id,
				"panic", r,
				"stack", string(debug.Stack()))
			m.countFailure(frame.Topic)
		}
	}()

	if err := sub.handler(frame); err != nil {
		m.logger.Warn("topic handler failed",
			"topic", frame.Topic,
			"type", frame.Type,
			"subscription", sub.id,
			"error", err)
		m.countFailure(frame.Topic)
		return
	}
	if m.metrics != nil {
		m.metrics.delivered.Inc()
	}
}

func (m *Manager) countFailure(topic string) {
	if m.metrics != nil {
		m.metrics.handlerErrors.WithLabelValues(topic).Inc()
	}
}

// Topics returns the topics that currently have at least one subscriber.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topics := make([]string, 0, len(m.registry))
	for t := range m.registry {
		topics = append(topics, t)
	}
	return topics
}

// Subscribers returns the number of handlers registered under topic.
func (m *Manager) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.registry[topic])
}

// Resubscribe re-announces every active topic. Called after a reconnect
// because the remote side forgets subscriptions with the socket.
func (m *Manager) Resubscribe() {
	m.mu.RLock()
	announcer := m.announcer
	m.mu.RUnlock()

	for _, t := range m.Topics() {
		m.announce(announcer, envelope.TypeSubscribe, t)
	}
}

// announce is best effort: local delivery does not depend on it.
func (m *Manager) announce(announcer Announcer, frameType, topic string) {
	if announcer == nil {
		return
	}
	env, err := envelope.New(frameType, topic, nil)
	if err != nil {
		m.logger.Warn("build announce frame", "topic", topic, "type", frameType, "error", err)
		return
	}
	if err := announcer.Send(env); err != nil {
		m.logger.Debug("announce not sent", "topic", topic, "type", frameType, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.announced.WithLabelValues(frameType).Inc()
	}
}

type managerMetrics struct {
	activeTopics  prometheus.Gauge
	delivered     prometheus.Counter
	dropped       prometheus.Counter
	handlerErrors *prometheus.CounterVec
	announced     *prometheus.CounterVec
}

func newManagerMetrics(registry *metric.MetricsRegistry) *managerMetrics {
	if registry == nil {
		return nil
	}

	mm := &managerMetrics{
		activeTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcore",
			Subsystem: "topic",
			Name:      "active_topics",
			Help:      "Topics with at least one local subscriber",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "topic",
			Name:      "deliveries_total",
			Help:      "Successful handler invocations",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "topic",
			Name:      "unrouted_total",
			Help:      "Envelopes for topics without a local subscriber",
		}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "topic",
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error or panicked",
		}, []string{"topic"}),
		announced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcore",
			Subsystem: "topic",
			Name:      "announcements_total",
			Help:      "Subscribe/unsubscribe frames sent",
		}, []string{"type"}),
	}

	_ = registry.RegisterGauge("topic", "active_topics", mm.activeTopics)
	_ = registry.RegisterCounter("topic", "deliveries_total", mm.delivered)
	_ = registry.RegisterCounter("topic", "unrouted_total", mm.dropped)
	_ = registry.RegisterCounterVec("topic", "handler_errors_total", mm.handlerErrors)
	_ = registry.RegisterCounterVec("topic", "announcements_total", mm.announced)

	return mm
}
