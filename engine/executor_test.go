package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/loopcore/envelope"
	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/metric"
	"github.com/c360/loopcore/rest"
	"github.com/c360/loopcore/topic"
)

type mockCaller struct {
	mock.Mock
}

func (m *mockCaller) Do(ctx context.Context, req rest.Request) (*rest.Response, error) {
	args := m.Called(req.Method, req.Path)
	resp, _ := args.Get(0).(*rest.Response)
	return resp, args.Error(1)
}

type mockSaver struct {
	mock.Mock
}

func (m *mockSaver) Save(ctx context.Context, snapshot []byte) error {
	return m.Called(string(snapshot)).Error(0)
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Connect(ctx context.Context) error { return m.Called().Error(0) }
func (m *mockTransport) Close() error                      { return m.Called().Error(0) }
func (m *mockTransport) Logout() error                     { return m.Called().Error(0) }
func (m *mockTransport) Send(env envelope.Envelope) error {
	return m.Called(env.Type, env.Topic).Error(0)
}

// inbox collects dispatched messages.
type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (i *inbox) Dispatch(_ context.Context, msg Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
}

func (i *inbox) kinds() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.msgs))
	for _, m := range i.msgs {
		out = append(out, m.Kind())
	}
	return out
}

func startExecutor(t *testing.T, opts ...ExecutorOption) *Executor {
	t.Helper()
	e := NewExecutor(append([]ExecutorOption{WithPoolSize(2, 8)}, opts...)...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	return e
}

func TestExecutor_SendMessageReenters(t *testing.T) {
	e := startExecutor(t)
	box := &inbox{}

	e.Execute(context.Background(), box, Send(note("follow-up")))
	assert.Equal(t, []string{"follow-up"}, box.kinds())
}

func TestExecutor_RunEffect(t *testing.T) {
	e := startExecutor(t)
	ran := false

	e.Execute(context.Background(), &inbox{}, Effect("refresh", func(context.Context) { ran = true }))
	assert.True(t, ran)

	assert.NotPanics(t, func() {
		e.Execute(context.Background(), &inbox{}, Effect("broken", func(context.Context) { panic("ui") }))
	})
}

func TestExecutor_NetworkCallSuccess(t *testing.T) {
	caller := &mockCaller{}
	caller.On("Do", "GET", "/workflows/1").Return(&rest.Response{StatusCode: 200, Body: []byte(`{"id":"1"}`)}, nil)
	e := startExecutor(t, WithCaller(caller))
	box := &inbox{}

	e.Execute(context.Background(), box, NetworkCall{
		Request:   rest.Request{Method: "GET", Path: "/workflows/1"},
		OnSuccess: func(r *rest.Response) Message { return note("loaded:" + string(r.Body)) },
		OnError:   func(error) Message { return note("failed") },
	})

	require.Eventually(t, func() bool { return len(box.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`loaded:{"id":"1"}`}, box.kinds())
	caller.AssertExpectations(t)
}

func TestExecutor_NetworkCallErrorBecomesMessage(t *testing.T) {
	caller := &mockCaller{}
	caller.On("Do", "POST", "/runs").Return(nil, &rest.StatusError{StatusCode: 409, Message: "busy"})
	e := startExecutor(t, WithCaller(caller))
	box := &inbox{}

	var got error
	var mu sync.Mutex
	e.Execute(context.Background(), box, NetworkCall{
		Request: rest.Request{Method: "POST", Path: "/runs"},
		OnError: func(err error) Message {
			mu.Lock()
			got = err
			mu.Unlock()
			return note("run-failed")
		},
	})

	require.Eventually(t, func() bool { return len(box.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"run-failed"}, box.kinds())
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, got, errors.ErrConflict)
}

func TestExecutor_NetworkCallWithoutCaller(t *testing.T) {
	e := startExecutor(t)
	box := &inbox{}

	e.Execute(context.Background(), box, NetworkCall{OnError: func(err error) Message {
		assert.True(t, errors.IsFatal(err))
		return note("no-caller")
	}})
	assert.Equal(t, []string{"no-caller"}, box.kinds())
}

func TestExecutor_NetworkCallBeforeStart(t *testing.T) {
	caller := &mockCaller{}
	e := NewExecutor(WithCaller(caller))
	box := &inbox{}

	e.Execute(context.Background(), box, NetworkCall{OnError: func(err error) Message {
		assert.True(t, errors.IsTransient(err))
		return note("rejected")
	}})
	assert.Equal(t, []string{"rejected"}, box.kinds())
	caller.AssertNotCalled(t, "Do", mock.Anything, mock.Anything)
}

func TestExecutor_SaveState(t *testing.T) {
	saver := &mockSaver{}
	saver.On("Save", `{"n":1}`).Return(nil).Once()
	saver.On("Save", `{"n":2}`).Return(fmt.Errorf("disk full")).Once()

	var results []error
	var mu sync.Mutex
	e := startExecutor(t, WithSaver(saver), WithSaveResult(func(err error) Message {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
		return note("saved")
	}))
	box := &inbox{}

	e.Execute(context.Background(), box, SaveState{Snapshot: json.RawMessage(`{"n":1}`)})
	require.Eventually(t, func() bool { return len(box.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	e.Execute(context.Background(), box, SaveState{Snapshot: json.RawMessage(`{"n":2}`)})
	require.Eventually(t, func() bool { return len(box.kinds()) == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
	saver.AssertExpectations(t)
}

func TestExecutor_TransportActions(t *testing.T) {
	connected := make(chan struct{})
	tr := &mockTransport{}
	tr.On("Connect").Return(nil).Once().Run(func(mock.Arguments) { close(connected) })
	tr.On("Close").Return(nil).Once()
	tr.On("Logout").Return(nil).Once()
	tr.On("Send", "chat", "room.1").Return(errors.ErrNotConnected).Once()

	e := startExecutor(t, WithTransport(tr))
	box := &inbox{}
	ctx := context.Background()

	e.Execute(ctx, box, TransportAction{Action: ActionConnect})
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connect never ran")
	}

	e.Execute(ctx, box, TransportAction{Action: ActionDisconnect})
	e.Execute(ctx, box, TransportAction{Action: ActionLogout})

	env, err := envelope.New("chat", "room.1", map[string]string{"text": "hi"})
	require.NoError(t, err)
	e.Execute(ctx, box, TransportAction{
		Action:   ActionSend,
		Envelope: env,
		OnError:  func(error) Message { return note("send-failed") },
	})

	assert.Equal(t, []string{"send-failed"}, box.kinds())
	tr.AssertExpectations(t)
}

func TestExecutor_ConnectFailureReported(t *testing.T) {
	tr := &mockTransport{}
	tr.On("Connect").Return(errors.WrapTransient(fmt.Errorf("refused"), "Connection", "Connect", "dial")).Once()

	e := startExecutor(t, WithTransport(tr), WithConnectResult(func(err error) Message {
		return note("connect-failed")
	}))
	box := &inbox{}

	e.Execute(context.Background(), box, TransportAction{Action: ActionConnect})
	require.Eventually(t, func() bool { return len(box.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"connect-failed"}, box.kinds())
}

func TestExecutor_ForwardingSubscriptions(t *testing.T) {
	manager := topic.NewManager()
	e := startExecutor(t, WithTopics(manager), WithFrameMapper(func(f topic.Frame) Message {
		return note(f.Topic + "/" + f.Type)
	}))
	box := &inbox{}
	ctx := context.Background()

	e.Execute(ctx, box, TransportAction{Action: ActionSubscribe, Topic: "room.1"})
	e.Execute(ctx, box, TransportAction{Action: ActionSubscribe, Topic: "room.1"})
	assert.Equal(t, 1, manager.Subscribers("room.1"), "one forwarding handler per topic")
	assert.Equal(t, 1, e.Forwarding())

	env, err := envelope.New("chat", "room.1", map[string]string{"text": "hi"})
	require.NoError(t, err)
	manager.Dispatch(env)
	assert.Equal(t, []string{"room.1/chat"}, box.kinds())

	e.Execute(ctx, box, TransportAction{Action: ActionUnsubscribe, Topic: "room.1"})
	assert.Equal(t, 1, manager.Subscribers("room.1"), "still referenced")

	e.Execute(ctx, box, TransportAction{Action: ActionUnsubscribe, Topic: "room.1"})
	assert.Zero(t, manager.Subscribers("room.1"))
	assert.Zero(t, e.Forwarding())

	e.Execute(ctx, box, TransportAction{Action: ActionUnsubscribe, Topic: "room.1"})
	manager.Dispatch(env)
	assert.Len(t, box.kinds(), 1)
}

// gatedTopics holds Subscribe for one topic until release is closed.
type gatedTopics struct {
	*topic.Manager
	gate    string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTopics) Subscribe(name string, handler topic.Handler) (*topic.Subscription, error) {
	if name == g.gate {
		close(g.entered)
		<-g.release
	}
	return g.Manager.Subscribe(name, handler)
}

func TestExecutor_SlowSubscribeDoesNotBlockForwarding(t *testing.T) {
	topics := &gatedTopics{
		Manager: topic.NewManager(),
		gate:    "room.2",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := startExecutor(t, WithTopics(topics), WithFrameMapper(func(f topic.Frame) Message {
		return note(f.Topic + "/" + f.Type)
	}))
	box := &inbox{}
	ctx := context.Background()

	e.Execute(ctx, box, TransportAction{Action: ActionSubscribe, Topic: "room.1"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(ctx, box, TransportAction{Action: ActionSubscribe, Topic: "room.2"})
	}()
	<-topics.entered

	env, err := envelope.New("chat", "room.1", map[string]string{"text": "hi"})
	require.NoError(t, err)
	delivered := make(chan struct{})
	go func() {
		topics.Dispatch(env)
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("forwarding blocked behind a pending subscribe")
	}
	assert.Equal(t, []string{"room.1/chat"}, box.kinds())
	assert.Equal(t, 2, e.Forwarding())

	// Released before the pending subscribe finished.
	e.Execute(ctx, box, TransportAction{Action: ActionUnsubscribe, Topic: "room.2"})
	close(topics.release)
	<-done

	assert.Zero(t, topics.Subscribers("room.2"))
	assert.Equal(t, 1, e.Forwarding())
}

func TestExecutor_NoOpAndMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	e := startExecutor(t, WithExecutorMetrics(registry))

	e.Execute(context.Background(), &inbox{}, NoOp{})
	e.Execute(context.Background(), &inbox{}, NoOp{})
	e.Execute(context.Background(), &inbox{}, Send(note("x")))

	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.commands.WithLabelValues("noop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.commands.WithLabelValues("send_message")))
}

func TestExecutor_DrivesStore(t *testing.T) {
	caller := &mockCaller{}
	caller.On("Do", "GET", "/ping").Return(&rest.Response{StatusCode: 200}, nil)
	e := startExecutor(t, WithCaller(caller))

	reduce := func(state *journal, msg Message) ([]Command, error) {
		state.Seen = append(state.Seen, msg.Kind())
		if msg.Kind() == "start" {
			return []Command{NetworkCall{
				Request:   rest.Request{Method: "GET", Path: "/ping"},
				OnSuccess: func(*rest.Response) Message { return note("pong") },
			}}, nil
		}
		return nil, nil
	}
	s := NewStore(&journal{}, reduce, e)

	s.Dispatch(context.Background(), note("start"))
	require.Eventually(t, func() bool {
		var n int
		s.Read(func(j *journal) { n = len(j.Seen) })
		return n == 2
	}, time.Second, 5*time.Millisecond)
	s.Read(func(j *journal) { assert.Equal(t, []string{"start", "pong"}, j.Seen) })
}
