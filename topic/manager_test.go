package topic

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/loopcore/envelope"
	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/metric"
)

type mockAnnouncer struct {
	mock.Mock
}

func (m *mockAnnouncer) Send(env envelope.Envelope) error {
	args := m.Called(env.Type, env.Topic)
	return args.Error(0)
}

type recorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recorder) handle(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func env(t *testing.T, frameType, topic string) envelope.Envelope {
	t.Helper()
	e, err := envelope.New(frameType, topic, map[string]int{"n": 1})
	require.NoError(t, err)
	return e
}

func TestManager_FanOut(t *testing.T) {
	m := NewManager()
	h1, h2 := &recorder{}, &recorder{}

	_, err := m.Subscribe("a", h1.handle)
	require.NoError(t, err)
	_, err = m.Subscribe("a", h2.handle)
	require.NoError(t, err)

	m.Dispatch(env(t, "update", "a"))
	assert.Equal(t, 1, h1.count())
	assert.Equal(t, 1, h2.count())

	m.Dispatch(env(t, "update", "b"))
	assert.Equal(t, 1, h1.count())
	assert.Equal(t, 1, h2.count())

	assert.Equal(t, "update", h1.frames[0].Type)
	assert.Equal(t, "a", h1.frames[0].Topic)
	assert.JSONEq(t, `{"n":1}`, string(h1.frames[0].Data))
}

func TestManager_DeliveryOrderFollowsSubscriptionOrder(t *testing.T) {
	m := NewManager()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := m.Subscribe("ordered", func(Frame) error {
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}

	m.Dispatch(env(t, "x", "ordered"))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestManager_SameHandlerOnSeveralTopics(t *testing.T) {
	m := NewManager()
	shared := &recorder{}

	subA, err := m.Subscribe("item.1", shared.handle)
	require.NoError(t, err)
	_, err = m.Subscribe("item.2", shared.handle)
	require.NoError(t, err)

	m.Dispatch(env(t, "x", "item.1"))
	m.Dispatch(env(t, "x", "item.2"))
	assert.Equal(t, 2, shared.count())

	m.Unsubscribe(subA)
	m.Dispatch(env(t, "x", "item.1"))
	m.Dispatch(env(t, "x", "item.2"))
	assert.Equal(t, 3, shared.count())
}

func TestManager_UnsubscribeIdempotent(t *testing.T) {
	m := NewManager()
	h1, h2 := &recorder{}, &recorder{}

	sub1, err := m.Subscribe("a", h1.handle)
	require.NoError(t, err)
	_, err = m.Subscribe("a", h2.handle)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.Unsubscribe(sub1)
		m.Unsubscribe(sub1)
		m.Unsubscribe(nil)
	})

	assert.Equal(t, 1, m.Subscribers("a"))
	m.Dispatch(env(t, "x", "a"))
	assert.Equal(t, 0, h1.count())
	assert.Equal(t, 1, h2.count())
}

func TestManager_HandlerFailuresAreIsolated(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m := NewManager(WithMetrics(registry))
	good, other := &recorder{}, &recorder{}

	_, err := m.Subscribe("a", func(Frame) error { panic("boom") })
	require.NoError(t, err)
	_, err = m.Subscribe("a", func(Frame) error { return fmt.Errorf("bad frame") })
	require.NoError(t, err)
	_, err = m.Subscribe("a", good.handle)
	require.NoError(t, err)
	_, err = m.Subscribe("b", other.handle)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.Dispatch(env(t, "x", "a"))
		m.Dispatch(env(t, "x", "b"))
	})

	assert.Equal(t, 1, good.count())
	assert.Equal(t, 1, other.count())
	assert.Equal(t, 3, m.Subscribers("a"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.handlerErrors.WithLabelValues("a")))
}

func TestManager_AnnouncesOnlyOnTransitions(t *testing.T) {
	announcer := &mockAnnouncer{}
	announcer.On("Send", envelope.TypeSubscribe, "a").Return(nil).Once()
	announcer.On("Send", envelope.TypeUnsubscribe, "a").Return(nil).Once()

	m := NewManager(WithAnnouncer(announcer))
	sub1, err := m.Subscribe("a", (&recorder{}).handle)
	require.NoError(t, err)
	sub2, err := m.Subscribe("a", (&recorder{}).handle)
	require.NoError(t, err)

	m.Unsubscribe(sub1)
	m.Unsubscribe(sub2)
	m.Unsubscribe(sub2)

	announcer.AssertExpectations(t)
	announcer.AssertNumberOfCalls(t, "Send", 2)
	assert.Empty(t, m.Topics())
}

func TestManager_AnnounceFailureDoesNotBlockSubscribe(t *testing.T) {
	announcer := &mockAnnouncer{}
	announcer.On("Send", mock.Anything, mock.Anything).Return(errors.ErrNotConnected)

	m := NewManager(WithAnnouncer(announcer))
	h := &recorder{}
	_, err := m.Subscribe("a", h.handle)
	require.NoError(t, err)

	m.Dispatch(env(t, "x", "a"))
	assert.Equal(t, 1, h.count())
}

func TestManager_Resubscribe(t *testing.T) {
	announcer := &mockAnnouncer{}
	announcer.On("Send", envelope.TypeSubscribe, mock.Anything).Return(nil)

	m := NewManager(WithAnnouncer(announcer))
	_, err := m.Subscribe("a", (&recorder{}).handle)
	require.NoError(t, err)
	_, err = m.Subscribe("b", (&recorder{}).handle)
	require.NoError(t, err)

	m.Resubscribe()
	announcer.AssertNumberOfCalls(t, "Send", 4)
}

func TestManager_HandlerMaySubscribeDuringDispatch(t *testing.T) {
	m := NewManager()
	late := &recorder{}

	_, err := m.Subscribe("a", func(Frame) error {
		_, err := m.Subscribe("a", late.handle)
		return err
	})
	require.NoError(t, err)

	m.Dispatch(env(t, "x", "a"))
	assert.Equal(t, 0, late.count(), "handlers added mid-dispatch see the next frame")

	m.Dispatch(env(t, "x", "a"))
	assert.Equal(t, 1, late.count())
}

func TestManager_SubscribeValidation(t *testing.T) {
	m := NewManager()

	_, err := m.Subscribe("", (&recorder{}).handle)
	assert.True(t, errors.IsInvalid(err))

	_, err = m.Subscribe("a", nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestManager_ConcurrentSubscribeDispatch(t *testing.T) {
	m := NewManager()
	frame := env(t, "x", "hot")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := m.Subscribe("hot", func(Frame) error { return nil })
			if assert.NoError(t, err) {
				m.Unsubscribe(sub)
			}
		}()
		go func() {
			defer wg.Done()
			m.Dispatch(frame)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Subscribers("hot"))
}

func TestFrame_DataIsRaw(t *testing.T) {
	m := NewManager()
	var got map[string]int
	_, err := m.Subscribe("a", func(f Frame) error { return json.Unmarshal(f.Data, &got) })
	require.NoError(t, err)

	m.Dispatch(env(t, "x", "a"))
	assert.Equal(t, map[string]int{"n": 1}, got)
}
