package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/metric"
	"github.com/c360/loopcore/pkg/timestamp"
)

type note string

func (n note) Kind() string { return string(n) }

type countdown int

func (countdown) Kind() string { return "countdown" }

type bump struct{}

func (bump) Kind() string { return "bump" }

type tick struct{}

func (tick) Kind() string { return "tick" }

type unknown string

func (u unknown) Kind() string { return "unknown." + string(u) }

type journal struct {
	Seen     []string `json:"seen"`
	Count    int      `json:"count"`
	Modified int64    `json:"modified"`
	dirty    bool
}

func (j *journal) TakeDirty() bool {
	d := j.dirty
	j.dirty = false
	return d
}

func (j *journal) Touch(ms int64) { j.Modified = ms }

// captured records commands and plays SendMessage back into the store.
type captured struct {
	mu       sync.Mutex
	commands []Command
}

func (c *captured) Execute(ctx context.Context, d Dispatcher, cmd Command) {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()
	if sm, ok := cmd.(SendMessage); ok {
		d.Dispatch(ctx, sm.Msg)
	}
}

func (c *captured) saves() []SaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SaveState
	for _, cmd := range c.commands {
		if s, ok := cmd.(SaveState); ok {
			out = append(out, s)
		}
	}
	return out
}

func reduceJournal(state *journal, msg Message) ([]Command, error) {
	switch m := msg.(type) {
	case note:
		state.Seen = append(state.Seen, string(m))
		switch m {
		case "A":
			return []Command{Send(note("B")), Send(note("C"))}, nil
		case "B":
			return []Command{Send(note("D"))}, nil
		}
		return []Command{NoOp{}}, nil
	case countdown:
		state.Count++
		if m > 0 {
			return []Command{Send(m - 1)}, nil
		}
		return nil, nil
	case bump:
		state.Count++
		state.dirty = true
		return nil, nil
	case tick:
		return nil, nil
	default:
		return nil, errors.ErrUnhandledMessage
	}
}

func newJournalStore(t *testing.T, opts ...StoreOption) (*Store[journal], *captured) {
	t.Helper()
	runner := &captured{}
	return NewStore(&journal{}, reduceJournal, runner, opts...), runner
}

func TestStore_FIFOOrder(t *testing.T) {
	s, _ := newJournalStore(t)
	s.Dispatch(context.Background(), note("A"))

	s.Read(func(j *journal) {
		assert.Equal(t, []string{"A", "B", "C", "D"}, j.Seen)
	})
}

func TestStore_CommandsRunAfterReduce(t *testing.T) {
	var s *Store[journal]
	var sawUnlocked bool
	runner := RunnerFunc(func(ctx context.Context, d Dispatcher, cmd Command) {
		// Read would deadlock if the mutation window were still held.
		s.Read(func(j *journal) { sawUnlocked = len(j.Seen) == 1 })
	})
	s = NewStore(&journal{}, reduceJournal, runner)

	s.Dispatch(context.Background(), note("X"))
	assert.True(t, sawUnlocked)
}

func TestStore_NoReentrantReduce(t *testing.T) {
	var active, overlaps int32
	reduce := func(state *journal, msg Message) ([]Command, error) {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		defer atomic.AddInt32(&active, -1)
		state.Count++
		time.Sleep(50 * time.Microsecond)
		if n, ok := msg.(countdown); ok && n > 0 {
			return []Command{Send(n - 1)}, nil
		}
		return nil, nil
	}
	s := NewStore(&journal{}, reduce, &captured{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Dispatch(context.Background(), countdown(2))
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlaps))
	s.Read(func(j *journal) { assert.Equal(t, 8*20*3, j.Count) })
}

func TestStore_DeepChainDoesNotGrowStack(t *testing.T) {
	s, _ := newJournalStore(t)
	s.Dispatch(context.Background(), countdown(10000))
	s.Read(func(j *journal) { assert.Equal(t, 10001, j.Count) })
}

func TestStore_UnhandledMessageIsCounted(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s, runner := newJournalStore(t, WithStoreMetrics(registry))

	s.Dispatch(context.Background(), unknown("mystery"))

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.unhandled.WithLabelValues("unknown.mystery")))
	assert.Empty(t, runner.commands)
}

func TestStore_ReducerErrorDiscardsCommands(t *testing.T) {
	runner := &captured{}
	reduce := func(state *journal, msg Message) ([]Command, error) {
		return []Command{Send(note("never"))}, fmt.Errorf("boom")
	}
	s := NewStore(&journal{}, reduce, runner)

	s.Dispatch(context.Background(), note("x"))
	assert.Empty(t, runner.commands)
}

func TestStore_ReducerPanicIsContained(t *testing.T) {
	calls := 0
	reduce := func(state *journal, msg Message) ([]Command, error) {
		calls++
		if calls == 1 {
			panic("reducer bug")
		}
		state.Count++
		return nil, nil
	}
	s := NewStore(&journal{}, reduce, &captured{})

	require.NotPanics(t, func() { s.Dispatch(context.Background(), note("a")) })
	s.Dispatch(context.Background(), note("b"))
	s.Read(func(j *journal) { assert.Equal(t, 1, j.Count) })
}

func TestStore_CommandPanicIsContained(t *testing.T) {
	runner := RunnerFunc(func(context.Context, Dispatcher, Command) { panic("executor bug") })
	s := NewStore(&journal{}, reduceJournal, runner)

	require.NotPanics(t, func() { s.Dispatch(context.Background(), note("a")) })
	s.Dispatch(context.Background(), note("b"))
	s.Read(func(j *journal) { assert.Equal(t, []string{"a", "b"}, j.Seen) })
}

func TestStore_DebouncedSave(t *testing.T) {
	clock := timestamp.NewManualClock(time.Unix(1700000000, 0))
	s, runner := newJournalStore(t, WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Dispatch(ctx, bump{})
		clock.Advance(10 * time.Millisecond)
	}

	saves := runner.saves()
	require.Len(t, saves, 1, "a burst collapses into one save")
	assert.True(t, s.Pending())

	clock.Advance(500 * time.Millisecond)
	s.Dispatch(ctx, tick{})

	saves = runner.saves()
	require.Len(t, saves, 2)
	assert.False(t, s.Pending())

	var last journal
	require.NoError(t, json.Unmarshal(saves[1].Snapshot, &last))
	assert.Equal(t, 10, last.Count)
	assert.Equal(t, timestamp.ToUnixMs(time.Unix(1700000000, 0).Add(90*time.Millisecond)), last.Modified)
}

func TestStore_TickWithoutChangesDoesNotSave(t *testing.T) {
	clock := timestamp.NewManualClock(time.Unix(1700000000, 0))
	s, runner := newJournalStore(t, WithClock(clock))

	s.Dispatch(context.Background(), tick{})
	clock.Advance(time.Second)
	s.Dispatch(context.Background(), tick{})

	assert.Empty(t, runner.saves())
}

func TestStore_FlushBypassesDebounce(t *testing.T) {
	clock := timestamp.NewManualClock(time.Unix(1700000000, 0))
	s, runner := newJournalStore(t, WithClock(clock), WithSaveInterval(time.Hour))
	ctx := context.Background()

	s.Dispatch(ctx, bump{})
	s.Dispatch(ctx, bump{})
	require.Len(t, runner.saves(), 1)

	s.Flush(ctx)
	require.Len(t, runner.saves(), 2)

	s.Flush(ctx)
	assert.Len(t, runner.saves(), 2, "nothing pending")
}

func TestStore_EncodeFailureKeepsSavePending(t *testing.T) {
	s, runner := newJournalStore(t, WithEncoder(func(any) ([]byte, error) {
		return nil, fmt.Errorf("encode")
	}))

	s.Dispatch(context.Background(), bump{})
	assert.Empty(t, runner.saves())
	assert.True(t, s.Pending())
}

func TestStore_NonPersistableStateNeverSaves(t *testing.T) {
	type plain struct{ N int }
	runner := &captured{}
	s := NewStore(&plain{}, func(state *plain, msg Message) ([]Command, error) {
		state.N++
		return nil, nil
	}, runner)

	s.Dispatch(context.Background(), bump{})
	assert.Empty(t, runner.saves())
}

func TestStore_NilMessageIgnored(t *testing.T) {
	s, runner := newJournalStore(t)
	s.Dispatch(context.Background(), nil)
	assert.Empty(t, runner.commands)
}
