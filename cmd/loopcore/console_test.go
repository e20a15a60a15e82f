package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/loopcore/app"
	"github.com/c360/loopcore/engine"
)

type recorder struct {
	mu   sync.Mutex
	msgs []engine.Message
}

func (r *recorder) Dispatch(_ context.Context, msg engine.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) all() []engine.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Message(nil), r.msgs...)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    engine.Message
		wantErr bool
	}{
		{"", nil, false},
		{"   ", nil, false},
		{"sub room.a", app.Subscribe{Topic: "room.a"}, false},
		{"UNSUB room.a", app.Unsubscribe{Topic: "room.a"}, false},
		{"send room.a hello   there", app.SendChat{Topic: "room.a", Text: "hello there"}, false},
		{"select wf-1", app.SelectWorkflow{ID: "wf-1"}, false},
		{"rename wf-1 Nightly build", app.RenameWorkflow{ID: "wf-1", Name: "Nightly build"}, false},
		{"run wf-1", app.TriggerRun{ID: "wf-1"}, false},
		{"dismiss n-3", app.DismissNotification{ID: "n-3"}, false},
		{"connect", app.Connect{}, false},
		{"disconnect", app.Disconnect{}, false},
		{"logout", app.Logout{}, false},
		{"sub", nil, true},
		{"send room.a", nil, true},
		{"rename wf-1", nil, true},
		{"launch", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseCommand("quit")
	assert.ErrorIs(t, err, errQuit)
}

func TestConsole_Render(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)
	ctx := context.Background()

	view := app.View{
		Connection: "connected",
		Topics:     []string{"room.a"},
		Chat: map[string][]app.ChatLine{
			"room.a": {{From: "ana", Text: "hi"}},
		},
	}
	c.Render(ctx, view)
	c.Render(ctx, view)

	view.Chat["room.a"] = append(view.Chat["room.a"], app.ChatLine{From: "bo", Text: "hey"})
	view.Current = &app.Workflow{ID: "wf-1", Name: "Nightly", Status: "idle", Running: true}
	c.Render(ctx, view)

	c.Notify(ctx, app.Notification{ID: "n-1", Level: app.LevelWarn, Text: "run failed"})
	c.Notify(ctx, app.Notification{ID: "n-2", Level: app.LevelInfo, Text: "run started", AtMs: 1709296205000})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"== connected | topics: room.a",
		"[room.a] ana: hi",
		`== connected | topics: room.a | workflow wf-1 "Nightly" idle running`,
		"[room.a] bo: hey",
		"!! warn run failed (n-1)",
		"!! 12:30:05 info run started (n-2)",
	}, lines)
}

func TestConsole_Interact(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)
	rec := &recorder{}

	in := strings.NewReader("sub room.a\nbogus\n\nsend room.a hi\nquit\nsub room.b\n")
	err := c.interact(context.Background(), in, rec)
	assert.ErrorIs(t, err, errQuit)

	assert.Equal(t, []engine.Message{
		app.Subscribe{Topic: "room.a"},
		app.SendChat{Topic: "room.a", Text: "hi"},
	}, rec.all())
	assert.Contains(t, out.String(), `?? unknown command "bogus"`)
}

func TestConsole_InteractStopsOnCancel(t *testing.T) {
	c := newConsole(&bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	blocked, w := io.Pipe()
	defer w.Close()
	go func() { done <- c.interact(ctx, blocked, &recorder{}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("interact did not return after cancel")
	}
}
