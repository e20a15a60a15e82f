package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/loopcore/engine"
	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/pkg/timestamp"
	"github.com/c360/loopcore/transport"
)

const (
	defaultNotificationTTL  = 8 * time.Second
	defaultMaxNotifications = 20
	defaultChatHistory      = 200
)

// Option configures a Reducer.
type Option func(*Reducer)

// WithUI sets the render target. Without a UI, render effects are skipped.
func WithUI(ui UI) Option {
	return func(r *Reducer) { r.ui = ui }
}

// WithClock sets the clock used for timestamps.
func WithClock(clock timestamp.Clock) Option {
	return func(r *Reducer) { r.clock = clock }
}

// WithIDs replaces the notification ID generator.
func WithIDs(next func() string) Option {
	return func(r *Reducer) { r.newID = next }
}

// WithNotificationTTL sets how long a notification survives before a Tick
// removes it.
func WithNotificationTTL(d time.Duration) Option {
	return func(r *Reducer) {
		if d > 0 {
			r.notificationTTL = d
		}
	}
}

// Reducer holds the business rules. It is stateless; all state lives in
// State.
type Reducer struct {
	ui              UI
	clock           timestamp.Clock
	newID           func() string
	notificationTTL time.Duration
	maxNotes        int
	chatHistory     int
}

// NewReducer creates a Reducer.
func NewReducer(opts ...Option) *Reducer {
	r := &Reducer{
		clock:           timestamp.System(),
		newID:           uuid.NewString,
		notificationTTL: defaultNotificationTTL,
		maxNotes:        defaultMaxNotifications,
		chatHistory:     defaultChatHistory,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reduce applies msg to s. It satisfies engine.Reducer[State].
func (r *Reducer) Reduce(s *State, msg engine.Message) ([]engine.Command, error) {
	s.ensure()

	switch m := msg.(type) {
	case Connect:
		s.AuthRequired = false
		return []engine.Command{engine.TransportAction{Action: engine.ActionConnect}}, nil
	case Disconnect:
		return []engine.Command{engine.TransportAction{Action: engine.ActionDisconnect}}, nil
	case Logout:
		s.AuthRequired = true
		return []engine.Command{
			engine.TransportAction{Action: engine.ActionLogout},
			r.render(s),
		}, nil
	case Resume:
		return r.resume(s), nil
	case ConnectionChanged:
		return r.connectionChanged(s, m), nil
	case ConnectFailed:
		return r.notify(s, LevelWarn, fmt.Sprintf("connect failed: %v", m.Err)), nil
	case SessionExpired:
		// The connection has already dropped the socket and the credentials.
		return r.expire(s, false), nil

	case Subscribe:
		return r.subscribe(s, m), nil
	case Unsubscribe:
		return r.unsubscribe(s, m), nil
	case FrameReceived:
		return r.frame(s, m), nil
	case SendChat:
		return r.sendChat(s, m), nil
	case SendFailed:
		return r.notify(s, LevelWarn, fmt.Sprintf("message to %s not sent: %v", m.Topic, m.Err)), nil

	case SelectWorkflow:
		return r.selectWorkflow(s, m), nil
	case WorkflowLoaded:
		return r.workflowLoaded(s, m), nil
	case WorkflowLoadFailed:
		return r.workflowLoadFailed(s, m), nil
	case RenameWorkflow:
		return r.renameWorkflow(s, m), nil
	case RenameSucceeded:
		return r.renameSucceeded(s, m), nil
	case RenameFailed:
		return r.renameFailed(s, m), nil
	case TriggerRun:
		return r.triggerRun(s, m), nil
	case RunTriggered:
		return r.runTriggered(s, m), nil
	case RunTriggerFailed:
		return r.runTriggerFailed(s, m), nil

	case SaveCompleted:
		if m.Err != nil {
			return r.notify(s, LevelWarn, fmt.Sprintf("state not saved: %v", m.Err)), nil
		}
		return []engine.Command{engine.NoOp{}}, nil
	case DismissNotification:
		if !r.dismiss(s, m.ID) {
			return []engine.Command{engine.NoOp{}}, nil
		}
		return []engine.Command{r.render(s)}, nil
	case Tick:
		if r.expireNotifications(s) {
			return []engine.Command{r.render(s)}, nil
		}
		return nil, nil
	}

	return nil, fmt.Errorf("%w: %s", errors.ErrUnhandledMessage, msg.Kind())
}

func (r *Reducer) resume(s *State) []engine.Command {
	cmds := make([]engine.Command, 0, len(s.Topics)+2)
	for _, t := range s.Topics {
		cmds = append(cmds, engine.TransportAction{Action: engine.ActionSubscribe, Topic: t})
	}
	if s.CurrentID != "" {
		cmds = append(cmds, r.fetchWorkflow(s, s.CurrentID))
	}
	return append(cmds, r.render(s))
}

func (r *Reducer) connectionChanged(s *State, m ConnectionChanged) []engine.Command {
	s.Connection = m.State
	s.ConnectionError = ""
	if m.Err != nil {
		s.ConnectionError = m.Err.Error()
	}
	if m.State == transport.StateError && m.Err != nil && !errors.IsAuth(m.Err) {
		return r.notify(s, LevelError, fmt.Sprintf("connection gave up: %v", m.Err))
	}
	return []engine.Command{r.render(s)}
}

// expire handles a rejected session. logout is set when the rejection came
// from the API and the connection still holds the stale credentials.
func (r *Reducer) expire(s *State, logout bool) []engine.Command {
	var cmds []engine.Command
	if logout {
		cmds = append(cmds, engine.TransportAction{Action: engine.ActionLogout})
	}
	if s.AuthRequired {
		return append(cmds, r.render(s))
	}
	s.AuthRequired = true
	return append(cmds, r.notify(s, LevelError, "session expired, please log in again")...)
}

func (r *Reducer) subscribe(s *State, m Subscribe) []engine.Command {
	if m.Topic == "" || !s.addTopic(m.Topic) {
		return []engine.Command{engine.NoOp{}}
	}
	s.markDirty()
	return []engine.Command{
		engine.TransportAction{Action: engine.ActionSubscribe, Topic: m.Topic},
		r.render(s),
	}
}

func (r *Reducer) unsubscribe(s *State, m Unsubscribe) []engine.Command {
	if !s.removeTopic(m.Topic) {
		return []engine.Command{engine.NoOp{}}
	}
	delete(s.Chat, m.Topic)
	s.markDirty()
	return []engine.Command{
		engine.TransportAction{Action: engine.ActionUnsubscribe, Topic: m.Topic},
		r.render(s),
	}
}

// notify appends a notification and returns the effects that show it.
func (r *Reducer) notify(s *State, level Level, text string) []engine.Command {
	n := Notification{
		ID:    r.newID(),
		Level: level,
		Text:  text,
		AtMs:  r.now(),
	}
	s.Notifications = append(s.Notifications, n)
	if over := len(s.Notifications) - r.maxNotes; over > 0 {
		s.Notifications = append([]Notification(nil), s.Notifications[over:]...)
	}

	if r.ui == nil {
		return []engine.Command{engine.NoOp{}}
	}
	ui := r.ui
	return []engine.Command{
		engine.Effect("notify", func(ctx context.Context) { ui.Notify(ctx, n) }),
		r.render(s),
	}
}

func (r *Reducer) dismiss(s *State, id string) bool {
	for i, n := range s.Notifications {
		if n.ID == id {
			s.Notifications = append(s.Notifications[:i], s.Notifications[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Reducer) expireNotifications(s *State) bool {
	cutoff := r.now() - r.notificationTTL.Milliseconds()
	kept := s.Notifications[:0]
	for _, n := range s.Notifications {
		if n.AtMs > cutoff {
			kept = append(kept, n)
		}
	}
	removed := len(kept) != len(s.Notifications)
	s.Notifications = kept
	return removed
}

// render snapshots s for the UI. The closure never touches s.
func (r *Reducer) render(s *State) engine.Command {
	if r.ui == nil {
		return engine.NoOp{}
	}
	ui, v := r.ui, viewOf(s)
	return engine.Effect("render", func(ctx context.Context) { ui.Render(ctx, v) })
}

func (r *Reducer) now() int64 {
	return timestamp.ToUnixMs(r.clock.Now())
}
