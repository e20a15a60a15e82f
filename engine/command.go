package engine

import (
	"context"

	"github.com/c360/loopcore/envelope"
	"github.com/c360/loopcore/rest"
)

// Command describes a deferred side effect. The set of variants is closed.
type Command interface {
	Kind() string
	isCommand()
}

// SendMessage re-enters the dispatch loop with Msg.
type SendMessage struct {
	Msg Message
}

// RunEffect runs Fn on the dispatch goroutine after the mutation window has
// closed. Effects refresh the UI from state; they must not block.
type RunEffect struct {
	Name string
	Fn   func(ctx context.Context)
}

// NetworkCall performs Request asynchronously and dispatches the Message
// built by OnSuccess or OnError. Either callback may return nil.
type NetworkCall struct {
	Request   rest.Request
	OnSuccess func(*rest.Response) Message
	OnError   func(error) Message
}

// Action is a transport operation.
type Action int

const (
	ActionConnect Action = iota
	ActionDisconnect
	ActionLogout
	ActionSubscribe
	ActionUnsubscribe
	ActionSend
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionDisconnect:
		return "disconnect"
	case ActionLogout:
		return "logout"
	case ActionSubscribe:
		return "subscribe"
	case ActionUnsubscribe:
		return "unsubscribe"
	case ActionSend:
		return "send"
	default:
		return "unknown"
	}
}

// TransportAction delegates to the connection or the topic manager.
// Topic is used by Subscribe/Unsubscribe, Envelope by Send. OnError, when
// set, turns a failed Send into a Message.
type TransportAction struct {
	Action   Action
	Topic    string
	Envelope envelope.Envelope
	OnError  func(error) Message
}

// SaveState persists Snapshot through the configured Saver.
type SaveState struct {
	Snapshot []byte
}

// NoOp does nothing.
type NoOp struct{}

func (SendMessage) Kind() string     { return "send_message" }
func (RunEffect) Kind() string       { return "run_effect" }
func (NetworkCall) Kind() string     { return "network_call" }
func (TransportAction) Kind() string { return "transport" }
func (SaveState) Kind() string       { return "save_state" }
func (NoOp) Kind() string            { return "noop" }

func (SendMessage) isCommand()     {}
func (RunEffect) isCommand()       {}
func (NetworkCall) isCommand()     {}
func (TransportAction) isCommand() {}
func (SaveState) isCommand()       {}
func (NoOp) isCommand()            {}

// Send is shorthand for a SendMessage command.
func Send(msg Message) Command { return SendMessage{Msg: msg} }

// Effect is shorthand for a RunEffect command.
func Effect(name string, fn func(ctx context.Context)) Command {
	return RunEffect{Name: name, Fn: fn}
}
