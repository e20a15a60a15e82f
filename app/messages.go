package app

import (
	"github.com/c360/loopcore/topic"
	"github.com/c360/loopcore/transport"
)

// Connection lifecycle.
type (
	Connect    struct{}
	Disconnect struct{}
	Logout     struct{}
	// Resume re-issues subscriptions and the current fetch after a restore.
	Resume struct{}

	ConnectionChanged struct {
		State transport.State
		Err   error
	}
	ConnectFailed struct {
		Err error
	}
	SessionExpired struct {
		Err error
	}
)

// Topics and inbound frames.
type (
	Subscribe struct {
		Topic string
	}
	Unsubscribe struct {
		Topic string
	}
	FrameReceived struct {
		Frame topic.Frame
	}
	SendChat struct {
		Topic string
		Text  string
	}
	SendFailed struct {
		Topic string
		Err   error
	}
)

// Workflows.
type (
	SelectWorkflow struct {
		ID string
	}
	WorkflowLoaded struct {
		ID       string
		Seq      uint64
		Workflow Workflow
	}
	WorkflowLoadFailed struct {
		ID  string
		Seq uint64
		Err error
	}
	RenameWorkflow struct {
		ID   string
		Name string
	}
	RenameSucceeded struct {
		ID       string
		Workflow Workflow
	}
	RenameFailed struct {
		ID        string
		Previous  string
		Attempted string
		Err       error
	}
	TriggerRun struct {
		ID string
	}
	RunTriggered struct {
		ID    string
		RunID string
		// DecodeErr is set when a 2xx body could not be read.
		DecodeErr error
	}
	RunTriggerFailed struct {
		ID  string
		Err error
	}
)

// Housekeeping.
type (
	SaveCompleted struct {
		Err error
	}
	DismissNotification struct {
		ID string
	}
	Tick struct{}
)

func (Connect) Kind() string             { return "connect" }
func (Disconnect) Kind() string          { return "disconnect" }
func (Logout) Kind() string              { return "logout" }
func (Resume) Kind() string              { return "resume" }
func (ConnectionChanged) Kind() string   { return "connection_changed" }
func (ConnectFailed) Kind() string       { return "connect_failed" }
func (SessionExpired) Kind() string      { return "session_expired" }
func (Subscribe) Kind() string           { return "subscribe" }
func (Unsubscribe) Kind() string         { return "unsubscribe" }
func (FrameReceived) Kind() string       { return "frame_received" }
func (SendChat) Kind() string            { return "send_chat" }
func (SendFailed) Kind() string          { return "send_failed" }
func (SelectWorkflow) Kind() string      { return "select_workflow" }
func (WorkflowLoaded) Kind() string      { return "workflow_loaded" }
func (WorkflowLoadFailed) Kind() string  { return "workflow_load_failed" }
func (RenameWorkflow) Kind() string      { return "rename_workflow" }
func (RenameSucceeded) Kind() string     { return "rename_succeeded" }
func (RenameFailed) Kind() string        { return "rename_failed" }
func (TriggerRun) Kind() string          { return "trigger_run" }
func (RunTriggered) Kind() string        { return "run_triggered" }
func (RunTriggerFailed) Kind() string    { return "run_trigger_failed" }
func (SaveCompleted) Kind() string       { return "save_completed" }
func (DismissNotification) Kind() string { return "dismiss_notification" }
func (Tick) Kind() string                { return "tick" }
