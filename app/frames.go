package app

import (
	"encoding/json"
	"fmt"

	"github.com/c360/loopcore/engine"
	"github.com/c360/loopcore/envelope"
	"github.com/c360/loopcore/topic"
)

// Frame kinds understood by the reducer. Other kinds are ignored.
const (
	FrameChat            = "chat"
	FrameWorkflowUpdated = "workflow.updated"
	FrameRunFinished     = "run.finished"
)

type chatPayload struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

type runFinishedPayload struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// MapFrame turns an inbound frame into a message; used as the executor's
// frame mapper.
func MapFrame(f topic.Frame) engine.Message {
	return FrameReceived{Frame: f}
}

func (r *Reducer) frame(s *State, m FrameReceived) []engine.Command {
	f := m.Frame
	switch f.Type {
	case FrameChat:
		// A frame queued before Unsubscribe must not revive the topic's log.
		if !s.hasTopic(f.Topic) {
			return []engine.Command{engine.NoOp{}}
		}
		var p chatPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.Text == "" {
			return []engine.Command{engine.NoOp{}}
		}
		lines := append(s.Chat[f.Topic], ChatLine{From: p.From, Text: p.Text, AtMs: r.now()})
		if over := len(lines) - r.chatHistory; over > 0 {
			lines = append([]ChatLine(nil), lines[over:]...)
		}
		s.Chat[f.Topic] = lines
		s.markDirty()
		return []engine.Command{r.render(s)}

	case FrameWorkflowUpdated:
		var wf Workflow
		if err := json.Unmarshal(f.Data, &wf); err != nil || wf.ID == "" {
			return []engine.Command{engine.NoOp{}}
		}
		if existing, ok := s.Workflows[wf.ID]; ok && wf.Name == "" {
			wf.Name = existing.Name
		}
		wf.UpdatedMs = r.now()
		s.Workflows[wf.ID] = &wf
		s.markDirty()
		return []engine.Command{r.render(s)}

	case FrameRunFinished:
		var p runFinishedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return []engine.Command{engine.NoOp{}}
		}
		wf, ok := s.Workflows[p.WorkflowID]
		if !ok {
			return []engine.Command{engine.NoOp{}}
		}
		wf.Running = false
		wf.Status = p.Status
		wf.UpdatedMs = r.now()
		s.markDirty()
		level := LevelInfo
		if p.Status != "" && p.Status != "succeeded" {
			level = LevelWarn
		}
		return r.notify(s, level, fmt.Sprintf("run of %s finished: %s", wf.ID, p.Status))
	}

	return []engine.Command{engine.NoOp{}}
}

func (r *Reducer) sendChat(s *State, m SendChat) []engine.Command {
	if m.Text == "" {
		return []engine.Command{engine.NoOp{}}
	}
	env, err := envelope.New(FrameChat, m.Topic, chatPayload{Text: m.Text})
	if err != nil {
		return r.notify(s, LevelWarn, fmt.Sprintf("message not sent: %v", err))
	}
	topicName := m.Topic
	return []engine.Command{engine.TransportAction{
		Action:   engine.ActionSend,
		Envelope: env,
		OnError: func(err error) engine.Message {
			return SendFailed{Topic: topicName, Err: err}
		},
	}}
}
