package app

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/c360/loopcore/engine"
	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/rest"
)

// resourceWorkflow keys the sequence counter of the current-workflow fetch.
const resourceWorkflow = "workflow"

// validWorkflowID rejects IDs that would escape /workflows/ once the path
// is cleaned.
func validWorkflowID(id string) bool {
	return id != "" && id != "." && id != ".."
}

func (r *Reducer) rejectWorkflowID(s *State, id string) []engine.Command {
	return r.notify(s, LevelWarn, fmt.Sprintf("invalid workflow id %q", id))
}

func workflowPath(id string) string {
	return "/workflows/" + url.PathEscape(id)
}

// fetchWorkflow issues a sequence-tagged GET so older completions can be
// recognised and dropped.
func (r *Reducer) fetchWorkflow(s *State, id string) engine.Command {
	seq := s.nextSeq(resourceWorkflow)
	return engine.NetworkCall{
		Request: rest.Request{Method: http.MethodGet, Path: workflowPath(id)},
		OnSuccess: func(resp *rest.Response) engine.Message {
			var wf Workflow
			if err := resp.Decode(&wf); err != nil {
				return WorkflowLoadFailed{ID: id, Seq: seq, Err: err}
			}
			if wf.ID == "" {
				wf.ID = id
			}
			return WorkflowLoaded{ID: id, Seq: seq, Workflow: wf}
		},
		OnError: func(err error) engine.Message {
			return WorkflowLoadFailed{ID: id, Seq: seq, Err: err}
		},
	}
}

func (r *Reducer) selectWorkflow(s *State, m SelectWorkflow) []engine.Command {
	if m.ID == "" {
		return []engine.Command{engine.NoOp{}}
	}
	if !validWorkflowID(m.ID) {
		return r.rejectWorkflowID(s, m.ID)
	}
	if s.CurrentID != m.ID {
		s.CurrentID = m.ID
		s.markDirty()
	}
	return []engine.Command{r.fetchWorkflow(s, m.ID), r.render(s)}
}

func (r *Reducer) workflowLoaded(s *State, m WorkflowLoaded) []engine.Command {
	if !s.current(resourceWorkflow, m.Seq) {
		return []engine.Command{engine.NoOp{}}
	}
	wf := m.Workflow
	wf.UpdatedMs = r.now()
	s.Workflows[m.ID] = &wf
	s.markDirty()
	return []engine.Command{r.render(s)}
}

func (r *Reducer) workflowLoadFailed(s *State, m WorkflowLoadFailed) []engine.Command {
	if !s.current(resourceWorkflow, m.Seq) {
		return []engine.Command{engine.NoOp{}}
	}
	if errors.IsAuth(m.Err) {
		return r.expire(s, true)
	}
	return r.notify(s, LevelError, fmt.Sprintf("workflow %s not loaded: %v", m.ID, m.Err))
}

type renameBody struct {
	Name string `json:"name"`
}

// renameWorkflow applies the new name before the server confirms it.
func (r *Reducer) renameWorkflow(s *State, m RenameWorkflow) []engine.Command {
	if !validWorkflowID(m.ID) {
		return r.rejectWorkflowID(s, m.ID)
	}
	wf, ok := s.Workflows[m.ID]
	if !ok {
		return r.notify(s, LevelWarn, fmt.Sprintf("unknown workflow %s", m.ID))
	}
	if m.Name == "" || m.Name == wf.Name {
		return []engine.Command{engine.NoOp{}}
	}

	previous, attempted := wf.Name, m.Name
	wf.Name = attempted
	s.markDirty()

	id := m.ID
	return []engine.Command{
		engine.NetworkCall{
			Request: rest.Request{
				Method: http.MethodPatch,
				Path:   workflowPath(id),
				Body:   renameBody{Name: attempted},
			},
			OnSuccess: func(resp *rest.Response) engine.Message {
				var confirmed Workflow
				if err := resp.Decode(&confirmed); err != nil {
					confirmed = Workflow{ID: id, Name: attempted}
				}
				return RenameSucceeded{ID: id, Workflow: confirmed}
			},
			OnError: func(err error) engine.Message {
				return RenameFailed{ID: id, Previous: previous, Attempted: attempted, Err: err}
			},
		},
		r.render(s),
	}
}

func (r *Reducer) renameSucceeded(s *State, m RenameSucceeded) []engine.Command {
	wf, ok := s.Workflows[m.ID]
	if !ok {
		return []engine.Command{engine.NoOp{}}
	}
	if m.Workflow.Name != "" {
		wf.Name = m.Workflow.Name
	}
	if m.Workflow.Status != "" {
		wf.Status = m.Workflow.Status
	}
	wf.UpdatedMs = r.now()
	s.markDirty()
	return []engine.Command{r.render(s)}
}

// renameFailed reverts the optimistic name unless a later rename replaced it.
func (r *Reducer) renameFailed(s *State, m RenameFailed) []engine.Command {
	r.revertName(s, m)
	if errors.IsAuth(m.Err) {
		return r.expire(s, true)
	}

	cmds := r.notify(s, LevelError, fmt.Sprintf("rename failed: %v", m.Err))
	if s.CurrentID == m.ID {
		cmds = append(cmds, r.fetchWorkflow(s, m.ID))
	}
	return cmds
}

func (r *Reducer) revertName(s *State, m RenameFailed) {
	if wf, ok := s.Workflows[m.ID]; ok && wf.Name == m.Attempted {
		wf.Name = m.Previous
		s.markDirty()
	}
}

type runResponse struct {
	RunID string `json:"run_id"`
}

// triggerRun marks the workflow running before the server answers, which
// disables a second trigger.
func (r *Reducer) triggerRun(s *State, m TriggerRun) []engine.Command {
	if !validWorkflowID(m.ID) {
		return r.rejectWorkflowID(s, m.ID)
	}
	wf, ok := s.Workflows[m.ID]
	if !ok {
		return r.notify(s, LevelWarn, fmt.Sprintf("unknown workflow %s", m.ID))
	}
	if wf.Running {
		return []engine.Command{engine.NoOp{}}
	}
	wf.Running = true
	s.markDirty()

	id := m.ID
	return []engine.Command{
		engine.NetworkCall{
			Request: rest.Request{Method: http.MethodPost, Path: workflowPath(id) + "/runs"},
			OnSuccess: func(resp *rest.Response) engine.Message {
				// An empty 2xx body carries no run ID.
				if resp == nil || len(resp.Body) == 0 {
					return RunTriggered{ID: id}
				}
				var run runResponse
				if err := resp.Decode(&run); err != nil {
					return RunTriggered{ID: id, DecodeErr: err}
				}
				return RunTriggered{ID: id, RunID: run.RunID}
			},
			OnError: func(err error) engine.Message {
				return RunTriggerFailed{ID: id, Err: err}
			},
		},
		r.render(s),
	}
}

func (r *Reducer) runTriggered(s *State, m RunTriggered) []engine.Command {
	if m.DecodeErr != nil {
		return r.notify(s, LevelWarn, fmt.Sprintf("run started for %s, response unreadable: %v", m.ID, m.DecodeErr))
	}
	text := fmt.Sprintf("run started for %s", m.ID)
	if m.RunID != "" {
		text = fmt.Sprintf("run %s started for %s", m.RunID, m.ID)
	}
	return r.notify(s, LevelInfo, text)
}

func (r *Reducer) runTriggerFailed(s *State, m RunTriggerFailed) []engine.Command {
	if wf, ok := s.Workflows[m.ID]; ok && wf.Running {
		wf.Running = false
		s.markDirty()
	}
	if errors.IsAuth(m.Err) {
		return r.expire(s, true)
	}

	cmds := r.notify(s, LevelError, fmt.Sprintf("run not started: %v", m.Err))
	if s.CurrentID == m.ID {
		cmds = append(cmds, r.fetchWorkflow(s, m.ID))
	}
	return cmds
}
