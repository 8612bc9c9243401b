// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"encoding/json"
	"strconv"

	"noetl/internal/catalog"
	"noetl/internal/eventlog"
	"noetl/internal/playbook"
	"noetl/internal/render"
	"noetl/pkg/errors"
)

// childLink is the parent linkage a child execution carries in its root
// event context.
type childLink struct {
	ParentExecutionID string `json:"parent_execution_id"`
	ParentStep        string `json:"parent_step"`
	ReturnStep        string `json:"return_step,omitempty"`
}

// launchChild starts the sub-execution of a playbook step. The child's
// execution id is the parent step's start marker id, so a replayed
// launch converges on the same child instead of forking a second one.
func (p *pass) launchChild(ctx context.Context, st *eventlog.StepState, step *playbook.Step) error {
	path, _ := step.Config["path"].(string)
	if path == "" {
		return p.fail(ctx, &eventlog.ErrorInfo{
			Kind:    string(errors.KindInvalidResource),
			Message: "playbook step has no path",
			NodeID:  st.NodeID,
		}, st.LastEventID)
	}
	version := 0
	switch v := step.Config["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	case string:
		version, _ = strconv.Atoi(v)
	}

	resource, err := p.b.catalog.Get(ctx, path, version)
	if err != nil || resource.Kind != catalog.KindPlaybook {
		return p.fail(ctx, &eventlog.ErrorInfo{
			Kind:    string(errors.KindInvalidResource),
			Message: "child playbook " + path + " not found",
			NodeID:  st.NodeID,
		}, st.LastEventID)
	}

	childID := st.StartedEventID
	existing, err := p.b.events.Stream(ctx, childID, 0)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		scope, err := p.stepScope(st.NodeID)
		if err != nil {
			return err
		}
		payload := map[string]any{}
		if len(step.Data) > 0 {
			rendered, err := render.RenderValue(step.Data, scope)
			if err != nil {
				return err
			}
			if m, ok := rendered.(map[string]any); ok {
				payload = m
			}
		}
		returnStep, _ := step.Config["return_step"].(string)
		payload["parent_execution_id"] = strconv.FormatInt(p.snap.ExecutionID, 10)
		payload["parent_step"] = st.NodeID
		if returnStep != "" {
			payload["return_step"] = returnStep
		}
		ctxRaw, err := json.Marshal(payload)
		if err != nil {
			return errors.WithCause(errors.KindInvalidEvent, err, "child payload")
		}
		_, err = p.b.events.Emit(ctx, &eventlog.Event{
			ExecutionID:   childID,
			ParentEventID: st.StartedEventID,
			Type:          eventlog.ExecutionStarted,
			Status:        eventlog.StatusRunning,
			CatalogID:     resource.ID,
			Context:       ctxRaw,
		})
		if err != nil {
			return err
		}
	}

	childRef, _ := json.Marshal(map[string]string{
		"child_execution_id": strconv.FormatInt(childID, 10),
	})
	_, err = p.b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   p.snap.ExecutionID,
		ParentEventID: st.StartedEventID,
		Type:          eventlog.ActionStarted,
		Status:        eventlog.StatusRunning,
		NodeID:        st.NodeID,
		NodeType:      playbook.ToolPlaybook,
		Context:       childRef,
	})
	if err != nil && !errors.Is(err, errors.ErrTerminal) {
		return err
	}
	p.progressed = true
	st.Phase = eventlog.PhaseRunning
	return nil
}

// pollChild checks a running child execution and posts its terminal
// outcome onto the parent step. The child's own terminal advance does
// this push-style; the poll covers lost notifications.
func (p *pass) pollChild(ctx context.Context, st *eventlog.StepState) error {
	childID := st.StartedEventID
	events, err := p.b.events.Stream(ctx, childID, 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		p.b.logger.Warn("child execution missing", "execution_id", p.snap.ExecutionID,
			"node_id", st.NodeID, "child_execution_id", childID)
		return nil
	}
	child := eventlog.Replay(childID, events)
	if !child.Status.Terminal() {
		return nil
	}
	link := linkOf(events)
	return p.b.postChildResult(ctx, p.snap.ExecutionID, st.NodeID, st.StartedEventID, child, link.ReturnStep)
}

// notifyParent runs when a terminal child execution is advanced: it
// posts the child's outcome as the parent step's action result.
func (b *Broker) notifyParent(ctx context.Context, child *eventlog.Snapshot, events []eventlog.Event) error {
	if child.ParentEventID == 0 {
		return nil
	}
	link := linkOf(events)
	if link.ParentExecutionID == "" {
		return nil
	}
	parentID, err := strconv.ParseInt(link.ParentExecutionID, 10, 64)
	if err != nil {
		return nil
	}

	parentEvents, err := b.events.Stream(ctx, parentID, 0)
	if err != nil || len(parentEvents) == 0 {
		return err
	}
	parent := eventlog.Replay(parentID, parentEvents)
	if parent.Status.Terminal() {
		return nil
	}
	st, ok := parent.Steps[link.ParentStep]
	if !ok || (st.Phase != eventlog.PhasePending && st.Phase != eventlog.PhaseRunning) {
		return nil
	}
	return b.postChildResult(ctx, parentID, link.ParentStep, child.ParentEventID, child, link.ReturnStep)
}

// postChildResult emits the parent-side action event for a terminal
// child.
func (b *Broker) postChildResult(ctx context.Context, parentID int64, parentStep string, parentEventID int64, child *eventlog.Snapshot, returnStep string) error {
	if child.Status == eventlog.ExecComplete {
		result := child.Result
		if returnStep != "" {
			if st, ok := child.Steps[returnStep]; ok && st.Result != nil {
				result = st.Result
			}
		}
		_, err := b.events.Emit(ctx, &eventlog.Event{
			ExecutionID:   parentID,
			ParentEventID: parentEventID,
			Type:          eventlog.ActionCompleted,
			Status:        eventlog.StatusOK,
			NodeID:        parentStep,
			NodeType:      playbook.ToolPlaybook,
			Result:        result,
		})
		if err != nil && !errors.Is(err, errors.ErrTerminal) {
			return err
		}
		return nil
	}

	errInfo := child.Error
	if errInfo == nil {
		errInfo = &eventlog.ErrorInfo{
			Kind:    string(errors.KindPluginFailure),
			Message: "child execution failed",
		}
	}
	_, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   parentID,
		ParentEventID: parentEventID,
		Type:          eventlog.ActionError,
		Status:        eventlog.StatusError,
		NodeID:        parentStep,
		NodeType:      playbook.ToolPlaybook,
		Error: &eventlog.ErrorInfo{
			Kind:    errInfo.Kind,
			Message: "child execution: " + errInfo.Message,
			NodeID:  parentStep,
		},
	})
	if err != nil && !errors.Is(err, errors.ErrTerminal) {
		return err
	}
	return nil
}

func linkOf(events []eventlog.Event) childLink {
	var link childLink
	if root := rootEvent(events); root != nil && len(root.Context) > 0 {
		_ = json.Unmarshal(root.Context, &link)
	}
	return link
}
