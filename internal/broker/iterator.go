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
	"fmt"

	"noetl/internal/eventlog"
	"noetl/internal/playbook"
	"noetl/internal/queue"
	"noetl/internal/render"
	"noetl/internal/worker"
	"noetl/pkg/errors"
)

// advanceLoop drives one iterator step: expansion of due items under
// the loop mode, fail_fast cancellation, and aggregation into
// loop_completed once every item has a terminal outcome. The loop id is
// the step id; sub-items are "step[index]".
func (p *pass) advanceLoop(ctx context.Context, st *eventlog.StepState, step *playbook.Step) error {
	switch st.Phase {
	case eventlog.PhaseSucceeded:
		if err := p.closeStep(ctx, st); err != nil {
			return err
		}
		return p.transition(ctx, st, step)
	case eventlog.PhaseFailed:
		return p.failStep(ctx, st, step)
	case eventlog.PhaseClosed:
		return p.transition(ctx, st, step)
	}

	loopID := st.NodeID
	scope, err := p.stepScope(st.NodeID)
	if err != nil {
		return err
	}
	items, err := resolveCollection(step.Loop, scope)
	if err != nil {
		return p.completeLoop(ctx, st, nil, &eventlog.ErrorInfo{
			Kind:    string(errors.KindInvalidResource),
			Message: err.Error(),
			NodeID:  st.NodeID,
		})
	}

	frame := p.snap.Frames[loopID]
	n := len(items)
	if n == 0 {
		return p.completeLoop(ctx, st, json.RawMessage("[]"), nil)
	}

	delivered := func(i int) bool {
		return frame != nil && i < frame.Total &&
			(frame.Results[i] != nil || frame.Errors[i] != nil)
	}
	started := func(i int) bool {
		return frame != nil && i < frame.Total
	}

	failed := 0
	done := 0
	var firstErr *eventlog.ErrorInfo
	for i := 0; i < n; i++ {
		if !delivered(i) {
			continue
		}
		done++
		if frame.Errors[i] != nil {
			failed++
			if firstErr == nil {
				firstErr = frame.Errors[i]
			}
		}
	}

	if failed > 0 && !step.Loop.ContinueOnError() {
		if _, err := p.b.jobs.RetireLoop(ctx, p.snap.ExecutionID, st.NodeID); err != nil {
			return err
		}
		return p.completeLoop(ctx, st, aggregate(frame, n), &eventlog.ErrorInfo{
			Kind:    firstErr.Kind,
			Message: fmt.Sprintf("loop item %s failed: %s", firstErr.NodeID, firstErr.Message),
			NodeID:  st.NodeID,
		})
	}

	if done == n {
		if failed > 0 {
			return p.completeLoop(ctx, st, aggregate(frame, n), &eventlog.ErrorInfo{
				Kind:    firstErr.Kind,
				Message: fmt.Sprintf("%d of %d loop items failed", failed, n),
				NodeID:  st.NodeID,
			})
		}
		return p.completeLoop(ctx, st, aggregate(frame, n), nil)
	}

	for _, i := range dueIndexes(step.Loop, n, started, delivered) {
		if err := p.enqueueItem(ctx, st, step, scope, items, i, started(i)); err != nil {
			return err
		}
	}
	return nil
}

// dueIndexes selects which undelivered items the loop mode allows now.
func dueIndexes(loop *playbook.Loop, n int, started, delivered func(int) bool) []int {
	firstUndelivered := n
	for i := 0; i < n; i++ {
		if !delivered(i) {
			firstUndelivered = i
			break
		}
	}

	var due []int
	switch loop.EffectiveMode() {
	case playbook.ModeParallel:
		window := loop.Concurrency
		if window <= 0 {
			window = n
		}
		inflight := 0
		for i := 0; i < n; i++ {
			if delivered(i) {
				continue
			}
			if started(i) {
				due = append(due, i) // re-enqueue is a dedup no-op
				inflight++
				continue
			}
			if inflight >= window {
				break
			}
			due = append(due, i)
			inflight++
		}
	case playbook.ModeChunked:
		size := loop.Concurrency
		if size <= 0 {
			size = 1
		}
		chunk := firstUndelivered / size
		for i := chunk * size; i < (chunk+1)*size && i < n; i++ {
			if !delivered(i) {
				due = append(due, i)
			}
		}
	default: // sequential
		if firstUndelivered < n {
			due = append(due, firstUndelivered)
		}
	}
	return due
}

// enqueueItem emits the loop_iteration marker and inserts the sub-job.
// Both sides are idempotent, so crash-replay converges.
func (p *pass) enqueueItem(ctx context.Context, st *eventlog.StepState, step *playbook.Step, scope render.Scope, items []any, i int, markerExists bool) error {
	itemID := fmt.Sprintf("%s[%d]", st.NodeID, i)
	itemRaw, err := json.Marshal(items[i])
	if err != nil {
		return errors.WithCause(errors.KindInvalidEvent, err, "loop item %d", i)
	}
	iter := &eventlog.Iterator{
		LoopID:      st.NodeID,
		Iterator:    step.Loop.ElementVar(),
		Index:       i,
		CurrentItem: itemRaw,
	}

	if !markerExists {
		_, err := p.b.events.Emit(ctx, &eventlog.Event{
			ExecutionID:   p.snap.ExecutionID,
			ParentEventID: st.StartedEventID,
			Type:          eventlog.LoopIteration,
			Status:        eventlog.StatusPending,
			NodeID:        itemID,
			NodeType:      step.Tool,
			Iterator:      iter,
		})
		if err != nil && !errors.Is(err, errors.ErrTerminal) {
			return err
		}
		p.progressed = true
	}

	action, retry := p.loopAction(step, iter)
	raw, err := action.Encode()
	if err != nil {
		return err
	}
	itemScope := render.Layer(scope, render.Scope{
		step.Loop.ElementVar(): items[i],
		"index":                float64(i),
	})
	ctxRaw, err := json.Marshal(map[string]any(itemScope))
	if err != nil {
		return errors.WithCause(errors.KindInvalidEvent, err, "loop item context")
	}
	inserted, err := p.b.jobs.Enqueue(ctx, &queue.Item{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      itemID,
		CatalogID:   p.snap.CatalogID,
		Action:      raw,
		Context:     ctxRaw,
		Retry:       p.retrySpec(retry),
	})
	if err != nil {
		return err
	}
	if inserted {
		p.progressed = true
	}
	return nil
}

// loopAction builds the per-item task body: the loop's task when
// declared, otherwise the step's own tool config.
func (p *pass) loopAction(step *playbook.Step, iter *eventlog.Iterator) (*worker.Action, *playbook.Retry) {
	if task := step.Loop.Task; task != nil {
		return &worker.Action{
			Tool:     task.Tool,
			Name:     task.Name,
			Config:   task.Config,
			Data:     task.Data,
			Assert:   task.Assert,
			Save:     task.Save,
			Retry:    task.Retry,
			Timeout:  step.Timeout,
			Iterator: iter,
		}, task.Retry
	}
	return &worker.Action{
		Tool:     step.Tool,
		Name:     step.Step,
		Config:   step.Config,
		Data:     step.Data,
		Assert:   step.Assert,
		Save:     step.Save,
		Retry:    step.Retry,
		Timeout:  step.Timeout,
		Iterator: iter,
	}, step.Retry
}

// completeLoop emits loop_completed with the index-ordered aggregation.
func (p *pass) completeLoop(ctx context.Context, st *eventlog.StepState, results json.RawMessage, errInfo *eventlog.ErrorInfo) error {
	e := &eventlog.Event{
		ExecutionID:   p.snap.ExecutionID,
		ParentEventID: st.StartedEventID,
		Type:          eventlog.LoopCompleted,
		Status:        eventlog.StatusOK,
		NodeID:        st.NodeID,
		Iterator:      &eventlog.Iterator{LoopID: st.NodeID},
		Result:        results,
	}
	if errInfo != nil {
		e.Status = eventlog.StatusError
		e.Error = errInfo
	}
	_, err := p.b.events.Emit(ctx, e)
	if err != nil && !errors.Is(err, errors.ErrTerminal) {
		return err
	}
	p.progressed = true
	if errInfo != nil {
		st.Phase = eventlog.PhaseFailed
		st.Error = errInfo
	} else {
		st.Phase = eventlog.PhaseSucceeded
		st.Result = results
	}
	return nil
}

// aggregate marshals the frame's index-ordered results; never-delivered
// slots stay null.
func aggregate(frame *eventlog.Frame, n int) json.RawMessage {
	results := make([]json.RawMessage, n)
	if frame != nil {
		copy(results, frame.Results)
	}
	for i := range results {
		if results[i] == nil {
			results[i] = json.RawMessage("null")
		}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return json.RawMessage("[]")
	}
	return raw
}

// resolveCollection renders the loop collection to a list. A string is
// an expression; a literal list renders element-wise.
func resolveCollection(loop *playbook.Loop, scope render.Scope) ([]any, error) {
	var value any
	var err error
	switch coll := loop.Collection.(type) {
	case string:
		value, err = render.RenderString(coll, scope)
	default:
		value, err = render.RenderValue(coll, scope)
	}
	if err != nil {
		return nil, err
	}
	items, ok := value.([]any)
	if !ok {
		return nil, errors.New(errors.KindInvalidResource, "loop collection is %T, want a list", value)
	}
	return items, nil
}

// stepScope parses the step's persisted context into a render scope.
func (p *pass) stepScope(nodeID string) (render.Scope, error) {
	raw, err := p.stepContext(nodeID)
	if err != nil {
		return nil, err
	}
	scope := render.Scope{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, (*map[string]any)(&scope)); err != nil {
			return nil, errors.WithCause(errors.KindInvalidEvent, err, "step context of %s", nodeID)
		}
	}
	return scope, nil
}
