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
	"sort"
	"strconv"
	"time"

	"noetl/internal/eventlog"
	"noetl/internal/playbook"
	"noetl/internal/queue"
	"noetl/internal/render"
	"noetl/internal/worker"
	"noetl/pkg/config"
	"noetl/pkg/errors"
)

// pass is the working state of one advance over one execution. It is
// built from the replayed log, never mutated concurrently (the
// per-execution lock is held), and discarded when the pass ends.
type pass struct {
	b      *Broker
	pb     *playbook.Playbook
	snap   *eventlog.Snapshot
	events []eventlog.Event
	root   *eventlog.Event
	scope  render.Scope

	// progressed marks that this pass emitted or enqueued something;
	// the completion check only fires on a quiescent pass.
	progressed bool
}

// Advance replays the execution's log and performs every due decision:
// closing finished steps, scheduling successors, expanding loops,
// launching child executions, and terminating the execution. It is
// idempotent; concurrent triggers serialize on the per-execution lock.
func (b *Broker) Advance(ctx context.Context, executionID int64) error {
	mu := b.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()
	defer observeAdvance(time.Now())

	events, err := b.events.Stream(ctx, executionID, 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.Wrapf(errors.ErrNotFound, "execution %d", executionID)
	}
	snap := eventlog.Replay(executionID, events)

	if snap.Status.Terminal() {
		if _, err := b.jobs.Retire(ctx, executionID); err != nil {
			return err
		}
		return b.notifyParent(ctx, snap, events)
	}
	if snap.CancelRequested {
		return b.cancelExecution(ctx, snap)
	}

	pb, err := b.catalog.Playbook(ctx, snap.CatalogID)
	if err != nil {
		return err
	}

	p := &pass{b: b, pb: pb, snap: snap, events: events, root: rootEvent(events)}
	if err := p.buildScope(ctx); err != nil {
		return err
	}

	if len(snap.Steps) == 0 {
		return p.scheduleStart(ctx)
	}

	nodeIDs := make([]string, 0, len(snap.Steps))
	for id := range snap.Steps {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	for _, nodeID := range nodeIDs {
		if p.snap.Status.Terminal() {
			return nil
		}
		if err := p.processStep(ctx, nodeID); err != nil {
			return err
		}
	}

	if !p.progressed && !snap.OpenWork() {
		// every branch closed without reaching end
		return p.complete(ctx, nil, snap.LastEventID)
	}
	return nil
}

// cancelExecution retires outstanding jobs and closes the execution.
func (b *Broker) cancelExecution(ctx context.Context, snap *eventlog.Snapshot) error {
	if _, err := b.jobs.Retire(ctx, snap.ExecutionID); err != nil {
		return err
	}
	_, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID: snap.ExecutionID,
		Type:        eventlog.ExecutionFailed,
		Status:      eventlog.StatusCancelled,
		Error:       &eventlog.ErrorInfo{Kind: string(errors.KindCancelled), Message: "execution cancelled"},
	})
	if err != nil && !errors.Is(err, errors.ErrTerminal) {
		return err
	}
	return nil
}

// processStep performs the due work for one step of the snapshot.
func (p *pass) processStep(ctx context.Context, nodeID string) error {
	st := p.snap.Steps[nodeID]
	step, ok := p.pb.StepByID(nodeID)
	if !ok {
		p.b.logger.Warn("event references unknown step", "execution_id", p.snap.ExecutionID, "node_id", nodeID)
		return nil
	}

	if step.Loop != nil {
		return p.advanceLoop(ctx, st, step)
	}

	switch st.Phase {
	case eventlog.PhasePending:
		if step.Tool == playbook.ToolPlaybook {
			return p.launchChild(ctx, st, step)
		}
		return p.ensureEnqueued(ctx, st, step)

	case eventlog.PhaseRunning:
		if step.Tool == playbook.ToolPlaybook {
			// pull-based repair: the child's own advance normally posts
			// the completion, reconcile covers a lost notification
			return p.pollChild(ctx, st)
		}
		return nil

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
	return nil
}

// ensureEnqueued (re)inserts the step's job; the queue dedups on
// (execution_id, node_id) so repeats are free.
func (p *pass) ensureEnqueued(ctx context.Context, st *eventlog.StepState, step *playbook.Step) error {
	action, err := p.buildAction(step, nil)
	if err != nil {
		return err
	}
	raw, err := action.Encode()
	if err != nil {
		return err
	}
	stepCtx, err := p.stepContext(st.NodeID)
	if err != nil {
		return err
	}
	inserted, err := p.b.jobs.Enqueue(ctx, &queue.Item{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      st.NodeID,
		CatalogID:   p.snap.CatalogID,
		Action:      raw,
		Context:     stepCtx,
		Retry:       p.retrySpec(effectiveRetry(step)),
	})
	if err != nil {
		return err
	}
	if inserted {
		p.progressed = true
	}
	return nil
}

// closeStep emits the step_completed marker for a succeeded step.
func (p *pass) closeStep(ctx context.Context, st *eventlog.StepState) error {
	_, err := p.b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   p.snap.ExecutionID,
		ParentEventID: st.LastEventID,
		Type:          eventlog.StepCompleted,
		Status:        eventlog.StatusOK,
		NodeID:        st.NodeID,
		Result:        st.Result,
	})
	if err != nil && !errors.Is(err, errors.ErrTerminal) {
		return err
	}
	p.progressed = true
	st.Phase = eventlog.PhaseClosed
	return nil
}

// failStep evaluates compensation: only guarded transitions may fire
// from a failed step. Without one the execution fails.
func (p *pass) failStep(ctx context.Context, st *eventlog.StepState, step *playbook.Step) error {
	scope := p.scopeFor(st.NodeID)
	if st.Error != nil {
		scope["error"] = map[string]any{
			"kind":      st.Error.Kind,
			"message":   st.Error.Message,
			"node_id":   st.NodeID,
			"retryable": st.Error.Retryable,
		}
	}

	var compensations []selected
	for i := range step.Next {
		t := &step.Next[i]
		if t.When == "" {
			continue
		}
		ok, err := render.EvalGuard(t.When, scope)
		if err != nil {
			p.b.logger.Warn("compensation guard failed", "execution_id", p.snap.ExecutionID,
				"node_id", st.NodeID, "when", t.When, "error", err)
			continue
		}
		if ok {
			compensations = append(compensations, selected{target: t.Step, overlay: t.Data})
		}
	}

	if len(compensations) == 0 {
		errInfo := st.Error
		if errInfo == nil {
			errInfo = &eventlog.ErrorInfo{Kind: string(errors.KindPluginFailure), Message: "step failed"}
		}
		errInfo.NodeID = st.NodeID
		return p.fail(ctx, errInfo, st.LastEventID)
	}

	if err := p.closeStep(ctx, st); err != nil {
		return err
	}
	return p.schedule(ctx, compensations, scope, st.LastEventID)
}

// transition evaluates a closed step's next list and schedules the
// selected successors.
func (p *pass) transition(ctx context.Context, st *eventlog.StepState, step *playbook.Step) error {
	scope := p.scopeFor(st.NodeID)
	targets, err := p.selectTransitions(step.Next, scope, st.NodeID)
	if err != nil {
		return err
	}
	return p.schedule(ctx, targets, scope, st.LastEventID)
}

type selected struct {
	target  string
	overlay map[string]any
}

// selectTransitions applies the guard semantics: unconditional edges
// always fire, guarded edges fire on truth, and else edges fire only
// when no guard matched.
func (p *pass) selectTransitions(next []playbook.Transition, scope render.Scope, nodeID string) ([]selected, error) {
	var out []selected
	var elses []selected
	matched := false
	for i := range next {
		t := &next[i]
		switch {
		case t.Else:
			elses = append(elses, selected{target: t.Step, overlay: t.Data})
		case t.When != "":
			ok, err := render.EvalGuard(t.When, scope)
			if err != nil {
				return nil, errors.Wrapf(err, "guard on %s -> %s", nodeID, t.Step)
			}
			if ok {
				matched = true
				out = append(out, selected{target: t.Step, overlay: t.Data})
			}
		default:
			out = append(out, selected{target: t.Step, overlay: t.Data})
		}
	}
	if !matched {
		out = append(out, elses...)
	}
	return out, nil
}

// schedule starts each selected successor. Already-started targets are
// skipped; a selected end step terminates the execution.
func (p *pass) schedule(ctx context.Context, targets []selected, scope render.Scope, parentEventID int64) error {
	for _, sel := range targets {
		target, ok := p.pb.StepByID(sel.target)
		if !ok {
			return errors.New(errors.KindInvalidResource, "transition to unknown step %q", sel.target)
		}
		overlay, err := renderOverlay(sel.overlay, scope)
		if err != nil {
			return err
		}
		if target.Tool == playbook.ToolEnd {
			return p.finish(ctx, target, overlay, scope, parentEventID)
		}
		if _, started := p.snap.Steps[target.Step]; started {
			continue
		}
		if err := p.startStep(ctx, target, overlay, parentEventID); err != nil {
			return err
		}
	}
	return nil
}

// startStep emits the step_started marker and, for plain tools, the
// queue item. Loop expansion and child launch run on the next advance.
func (p *pass) startStep(ctx context.Context, step *playbook.Step, overlay map[string]any, parentEventID int64) error {
	stepScope := render.Layer(p.scope, render.Scope(overlay))
	ctxRaw, err := json.Marshal(map[string]any(stepScope))
	if err != nil {
		return errors.WithCause(errors.KindInvalidEvent, err, "step context")
	}
	eventID, err := p.b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   p.snap.ExecutionID,
		ParentEventID: parentEventID,
		Type:          eventlog.StepStarted,
		Status:        eventlog.StatusPending,
		NodeID:        step.Step,
		NodeName:      step.Step,
		NodeType:      step.Tool,
		Context:       ctxRaw,
	})
	if err != nil {
		if errors.Is(err, errors.ErrTerminal) {
			return nil
		}
		return err
	}
	p.progressed = true
	p.snap.Steps[step.Step] = &eventlog.StepState{
		NodeID:         step.Step,
		Phase:          eventlog.PhasePending,
		StartedEventID: eventID,
		LastEventID:    eventID,
		StartedAt:      time.Now(),
	}

	if step.Loop != nil || step.Tool == playbook.ToolPlaybook {
		return nil
	}

	action, err := p.buildAction(step, nil)
	if err != nil {
		return err
	}
	raw, err := action.Encode()
	if err != nil {
		return err
	}
	_, err = p.b.jobs.Enqueue(ctx, &queue.Item{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      step.Step,
		CatalogID:   p.snap.CatalogID,
		Action:      raw,
		Context:     ctxRaw,
		Retry:       p.retrySpec(effectiveRetry(step)),
	})
	return err
}

// finish renders the end step's data as the final result and completes
// the execution.
func (p *pass) finish(ctx context.Context, end *playbook.Step, overlay map[string]any, scope render.Scope, parentEventID int64) error {
	merged := mergeMaps(end.Data, overlay)
	var result json.RawMessage
	if len(merged) > 0 {
		rendered, err := render.RenderValue(merged, scope)
		if err != nil {
			return err
		}
		result, err = json.Marshal(rendered)
		if err != nil {
			return errors.WithCause(errors.KindInvalidEvent, err, "final result")
		}
	}
	return p.complete(ctx, result, parentEventID)
}

func (p *pass) complete(ctx context.Context, result json.RawMessage, parentEventID int64) error {
	if _, err := p.b.jobs.Retire(ctx, p.snap.ExecutionID); err != nil {
		return err
	}
	_, err := p.b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   p.snap.ExecutionID,
		ParentEventID: parentEventID,
		Type:          eventlog.ExecutionComplete,
		Status:        eventlog.StatusOK,
		Result:        result,
	})
	if err != nil && !errors.Is(err, errors.ErrTerminal) {
		return err
	}
	p.progressed = true
	p.snap.Status = eventlog.ExecComplete
	return nil
}

func (p *pass) fail(ctx context.Context, errInfo *eventlog.ErrorInfo, parentEventID int64) error {
	if _, err := p.b.jobs.Retire(ctx, p.snap.ExecutionID); err != nil {
		return err
	}
	_, err := p.b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   p.snap.ExecutionID,
		ParentEventID: parentEventID,
		Type:          eventlog.ExecutionFailed,
		Status:        eventlog.StatusError,
		NodeID:        errInfo.NodeID,
		Error:         errInfo,
	})
	if err != nil && !errors.Is(err, errors.ErrTerminal) {
		return err
	}
	p.progressed = true
	p.snap.Status = eventlog.ExecFailed
	return nil
}

// scheduleStart runs the virtual start step: its data merges into the
// scope and its transitions select the first real steps. start never
// reaches the queue.
func (p *pass) scheduleStart(ctx context.Context) error {
	start, ok := p.pb.Start()
	if !ok {
		return p.fail(ctx, &eventlog.ErrorInfo{
			Kind: string(errors.KindInvalidResource), Message: "playbook has no start step",
		}, p.snap.RootEventID)
	}
	if len(start.Data) > 0 {
		rendered, err := render.RenderValue(start.Data, p.scope)
		if err != nil {
			return err
		}
		if m, ok := rendered.(map[string]any); ok {
			for k, v := range m {
				p.scope[k] = v
			}
		}
	}
	targets, err := p.selectTransitions(start.Next, p.scope, start.Step)
	if err != nil {
		return err
	}
	return p.schedule(ctx, targets, p.scope, p.snap.RootEventID)
}

// buildScope assembles the render scope: workload defaults, execution
// payload overrides, then each finished step's result.
func (p *pass) buildScope(ctx context.Context) error {
	scope := render.Scope{}
	workload := make(map[string]any, len(p.pb.Workload))
	for k, v := range p.pb.Workload {
		workload[k] = v
	}
	if p.root != nil && len(p.root.Context) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(p.root.Context, &payload); err == nil {
			for k, v := range payload {
				workload[k] = v
			}
		}
	}
	for k, v := range workload {
		scope[k] = v
	}
	scope["workload"] = workload
	scope["execution_id"] = strconv.FormatInt(p.snap.ExecutionID, 10)

	for nodeID, st := range p.snap.Steps {
		if st.Phase != eventlog.PhaseSucceeded && st.Phase != eventlog.PhaseClosed {
			continue
		}
		value, err := p.stepResult(ctx, st)
		if err != nil {
			return err
		}
		scope = scope.WithResult(nodeID, value)
	}
	p.scope = scope
	return nil
}

// stepResult decodes a step's result, hydrating offloaded payloads.
func (p *pass) stepResult(ctx context.Context, st *eventlog.StepState) (any, error) {
	raw := st.Result
	if raw == nil && st.ResultRef != nil {
		hydrated, err := p.b.events.Hydrate(ctx, st.ResultRef)
		if err != nil {
			return nil, err
		}
		raw = hydrated
	}
	if raw == nil {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errors.WithCause(errors.KindInvalidEvent, err, "result of %s", st.NodeID)
	}
	return value, nil
}

// scopeFor returns the guard scope of one step: the base scope with the
// step's own result fields promoted to the top level.
func (p *pass) scopeFor(nodeID string) render.Scope {
	scope := render.Layer(p.scope)
	if entry, ok := scope[nodeID].(map[string]any); ok {
		for k, v := range entry {
			if k == "data" {
				continue
			}
			if _, shadowed := scope[k]; !shadowed {
				scope[k] = v
			}
		}
		if fields, ok := entry["data"].(map[string]any); ok {
			for k, v := range fields {
				if _, shadowed := scope[k]; !shadowed {
					scope[k] = v
				}
			}
		}
	}
	return scope
}

// stepContext returns the context persisted with the step's start
// marker (it carries the transition overlay), falling back to the
// current scope.
func (p *pass) stepContext(nodeID string) (json.RawMessage, error) {
	for i := range p.events {
		e := &p.events[i]
		if e.Type == eventlog.StepStarted && e.NodeID == nodeID && len(e.Context) > 0 {
			return e.Context, nil
		}
	}
	return json.Marshal(map[string]any(p.scope))
}

// buildAction resolves the task body of a step, inlining a referenced
// workbook task.
func (p *pass) buildAction(step *playbook.Step, iter *eventlog.Iterator) (*worker.Action, error) {
	action := &worker.Action{
		Tool:     step.Tool,
		Name:     step.Step,
		Config:   step.Config,
		Data:     step.Data,
		Assert:   step.Assert,
		Save:     step.Save,
		Retry:    step.Retry,
		Timeout:  step.Timeout,
		Iterator: iter,
	}
	if step.Task != "" || step.Tool == playbook.ToolWorkbook {
		name := step.Task
		if name == "" {
			name, _ = step.Config["name"].(string)
		}
		task, ok := p.pb.TaskByName(name)
		if !ok {
			return nil, errors.New(errors.KindInvalidResource, "workbook task %q not found", name)
		}
		action.Tool = task.Tool
		action.Name = task.Name
		action.Config = mergeMaps(task.Config, step.Config)
		action.Data = mergeMaps(task.Data, step.Data)
		if action.Assert == nil {
			action.Assert = task.Assert
		}
		if action.Save == nil {
			action.Save = task.Save
		}
		if action.Retry == nil {
			action.Retry = task.Retry
		}
	}
	return action, nil
}

// retrySpec converts a step retry policy to the queue's backoff spec,
// applying server defaults.
func (p *pass) retrySpec(r *playbook.Retry) queue.RetrySpec {
	spec := queue.RetrySpec{
		MaxAttempts: p.b.maxAttempts,
		Initial:     time.Second,
		Multiplier:  2,
		Max:         time.Minute,
	}
	if r == nil {
		return spec
	}
	if r.MaxAttempts > 0 {
		spec.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelay != "" {
		spec.Initial = config.Duration(r.InitialDelay, spec.Initial)
	}
	if r.BackoffMultiplier > 0 {
		spec.Multiplier = r.BackoffMultiplier
	}
	if r.MaxDelay != "" {
		spec.Max = config.Duration(r.MaxDelay, spec.Max)
	}
	return spec
}

func effectiveRetry(step *playbook.Step) *playbook.Retry {
	return step.Retry
}

func renderOverlay(overlay map[string]any, scope render.Scope) (map[string]any, error) {
	if len(overlay) == 0 {
		return nil, nil
	}
	rendered, err := render.RenderValue(overlay, scope)
	if err != nil {
		return nil, err
	}
	m, _ := rendered.(map[string]any)
	return m, nil
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func rootEvent(events []eventlog.Event) *eventlog.Event {
	for i := range events {
		if events[i].Type == eventlog.ExecutionStarted {
			return &events[i]
		}
	}
	return nil
}
