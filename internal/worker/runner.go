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

// Package worker is the job runtime: it leases queue items, renders the
// task template against the item context, dispatches the plugin, emits
// the action events, and settles the lease. Workers hold no server
// state; every observable effect is an event.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"noetl/internal/eventlog"
	"noetl/internal/queue"
	"noetl/internal/render"
	"noetl/pkg/config"
	"noetl/pkg/errors"
	"noetl/pkg/log"
	"noetl/pkg/metrics"
)

// Runner drives the lease/render/execute/emit/settle loop.
type Runner struct {
	client   Client
	registry *Registry
	sink     Sink
	logger   *log.Logger

	workerID   string
	leaseBatch int
	visibility time.Duration
	poll       time.Duration

	limiter chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRunner assembles a runner from config. A nil sink disables save
// routing.
func NewRunner(client Client, registry *Registry, sink Sink, cfg *config.Config, logger *log.Logger) *Runner {
	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = os.Getenv("WORKER_ID")
	}
	if workerID == "" {
		// hostname alone collides when several runners share a machine,
		// and lease ownership hinges on distinct ids
		host, _ := os.Hostname()
		workerID = host + "-" + uuid.NewString()[:8]
	}
	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	leaseBatch := cfg.Worker.LeaseBatch
	if leaseBatch <= 0 {
		leaseBatch = 1
	}
	return &Runner{
		client:     client,
		registry:   registry,
		sink:       sink,
		logger:     logger.Component("worker"),
		workerID:   workerID,
		leaseBatch: leaseBatch,
		visibility: config.Duration(cfg.Queue.Visibility, 30*time.Second),
		poll:       config.Duration(cfg.Worker.PollInterval, time.Second),
		limiter:    make(chan struct{}, concurrency),
		stopCh:     make(chan struct{}),
	}
}

// WorkerID returns the runner's identity used on leases and events.
func (r *Runner) WorkerID() string { return r.workerID }

// Start launches the lease loop. Jobs run concurrently up to the
// configured limit; Stop waits for in-flight jobs.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			items, err := r.client.Lease(ctx, r.workerID, r.leaseBatch, r.visibility)
			if err != nil {
				r.logger.Error("lease failed", "error", err)
				r.sleep(ctx)
				continue
			}
			if len(items) == 0 {
				r.sleep(ctx)
				continue
			}
			for _, item := range items {
				select {
				case r.limiter <- struct{}{}:
				case <-r.stopCh:
					return
				case <-ctx.Done():
					return
				}
				r.wg.Add(1)
				go func(item *queue.Item) {
					defer r.wg.Done()
					defer func() { <-r.limiter }()
					r.process(ctx, item)
				}(item)
			}
		}
	}()
}

// Stop halts leasing and waits for running jobs to settle.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-time.After(r.poll):
	case <-r.stopCh:
	case <-ctx.Done():
	}
}

// RunOnce leases one batch and processes it synchronously, returning
// the number of jobs handled. Deterministic drivers (tests, single-shot
// invocations) pump this instead of Start.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	items, err := r.client.Lease(ctx, r.workerID, r.leaseBatch, r.visibility)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		r.process(ctx, item)
	}
	return len(items), nil
}

// process runs one leased item end to end.
func (r *Runner) process(ctx context.Context, item *queue.Item) {
	metrics.WorkerBusy.WithLabelValues(r.workerID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(r.workerID).Dec()

	key := queue.Key{ExecutionID: item.ExecutionID, NodeID: item.NodeID}
	logger := r.logger.With("execution_id", item.ExecutionID, "node_id", item.NodeID, "attempt", item.Attempts)

	action, err := DecodeAction(item.Action)
	if err != nil {
		logger.Error("undecodable action", "error", err)
		r.settleFailure(ctx, item, nil, "", errors.Plugin(false, "undecodable action: %v", err), false)
		return
	}

	scope := render.Scope{}
	if len(item.Context) > 0 {
		if err := json.Unmarshal(item.Context, (*map[string]any)(&scope)); err != nil {
			r.settleFailure(ctx, item, action, "", errors.Plugin(false, "undecodable context: %v", err), false)
			return
		}
	}
	scope["attempt"] = float64(item.Attempts)
	scope["worker_id"] = r.workerID

	task, fingerprint, err := r.renderTask(action, scope)
	if err != nil {
		r.settleFailure(ctx, item, action, fingerprint, errors.Plugin(false, "render: %v", err), false)
		return
	}

	r.emit(ctx, logger, &eventlog.Event{
		ExecutionID: item.ExecutionID,
		Type:        eventlog.ActionStarted,
		Status:      eventlog.StatusRunning,
		NodeID:      item.NodeID,
		NodeName:    action.Name,
		NodeType:    action.Tool,
		Iterator:    action.Iterator,
		CatalogID:   item.CatalogID,
		WorkerID:    r.workerID,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout := config.Duration(action.Timeout, 0); timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}

	// heartbeat at a third of the visibility window; a lost lease
	// abandons the job so the next delivery owns it alone
	leaseLost := make(chan struct{})
	hbDone := make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.visibility / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := r.client.Heartbeat(ctx, key, r.workerID, r.visibility); err != nil {
					logger.Warn("heartbeat failed, abandoning job", "error", err)
					close(leaseLost)
					cancel()
					return
				}
			}
		}
	}()

	start := time.Now()
	result, execErr := r.execute(runCtx, action, task, scope)
	metrics.PluginDuration.WithLabelValues(action.Tool).Observe(time.Since(start).Seconds())
	close(hbDone)

	select {
	case <-leaseLost:
		// another delivery owns the item now; emit nothing
		logger.Warn("job abandoned after lost lease")
		return
	default:
	}

	if execErr != nil {
		r.settleFailure(ctx, item, action, fingerprint, execErr, true)
		return
	}

	resultRaw, err := json.Marshal(result)
	if err != nil {
		r.settleFailure(ctx, item, action, fingerprint, errors.Plugin(false, "unencodable result: %v", err), true)
		return
	}

	if action.Save != nil && r.sink != nil {
		if err := r.sink.Save(ctx, action.Save, item.ExecutionID, item.NodeID, resultRaw); err != nil {
			r.settleFailure(ctx, item, action, fingerprint, err, true)
			return
		}
	}

	r.emit(ctx, logger, &eventlog.Event{
		ExecutionID: item.ExecutionID,
		Type:        eventlog.ActionCompleted,
		Status:      eventlog.StatusOK,
		NodeID:      item.NodeID,
		NodeName:    action.Name,
		NodeType:    action.Tool,
		Iterator:    action.Iterator,
		CatalogID:   item.CatalogID,
		WorkerID:    r.workerID,
		Result:      resultRaw,
	})
	if err := r.client.Complete(ctx, key, r.workerID); err != nil {
		logger.Warn("complete failed", "error", err)
	}
}

// execute dispatches the plugin and applies the step's post-conditions:
// assert expects, retry_when/stop_when, and result shaping.
func (r *Runner) execute(ctx context.Context, action *Action, task *Task, scope render.Scope) (any, error) {
	plugin, ok := r.registry.Get(action.Tool)
	if !ok {
		return nil, errors.Plugin(false, "no plugin for kind %q", action.Tool)
	}

	result, err := plugin.Execute(ctx, task)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.Plugin(true, "task timed out: %v", err)
		}
		if action.Retry != nil && action.Retry.StopWhen != "" && result != nil {
			stop, evalErr := render.EvalGuard(action.Retry.StopWhen, resultScope(scope, result))
			if evalErr == nil && stop {
				return result, errors.Plugin(false, "retry stopped: %v", err)
			}
		}
		return result, err
	}

	rs := resultScope(scope, result)
	if action.Assert != nil {
		for _, expect := range action.Assert.Expects {
			ok, evalErr := render.EvalGuard(expect, rs)
			if evalErr != nil {
				return result, errors.Plugin(false, "assertion %q: %v", expect, evalErr)
			}
			if !ok {
				return result, errors.Plugin(false, "assertion failed: %s", expect)
			}
		}
	}

	if action.Retry != nil && action.Retry.RetryWhen != "" {
		retry, evalErr := render.EvalGuard(action.Retry.RetryWhen, rs)
		if evalErr != nil {
			return result, errors.Plugin(false, "retry_when %q: %v", action.Retry.RetryWhen, evalErr)
		}
		if retry {
			return result, errors.Plugin(true, "retry_when matched")
		}
	}

	if action.Assert != nil && len(action.Assert.Returns) > 0 {
		shaped, shapeErr := render.RenderValue(action.Assert.Returns, rs)
		if shapeErr != nil {
			return result, errors.Plugin(false, "returns template: %v", shapeErr)
		}
		return shaped, nil
	}
	return result, nil
}

// settleFailure emits action_error and releases the lease. The emitted
// retryable flag accounts for attempt exhaustion so the broker sees a
// terminal error exactly when the queue dead-letters the item.
func (r *Runner) settleFailure(ctx context.Context, item *queue.Item, action *Action, fingerprint string, execErr error, leased bool) {
	key := queue.Key{ExecutionID: item.ExecutionID, NodeID: item.NodeID}
	logger := r.logger.With("execution_id", item.ExecutionID, "node_id", item.NodeID)

	retryable := errors.IsRetryable(execErr)
	exhausted := item.Retry.MaxAttempts > 0 && item.Attempts >= item.Retry.MaxAttempts

	kind := errors.KindOf(execErr)
	if kind == "" {
		kind = errors.KindPluginFailure
	}
	e := &eventlog.Event{
		ExecutionID: item.ExecutionID,
		Type:        eventlog.ActionError,
		Status:      eventlog.StatusError,
		NodeID:      item.NodeID,
		CatalogID:   item.CatalogID,
		WorkerID:    r.workerID,
		Error: &eventlog.ErrorInfo{
			Kind:        string(kind),
			Message:     execErr.Error(),
			Retryable:   retryable && !exhausted,
			NodeID:      item.NodeID,
			Fingerprint: fingerprint,
		},
	}
	if action != nil {
		e.NodeName = action.Name
		e.NodeType = action.Tool
		e.Iterator = action.Iterator
	}
	r.emit(ctx, logger, e)

	if err := r.client.Fail(ctx, key, r.workerID, retryable); err != nil {
		logger.Warn("fail settle failed", "error", err)
	}
}

// renderTask materializes the action template against the scope and
// fingerprints the rendered task for failure reproduction.
func (r *Runner) renderTask(action *Action, scope render.Scope) (*Task, string, error) {
	cfg, err := renderMap(action.Config, scope)
	if err != nil {
		return nil, "", err
	}
	data, err := renderMap(action.Data, scope)
	if err != nil {
		return nil, "", err
	}
	task := &Task{Tool: action.Tool, Name: action.Name, Config: cfg, Data: data}

	raw, err := json.Marshal(map[string]any{"tool": task.Tool, "config": cfg, "data": data})
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(raw)
	return task, hex.EncodeToString(sum[:8]), nil
}

func renderMap(m map[string]any, scope render.Scope) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	rendered, err := render.RenderValue(m, scope)
	if err != nil {
		return nil, err
	}
	out, _ := rendered.(map[string]any)
	return out, nil
}

// resultScope exposes the result to post-condition expressions: map
// fields at the top level plus the whole value under "result".
func resultScope(scope render.Scope, result any) render.Scope {
	rs := render.Layer(scope)
	if fields, ok := result.(map[string]any); ok {
		for k, v := range fields {
			rs[k] = v
		}
	}
	rs["result"] = result
	return rs
}

func (r *Runner) emit(ctx context.Context, logger *log.Logger, e *eventlog.Event) {
	if _, err := r.client.Emit(ctx, e); err != nil {
		if errors.Is(err, errors.ErrTerminal) {
			logger.Info("execution already terminal, event dropped", "event_type", e.Type)
			return
		}
		logger.Error("emit failed", "event_type", e.Type, "error", err)
	}
}
