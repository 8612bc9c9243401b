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

// Package broker is the orchestration state machine. It is a
// deterministic function of the event log: given an execution's ordered
// event prefix it computes the next emits and enqueues, so duplicate
// triggers reach the same decisions and the marker constraints absorb
// the repeats.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"noetl/internal/catalog"
	"noetl/internal/eventlog"
	"noetl/internal/ident"
	"noetl/internal/queue"
	"noetl/pkg/config"
	"noetl/pkg/errors"
	"noetl/pkg/log"
	"noetl/pkg/metrics"
)

// Broker consumes events and drives executions forward.
type Broker struct {
	events  *eventlog.Log
	jobs    queue.Store
	catalog *catalog.Catalog
	ids     *ident.Generator
	logger  *log.Logger

	visibility  time.Duration
	maxAttempts int
	reconcile   time.Duration
	reap        time.Duration
	workers     int

	locks  sync.Map // execution id -> *sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New assembles a broker from the shared services.
func New(events *eventlog.Log, jobs queue.Store, cat *catalog.Catalog, ids *ident.Generator, cfg *config.Config, logger *log.Logger) *Broker {
	workers := cfg.Broker.Workers
	if workers <= 0 {
		workers = 4
	}
	maxAttempts := cfg.Queue.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Broker{
		events:      events,
		jobs:        jobs,
		catalog:     cat,
		ids:         ids,
		logger:      logger.Component("broker"),
		visibility:  config.Duration(cfg.Queue.Visibility, 30*time.Second),
		maxAttempts: maxAttempts,
		reconcile:   config.Duration(cfg.Broker.ReconcileInterval, 10*time.Second),
		reap:        config.Duration(cfg.Broker.ReapInterval, 30*time.Second),
		workers:     workers,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the event consumers, the reconcile pass, and the
// timeout reaper.
func (b *Broker) Start(ctx context.Context) {
	ch := b.events.Subscribe(256)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-b.stopCh:
					return
				case <-ctx.Done():
					return
				case executionID := <-ch:
					if err := b.Advance(ctx, executionID); err != nil {
						b.logger.Error("advance failed", "execution_id", executionID, "error", err)
					}
				}
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.reconcile)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.reconcileOpen(ctx)
			}
		}
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.reap)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.reapTimeouts(ctx)
			}
		}
	}()
}

// Stop halts the loops and waits for in-flight advances.
func (b *Broker) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// StartExecution registers a new execution of the playbook at path
// (version 0 = latest) and advances it through its start step.
func (b *Broker) StartExecution(ctx context.Context, path string, version int, payload map[string]any) (int64, error) {
	resource, err := b.catalog.Get(ctx, path, version)
	if err != nil {
		return 0, err
	}
	if resource.Kind != catalog.KindPlaybook {
		return 0, errors.New(errors.KindInvalidResource, "%q is a %s, not a playbook", path, resource.Kind)
	}
	if _, err := b.catalog.Playbook(ctx, resource.ID); err != nil {
		return 0, err
	}

	executionID := b.ids.NewID()
	var contextRaw json.RawMessage
	if len(payload) > 0 {
		contextRaw, err = json.Marshal(payload)
		if err != nil {
			return 0, errors.WithCause(errors.KindInvalidEvent, err, "execution payload")
		}
	}
	_, err = b.events.Emit(ctx, &eventlog.Event{
		ExecutionID: executionID,
		Type:        eventlog.ExecutionStarted,
		Status:      eventlog.StatusRunning,
		CatalogID:   resource.ID,
		Context:     contextRaw,
	})
	if err != nil {
		return 0, err
	}
	if err := b.Advance(ctx, executionID); err != nil {
		return executionID, err
	}
	return executionID, nil
}

// CancelExecution records a cancel request; the next advance retires the
// queue and closes the execution.
func (b *Broker) CancelExecution(ctx context.Context, executionID int64) error {
	_, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID: executionID,
		Type:        eventlog.Cancel,
		Status:      eventlog.StatusCancelled,
	})
	if err != nil {
		return err
	}
	return b.Advance(ctx, executionID)
}

// lockFor serializes advances per execution. Concurrent triggers for
// different executions proceed in parallel.
func (b *Broker) lockFor(executionID int64) *sync.Mutex {
	mu, _ := b.locks.LoadOrStore(executionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// reconcileOpen re-advances every open execution, covering dropped
// notifications and repairing derived state after restarts.
func (b *Broker) reconcileOpen(ctx context.Context) {
	open, err := b.events.OpenExecutions(ctx)
	if err != nil {
		b.logger.Error("list open executions failed", "error", err)
		return
	}
	for _, executionID := range open {
		if err := b.Advance(ctx, executionID); err != nil {
			b.logger.Error("reconcile advance failed", "execution_id", executionID, "error", err)
		}
	}
}

// reapTimeouts fails steps that outlived their declared timeout.
func (b *Broker) reapTimeouts(ctx context.Context) {
	open, err := b.events.OpenExecutions(ctx)
	if err != nil {
		b.logger.Error("list open executions failed", "error", err)
		return
	}
	for _, executionID := range open {
		if err := b.reapExecution(ctx, executionID); err != nil {
			b.logger.Error("reap failed", "execution_id", executionID, "error", err)
		}
	}
}

func (b *Broker) reapExecution(ctx context.Context, executionID int64) error {
	mu := b.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()

	snap, err := b.events.GetSnapshot(ctx, executionID)
	if err != nil || snap.Status.Terminal() {
		return err
	}
	pb, err := b.catalog.Playbook(ctx, snap.CatalogID)
	if err != nil {
		return err
	}
	now := time.Now()
	if deadline, ok := pb.Workload["execution_timeout"].(string); ok {
		limit := config.Duration(deadline, 0)
		if limit > 0 && !snap.StartedAt.IsZero() && now.Sub(snap.StartedAt) >= limit {
			b.logger.Warn("execution timed out", "execution_id", executionID, "timeout", deadline)
			if _, err := b.jobs.Retire(ctx, executionID); err != nil {
				return err
			}
			_, err := b.events.Emit(ctx, &eventlog.Event{
				ExecutionID: executionID,
				Type:        eventlog.ExecutionFailed,
				Status:      eventlog.StatusTimeout,
				Error: &eventlog.ErrorInfo{
					Kind:    string(errors.KindTimeout),
					Message: "execution exceeded timeout " + deadline,
				},
			})
			if err != nil && !errors.Is(err, errors.ErrTerminal) {
				return err
			}
			return nil
		}
	}
	for nodeID, st := range snap.Steps {
		if st.Phase != eventlog.PhasePending && st.Phase != eventlog.PhaseRunning {
			continue
		}
		step, ok := pb.StepByID(nodeID)
		if !ok || step.Timeout == "" {
			continue
		}
		timeout := config.Duration(step.Timeout, 0)
		if timeout <= 0 || st.StartedAt.IsZero() || now.Sub(st.StartedAt) < timeout {
			continue
		}
		b.logger.Warn("step timed out", "execution_id", executionID, "node_id", nodeID, "timeout", step.Timeout)
		_, err := b.events.Emit(ctx, &eventlog.Event{
			ExecutionID:   executionID,
			ParentEventID: st.StartedEventID,
			Type:          eventlog.ActionError,
			Status:        eventlog.StatusTimeout,
			NodeID:        nodeID,
			Error: &eventlog.ErrorInfo{
				Kind:    string(errors.KindTimeout),
				Message: "step exceeded timeout " + step.Timeout,
				NodeID:  nodeID,
			},
		})
		if err != nil && !errors.Is(err, errors.ErrTerminal) {
			return err
		}
		if _, err := b.jobs.RetireLoop(ctx, executionID, nodeID); err != nil {
			return err
		}
	}
	return nil
}

// observeAdvance records the advance latency.
func observeAdvance(start time.Time) {
	metrics.BrokerAdvanceDuration.Observe(time.Since(start).Seconds())
}
