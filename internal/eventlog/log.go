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

package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"noetl/internal/blob"
	"noetl/internal/ident"
	"noetl/pkg/errors"
	"noetl/pkg/log"
	"noetl/pkg/metrics"
)

// Log is the event log service: validation, idempotent emit, terminal
// guarding, blob offload of oversized results, and change notification
// for the broker. Persistence is delegated to a Store backend.
type Log struct {
	store       Store
	blobs       blob.Store
	ids         *ident.Generator
	logger      *log.Logger
	inlineLimit int

	subMu sync.Mutex
	subs  []chan int64
}

// DefaultInlineLimit caps inline result payloads at 64 KiB.
const DefaultInlineLimit = 64 * 1024

// NewLog assembles the service. A nil blobs store disables offloading;
// inlineLimit <= 0 uses the default.
func NewLog(store Store, blobs blob.Store, ids *ident.Generator, logger *log.Logger, inlineLimit int) *Log {
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	return &Log{
		store:       store,
		blobs:       blobs,
		ids:         ids,
		logger:      logger.Component("eventlog"),
		inlineLimit: inlineLimit,
	}
}

// Emit validates and persists one event, returning its assigned id.
// Duplicate markers return the existing id. Events against a terminal
// execution are refused with errors.ErrTerminal.
func (l *Log) Emit(ctx context.Context, e *Event) (int64, error) {
	if err := l.validate(e); err != nil {
		return 0, err
	}

	terminal, err := l.store.HasTerminal(ctx, e.ExecutionID)
	if err != nil {
		return 0, err
	}
	if terminal {
		// I5: terminal status is set exactly once and nothing follows it
		return 0, errors.Wrapf(errors.ErrTerminal, "execution %d refuses %s", e.ExecutionID, e.Type)
	}

	if e.CatalogID == 0 && e.Type != ExecutionStarted {
		l.resolveCatalogID(ctx, e)
	}
	if e.ParentEventID != 0 {
		l.checkParent(ctx, e)
	}

	e.EventID = l.ids.NewID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if l.blobs != nil && len(e.Result) > l.inlineLimit {
		key := fmt.Sprintf("result/%d/%d", e.ExecutionID, e.EventID)
		if err := l.blobs.Put(ctx, key, e.Result); err != nil {
			return 0, errors.WithCause(errors.KindTransientStorage, err, "offload result")
		}
		e.ResultRef = &ResultRef{Key: key, Bytes: len(e.Result), ContentType: "application/json"}
		e.Result = nil
	}

	start := time.Now()
	id, inserted, err := l.store.Insert(ctx, e)
	metrics.EventAppendDuration.WithLabelValues("store").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	if !inserted {
		// idempotent duplicate; snapshot unchanged
		return id, nil
	}

	metrics.EventsTotal.WithLabelValues(string(e.Type)).Inc()
	if e.Type.IsTerminal() {
		outcome := "complete"
		if e.Type == ExecutionFailed {
			outcome = "failed"
			if e.Error != nil && e.Error.Kind == "Cancelled" {
				outcome = "cancelled"
			}
		}
		metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
	}
	l.notify(e.ExecutionID)
	return id, nil
}

func (l *Log) validate(e *Event) error {
	if e == nil {
		return errors.New(errors.KindInvalidEvent, "nil event")
	}
	if e.ExecutionID == 0 {
		return errors.New(errors.KindInvalidEvent, "execution_id is required")
	}
	if !knownTypes[e.Type] {
		return errors.New(errors.KindInvalidEvent, "unknown event_type %q", e.Type)
	}
	if e.Status != "" && !knownStatuses[e.Status] {
		return errors.New(errors.KindInvalidEvent, "unknown status %q", e.Status)
	}
	switch e.Type {
	case StepStarted:
		if e.NodeID == "" {
			return errors.New(errors.KindInvalidEvent, "step_started requires node_id")
		}
	case LoopIteration:
		if e.Iterator == nil || e.Iterator.LoopID == "" {
			return errors.New(errors.KindInvalidEvent, "loop_iteration requires iterator.loop_id")
		}
	}
	return nil
}

// resolveCatalogID pulls the catalog id from the execution's root event.
// An unresolvable id is persisted as null with a repair record logged.
func (l *Log) resolveCatalogID(ctx context.Context, e *Event) {
	events, err := l.store.ListEvents(ctx, e.ExecutionID, 0)
	if err != nil {
		return
	}
	for i := range events {
		if events[i].CatalogID != 0 {
			e.CatalogID = events[i].CatalogID
			return
		}
	}
	l.logger.Warn("catalog_id unresolvable, persisting null",
		"execution_id", e.ExecutionID, "event_type", e.Type, "node_id", e.NodeID)
}

// checkParent flags orphans (I3 is reconciled by the broker, not
// enforced here: the event is still accepted).
func (l *Log) checkParent(ctx context.Context, e *Event) {
	events, err := l.store.ListEvents(ctx, e.ExecutionID, 0)
	if err != nil {
		return
	}
	for i := range events {
		if events[i].EventID == e.ParentEventID {
			return
		}
	}
	if e.Type == ExecutionStarted {
		// child executions point at the parent execution's step marker
		return
	}
	l.logger.Warn("orphan event: parent not in execution",
		"execution_id", e.ExecutionID, "parent_event_id", e.ParentEventID, "event_type", e.Type)
}

// Stream returns the events of an execution after since, in event_id
// order. The sequence is finite; callers poll for more.
func (l *Log) Stream(ctx context.Context, executionID, since int64) ([]Event, error) {
	return l.store.ListEvents(ctx, executionID, since)
}

// GetSnapshot replays the execution's log into its derived view.
func (l *Log) GetSnapshot(ctx context.Context, executionID int64) (*Snapshot, error) {
	events, err := l.store.ListEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %d", executionID)
	}
	return Replay(executionID, events), nil
}

// RebuildSnapshot recomputes the snapshot from scratch. It is the same
// replay GetSnapshot performs; the separate name marks intent at call
// sites that repair derived state.
func (l *Log) RebuildSnapshot(ctx context.Context, executionID int64) (*Snapshot, error) {
	return l.GetSnapshot(ctx, executionID)
}

// Hydrate loads an offloaded result payload.
func (l *Log) Hydrate(ctx context.Context, ref *ResultRef) ([]byte, error) {
	if ref == nil {
		return nil, errors.ErrNotFound
	}
	if l.blobs == nil {
		return nil, errors.New(errors.KindNotFound, "no blob store configured for %s", ref.Key)
	}
	return l.blobs.Get(ctx, ref.Key)
}

// OpenExecutions lists executions that still need broker attention.
func (l *Log) OpenExecutions(ctx context.Context) ([]int64, error) {
	return l.store.OpenExecutions(ctx)
}

// Subscribe returns a channel receiving execution ids whose logs grew.
// Slow consumers drop notifications; the broker's reconcile pass covers
// the gap.
func (l *Log) Subscribe(buffer int) <-chan int64 {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan int64, buffer)
	l.subMu.Lock()
	l.subs = append(l.subs, ch)
	l.subMu.Unlock()
	return ch
}

func (l *Log) notify(executionID int64) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- executionID:
		default:
		}
	}
}

// Close releases the backend.
func (l *Log) Close() {
	l.store.Close()
}
