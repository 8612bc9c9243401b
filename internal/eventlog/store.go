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
)

// Store is the persistence backend for the event log. Implementations
// must make Insert idempotent for marker events: a second insert with
// the same marker key returns the existing event id and inserted=false.
type Store interface {
	// Insert persists e with its pre-assigned EventID. For duplicate
	// markers it returns the id of the already-persisted event.
	Insert(ctx context.Context, e *Event) (eventID int64, inserted bool, err error)

	// ListEvents returns the events of an execution with event_id >
	// since, ordered by event_id.
	ListEvents(ctx context.Context, executionID, since int64) ([]Event, error)

	// HasTerminal reports whether the execution already carries an
	// execution_complete or execution_failed event.
	HasTerminal(ctx context.Context, executionID int64) (bool, error)

	// OpenExecutions lists executions without a terminal event, for the
	// broker's reconcile and reaper passes.
	OpenExecutions(ctx context.Context) ([]int64, error)

	// Close releases backend resources.
	Close()
}
