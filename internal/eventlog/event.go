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

// Package eventlog is the single source of truth for execution state: an
// append-only log of immutable events per execution, plus derived
// snapshots rebuilt by replay. Marker events (step_started,
// loop_iteration) are idempotent through uniqueness constraints; every
// other type is plain append.
package eventlog

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventType enumerates the closed envelope of §event semantics.
type EventType string

const (
	ExecutionStarted  EventType = "execution_started"
	StepStarted       EventType = "step_started"
	ActionStarted     EventType = "action_started"
	ActionCompleted   EventType = "action_completed"
	ActionError       EventType = "action_error"
	StepCompleted     EventType = "step_completed"
	LoopIteration     EventType = "loop_iteration"
	LoopCompleted     EventType = "loop_completed"
	ExecutionComplete EventType = "execution_complete"
	ExecutionFailed   EventType = "execution_failed"
	Cancel            EventType = "cancel"
)

// Status is the coarse state an event reports.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Iterator tags a per-item event with its loop coordinates.
type Iterator struct {
	LoopID      string          `json:"loop_id"`
	Iterator    string          `json:"iterator,omitempty"` // element binding name
	Index       int             `json:"iteration_index"`
	CurrentItem json.RawMessage `json:"current_item,omitempty"`
	ItemsRef    string          `json:"items_ref,omitempty"`
}

// ErrorInfo is the structured error payload carried by action_error and
// execution_failed events.
type ErrorInfo struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"` // sha of the rendered task, for reproduction
}

// ResultRef points at an offloaded result in the blob store. Events keep
// only the reference and metadata once a result crosses the inline limit.
type ResultRef struct {
	Key         string `json:"key"`
	Bytes       int    `json:"bytes"`
	ContentType string `json:"content_type"`
}

// Event is one immutable record. EventID is assigned by the log and is
// strictly increasing per process; ParentEventID of zero marks a root.
type Event struct {
	EventID       int64           `json:"event_id,string"`
	ExecutionID   int64           `json:"execution_id,string"`
	ParentEventID int64           `json:"parent_event_id,string,omitempty"`
	Type          EventType       `json:"event_type"`
	Status        Status          `json:"status,omitempty"`
	NodeID        string          `json:"node_id,omitempty"`
	NodeName      string          `json:"node_name,omitempty"`
	NodeType      string          `json:"node_type,omitempty"`
	Iterator      *Iterator       `json:"iterator,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ResultRef     *ResultRef      `json:"result_ref,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	StackTrace    string          `json:"stack_trace,omitempty"`
	CatalogID     int64           `json:"catalog_id,string,omitempty"`
	WorkerID      string          `json:"worker_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

var knownTypes = map[EventType]bool{
	ExecutionStarted: true, StepStarted: true, ActionStarted: true,
	ActionCompleted: true, ActionError: true, StepCompleted: true,
	LoopIteration: true, LoopCompleted: true,
	ExecutionComplete: true, ExecutionFailed: true, Cancel: true,
}

var knownStatuses = map[Status]bool{
	StatusPending: true, StatusRunning: true, StatusOK: true,
	StatusError: true, StatusCancelled: true, StatusTimeout: true,
}

// IsTerminal reports whether the event closes its execution.
func (t EventType) IsTerminal() bool {
	return t == ExecutionComplete || t == ExecutionFailed
}

// IsMarker reports whether the event type deduplicates on its key
// instead of appending unconditionally.
func (t EventType) IsMarker() bool {
	return t == StepStarted || t == LoopIteration
}

// MarkerKey returns the dedup key for marker events. step_started keys
// on the node; loop_iteration keys on (loop, index).
func (e *Event) MarkerKey() string {
	switch e.Type {
	case StepStarted:
		return "step:" + e.NodeID
	case LoopIteration:
		if e.Iterator != nil {
			return "loop:" + e.Iterator.LoopID + ":" + strconv.Itoa(e.Iterator.Index)
		}
	}
	return ""
}
