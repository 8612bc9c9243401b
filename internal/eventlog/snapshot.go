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
	"encoding/json"
	"time"
)

// StepPhase is the per-step state machine position.
type StepPhase string

const (
	PhasePending   StepPhase = "pending"
	PhaseRunning   StepPhase = "running"
	PhaseSucceeded StepPhase = "succeeded"
	PhaseFailed    StepPhase = "failed"
	PhaseClosed    StepPhase = "closed"
)

// ExecStatus is the execution-level status derived from the log.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecComplete  ExecStatus = "complete"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Terminal reports whether the execution accepts no further step events.
func (s ExecStatus) Terminal() bool {
	return s == ExecComplete || s == ExecFailed || s == ExecCancelled
}

// StepState is the derived view of one step. It holds event ids, not
// event copies; the log owns the payloads.
type StepState struct {
	NodeID         string          `json:"node_id"`
	Phase          StepPhase       `json:"phase"`
	Attempts       int             `json:"attempts"` // action_error count so far
	StartedEventID int64           `json:"started_event_id"`
	LastEventID    int64           `json:"last_event_id"`
	Result         json.RawMessage `json:"result,omitempty"`
	ResultRef      *ResultRef      `json:"result_ref,omitempty"`
	Error          *ErrorInfo      `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
}

// Frame is the derived per-loop aggregation state. Results are indexed
// by iteration_index regardless of arrival order.
type Frame struct {
	LoopID    string            `json:"loop_id"`
	StepID    string            `json:"step_id"`
	Total     int               `json:"total"`
	Pending   int               `json:"pending"`
	Results   []json.RawMessage `json:"results"`
	Errors    []*ErrorInfo      `json:"errors"`
	Completed bool              `json:"completed"`
	Arrival   []int             `json:"arrival,omitempty"` // iteration indexes in completion order
}

// Snapshot is the rebuildable view of one execution, a pure function of
// its ordered event prefix.
type Snapshot struct {
	ExecutionID     int64                 `json:"execution_id,string"`
	CatalogID       int64                 `json:"catalog_id,string"`
	Status          ExecStatus            `json:"status"`
	Steps           map[string]*StepState `json:"steps"`
	Frames          map[string]*Frame     `json:"frames"`
	LastEventID     int64                 `json:"last_event_id"`
	Result          json.RawMessage       `json:"result,omitempty"`
	Error           *ErrorInfo            `json:"error,omitempty"`
	CancelRequested bool                  `json:"cancel_requested"`
	StartedAt       time.Time             `json:"started_at"`
	RootEventID     int64                 `json:"root_event_id"`
	ParentEventID   int64                 `json:"parent_event_id,string,omitempty"`
}

// CurrentSteps returns the ids of steps that are not yet closed, in no
// particular order.
func (s *Snapshot) CurrentSteps() []string {
	var open []string
	for id, st := range s.Steps {
		if st.Phase != PhaseClosed {
			open = append(open, id)
		}
	}
	return open
}

// OpenWork reports whether any step still has progress to make.
func (s *Snapshot) OpenWork() bool {
	for _, st := range s.Steps {
		if st.Phase != PhaseClosed {
			return true
		}
	}
	return false
}

// Replay folds events (assumed ordered by event_id) into a snapshot.
// Replay is deterministic and total: unknown or out-of-order events only
// advance LastEventID. The broker and both store backends share it, so
// derived state can always be rebuilt from the log alone.
func Replay(executionID int64, events []Event) *Snapshot {
	snap := &Snapshot{
		ExecutionID: executionID,
		Status:      ExecRunning,
		Steps:       make(map[string]*StepState),
		Frames:      make(map[string]*Frame),
	}
	for i := range events {
		applyEvent(snap, &events[i])
	}
	return snap
}

func applyEvent(snap *Snapshot, e *Event) {
	if e.EventID > snap.LastEventID {
		snap.LastEventID = e.EventID
	}
	if e.CatalogID != 0 && snap.CatalogID == 0 {
		snap.CatalogID = e.CatalogID
	}

	switch e.Type {
	case ExecutionStarted:
		snap.StartedAt = e.CreatedAt
		snap.RootEventID = e.EventID
		snap.ParentEventID = e.ParentEventID

	case StepStarted:
		st := stepOf(snap, e.NodeID)
		if st.StartedEventID == 0 {
			st.StartedEventID = e.EventID
			st.StartedAt = e.CreatedAt
			st.Phase = PhasePending
		}
		st.LastEventID = e.EventID

	case ActionStarted:
		st := stepOf(snap, baseNode(e))
		if st.Phase == PhasePending {
			st.Phase = PhaseRunning
		}
		st.LastEventID = e.EventID

	case ActionCompleted:
		if e.Iterator != nil {
			applyLoopItem(snap, e, nil)
		} else {
			st := stepOf(snap, e.NodeID)
			st.Phase = PhaseSucceeded
			st.Result = e.Result
			st.ResultRef = e.ResultRef
			st.Error = nil
			st.LastEventID = e.EventID
		}

	case ActionError:
		errInfo := e.Error
		if errInfo == nil {
			errInfo = &ErrorInfo{Kind: "PluginFailure", Message: "unknown error"}
		}
		if e.Iterator != nil {
			applyLoopItem(snap, e, errInfo)
		} else {
			st := stepOf(snap, e.NodeID)
			st.Attempts++
			if errInfo.Retryable {
				// awaiting re-delivery under queue backoff
				st.Phase = PhasePending
			} else {
				st.Phase = PhaseFailed
				st.Error = errInfo
			}
			st.LastEventID = e.EventID
		}

	case LoopIteration:
		if e.Iterator == nil {
			return
		}
		fr := frameOf(snap, e.Iterator.LoopID, e.NodeID)
		if e.Iterator.Index >= fr.Total {
			grow := e.Iterator.Index + 1 - fr.Total
			fr.Total = e.Iterator.Index + 1
			fr.Pending += grow
			fr.Results = append(fr.Results, make([]json.RawMessage, grow)...)
			fr.Errors = append(fr.Errors, make([]*ErrorInfo, grow)...)
		}

	case LoopCompleted:
		if e.Iterator != nil {
			fr := frameOf(snap, e.Iterator.LoopID, e.NodeID)
			fr.Completed = true
		}
		st := stepOf(snap, e.NodeID)
		if e.Status == StatusError {
			st.Phase = PhaseFailed
			st.Error = e.Error
		} else {
			st.Phase = PhaseSucceeded
			st.Result = e.Result
			st.ResultRef = e.ResultRef
		}
		st.LastEventID = e.EventID

	case StepCompleted:
		st := stepOf(snap, e.NodeID)
		st.Phase = PhaseClosed
		if len(e.Result) > 0 {
			st.Result = e.Result
		}
		if e.ResultRef != nil {
			st.ResultRef = e.ResultRef
		}
		st.LastEventID = e.EventID

	case Cancel:
		snap.CancelRequested = true

	case ExecutionComplete:
		snap.Status = ExecComplete
		snap.Result = e.Result

	case ExecutionFailed:
		snap.Status = ExecFailed
		snap.Error = e.Error
		if e.Error != nil && e.Error.Kind == "Cancelled" {
			snap.Status = ExecCancelled
		}
	}
}

// applyLoopItem folds one per-item terminal event into its frame.
// Arrival order is preserved in Arrival; Results stay index-ordered.
func applyLoopItem(snap *Snapshot, e *Event, itemErr *ErrorInfo) {
	fr := frameOf(snap, e.Iterator.LoopID, baseNode(e))
	idx := e.Iterator.Index
	if idx >= fr.Total {
		grow := idx + 1 - fr.Total
		fr.Total = idx + 1
		fr.Pending += grow
		fr.Results = append(fr.Results, make([]json.RawMessage, grow)...)
		fr.Errors = append(fr.Errors, make([]*ErrorInfo, grow)...)
	}
	if itemErr != nil && itemErr.Retryable {
		// retried item, not terminal yet
		return
	}
	if fr.Results[idx] != nil || fr.Errors[idx] != nil {
		return // duplicate delivery
	}
	if itemErr != nil {
		fr.Errors[idx] = itemErr
	} else {
		result := e.Result
		if result == nil {
			result = json.RawMessage("null")
		}
		fr.Results[idx] = result
	}
	fr.Arrival = append(fr.Arrival, idx)
	if fr.Pending > 0 {
		fr.Pending--
	}
}

func stepOf(snap *Snapshot, nodeID string) *StepState {
	st, ok := snap.Steps[nodeID]
	if !ok {
		st = &StepState{NodeID: nodeID, Phase: PhasePending}
		snap.Steps[nodeID] = st
	}
	return st
}

func frameOf(snap *Snapshot, loopID, stepID string) *Frame {
	fr, ok := snap.Frames[loopID]
	if !ok {
		fr = &Frame{LoopID: loopID, StepID: stepID}
		snap.Frames[loopID] = fr
	}
	if fr.StepID == "" {
		fr.StepID = stepID
	}
	return fr
}

// baseNode strips the iterator suffix ("each[3]" -> "each") so per-item
// events land on their owning step.
func baseNode(e *Event) string {
	id := e.NodeID
	for i := 0; i < len(id); i++ {
		if id[i] == '[' {
			return id[:i]
		}
	}
	return id
}
