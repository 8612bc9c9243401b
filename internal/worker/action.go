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

package worker

import (
	"encoding/json"

	"noetl/internal/eventlog"
	"noetl/internal/playbook"
)

// Action is the task payload the broker places on the queue: the
// unrendered template plus attempt policy. The worker materializes it
// against the item context on every attempt, so a retry sees the
// refreshed attempt counter.
type Action struct {
	Tool     string             `json:"tool"`
	Name     string             `json:"name,omitempty"` // workbook task or step id
	Config   map[string]any     `json:"config,omitempty"`
	Data     map[string]any     `json:"data,omitempty"`
	Assert   *playbook.Assert   `json:"assert,omitempty"`
	Save     *playbook.Save     `json:"save,omitempty"`
	Retry    *playbook.Retry    `json:"retry,omitempty"` // retry_when / stop_when, evaluated against the result
	Timeout  string             `json:"timeout,omitempty"`
	Iterator *eventlog.Iterator `json:"iterator,omitempty"` // set on loop sub-jobs
}

// Encode marshals the action for a queue item.
func (a *Action) Encode() (json.RawMessage, error) {
	return json.Marshal(a)
}

// DecodeAction unmarshals a queue item payload.
func DecodeAction(raw json.RawMessage) (*Action, error) {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
