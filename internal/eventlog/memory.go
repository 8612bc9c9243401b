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
	"sort"
	"sync"
)

// memoryStore keeps the log in process. It backs hermetic tests and the
// single-binary dev mode; semantics match the Postgres backend.
type memoryStore struct {
	mu       sync.RWMutex
	byExec   map[int64][]Event
	markers  map[int64]map[string]int64 // execution -> marker key -> event id
	terminal map[int64]bool
}

// NewMemoryStore creates an in-process Store.
func NewMemoryStore() Store {
	return &memoryStore{
		byExec:   make(map[int64][]Event),
		markers:  make(map[int64]map[string]int64),
		terminal: make(map[int64]bool),
	}
}

func (s *memoryStore) Insert(ctx context.Context, e *Event) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Type.IsMarker() {
		if keys, ok := s.markers[e.ExecutionID]; ok {
			if existing, dup := keys[e.MarkerKey()]; dup {
				return existing, false, nil
			}
		}
	}

	ev := *e
	if len(e.Context) > 0 {
		ev.Context = append([]byte(nil), e.Context...)
	}
	if len(e.Result) > 0 {
		ev.Result = append([]byte(nil), e.Result...)
	}
	s.byExec[e.ExecutionID] = append(s.byExec[e.ExecutionID], ev)

	if e.Type.IsMarker() {
		keys, ok := s.markers[e.ExecutionID]
		if !ok {
			keys = make(map[string]int64)
			s.markers[e.ExecutionID] = keys
		}
		keys[e.MarkerKey()] = e.EventID
	}
	if e.Type.IsTerminal() {
		s.terminal[e.ExecutionID] = true
	}
	return e.EventID, true, nil
}

func (s *memoryStore) ListEvents(ctx context.Context, executionID, since int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byExec[executionID]
	out := make([]Event, 0, len(events))
	for i := range events {
		if events[i].EventID > since {
			out = append(out, events[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (s *memoryStore) HasTerminal(ctx context.Context, executionID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminal[executionID], nil
}

func (s *memoryStore) OpenExecutions(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id := range s.byExec {
		if !s.terminal[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memoryStore) Close() {}
