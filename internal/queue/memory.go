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

package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"noetl/pkg/errors"
	"noetl/pkg/metrics"
)

// memoryStore is the in-process queue backend. The clock is injectable
// so backoff and lease expiry are testable without sleeping.
type memoryStore struct {
	mu    sync.Mutex
	items map[Key]*Item
	seq   int64
	now   func() time.Time
}

// NewMemoryStore creates an in-process Store.
func NewMemoryStore() Store {
	return &memoryStore{items: make(map[Key]*Item), now: time.Now}
}

// NewMemoryStoreWithClock creates a Store on an explicit clock.
func NewMemoryStoreWithClock(now func() time.Time) Store {
	return &memoryStore{items: make(map[Key]*Item), now: now}
}

func (s *memoryStore) Enqueue(ctx context.Context, item *Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{ExecutionID: item.ExecutionID, NodeID: item.NodeID}
	if _, dup := s.items[key]; dup {
		return false, nil
	}
	cp := *item
	cp.Status = StatusReady
	if cp.AvailableAt.IsZero() {
		cp.AvailableAt = s.now()
	}
	s.seq++
	cp.Seq = s.seq
	s.items[key] = &cp
	metrics.QueueDepth.WithLabelValues(string(StatusReady)).Inc()
	return true, nil
}

func (s *memoryStore) Lease(ctx context.Context, workerID string, n int, visibility time.Duration) ([]*Item, error) {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var due []*Item
	for _, it := range s.items {
		if it.Status == StatusReady && !it.AvailableAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].Seq < due[j].Seq
	})

	var out []*Item
	for _, it := range due {
		if len(out) == n {
			break
		}
		if it.Retry.MaxAttempts > 0 && it.Attempts >= it.Retry.MaxAttempts {
			it.Status = StatusDead
			metrics.QueueDepth.WithLabelValues(string(StatusReady)).Dec()
			metrics.DeadLetterTotal.Inc()
			continue
		}
		it.Status = StatusLeased
		it.Attempts++
		it.LeaseDeadline = now.Add(visibility)
		it.LastWorkerID = workerID
		metrics.QueueDepth.WithLabelValues(string(StatusReady)).Dec()
		metrics.LeasesTotal.Inc()
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memoryStore) Heartbeat(ctx context.Context, key Key, workerID string, visibility time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok || it.Status != StatusLeased || it.LastWorkerID != workerID || it.LeaseDeadline.Before(s.now()) {
		return errors.ErrLeaseLost
	}
	it.LeaseDeadline = s.now().Add(visibility)
	return nil
}

func (s *memoryStore) Complete(ctx context.Context, key Key, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "queue item %d/%s", key.ExecutionID, key.NodeID)
	}
	if it.Status != StatusLeased || it.LastWorkerID != workerID {
		return errors.ErrLeaseLost
	}
	it.Status = StatusDone
	return nil
}

func (s *memoryStore) Fail(ctx context.Context, key Key, workerID string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "queue item %d/%s", key.ExecutionID, key.NodeID)
	}
	if it.Status != StatusLeased || it.LastWorkerID != workerID {
		return errors.ErrLeaseLost
	}
	if retryable && (it.Retry.MaxAttempts <= 0 || it.Attempts < it.Retry.MaxAttempts) {
		it.Status = StatusReady
		it.AvailableAt = s.now().Add(it.Retry.Backoff(it.Attempts))
		metrics.QueueDepth.WithLabelValues(string(StatusReady)).Inc()
		metrics.RetriesTotal.Inc()
		return nil
	}
	it.Status = StatusDead
	metrics.DeadLetterTotal.Inc()
	return nil
}

func (s *memoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	swept := 0
	for _, it := range s.items {
		if it.Status == StatusLeased && it.LeaseDeadline.Before(now) {
			it.Status = StatusReady
			it.AvailableAt = now
			metrics.QueueDepth.WithLabelValues(string(StatusReady)).Inc()
			swept++
		}
	}
	return swept, nil
}

func (s *memoryStore) Retire(ctx context.Context, executionID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	retired := 0
	for key, it := range s.items {
		if key.ExecutionID != executionID {
			continue
		}
		switch it.Status {
		case StatusReady, StatusLeased:
			delete(s.items, key)
			retired++
		}
	}
	return retired, nil
}

func (s *memoryStore) RetireLoop(ctx context.Context, executionID int64, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := stepID + "["
	retired := 0
	for key, it := range s.items {
		if key.ExecutionID != executionID || !strings.HasPrefix(key.NodeID, prefix) {
			continue
		}
		switch it.Status {
		case StatusReady, StatusLeased:
			delete(s.items, key)
			retired++
		}
	}
	return retired, nil
}

func (s *memoryStore) DeadLetters(ctx context.Context) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []*Item
	for _, it := range s.items {
		if it.Status == StatusDead {
			cp := *it
			dead = append(dead, &cp)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].Seq < dead[j].Seq })
	return dead, nil
}

func (s *memoryStore) RequeueDead(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok || it.Status != StatusDead {
		return errors.Wrapf(errors.ErrNotFound, "dead item %d/%s", key.ExecutionID, key.NodeID)
	}
	it.Status = StatusReady
	it.Attempts = 0
	it.AvailableAt = s.now()
	metrics.QueueDepth.WithLabelValues(string(StatusReady)).Inc()
	return nil
}

func (s *memoryStore) Close() {}
