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

// Package queue delivers jobs to workers at-least-once: atomic lease
// with visibility timeout, heartbeat renewal, bounded attempts with
// exponential backoff, and a dead-letter set for poison items.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Status of a queue item. Transitions follow
// ready -> leased -> (done | ready | dead); the sweeper moves expired
// leases back to ready.
type Status string

const (
	StatusReady  Status = "ready"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

// RetrySpec is the per-item backoff policy, taken from the step's retry
// block with queue-level defaults filled in.
type RetrySpec struct {
	MaxAttempts int           `json:"max_attempts"`
	Initial     time.Duration `json:"initial"`
	Multiplier  float64       `json:"multiplier"`
	Max         time.Duration `json:"max"`
}

// Backoff returns the re-delivery delay after the given attempt count.
func (r RetrySpec) Backoff(attempts int) time.Duration {
	d := r.Initial
	if d <= 0 {
		return 0
	}
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * mult)
		if r.Max > 0 && d >= r.Max {
			return r.Max
		}
	}
	if r.Max > 0 && d > r.Max {
		return r.Max
	}
	return d
}

// Item is one lease-able unit of work, keyed by (execution_id, node_id).
// Action holds the task template; the worker renders it against Context
// on every attempt, so retries see the updated attempt counter.
type Item struct {
	ExecutionID   int64           `json:"execution_id,string"`
	NodeID        string          `json:"node_id"`
	CatalogID     int64           `json:"catalog_id,string,omitempty"`
	Action        json.RawMessage `json:"action"`
	Context       json.RawMessage `json:"context,omitempty"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	Retry         RetrySpec       `json:"retry"`
	AvailableAt   time.Time       `json:"available_at"`
	LeaseDeadline time.Time       `json:"lease_deadline,omitempty"`
	Status        Status          `json:"status"`
	LastWorkerID  string          `json:"last_worker_id,omitempty"`
	Seq           int64           `json:"-"` // enqueue order, assigned by the store
}

// Key identifies an item in the worker protocol.
type Key struct {
	ExecutionID int64  `json:"execution_id,string"`
	NodeID      string `json:"node_id"`
}

// Store is the queue backend. All mutations are atomic per item.
type Store interface {
	// Enqueue inserts the item as ready. A second enqueue with the same
	// (execution_id, node_id) is a no-op returning false.
	Enqueue(ctx context.Context, item *Item) (bool, error)

	// Lease atomically marks up to n due ready items as leased by
	// workerID until now+visibility, incrementing attempts. Items whose
	// attempts already reached max are moved to dead instead of
	// delivered. Delivery order: priority desc, enqueue order asc.
	Lease(ctx context.Context, workerID string, n int, visibility time.Duration) ([]*Item, error)

	// Heartbeat extends the lease when workerID still owns it;
	// otherwise errors.ErrLeaseLost.
	Heartbeat(ctx context.Context, key Key, workerID string, visibility time.Duration) error

	// Complete marks the item done. The lease must still be held.
	Complete(ctx context.Context, key Key, workerID string) error

	// Fail releases the item: retryable failures with attempts left go
	// back to ready after backoff, everything else goes dead.
	Fail(ctx context.Context, key Key, workerID string, retryable bool) error

	// Sweep returns expired leases to ready and reports how many moved.
	Sweep(ctx context.Context) (int, error)

	// Retire drops all non-terminal items of an execution (cancel path)
	// so held leases report lost on the next heartbeat.
	Retire(ctx context.Context, executionID int64) (int, error)

	// RetireLoop drops the execution's non-terminal sub-items of one
	// step, identified by the "step[index]" node id shape (fail_fast).
	RetireLoop(ctx context.Context, executionID int64, stepID string) (int, error)

	// DeadLetters lists dead items, oldest first.
	DeadLetters(ctx context.Context) ([]*Item, error)

	// RequeueDead returns one dead item to ready with attempts reset.
	RequeueDead(ctx context.Context, key Key) error

	// Close releases backend resources.
	Close()
}
