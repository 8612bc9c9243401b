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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl/pkg/errors"
)

// fakeClock drives the store without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time              { return c.t }
func (c *fakeClock) Advance(d time.Duration)     { c.t = c.t.Add(d) }
func newClock() *fakeClock                       { return &fakeClock{t: time.Unix(1700000000, 0)} }
func item(exec int64, node string, prio int) *Item {
	return &Item{
		ExecutionID: exec,
		NodeID:      node,
		Action:      json.RawMessage(`{"tool":"noop"}`),
		Priority:    prio,
		Retry:       RetrySpec{MaxAttempts: 3, Initial: time.Second, Multiplier: 2},
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inserted, err := s.Enqueue(ctx, item(1, "fetch", 0))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Enqueue(ctx, item(1, "fetch", 0))
	require.NoError(t, err)
	assert.False(t, inserted, "same (execution, node) is a no-op")

	inserted, err = s.Enqueue(ctx, item(2, "fetch", 0))
	require.NoError(t, err)
	assert.True(t, inserted, "different execution is a different item")
}

func TestLeaseOrderPriorityThenSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require1(t)(s.Enqueue(ctx, item(1, "low-a", 0)))
	require1(t)(s.Enqueue(ctx, item(1, "high", 5)))
	require1(t)(s.Enqueue(ctx, item(1, "low-b", 0)))

	items, err := s.Lease(ctx, "w1", 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "high", items[0].NodeID)
	assert.Equal(t, "low-a", items[1].NodeID)
	assert.Equal(t, "low-b", items[2].NodeID)
	assert.Equal(t, 1, items[0].Attempts)
}

func TestLeaseRespectsAvailability(t *testing.T) {
	clock := newClock()
	s := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()

	it := item(1, "fetch", 0)
	it.AvailableAt = clock.Now().Add(10 * time.Second)
	require1(t)(s.Enqueue(ctx, it))

	items, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, items, "not due yet")

	clock.Advance(11 * time.Second)
	items, err = s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestHeartbeatAndLeaseLost(t *testing.T) {
	clock := newClock()
	s := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()

	require1(t)(s.Enqueue(ctx, item(1, "fetch", 0)))
	items, err := s.Lease(ctx, "w1", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	key := Key{ExecutionID: 1, NodeID: "fetch"}

	require.NoError(t, s.Heartbeat(ctx, key, "w1", 30*time.Second))

	// another worker does not own the lease
	err = s.Heartbeat(ctx, key, "w2", 30*time.Second)
	assert.ErrorIs(t, err, errors.ErrLeaseLost)

	// past the deadline the lease is gone even for the owner
	clock.Advance(31 * time.Second)
	err = s.Heartbeat(ctx, key, "w1", 30*time.Second)
	assert.ErrorIs(t, err, errors.ErrLeaseLost)
}

func TestCompleteRequiresLease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key{ExecutionID: 1, NodeID: "fetch"}

	require1(t)(s.Enqueue(ctx, item(1, "fetch", 0)))
	_, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Complete(ctx, key, "w2"), errors.ErrLeaseLost)
	require.NoError(t, s.Complete(ctx, key, "w1"))

	// done items never lease again
	items, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFailRetryableBacksOff(t *testing.T) {
	clock := newClock()
	s := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()
	key := Key{ExecutionID: 1, NodeID: "fetch"}

	require1(t)(s.Enqueue(ctx, item(1, "fetch", 0)))
	_, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, key, "w1", true))

	// backoff after attempt 1 is the initial delay
	items, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, items, "still backing off")

	clock.Advance(time.Second)
	items, err = s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)
}

func TestFailNonRetryableGoesDead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key{ExecutionID: 1, NodeID: "fetch"}

	require1(t)(s.Enqueue(ctx, item(1, "fetch", 0)))
	_, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, key, "w1", false))

	dead, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "fetch", dead[0].NodeID)
}

func TestPoisonDeadLettersAfterMaxAttempts(t *testing.T) {
	clock := newClock()
	s := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()
	key := Key{ExecutionID: 1, NodeID: "fetch"}

	it := item(1, "fetch", 0)
	it.Retry.MaxAttempts = 2
	require1(t)(s.Enqueue(ctx, it))

	for attempt := 0; attempt < 2; attempt++ {
		items, err := s.Lease(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, items, 1, "attempt %d", attempt+1)
		require.NoError(t, s.Fail(ctx, key, "w1", true))
		clock.Advance(time.Minute)
	}

	// attempts exhausted: the item is dead, not delivered
	items, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, items)
	dead, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestSweepReturnsExpiredLeases(t *testing.T) {
	clock := newClock()
	s := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()

	require1(t)(s.Enqueue(ctx, item(1, "fetch", 0)))
	_, err := s.Lease(ctx, "w1", 1, 30*time.Second)
	require.NoError(t, err)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still live")

	clock.Advance(31 * time.Second)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := s.Lease(ctx, "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts, "redelivery counts an attempt")
}

func TestRetireDropsOpenWork(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require1(t)(s.Enqueue(ctx, item(1, "a", 0)))
	require1(t)(s.Enqueue(ctx, item(1, "b", 0)))
	require1(t)(s.Enqueue(ctx, item(2, "c", 0)))
	_, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)

	n, err := s.Retire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the other execution is untouched
	items, err := s.Lease(ctx, "w1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c", items[0].NodeID)
}

func TestRetireLoopDropsOnlyLoopItems(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require1(t)(s.Enqueue(ctx, item(1, "each[0]", 0)))
	require1(t)(s.Enqueue(ctx, item(1, "each[1]", 0)))
	require1(t)(s.Enqueue(ctx, item(1, "other", 0)))

	n, err := s.RetireLoop(ctx, 1, "each")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := s.Lease(ctx, "w1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "other", items[0].NodeID)
}

func TestRequeueDeadResetsAttempts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key{ExecutionID: 1, NodeID: "fetch"}

	require1(t)(s.Enqueue(ctx, item(1, "fetch", 0)))
	_, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, key, "w1", false))

	require.NoError(t, s.RequeueDead(ctx, key))
	items, err := s.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)

	// requeue of a live item is refused
	assert.Error(t, s.RequeueDead(ctx, key))
}

func TestRetrySpecBackoff(t *testing.T) {
	r := RetrySpec{Initial: time.Second, Multiplier: 2, Max: 5 * time.Second}
	assert.Equal(t, time.Second, r.Backoff(1))
	assert.Equal(t, 2*time.Second, r.Backoff(2))
	assert.Equal(t, 4*time.Second, r.Backoff(3))
	assert.Equal(t, 5*time.Second, r.Backoff(4), "capped at max")
	assert.Equal(t, time.Duration(0), RetrySpec{}.Backoff(3), "no initial, no delay")
}

// require1 adapts the (bool, error) Enqueue return for terse call sites.
func require1(t *testing.T) func(bool, error) {
	t.Helper()
	return func(inserted bool, err error) {
		require.NoError(t, err)
		require.True(t, inserted)
	}
}
