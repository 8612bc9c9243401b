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

package broker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl/internal/blob"
	"noetl/internal/catalog"
	"noetl/internal/eventlog"
	"noetl/internal/ident"
	"noetl/internal/queue"
	"noetl/internal/worker"
	"noetl/pkg/config"
	pkgerrors "noetl/pkg/errors"
	"noetl/pkg/log"
	"noetl/pkg/secrets"
)

func pluginErr(retryable bool, msg string) error {
	return pkgerrors.Plugin(retryable, "%s", msg)
}

// testClock drives the queue store without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubPlugin counts calls and delegates to fn.
type stubPlugin struct {
	kind string
	fn   func(call int, task *worker.Task) (any, error)

	mu    sync.Mutex
	calls int
}

func (p *stubPlugin) Kind() string { return p.kind }

func (p *stubPlugin) Execute(ctx context.Context, task *worker.Task) (any, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	return p.fn(n, task)
}

func (p *stubPlugin) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// testEnv wires a broker and a direct-client worker against in-memory
// stores. Tests pump RunOnce/Advance rounds instead of running the
// background loops, so every scenario is deterministic.
type testEnv struct {
	clock  *testClock
	events *eventlog.Log
	jobs   queue.Store
	cat    *catalog.Catalog
	b      *Broker
	runner *worker.Runner
	reg    *worker.Registry
}

func newTestEnv(t *testing.T, leaseBatch int) *testEnv {
	t.Helper()
	ids, err := ident.NewGenerator(3)
	require.NoError(t, err)
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1700000000, 0)}

	events := eventlog.NewLog(eventlog.NewMemoryStore(), blob.NewMemoryStore(), ids, logger, 0)
	jobs := queue.NewMemoryStoreWithClock(clock.Now)
	cat := catalog.New(catalog.NewMemoryStore(), secrets.NewMemoryStore(), ids)

	cfg := &config.Config{}
	cfg.Worker.ID = "w-test"
	cfg.Worker.LeaseBatch = leaseBatch

	reg := worker.Builtins()
	runner := worker.NewRunner(&worker.DirectClient{Jobs: jobs, Events: events}, reg, nil, cfg, logger)

	return &testEnv{
		clock:  clock,
		events: events,
		jobs:   jobs,
		cat:    cat,
		b:      New(events, jobs, cat, ids, cfg, logger),
		runner: runner,
		reg:    reg,
	}
}

func (e *testEnv) register(t *testing.T, doc string) {
	t.Helper()
	_, err := e.cat.RegisterPlaybook(context.Background(), []byte(doc))
	require.NoError(t, err)
}

// pump alternates worker rounds and broker advances until the execution
// reaches a terminal state. Idle rounds advance the clock so retry
// backoffs expire.
func (e *testEnv) pump(t *testing.T, executionID int64) *eventlog.Snapshot {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 80; round++ {
		worked, err := e.runner.RunOnce(ctx)
		require.NoError(t, err)

		open, err := e.events.OpenExecutions(ctx)
		require.NoError(t, err)
		for _, id := range open {
			require.NoError(t, e.b.Advance(ctx, id))
		}

		snap, err := e.events.GetSnapshot(ctx, executionID)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		if worked == 0 {
			e.clock.Advance(2 * time.Second)
		}
	}
	t.Fatal("execution did not reach a terminal state")
	return nil
}

func resultMap(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	require.NotEmpty(t, raw)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

const branchingDoc = `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: branching
  path: tests/branching
workload:
  threshold: 25
workflow:
  - step: start
    next:
      - step: check
  - step: check
    tool: noop
    data:
      temp: 30
    next:
      - step: hot
        when: "{{ check.temp > threshold }}"
      - step: cold
        else: true
  - step: hot
    tool: noop
    data:
      verdict: hot
    next:
      - step: end
  - step: cold
    tool: noop
    data:
      verdict: cold
    next:
      - step: end
  - step: end
    data:
      verdict: "{{ verdict }}"
`

func TestLinearFlowTakesGuardedBranch(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, branchingDoc)

	execID, err := e.b.StartExecution(context.Background(), "tests/branching", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecComplete, snap.Status)
	assert.Equal(t, "hot", resultMap(t, snap.Result)["verdict"])

	_, hotRan := snap.Steps["hot"]
	_, coldRan := snap.Steps["cold"]
	assert.True(t, hotRan)
	assert.False(t, coldRan, "else branch must not fire when a guard matched")
}

func TestElseBranchFiresWhenNoGuardMatches(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, branchingDoc)

	// payload overrides the workload threshold
	execID, err := e.b.StartExecution(context.Background(), "tests/branching", 0, map[string]any{"threshold": 50})
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecComplete, snap.Status)
	assert.Equal(t, "cold", resultMap(t, snap.Result)["verdict"])
}

func TestSequentialLoopAggregatesInOrder(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: loop-seq
  path: tests/loop-seq
workload:
  cities: [Paris, Berlin, Oslo]
workflow:
  - step: start
    next:
      - step: each
  - step: each
    loop:
      collection: "{{ cities }}"
      element: city
      task:
        tool: noop
        data:
          city: "{{ city }}"
          index: "{{ index }}"
    next:
      - step: end
  - step: end
    data:
      visited: "{{ each.data }}"
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/loop-seq", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	require.Equal(t, eventlog.ExecComplete, snap.Status)

	visited, ok := resultMap(t, snap.Result)["visited"].([]any)
	require.True(t, ok)
	require.Len(t, visited, 3)
	for i, want := range []string{"Paris", "Berlin", "Oslo"} {
		entry := visited[i].(map[string]any)
		assert.Equal(t, want, entry["city"])
		assert.Equal(t, float64(i), entry["index"])
	}

	frame := snap.Frames["each"]
	require.NotNil(t, frame)
	assert.True(t, frame.Completed)
	assert.Equal(t, []int{0, 1, 2}, frame.Arrival, "sequential mode delivers in index order")
}

func TestLoopFailFastSkipsRemainingItems(t *testing.T) {
	// lease batch 1 so items settle one at a time and the cancellation
	// window is observable
	e := newTestEnv(t, 1)
	stub := &stubPlugin{kind: "python", fn: func(call int, task *worker.Task) (any, error) {
		city, _ := task.Data["city"].(string)
		if city == "Berlin" {
			return nil, pluginErr(false, "no permit for Berlin")
		}
		return map[string]any{"city": city}, nil
	}}
	e.reg.Register(stub)

	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: loop-fast
  path: tests/loop-fast
workload:
  cities: [Paris, Berlin, Oslo]
workflow:
  - step: start
    next:
      - step: each
  - step: each
    loop:
      collection: "{{ cities }}"
      element: city
      mode: parallel
      task:
        tool: python
        data:
          city: "{{ city }}"
    next:
      - step: end
  - step: end
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/loop-fast", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Contains(t, snap.Error.Message, "Berlin")

	frame := snap.Frames["each"]
	require.NotNil(t, frame)
	assert.Nil(t, frame.Results[2], "Oslo was retired before running")
	assert.Equal(t, 2, stub.callCount())
}

func TestLoopCollectErrorsRunsEveryItem(t *testing.T) {
	e := newTestEnv(t, 8)
	stub := &stubPlugin{kind: "python", fn: func(call int, task *worker.Task) (any, error) {
		city, _ := task.Data["city"].(string)
		if city == "Berlin" {
			return nil, pluginErr(false, "no permit for Berlin")
		}
		return map[string]any{"city": city}, nil
	}}
	e.reg.Register(stub)

	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: loop-collect
  path: tests/loop-collect
workload:
  cities: [Paris, Berlin, Oslo]
workflow:
  - step: start
    next:
      - step: each
  - step: each
    loop:
      collection: "{{ cities }}"
      element: city
      mode: parallel
      failure_policy: collect_errors
      task:
        tool: python
        data:
          city: "{{ city }}"
    next:
      - step: end
  - step: end
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/loop-collect", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Contains(t, snap.Error.Message, "1 of 3")

	frame := snap.Frames["each"]
	require.NotNil(t, frame)
	assert.NotNil(t, frame.Results[0])
	assert.Nil(t, frame.Results[1])
	assert.NotNil(t, frame.Errors[1])
	assert.NotNil(t, frame.Results[2], "collect_errors lets the rest finish")
	assert.Equal(t, 3, stub.callCount())
}

func TestEmptyCollectionCompletesImmediately(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: loop-empty
  path: tests/loop-empty
workload:
  cities: []
workflow:
  - step: start
    next:
      - step: each
  - step: each
    loop:
      collection: "{{ cities }}"
      task:
        tool: noop
    next:
      - step: end
  - step: end
    data:
      visited: "{{ each.data }}"
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/loop-empty", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecComplete, snap.Status)
	assert.Equal(t, []any{}, resultMap(t, snap.Result)["visited"])
}

func TestChildPlaybookReturnsResultToParent(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: child
  path: tests/child
workflow:
  - step: start
    next:
      - step: work
  - step: work
    tool: noop
    data:
      greeting: "hi {{ city }}"
    next:
      - step: end
  - step: end
    data:
      greeting: "{{ work.greeting }}"
`)
	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: parent
  path: tests/parent
workload:
  city: Paris
workflow:
  - step: start
    next:
      - step: call
  - step: call
    tool: playbook
    path: tests/child
    data:
      city: "{{ city }}"
    next:
      - step: end
  - step: end
    data:
      child: "{{ call.data }}"
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/parent", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	require.Equal(t, eventlog.ExecComplete, snap.Status)

	child, ok := resultMap(t, snap.Result)["child"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi Paris", child["greeting"])

	// the child execution id is the parent step's start marker
	childID := snap.Steps["call"].StartedEventID
	childSnap, err := e.events.GetSnapshot(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, eventlog.ExecComplete, childSnap.Status)
}

func TestChildFailurePropagatesToParent(t *testing.T) {
	e := newTestEnv(t, 8)
	stub := &stubPlugin{kind: "python", fn: func(call int, task *worker.Task) (any, error) {
		return nil, pluginErr(false, "child broke")
	}}
	e.reg.Register(stub)

	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: bad-child
  path: tests/bad-child
workflow:
  - step: start
    next:
      - step: work
  - step: work
    tool: python
    next:
      - step: end
  - step: end
`)
	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: strict-parent
  path: tests/strict-parent
workflow:
  - step: start
    next:
      - step: call
  - step: call
    tool: playbook
    path: tests/bad-child
    next:
      - step: end
  - step: end
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/strict-parent", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Contains(t, snap.Error.Message, "child execution")
}

func TestCancelRetiresQueuedWork(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, branchingDoc)
	ctx := context.Background()

	execID, err := e.b.StartExecution(ctx, "tests/branching", 0, nil)
	require.NoError(t, err)

	// cancel before any worker leases the first step
	require.NoError(t, e.b.CancelExecution(ctx, execID))

	snap, err := e.events.GetSnapshot(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, eventlog.ExecCancelled, snap.Status)

	items, err := e.jobs.Lease(ctx, "w-test", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, items, "cancel retires the execution's queue items")

	// a second cancel hits the terminal guard
	err = e.b.CancelExecution(ctx, execID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrTerminal))
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	e := newTestEnv(t, 8)
	stub := &stubPlugin{kind: "python", fn: func(call int, task *worker.Task) (any, error) {
		return nil, pluginErr(true, "connection reset")
	}}
	e.reg.Register(stub)

	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: flaky
  path: tests/flaky
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    tool: python
    retry:
      max_attempts: 2
      initial_delay: "1s"
    next:
      - step: end
  - step: end
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/flaky", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecFailed, snap.Status)
	assert.Equal(t, 2, stub.callCount())
	require.NotNil(t, snap.Error)
	assert.Contains(t, snap.Error.Message, "connection reset")

	// the queue dead-letters the item as the log records the failure
	dead, err := e.jobs.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "fetch", dead[0].NodeID)
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	e := newTestEnv(t, 8)
	stub := &stubPlugin{kind: "python", fn: func(call int, task *worker.Task) (any, error) {
		if call == 1 {
			return nil, pluginErr(true, "connection reset")
		}
		return map[string]any{"ok": true}, nil
	}}
	e.reg.Register(stub)

	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: recovers
  path: tests/recovers
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    tool: python
    retry:
      max_attempts: 3
      initial_delay: "1s"
    next:
      - step: end
  - step: end
    data:
      ok: "{{ fetch.ok }}"
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/recovers", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecComplete, snap.Status)
	assert.Equal(t, true, resultMap(t, snap.Result)["ok"])
	assert.Equal(t, 2, stub.callCount())
	assert.Equal(t, 1, snap.Steps["fetch"].Attempts, "one recorded failure before success")
}

func TestCompensationRunsOnGuardedFailure(t *testing.T) {
	e := newTestEnv(t, 8)
	stub := &stubPlugin{kind: "python", fn: func(call int, task *worker.Task) (any, error) {
		return nil, pluginErr(false, "disk full")
	}}
	e.reg.Register(stub)

	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: compensated
  path: tests/compensated
workflow:
  - step: start
    next:
      - step: risky
  - step: risky
    tool: python
    next:
      - step: cleanup
        when: "{{ error }}"
      - step: end
  - step: cleanup
    tool: noop
    data:
      cleaned: true
    next:
      - step: end
  - step: end
    data:
      cleaned: "{{ cleanup.cleaned }}"
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/compensated", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecComplete, snap.Status, "a matched compensation absorbs the failure")
	assert.Equal(t, true, resultMap(t, snap.Result)["cleaned"])
	_, ranCleanup := snap.Steps["cleanup"]
	assert.True(t, ranCleanup)
}

func TestAssertExpectsFailsStep(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: asserted
  path: tests/asserted
workflow:
  - step: start
    next:
      - step: verify
  - step: verify
    tool: noop
    data:
      temp: 10
    assert:
      expects:
        - "{{ temp >= 20 }}"
    next:
      - step: end
  - step: end
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/asserted", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	assert.Equal(t, eventlog.ExecFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.True(t, strings.Contains(snap.Error.Message, "assertion failed"), snap.Error.Message)
}

func TestAssertReturnsShapesResult(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: shaped
  path: tests/shaped
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    tool: noop
    data:
      temp: 21
      noise: discard-me
    assert:
      returns:
        celsius: "{{ temp }}"
    next:
      - step: end
  - step: end
    data:
      reading: "{{ fetch.data }}"
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/shaped", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	require.Equal(t, eventlog.ExecComplete, snap.Status)
	reading, ok := resultMap(t, snap.Result)["reading"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(21), reading["celsius"])
	_, leaked := reading["noise"]
	assert.False(t, leaked, "returns replaces the published result")
}

func TestWorkbookTaskInlined(t *testing.T) {
	e := newTestEnv(t, 8)
	e.register(t, `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: workbooked
  path: tests/workbooked
workbook:
  - name: echo_city
    tool: noop
    data:
      city: "{{ city }}"
workflow:
  - step: start
    next:
      - step: run
        data:
          city: Oslo
  - step: run
    task: echo_city
    next:
      - step: end
  - step: end
    data:
      city: "{{ run.city }}"
`)

	execID, err := e.b.StartExecution(context.Background(), "tests/workbooked", 0, nil)
	require.NoError(t, err)

	snap := e.pump(t, execID)
	require.Equal(t, eventlog.ExecComplete, snap.Status)
	assert.Equal(t, "Oslo", resultMap(t, snap.Result)["city"])
}

func TestStartExecutionUnknownPath(t *testing.T) {
	e := newTestEnv(t, 8)
	_, err := e.b.StartExecution(context.Background(), "tests/missing", 0, nil)
	assert.Error(t, err)
}
