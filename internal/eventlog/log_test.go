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
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl/internal/blob"
	"noetl/internal/ident"
	"noetl/pkg/errors"
	"noetl/pkg/log"
)

func newTestLog(t *testing.T, inlineLimit int) *Log {
	t.Helper()
	ids, err := ident.NewGenerator(1)
	require.NoError(t, err)
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)
	return NewLog(NewMemoryStore(), blob.NewMemoryStore(), ids, logger, inlineLimit)
}

func TestEmitAssignsIncreasingIDs(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()

	first, err := l.Emit(ctx, &Event{ExecutionID: 7, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)
	second, err := l.Emit(ctx, &Event{ExecutionID: 7, Type: StepStarted, NodeID: "start", ParentEventID: first})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	events, err := l.Stream(ctx, 7, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ExecutionStarted, events[0].Type)

	// since cursor excludes what came before
	events, err = l.Stream(ctx, 7, first)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, StepStarted, events[0].Type)
}

func TestEmitValidation(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()

	_, err := l.Emit(ctx, &Event{Type: ExecutionStarted})
	assert.Error(t, err, "missing execution id")

	_, err = l.Emit(ctx, &Event{ExecutionID: 1, Type: "bogus"})
	assert.Error(t, err, "unknown type")

	_, err = l.Emit(ctx, &Event{ExecutionID: 1, Type: StepStarted})
	assert.Error(t, err, "step_started without node_id")

	_, err = l.Emit(ctx, &Event{ExecutionID: 1, Type: LoopIteration})
	assert.Error(t, err, "loop_iteration without iterator")
}

func TestStepMarkerIdempotent(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()

	_, err := l.Emit(ctx, &Event{ExecutionID: 9, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)

	first, err := l.Emit(ctx, &Event{ExecutionID: 9, Type: StepStarted, NodeID: "fetch"})
	require.NoError(t, err)
	dup, err := l.Emit(ctx, &Event{ExecutionID: 9, Type: StepStarted, NodeID: "fetch"})
	require.NoError(t, err)
	assert.Equal(t, first, dup, "duplicate marker returns the recorded id")

	events, err := l.Stream(ctx, 9, 0)
	require.NoError(t, err)
	count := 0
	for _, e := range events {
		if e.Type == StepStarted && e.NodeID == "fetch" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestLoopMarkerIdempotentPerIndex(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()

	_, err := l.Emit(ctx, &Event{ExecutionID: 11, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)

	mk := func(idx int) *Event {
		return &Event{
			ExecutionID: 11, Type: LoopIteration, NodeID: "each",
			Iterator: &Iterator{LoopID: "each", Index: idx},
		}
	}
	first, err := l.Emit(ctx, mk(0))
	require.NoError(t, err)
	dup, err := l.Emit(ctx, mk(0))
	require.NoError(t, err)
	assert.Equal(t, first, dup)

	other, err := l.Emit(ctx, mk(1))
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "different index is a different marker")
}

func TestTerminalGuard(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()

	_, err := l.Emit(ctx, &Event{ExecutionID: 5, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)
	_, err = l.Emit(ctx, &Event{ExecutionID: 5, Type: ExecutionComplete, Status: StatusOK})
	require.NoError(t, err)

	_, err = l.Emit(ctx, &Event{ExecutionID: 5, Type: ActionCompleted, NodeID: "late", Status: StatusOK})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTerminal))

	// even another terminal is refused
	_, err = l.Emit(ctx, &Event{ExecutionID: 5, Type: ExecutionFailed, Status: StatusError})
	assert.True(t, errors.Is(err, errors.ErrTerminal))
}

func TestResultOffloadAndHydrate(t *testing.T) {
	l := newTestLog(t, 64)
	ctx := context.Background()

	_, err := l.Emit(ctx, &Event{ExecutionID: 3, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)

	big, err := json.Marshal(map[string]any{"payload": string(bytes.Repeat([]byte("x"), 200))})
	require.NoError(t, err)
	_, err = l.Emit(ctx, &Event{
		ExecutionID: 3, Type: ActionCompleted, NodeID: "fetch",
		Status: StatusOK, Result: big,
	})
	require.NoError(t, err)

	events, err := l.Stream(ctx, 3, 0)
	require.NoError(t, err)
	var done *Event
	for i := range events {
		if events[i].Type == ActionCompleted {
			done = &events[i]
		}
	}
	require.NotNil(t, done)
	assert.Nil(t, done.Result, "oversized result is offloaded")
	require.NotNil(t, done.ResultRef)
	assert.Equal(t, len(big), done.ResultRef.Bytes)

	back, err := l.Hydrate(ctx, done.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, []byte(big), back)
}

func TestSmallResultStaysInline(t *testing.T) {
	l := newTestLog(t, 1024)
	ctx := context.Background()

	_, err := l.Emit(ctx, &Event{ExecutionID: 4, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)
	_, err = l.Emit(ctx, &Event{
		ExecutionID: 4, Type: ActionCompleted, NodeID: "fetch",
		Status: StatusOK, Result: json.RawMessage(`{"t":1}`),
	})
	require.NoError(t, err)

	snap, err := l.GetSnapshot(ctx, 4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":1}`, string(snap.Steps["fetch"].Result))
	assert.Nil(t, snap.Steps["fetch"].ResultRef)
}

func TestGetSnapshotUnknownExecution(t *testing.T) {
	l := newTestLog(t, 0)
	_, err := l.GetSnapshot(context.Background(), 12345)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestOpenExecutions(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()

	_, err := l.Emit(ctx, &Event{ExecutionID: 21, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)
	_, err = l.Emit(ctx, &Event{ExecutionID: 22, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)
	_, err = l.Emit(ctx, &Event{ExecutionID: 22, Type: ExecutionComplete, Status: StatusOK})
	require.NoError(t, err)

	open, err := l.OpenExecutions(ctx)
	require.NoError(t, err)
	assert.Contains(t, open, int64(21))
	assert.NotContains(t, open, int64(22))
}

func TestSubscribeNotifiesOnAppend(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()
	ch := l.Subscribe(4)

	_, err := l.Emit(ctx, &Event{ExecutionID: 31, Type: ExecutionStarted, Status: StatusRunning})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, int64(31), got)
	default:
		t.Fatal("expected a notification")
	}
}

func TestReplaySnapshotFold(t *testing.T) {
	events := []Event{
		{EventID: 1, ExecutionID: 1, Type: ExecutionStarted, CatalogID: 42},
		{EventID: 2, ExecutionID: 1, Type: StepStarted, NodeID: "fetch"},
		{EventID: 3, ExecutionID: 1, Type: ActionStarted, NodeID: "fetch"},
		{EventID: 4, ExecutionID: 1, Type: ActionError, NodeID: "fetch",
			Error: &ErrorInfo{Kind: "PluginFailure", Message: "boom", Retryable: true}},
		{EventID: 5, ExecutionID: 1, Type: ActionCompleted, NodeID: "fetch",
			Result: json.RawMessage(`{"ok":true}`)},
		{EventID: 6, ExecutionID: 1, Type: StepCompleted, NodeID: "fetch"},
	}
	snap := Replay(1, events)
	assert.Equal(t, ExecRunning, snap.Status)
	assert.Equal(t, int64(42), snap.CatalogID)
	assert.Equal(t, int64(6), snap.LastEventID)

	st := snap.Steps["fetch"]
	require.NotNil(t, st)
	assert.Equal(t, PhaseClosed, st.Phase)
	assert.Equal(t, 1, st.Attempts, "retryable error counted as an attempt")
	assert.JSONEq(t, `{"ok":true}`, string(st.Result))
	assert.False(t, snap.OpenWork())
}

func TestReplayLoopFrame(t *testing.T) {
	iter := func(idx int, item string) *Iterator {
		return &Iterator{LoopID: "each", Index: idx, CurrentItem: json.RawMessage(item)}
	}
	events := []Event{
		{EventID: 1, ExecutionID: 2, Type: ExecutionStarted},
		{EventID: 2, ExecutionID: 2, Type: StepStarted, NodeID: "each"},
		{EventID: 3, ExecutionID: 2, Type: LoopIteration, NodeID: "each", Iterator: iter(0, `"a"`)},
		{EventID: 4, ExecutionID: 2, Type: LoopIteration, NodeID: "each", Iterator: iter(1, `"b"`)},
		{EventID: 5, ExecutionID: 2, Type: LoopIteration, NodeID: "each", Iterator: iter(2, `"c"`)},
		// out-of-order completion: index 2 lands before index 0
		{EventID: 6, ExecutionID: 2, Type: ActionCompleted, NodeID: "each[2]", Iterator: iter(2, `"c"`),
			Result: json.RawMessage(`"C"`)},
		{EventID: 7, ExecutionID: 2, Type: ActionCompleted, NodeID: "each[0]", Iterator: iter(0, `"a"`),
			Result: json.RawMessage(`"A"`)},
		{EventID: 8, ExecutionID: 2, Type: ActionError, NodeID: "each[1]", Iterator: iter(1, `"b"`),
			Error: &ErrorInfo{Kind: "PluginFailure", Message: "bad item"}},
	}
	snap := Replay(2, events)
	fr := snap.Frames["each"]
	require.NotNil(t, fr)
	assert.Equal(t, 3, fr.Total)
	assert.Equal(t, 0, fr.Pending)
	assert.False(t, fr.Completed)

	// results are index-ordered regardless of arrival
	assert.Equal(t, `"A"`, string(fr.Results[0]))
	assert.Nil(t, fr.Results[1])
	assert.Equal(t, `"C"`, string(fr.Results[2]))
	require.NotNil(t, fr.Errors[1])
	assert.Equal(t, "bad item", fr.Errors[1].Message)
	assert.Equal(t, []int{2, 0, 1}, fr.Arrival)
}

func TestReplayDuplicateItemDeliveryIgnored(t *testing.T) {
	iter := &Iterator{LoopID: "each", Index: 0}
	events := []Event{
		{EventID: 1, ExecutionID: 3, Type: ExecutionStarted},
		{EventID: 2, ExecutionID: 3, Type: LoopIteration, NodeID: "each", Iterator: iter},
		{EventID: 3, ExecutionID: 3, Type: ActionCompleted, NodeID: "each[0]", Iterator: iter,
			Result: json.RawMessage(`1`)},
		{EventID: 4, ExecutionID: 3, Type: ActionCompleted, NodeID: "each[0]", Iterator: iter,
			Result: json.RawMessage(`2`)},
	}
	snap := Replay(3, events)
	fr := snap.Frames["each"]
	assert.Equal(t, `1`, string(fr.Results[0]), "first delivery wins")
	assert.Equal(t, 0, fr.Pending)
}

func TestReplayCancelAndTerminal(t *testing.T) {
	events := []Event{
		{EventID: 1, ExecutionID: 4, Type: ExecutionStarted},
		{EventID: 2, ExecutionID: 4, Type: Cancel},
		{EventID: 3, ExecutionID: 4, Type: ExecutionFailed,
			Error: &ErrorInfo{Kind: "Cancelled", Message: "cancel requested"}},
	}
	snap := Replay(4, events)
	assert.True(t, snap.CancelRequested)
	assert.Equal(t, ExecCancelled, snap.Status)
	assert.True(t, snap.Status.Terminal())
}
