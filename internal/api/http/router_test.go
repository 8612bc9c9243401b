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

package http

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl/internal/blob"
	"noetl/internal/broker"
	"noetl/internal/catalog"
	"noetl/internal/eventlog"
	"noetl/internal/ident"
	"noetl/internal/queue"
	"noetl/pkg/config"
	"noetl/pkg/log"
	"noetl/pkg/secrets"
)

const apiTestDoc = `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: api-test
  path: tests/api
workload:
  city: Paris
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    tool: noop
    data:
      city: "{{ city }}"
    next:
      - step: end
  - step: end
`

func newTestServer(t *testing.T) *server.Hertz {
	t.Helper()
	ids, err := ident.NewGenerator(4)
	require.NoError(t, err)
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)

	events := eventlog.NewLog(eventlog.NewMemoryStore(), blob.NewMemoryStore(), ids, logger, 0)
	jobs := queue.NewMemoryStore()
	cat := catalog.New(catalog.NewMemoryStore(), secrets.NewMemoryStore(), ids)
	b := broker.New(events, jobs, cat, ids, &config.Config{}, logger)

	h := NewHandler(b, events, cat, jobs, nil, logger)
	return NewRouter(h).Build(":0")
}

func do(s *server.Hertz, method, path string, body []byte, headers ...ut.Header) *ut.ResponseRecorder {
	return ut.PerformRequest(s.Engine, method, path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)}, headers...)
}

func doJSON(s *server.Hertz, method, path string, body any) *ut.ResponseRecorder {
	raw, _ := json.Marshal(body)
	return do(s, method, path, raw, ut.Header{Key: "Content-Type", Value: "application/json"})
}

func decode(t *testing.T, w *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Result().Body(), &m))
	return m
}

func registerDoc(t *testing.T, s *server.Hertz) {
	t.Helper()
	w := do(s, "POST", "/api/v1/catalog/register", []byte(apiTestDoc),
		ut.Header{Key: "Content-Type", Value: "application/x-yaml"})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
}

func startExecution(t *testing.T, s *server.Hertz) string {
	t.Helper()
	w := doJSON(s, "POST", "/api/v1/execute", map[string]any{"path": "tests/api"})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	id, _ := decode(t, w)["execution_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := do(s, "GET", "/health", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "ok")
}

func TestMetricsExposition(t *testing.T) {
	s := newTestServer(t)
	w := do(s, "GET", "/metrics", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Header.Get("Content-Type")), "text/plain")
}

func TestRegisterYAMLAndEnvelope(t *testing.T) {
	s := newTestServer(t)
	registerDoc(t, s)

	// same document through the JSON envelope dedups to version 1
	w := doJSON(s, "POST", "/api/v1/catalog/register", map[string]any{"content": apiTestDoc})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(1), decode(t, w)["version"])
}

func TestRegisterRejectsEmptyAndInvalid(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/api/v1/catalog/register", nil)
	assert.Equal(t, 400, w.Result().StatusCode())

	w = do(s, "POST", "/api/v1/catalog/register", []byte("workflow: [1]"),
		ut.Header{Key: "Content-Type", Value: "application/x-yaml"})
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestRegisterCredential(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(s, "POST", "/api/v1/catalog/register", map[string]any{
		"kind":    "Credential",
		"payload": map[string]any{"name": "pg_main", "type": "postgres", "data": map[string]any{"user": "noetl"}},
	})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	out := decode(t, w)
	assert.Equal(t, "Credential", out["kind"])
	assert.Equal(t, "pg_main", out["path"])
}

func TestGetResource(t *testing.T) {
	s := newTestServer(t)
	registerDoc(t, s)

	w := do(s, "GET", "/api/v1/catalog/resource?path=tests/api", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "api-test")

	w = do(s, "GET", "/api/v1/catalog/resource?path=tests/missing", nil)
	assert.Equal(t, 404, w.Result().StatusCode())

	w = do(s, "GET", "/api/v1/catalog/resource", nil)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestExecuteAndSnapshot(t *testing.T) {
	s := newTestServer(t)
	registerDoc(t, s)
	id := startExecution(t, s)

	w := do(s, "GET", "/api/v1/execution/"+id, nil)
	require.Equal(t, 200, w.Result().StatusCode())
	snap := decode(t, w)
	assert.Equal(t, "running", snap["status"])
	assert.Equal(t, id, snap["execution_id"])

	// the first step is queued and tracked
	steps, ok := snap["steps"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, steps, "fetch")
}

func TestExecuteErrors(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/api/v1/execute", map[string]any{"path": "tests/missing"})
	assert.Equal(t, 404, w.Result().StatusCode())

	w = doJSON(s, "POST", "/api/v1/execute", map[string]any{})
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestGetExecutionErrors(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/api/v1/execution/abc", nil)
	assert.Equal(t, 400, w.Result().StatusCode())

	w = do(s, "GET", "/api/v1/execution/12345", nil)
	assert.Equal(t, 404, w.Result().StatusCode())
}

func TestGetEventsWithSinceAndFilter(t *testing.T) {
	s := newTestServer(t)
	registerDoc(t, s)
	id := startExecution(t, s)

	w := do(s, "GET", "/api/v1/execution/"+id+"/events", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	all := decode(t, w)
	count := int(all["count"].(float64))
	require.GreaterOrEqual(t, count, 2, "execution_started plus step_started")

	events := all["events"].([]any)
	first := events[0].(map[string]any)
	sinceID := first["event_id"].(string)

	w = do(s, "GET", "/api/v1/execution/"+id+"/events?since="+sinceID, nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(count-1), decode(t, w)["count"])

	// jq filter narrows to the root event
	w = do(s, "GET", "/api/v1/execution/"+id+"/events?filter="+`.event_type=="execution_started"`, nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = do(s, "GET", "/api/v1/execution/"+id+"/events?filter=((", nil)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestCancelExecution(t *testing.T) {
	s := newTestServer(t)
	registerDoc(t, s)
	id := startExecution(t, s)

	w := do(s, "POST", "/api/v1/execution/"+id+"/cancel", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "cancelling", decode(t, w)["status"])

	// the cancel is absorbed; a repeat reports the terminal state
	w = do(s, "POST", "/api/v1/execution/"+id+"/cancel", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "already terminal", decode(t, w)["status"])

	w = do(s, "GET", "/api/v1/execution/"+id, nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "cancelled", decode(t, w)["status"])
}

func TestQueueProtocol(t *testing.T) {
	s := newTestServer(t)
	registerDoc(t, s)
	id := startExecution(t, s)

	// lease the queued step
	w := doJSON(s, "POST", "/api/v1/queue/lease", map[string]any{"worker_id": "w1", "max": 5})
	require.Equal(t, 200, w.Result().StatusCode())
	items := decode(t, w)["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, id, item["execution_id"])
	assert.Equal(t, "fetch", item["node_id"])

	key := map[string]any{"execution_id": id, "node_id": "fetch"}

	// heartbeat by a stranger loses
	w = doJSON(s, "POST", "/api/v1/queue/heartbeat", merge(key, map[string]any{"worker_id": "w2"}))
	assert.Equal(t, 409, w.Result().StatusCode())

	w = doJSON(s, "POST", "/api/v1/queue/heartbeat", merge(key, map[string]any{"worker_id": "w1", "visibility": "1m"}))
	assert.Equal(t, 200, w.Result().StatusCode())

	// the worker reports completion through the event endpoint
	w = doJSON(s, "POST", "/api/v1/events", map[string]any{
		"execution_id": id,
		"event_type":   "action_completed",
		"status":       "ok",
		"node_id":      "fetch",
		"worker_id":    "w1",
		"result":       map[string]any{"city": "Paris"},
	})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	assert.NotEmpty(t, decode(t, w)["event_id"])

	w = doJSON(s, "POST", "/api/v1/queue/complete", merge(key, map[string]any{"worker_id": "w1"}))
	assert.Equal(t, 200, w.Result().StatusCode())

	// nothing left to lease
	w = doJSON(s, "POST", "/api/v1/queue/lease", map[string]any{"worker_id": "w1"})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Empty(t, decode(t, w)["items"])
}

func TestQueueDeadLettersAndRequeue(t *testing.T) {
	s := newTestServer(t)
	registerDoc(t, s)
	id := startExecution(t, s)

	w := doJSON(s, "POST", "/api/v1/queue/lease", map[string]any{"worker_id": "w1"})
	require.Equal(t, 200, w.Result().StatusCode())
	require.Len(t, decode(t, w)["items"].([]any), 1)

	key := map[string]any{"execution_id": id, "node_id": "fetch"}
	w = doJSON(s, "POST", "/api/v1/queue/fail", merge(key, map[string]any{"worker_id": "w1", "retryable": false}))
	assert.Equal(t, 200, w.Result().StatusCode())

	w = do(s, "GET", "/api/v1/queue/dead", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(s, "POST", "/api/v1/queue/dead/requeue", key)
	assert.Equal(t, 200, w.Result().StatusCode())

	w = do(s, "GET", "/api/v1/queue/dead", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(0), decode(t, w)["count"])
}

func TestQueueValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/api/v1/queue/lease", map[string]any{"max": 1})
	assert.Equal(t, 400, w.Result().StatusCode(), "worker_id is required")

	w = doJSON(s, "POST", "/api/v1/queue/complete", map[string]any{"worker_id": "w1"})
	assert.Equal(t, 400, w.Result().StatusCode(), "key is required")
}

func TestRenderContext(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(s, "POST", "/api/v1/context/render", map[string]any{
		"template": map[string]any{"greeting": "hi {{ city }}", "n": "{{ count }}"},
		"scope":    map[string]any{"city": "Paris", "count": 3},
	})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	rendered := decode(t, w)["rendered"].(map[string]any)
	assert.Equal(t, "hi Paris", rendered["greeting"])
	assert.Equal(t, float64(3), rendered["n"])
}

func TestQueryDisabledWithoutPool(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(s, "POST", "/api/v1/query", map[string]any{"sql": "SELECT 1"})
	assert.Equal(t, 501, w.Result().StatusCode())
}

func TestEmitRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t)
	w := do(s, "POST", "/api/v1/events", []byte("not json"))
	assert.Equal(t, 400, w.Result().StatusCode())
}

func merge(maps ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
