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
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"noetl/internal/eventlog"
	"noetl/internal/queue"
	"noetl/pkg/errors"
)

// Client is the worker's view of the server: the queue protocol plus
// event emission. A direct client binds in-process stores; the REST
// client speaks to a remote server.
type Client interface {
	Lease(ctx context.Context, workerID string, n int, visibility time.Duration) ([]*queue.Item, error)
	Heartbeat(ctx context.Context, key queue.Key, workerID string, visibility time.Duration) error
	Complete(ctx context.Context, key queue.Key, workerID string) error
	Fail(ctx context.Context, key queue.Key, workerID string, retryable bool) error
	Emit(ctx context.Context, e *eventlog.Event) (int64, error)
}

// DirectClient runs the worker against in-process stores, used by the
// single-binary deployment and by tests.
type DirectClient struct {
	Jobs   queue.Store
	Events *eventlog.Log
}

func (c *DirectClient) Lease(ctx context.Context, workerID string, n int, visibility time.Duration) ([]*queue.Item, error) {
	return c.Jobs.Lease(ctx, workerID, n, visibility)
}

func (c *DirectClient) Heartbeat(ctx context.Context, key queue.Key, workerID string, visibility time.Duration) error {
	return c.Jobs.Heartbeat(ctx, key, workerID, visibility)
}

func (c *DirectClient) Complete(ctx context.Context, key queue.Key, workerID string) error {
	return c.Jobs.Complete(ctx, key, workerID)
}

func (c *DirectClient) Fail(ctx context.Context, key queue.Key, workerID string, retryable bool) error {
	return c.Jobs.Fail(ctx, key, workerID, retryable)
}

func (c *DirectClient) Emit(ctx context.Context, e *eventlog.Event) (int64, error) {
	return c.Events.Emit(ctx, e)
}

// RestClient speaks the server's queue and event endpoints.
type RestClient struct {
	http     *resty.Client
	workerID string
}

// NewRestClient builds a client for the server at baseURL.
func NewRestClient(baseURL, workerID string) *RestClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &RestClient{http: client, workerID: workerID}
}

type leaseRequest struct {
	WorkerID   string `json:"worker_id"`
	Max        int    `json:"max"`
	Visibility string `json:"visibility"`
}

type leaseResponse struct {
	Items []*queue.Item `json:"items"`
}

func (c *RestClient) Lease(ctx context.Context, workerID string, n int, visibility time.Duration) ([]*queue.Item, error) {
	var out leaseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(leaseRequest{WorkerID: workerID, Max: n, Visibility: visibility.String()}).
		SetResult(&out).
		Post("/api/v1/queue/lease")
	if err != nil {
		return nil, errors.WithCause(errors.KindTransientStorage, err, "lease")
	}
	if resp.IsError() {
		return nil, restError(resp, "lease")
	}
	return out.Items, nil
}

type leaseOpRequest struct {
	queue.Key
	WorkerID   string `json:"worker_id"`
	Visibility string `json:"visibility,omitempty"`
	Retryable  *bool  `json:"retryable,omitempty"`
}

func (c *RestClient) Heartbeat(ctx context.Context, key queue.Key, workerID string, visibility time.Duration) error {
	return c.leaseOp(ctx, "/api/v1/queue/heartbeat", leaseOpRequest{
		Key: key, WorkerID: workerID, Visibility: visibility.String(),
	})
}

func (c *RestClient) Complete(ctx context.Context, key queue.Key, workerID string) error {
	return c.leaseOp(ctx, "/api/v1/queue/complete", leaseOpRequest{Key: key, WorkerID: workerID})
}

func (c *RestClient) Fail(ctx context.Context, key queue.Key, workerID string, retryable bool) error {
	return c.leaseOp(ctx, "/api/v1/queue/fail", leaseOpRequest{
		Key: key, WorkerID: workerID, Retryable: &retryable,
	})
}

func (c *RestClient) leaseOp(ctx context.Context, path string, body leaseOpRequest) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return errors.WithCause(errors.KindTransientStorage, err, "queue op %s", path)
	}
	if resp.StatusCode() == 409 {
		return errors.ErrLeaseLost
	}
	if resp.IsError() {
		return restError(resp, path)
	}
	return nil
}

type emitResponse struct {
	EventID string `json:"event_id"`
}

func (c *RestClient) Emit(ctx context.Context, e *eventlog.Event) (int64, error) {
	var out emitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(e).
		SetResult(&out).
		Post("/api/v1/events")
	if err != nil {
		return 0, errors.WithCause(errors.KindTransientStorage, err, "emit")
	}
	if resp.StatusCode() == 410 {
		return 0, errors.Wrapf(errors.ErrTerminal, "execution %d", e.ExecutionID)
	}
	if resp.IsError() {
		return 0, restError(resp, "emit")
	}
	var id int64
	_, scanErr := fmt.Sscan(out.EventID, &id)
	if scanErr != nil {
		return 0, errors.New(errors.KindInvalidEvent, "bad event id %q", out.EventID)
	}
	return id, nil
}

func restError(resp *resty.Response, op string) error {
	kind := errors.KindTransientStorage
	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
		kind = errors.KindInvalidEvent
	}
	return errors.New(kind, "%s: server returned %d: %s", op, resp.StatusCode(), resp.String())
}
