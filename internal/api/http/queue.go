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
	"context"
	"encoding/json"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"noetl/internal/queue"
)

type leaseRequest struct {
	WorkerID   string `json:"worker_id"`
	Max        int    `json:"max"`
	Visibility string `json:"visibility"`
}

// Lease hands up to max due jobs to the calling worker.
// POST /api/v1/queue/lease
func (h *Handler) Lease(c context.Context, ctx *app.RequestContext) {
	var req leaseRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.WorkerID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	if req.Max <= 0 {
		req.Max = 1
	}
	visibility := parseVisibility(req.Visibility, 30*time.Second)
	items, err := h.jobs.Lease(c, req.WorkerID, req.Max, visibility)
	if err != nil {
		h.fail(ctx, "lease", err)
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	ctx.JSON(consts.StatusOK, map[string]any{"items": items})
}

type leaseOpRequest struct {
	queue.Key
	WorkerID   string `json:"worker_id"`
	Visibility string `json:"visibility,omitempty"`
	Retryable  *bool  `json:"retryable,omitempty"`
}

// Heartbeat extends a held lease.
// POST /api/v1/queue/heartbeat
func (h *Handler) Heartbeat(c context.Context, ctx *app.RequestContext) {
	req, ok := h.leaseOp(ctx)
	if !ok {
		return
	}
	visibility := parseVisibility(req.Visibility, 30*time.Second)
	if err := h.jobs.Heartbeat(c, req.Key, req.WorkerID, visibility); err != nil {
		h.fail(ctx, "heartbeat", err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "extended"})
}

// Complete settles a job as done.
// POST /api/v1/queue/complete
func (h *Handler) Complete(c context.Context, ctx *app.RequestContext) {
	req, ok := h.leaseOp(ctx)
	if !ok {
		return
	}
	if err := h.jobs.Complete(c, req.Key, req.WorkerID); err != nil {
		h.fail(ctx, "complete", err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "done"})
}

// Fail releases a job for redelivery or dead-letters it.
// POST /api/v1/queue/fail
func (h *Handler) Fail(c context.Context, ctx *app.RequestContext) {
	req, ok := h.leaseOp(ctx)
	if !ok {
		return
	}
	retryable := req.Retryable != nil && *req.Retryable
	if err := h.jobs.Fail(c, req.Key, req.WorkerID, retryable); err != nil {
		h.fail(ctx, "fail", err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "failed"})
}

// DeadLetters lists poison jobs, oldest first.
// GET /api/v1/queue/dead
func (h *Handler) DeadLetters(c context.Context, ctx *app.RequestContext) {
	items, err := h.jobs.DeadLetters(c)
	if err != nil {
		h.fail(ctx, "dead letters", err)
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	ctx.JSON(consts.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// RequeueDead puts one dead job back on the queue with a fresh attempt
// budget.
// POST /api/v1/queue/dead/requeue
func (h *Handler) RequeueDead(c context.Context, ctx *app.RequestContext) {
	var key queue.Key
	if err := json.Unmarshal(ctx.Request.Body(), &key); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.jobs.RequeueDead(c, key); err != nil {
		h.fail(ctx, "requeue dead", err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "requeued"})
}

func (h *Handler) leaseOp(ctx *app.RequestContext) (*leaseOpRequest, bool) {
	var req leaseOpRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, false
	}
	if req.WorkerID == "" || req.NodeID == "" || req.ExecutionID == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id, execution_id and node_id are required"})
		return nil, false
	}
	return &req, true
}

func parseVisibility(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
