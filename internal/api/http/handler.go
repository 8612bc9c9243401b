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

// Package http is the REST surface of the orchestrator: catalog
// registration, execution control, event queries, and the worker queue
// protocol.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/jackc/pgx/v5/pgxpool"

	"noetl/internal/broker"
	"noetl/internal/catalog"
	"noetl/internal/eventlog"
	"noetl/internal/queue"
	"noetl/internal/render"
	"noetl/pkg/errors"
	"noetl/pkg/log"
	"noetl/pkg/metrics"
)

// Handler binds the HTTP surface to the services behind it.
type Handler struct {
	broker  *broker.Broker
	events  *eventlog.Log
	catalog *catalog.Catalog
	jobs    queue.Store
	pool    *pgxpool.Pool // read-only query endpoint; nil disables it
	logger  *log.Logger
}

// NewHandler assembles the handler. pool may be nil when the server runs
// on in-memory stores.
func NewHandler(b *broker.Broker, events *eventlog.Log, cat *catalog.Catalog, jobs queue.Store, pool *pgxpool.Pool, logger *log.Logger) *Handler {
	return &Handler{
		broker:  b,
		events:  events,
		catalog: cat,
		jobs:    jobs,
		pool:    pool,
		logger:  logger.Component("api"),
	}
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "noetl-server",
	})
}

// Metrics serves the prometheus registry.
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

type registerRequest struct {
	Kind    string          `json:"kind,omitempty"` // Playbook (default) | Credential
	Content string          `json:"content,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"` // credential body
}

// Register stores a playbook or credential in the catalog. Playbook
// documents may also be posted raw as YAML.
// POST /api/v1/catalog/register
func (h *Handler) Register(c context.Context, ctx *app.RequestContext) {
	body := ctx.Request.Body()
	if len(body) == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "empty body"})
		return
	}

	contentType := string(ctx.ContentType())
	if strings.Contains(contentType, "yaml") {
		h.registerPlaybook(c, ctx, body)
		return
	}

	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// not a JSON envelope, treat as a raw document
		h.registerPlaybook(c, ctx, body)
		return
	}
	switch req.Kind {
	case "Credential":
		resource, err := h.catalog.RegisterCredential(c, req.Payload)
		if err != nil {
			h.fail(ctx, "register credential", err)
			return
		}
		ctx.JSON(consts.StatusOK, resource)
	default:
		doc := []byte(req.Content)
		if len(doc) == 0 {
			doc = body
		}
		h.registerPlaybook(c, ctx, doc)
	}
}

func (h *Handler) registerPlaybook(c context.Context, ctx *app.RequestContext, doc []byte) {
	resource, err := h.catalog.RegisterPlaybook(c, doc)
	if err != nil {
		h.fail(ctx, "register playbook", err)
		return
	}
	ctx.JSON(consts.StatusOK, resource)
}

// GetResource fetches a catalog entry by path. version=0 (or absent)
// means latest.
// GET /api/v1/catalog/resource?path=&version=
func (h *Handler) GetResource(c context.Context, ctx *app.RequestContext) {
	path := ctx.Query("path")
	if path == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	version, _ := strconv.Atoi(ctx.Query("version"))
	resource, err := h.catalog.Get(c, path, version)
	if err != nil {
		h.fail(ctx, "get resource", err)
		return
	}
	out := map[string]any{"resource": resource}
	if len(resource.Content) > 0 {
		out["content"] = string(resource.Content)
	}
	ctx.JSON(consts.StatusOK, out)
}

type executeRequest struct {
	Path    string         `json:"path"`
	Version int            `json:"version,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Execute starts an execution of a registered playbook.
// POST /api/v1/execute
func (h *Handler) Execute(c context.Context, ctx *app.RequestContext) {
	var req executeRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Path == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	executionID, err := h.broker.StartExecution(c, req.Path, req.Version, req.Payload)
	if err != nil {
		h.fail(ctx, "execute", err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"execution_id": strconv.FormatInt(executionID, 10),
		"status":       "running",
	})
}

// GetExecution returns the derived snapshot of one execution.
// GET /api/v1/execution/:id
func (h *Handler) GetExecution(c context.Context, ctx *app.RequestContext) {
	executionID, ok := h.pathID(ctx)
	if !ok {
		return
	}
	snap, err := h.events.GetSnapshot(c, executionID)
	if err != nil {
		h.fail(ctx, "get execution", err)
		return
	}
	ctx.JSON(consts.StatusOK, snap)
}

// GetEvents returns an execution's events after ?since, optionally
// filtered by a jq expression.
// GET /api/v1/execution/:id/events?since=&filter=
func (h *Handler) GetEvents(c context.Context, ctx *app.RequestContext) {
	executionID, ok := h.pathID(ctx)
	if !ok {
		return
	}
	var since int64
	if s := ctx.Query("since"); s != "" {
		since, _ = strconv.ParseInt(s, 10, 64)
	}
	events, err := h.events.Stream(c, executionID, since)
	if err != nil {
		h.fail(ctx, "get events", err)
		return
	}

	if filter := ctx.Query("filter"); filter != "" {
		filtered, err := filterEvents(c, events, filter)
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, map[string]any{"events": filtered, "count": len(filtered)})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// CancelExecution requests cooperative cancellation.
// POST /api/v1/execution/:id/cancel
func (h *Handler) CancelExecution(c context.Context, ctx *app.RequestContext) {
	executionID, ok := h.pathID(ctx)
	if !ok {
		return
	}
	if err := h.broker.CancelExecution(c, executionID); err != nil {
		if errors.Is(err, errors.ErrTerminal) {
			ctx.JSON(consts.StatusOK, map[string]string{"status": "already terminal"})
			return
		}
		h.fail(ctx, "cancel", err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "cancelling"})
}

// Emit appends one event on behalf of a worker.
// POST /api/v1/events
func (h *Handler) Emit(c context.Context, ctx *app.RequestContext) {
	var e eventlog.Event
	if err := json.Unmarshal(ctx.Request.Body(), &e); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid event body"})
		return
	}
	eventID, err := h.events.Emit(c, &e)
	if err != nil {
		h.fail(ctx, "emit", err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"event_id": strconv.FormatInt(eventID, 10)})
}

type renderRequest struct {
	Template json.RawMessage `json:"template"`
	Scope    map[string]any  `json:"scope,omitempty"`
}

// RenderContext materializes a template against a caller-provided
// scope. Workers without a local renderer use this before execution.
// POST /api/v1/context/render
func (h *Handler) RenderContext(c context.Context, ctx *app.RequestContext) {
	var req renderRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	rendered, err := render.RenderJSON(req.Template, render.Scope(req.Scope))
	if err != nil {
		h.fail(ctx, "render", err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"rendered": rendered})
}

func (h *Handler) pathID(ctx *app.RequestContext) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid execution id"})
		return 0, false
	}
	return id, true
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *Handler) fail(ctx *app.RequestContext, op string, err error) {
	status := consts.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrNotFound):
		status = consts.StatusNotFound
	case errors.Is(err, errors.ErrLeaseLost):
		status = consts.StatusConflict
	case errors.Is(err, errors.ErrDuplicate):
		status = consts.StatusConflict
	case errors.Is(err, errors.ErrTerminal):
		status = consts.StatusGone
	default:
		switch errors.KindOf(err) {
		case errors.KindInvalidResource, errors.KindInvalidEvent:
			status = consts.StatusBadRequest
		case errors.KindNotFound:
			status = consts.StatusNotFound
		case errors.KindConflict:
			status = consts.StatusConflict
		case errors.KindTimeout:
			status = consts.StatusRequestTimeout
		}
	}
	if status == consts.StatusInternalServerError {
		h.logger.Error(op+" failed", "error", err)
	}
	ctx.JSON(status, map[string]string{"error": err.Error()})
}
