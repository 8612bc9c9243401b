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
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
)

// Router wires the handler onto routes.
type Router struct {
	handler    *Handler
	middleware []app.HandlerFunc
}

// NewRouter creates a router; middleware runs on every /api/v1 route in
// the given order.
func NewRouter(h *Handler, middleware ...app.HandlerFunc) *Router {
	return &Router{handler: h, middleware: middleware}
}

// Build constructs the hertz server with all routes registered.
// Callers add server options (tracer, logger) via opts.
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	options := append([]config.Option{server.WithHostPorts(addr)}, opts...)
	s := server.Default(options...)

	s.GET("/health", r.handler.Health)
	s.GET("/metrics", r.handler.Metrics)

	v1 := s.Group("/api/v1")
	for _, m := range r.middleware {
		v1.Use(m)
	}

	v1.POST("/catalog/register", r.handler.Register)
	v1.GET("/catalog/resource", r.handler.GetResource)

	v1.POST("/execute", r.handler.Execute)
	v1.GET("/execution/:id", r.handler.GetExecution)
	v1.GET("/execution/:id/events", r.handler.GetEvents)
	v1.POST("/execution/:id/cancel", r.handler.CancelExecution)

	v1.POST("/events", r.handler.Emit)
	v1.POST("/context/render", r.handler.RenderContext)
	v1.POST("/query", r.handler.Query)

	q := v1.Group("/queue")
	q.POST("/lease", r.handler.Lease)
	q.POST("/heartbeat", r.handler.Heartbeat)
	q.POST("/complete", r.handler.Complete)
	q.POST("/fail", r.handler.Fail)
	q.GET("/dead", r.handler.DeadLetters)
	q.POST("/dead/requeue", r.handler.RequeueDead)

	return s
}
