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

// Package middleware holds the request-level concerns of the API:
// rate limiting, optional bearer auth, and request logging.
package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"noetl/pkg/log"
)

// RateLimit rejects requests beyond rps with 429. burst absorbs short
// spikes. A non-positive rps disables the limiter.
func RateLimit(rps float64, burst int) app.HandlerFunc {
	if rps <= 0 {
		return func(c context.Context, ctx *app.RequestContext) { ctx.Next(c) }
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c context.Context, ctx *app.RequestContext) {
		if !limiter.Allow() {
			ctx.AbortWithStatusJSON(consts.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}
		ctx.Next(c)
	}
}

// RequestLogger emits one structured line per request.
func RequestLogger(logger *log.Logger) app.HandlerFunc {
	l := logger.Component("http")
	return func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		l.Info("request",
			"method", string(ctx.Method()),
			"path", string(ctx.Path()),
			"status", ctx.Response.StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
