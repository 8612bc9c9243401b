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

package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"
)

// NewJWT builds the bearer-token middleware used when auth is enabled.
// Tokens are HMAC-signed with secret; the subject claim rides along as
// "identity" for audit logging.
func NewJWT(secret string, ttl time.Duration) (*jwt.HertzJWTMiddleware, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:         "noetl",
		Key:           []byte(secret),
		Timeout:       ttl,
		MaxRefresh:    ttl,
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
		IdentityKey:   "identity",
		IdentityHandler: func(c context.Context, ctx *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(c, ctx)
			return claims["identity"]
		},
		Unauthorized: func(c context.Context, ctx *app.RequestContext, code int, message string) {
			ctx.JSON(code, map[string]string{"error": message})
		},
		HTTPStatusMessageFunc: func(e error, c context.Context, ctx *app.RequestContext) string {
			return e.Error()
		},
	})
}

// RequireAuth wraps the jwt middleware; a nil middleware passes all
// requests through.
func RequireAuth(m *jwt.HertzJWTMiddleware) app.HandlerFunc {
	if m == nil {
		return func(c context.Context, ctx *app.RequestContext) { ctx.Next(c) }
	}
	return m.MiddlewareFunc()
}
