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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"noetl/pkg/errors"
)

// Task is a fully rendered unit of work handed to a plugin. Plugins are
// pure: (task) -> result | error, with every observable effect flowing
// back through events.
type Task struct {
	Tool   string
	Name   string
	Config map[string]any
	Data   map[string]any
}

// Plugin executes one task kind.
type Plugin interface {
	Kind() string
	Execute(ctx context.Context, task *Task) (any, error)
}

// Registry maps tool kinds to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds or replaces a plugin.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Kind()] = p
}

// Get returns the plugin for kind.
func (r *Registry) Get(kind string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[kind]
	return p, ok
}

// Builtins returns a registry with the in-process plugins. External
// executors (python, shell, sql, container) register out of band.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register(&NoopPlugin{})
	r.Register(NewHTTPPlugin())
	r.Register(&SavePlugin{})
	return r
}

// NoopPlugin passes its rendered data through as the result.
type NoopPlugin struct{}

func (p *NoopPlugin) Kind() string { return "noop" }

func (p *NoopPlugin) Execute(ctx context.Context, task *Task) (any, error) {
	if task.Data == nil {
		return map[string]any{}, nil
	}
	return task.Data, nil
}

// SavePlugin is the body of a save-only step: the result is the rendered
// data; the runner routes it to the sink declared on the action.
type SavePlugin struct{}

func (p *SavePlugin) Kind() string { return "save" }

func (p *SavePlugin) Execute(ctx context.Context, task *Task) (any, error) {
	if task.Data == nil {
		return map[string]any{}, nil
	}
	return task.Data, nil
}

// HTTPPlugin issues one HTTP request per task. A circuit breaker guards
// against hammering a down endpoint; 5xx and transport errors are
// retryable, 4xx are not.
type HTTPPlugin struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPPlugin builds the plugin with its own connection pool.
func NewHTTPPlugin() *HTTPPlugin {
	return &HTTPPlugin{
		client: resty.New().SetTimeout(60 * time.Second),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "http-plugin",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (p *HTTPPlugin) Kind() string { return "http" }

func (p *HTTPPlugin) Execute(ctx context.Context, task *Task) (any, error) {
	endpoint, _ := task.Config["endpoint"].(string)
	if endpoint == "" {
		endpoint, _ = task.Config["url"].(string)
	}
	if endpoint == "" {
		return nil, errors.Plugin(false, "http task has no endpoint")
	}
	method, _ := task.Config["method"].(string)
	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)

	out, err := p.breaker.Execute(func() (any, error) {
		req := p.client.R().SetContext(ctx)
		if headers, ok := task.Config["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.SetHeader(k, fmt.Sprintf("%v", v))
			}
		}
		if params, ok := task.Config["params"].(map[string]any); ok {
			for k, v := range params {
				req.SetQueryParam(k, fmt.Sprintf("%v", v))
			}
		}
		if len(task.Data) > 0 && method != "GET" {
			req.SetBody(task.Data)
		}

		resp, err := req.Execute(method, endpoint)
		if err != nil {
			return nil, errors.Plugin(true, "http %s %s: %v", method, endpoint, err)
		}
		result := map[string]any{
			"status_code": float64(resp.StatusCode()),
			"data":        decodeBody(resp),
			"elapsed_ms":  float64(resp.Time().Milliseconds()),
		}
		if resp.StatusCode() >= 500 {
			return result, errors.Plugin(true, "http %s %s: status %d", method, endpoint, resp.StatusCode())
		}
		if resp.StatusCode() >= 400 {
			return result, errors.Plugin(false, "http %s %s: status %d", method, endpoint, resp.StatusCode())
		}
		return result, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.Plugin(true, "http circuit open for %s", endpoint)
		}
		return out, err
	}
	return out, nil
}

func decodeBody(resp *resty.Response) any {
	body := resp.Body()
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}
