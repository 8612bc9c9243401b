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

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// client is a thin wrapper over the server API for the CLI commands.
type client struct {
	http *resty.Client
}

func newClient(baseURL string) *client {
	return &client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second),
	}
}

func (c *client) registerPlaybook(doc []byte) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetHeader("Content-Type", "application/x-yaml").
		SetBody(doc).
		Post("/api/v1/catalog/register")
	return c.body(resp, err)
}

func (c *client) execute(path string, version int, payload map[string]any) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetBody(map[string]any{"path": path, "version": version, "payload": payload}).
		Post("/api/v1/execute")
	return c.body(resp, err)
}

func (c *client) execution(id string) (json.RawMessage, error) {
	resp, err := c.http.R().Get("/api/v1/execution/" + id)
	return c.body(resp, err)
}

func (c *client) events(id, filter string) (json.RawMessage, error) {
	req := c.http.R()
	if filter != "" {
		req.SetQueryParam("filter", filter)
	}
	resp, err := req.Get("/api/v1/execution/" + id + "/events")
	return c.body(resp, err)
}

func (c *client) cancel(id string) (json.RawMessage, error) {
	resp, err := c.http.R().Post("/api/v1/execution/" + id + "/cancel")
	return c.body(resp, err)
}

func (c *client) deadLetters() (json.RawMessage, error) {
	resp, err := c.http.R().Get("/api/v1/queue/dead")
	return c.body(resp, err)
}

func (c *client) requeue(executionID, nodeID string) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetBody(map[string]string{"execution_id": executionID, "node_id": nodeID}).
		Post("/api/v1/queue/dead/requeue")
	return c.body(resp, err)
}

func (c *client) body(resp *resty.Response, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode(), resp.String())
	}
	return resp.Body(), nil
}
