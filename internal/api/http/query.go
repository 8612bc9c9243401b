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
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/itchyny/gojq"

	"noetl/internal/eventlog"
	"noetl/pkg/errors"
)

const (
	queryTimeout = 10 * time.Second
	queryMaxRows = 1000
)

// filterEvents keeps the events for which the jq expression yields a
// truthy value. Each event is presented to the program as a plain map.
func filterEvents(ctx context.Context, events []eventlog.Event, filter string) ([]eventlog.Event, error) {
	q, err := gojq.Parse(filter)
	if err != nil {
		return nil, errors.WithCause(errors.KindInvalidEvent, err, "bad filter expression")
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, errors.WithCause(errors.KindInvalidEvent, err, "bad filter expression")
	}

	out := make([]eventlog.Event, 0, len(events))
	for i := range events {
		raw, err := json.Marshal(&events[i])
		if err != nil {
			return nil, errors.Wrap(err, "encode event")
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		iter := code.RunWithContext(ctx, doc)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				return nil, errors.WithCause(errors.KindInvalidEvent, err, "filter failed")
			}
			if v != nil && v != false {
				out = append(out, events[i])
				break
			}
		}
	}
	return out, nil
}

type queryRequest struct {
	SQL     string `json:"sql"`
	MaxRows int    `json:"max_rows,omitempty"`
}

// Query runs a single read-only statement against the backing database.
// Only available when the server runs on postgres.
// POST /api/v1/query
func (h *Handler) Query(c context.Context, ctx *app.RequestContext) {
	if h.pool == nil {
		ctx.JSON(consts.StatusNotImplemented, map[string]string{"error": "query requires a postgres backend"})
		return
	}
	var req queryRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	stmt := strings.TrimSpace(req.SQL)
	upper := strings.ToUpper(stmt)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "only SELECT statements are allowed"})
		return
	}
	maxRows := req.MaxRows
	if maxRows <= 0 || maxRows > queryMaxRows {
		maxRows = queryMaxRows
	}

	qctx, cancel := context.WithTimeout(c, queryTimeout)
	defer cancel()

	rows, err := h.pool.Query(qctx, stmt)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	results := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		if len(results) >= maxRows {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx.JSON(consts.StatusOK, map[string]any{
		"columns":   columns,
		"rows":      results,
		"count":     len(results),
		"truncated": truncated,
	})
}

// normalizeValue flattens driver types the JSON encoder chokes on.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err == nil {
			return decoded
		}
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return v
	}
}
