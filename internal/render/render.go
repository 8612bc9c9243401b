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

// Package render materializes task templates against an execution
// scope. Templates embed {{ expr }} segments; a string that is exactly
// one segment renders to the expression's native value, anything else
// interpolates. Rendering is pure: no I/O, no clock, only the scope the
// caller provides. Missing paths resolve to null so rendering is total;
// the default filter supplies fallbacks.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"noetl/pkg/errors"
)

// Scope is one flat layer of bindings visible to expressions.
type Scope map[string]any

// Layer merges scopes left to right, later layers winning per key.
// Typical layering: workload defaults, execution payload, predecessor
// step results, iterator binding, transition overlay.
func Layer(layers ...Scope) Scope {
	out := make(Scope)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

// WithResult binds a step's result under its id, with fields promoted
// so both {{step.field}} and {{step.data.field}} resolve.
func (s Scope) WithResult(stepID string, result any) Scope {
	entry := map[string]any{"data": result}
	if fields, ok := result.(map[string]any); ok {
		for k, v := range fields {
			if k != "data" {
				entry[k] = v
			}
		}
	}
	s[stepID] = entry
	return s
}

// RenderString renders one template string. A string that is exactly
// "{{ expr }}" returns the evaluated value unchanged; mixed content
// returns the interpolated string.
func RenderString(tmpl string, scope Scope) (any, error) {
	segments, err := split(tmpl)
	if err != nil {
		return nil, err
	}
	if len(segments) == 1 && segments[0].expr {
		return Eval(segments[0].text, scope)
	}
	var b strings.Builder
	for _, seg := range segments {
		if !seg.expr {
			b.WriteString(seg.text)
			continue
		}
		v, err := Eval(seg.text, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

// RenderValue walks maps, slices, and strings, rendering every template
// it finds. Non-string scalars pass through untouched.
func RenderValue(v any, scope Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return RenderString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := RenderValue(item, scope)
			if err != nil {
				return nil, errors.Wrapf(err, "key %q", k)
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := RenderValue(item, scope)
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderJSON renders a raw JSON document and re-encodes it.
func RenderJSON(raw json.RawMessage, scope Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.WithCause(errors.KindInvalidResource, err, "template json")
	}
	rendered, err := RenderValue(v, scope)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, errors.WithCause(errors.KindInvalidResource, err, "rendered json")
	}
	return out, nil
}

// Truthy reports whether a rendered value counts as true in guards:
// null and absent are false, booleans are themselves, numbers are
// non-zero, strings and collections are non-empty.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// EvalGuard evaluates a guard expression (with or without {{ }}) and
// applies truthiness.
func EvalGuard(guard string, scope Scope) (bool, error) {
	expr := strings.TrimSpace(guard)
	if strings.HasPrefix(expr, "{{") && strings.HasSuffix(expr, "}}") {
		expr = strings.TrimSpace(expr[2 : len(expr)-2])
	}
	if expr == "" {
		return true, nil
	}
	v, err := Eval(expr, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

type segment struct {
	text string
	expr bool
}

func split(tmpl string) ([]segment, error) {
	var segs []segment
	rest := tmpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" || len(segs) == 0 {
				segs = append(segs, segment{text: rest})
			}
			return segs, nil
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			return nil, errors.New(errors.KindInvalidResource, "unterminated template in %q", tmpl)
		}
		if open > 0 {
			segs = append(segs, segment{text: rest[:open]})
		}
		segs = append(segs, segment{text: strings.TrimSpace(rest[open+2 : open+closing]), expr: true})
		rest = rest[open+closing+2:]
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
