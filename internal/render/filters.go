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

package render

import (
	"encoding/json"
	"sort"
	"strings"

	"noetl/pkg/errors"
)

// applyFilter runs one pipeline stage. Filters are total over null
// except where a conversion genuinely has no answer.
func applyFilter(name string, v any, args []any) (any, error) {
	switch name {
	case "default":
		if len(args) != 1 {
			return nil, errors.New(errors.KindInvalidResource, "default filter takes one argument")
		}
		if v == nil {
			return args[0], nil
		}
		return v, nil
	case "upper":
		return strings.ToUpper(stringify(v)), nil
	case "lower":
		return strings.ToLower(stringify(v)), nil
	case "trim":
		return strings.TrimSpace(stringify(v)), nil
	case "length":
		switch val := v.(type) {
		case nil:
			return float64(0), nil
		case string:
			return float64(len(val)), nil
		case []any:
			return float64(len(val)), nil
		case map[string]any:
			return float64(len(val)), nil
		}
		return nil, errors.New(errors.KindInvalidResource, "length filter on %T", v)
	case "json":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.WithCause(errors.KindInvalidResource, err, "json filter")
		}
		return string(b), nil
	case "int":
		n, ok := toNumber(v)
		if !ok {
			return nil, errors.New(errors.KindInvalidResource, "int filter on %T", v)
		}
		return float64(int64(n)), nil
	case "float":
		n, ok := toNumber(v)
		if !ok {
			return nil, errors.New(errors.KindInvalidResource, "float filter on %T", v)
		}
		return n, nil
	case "string":
		return stringify(v), nil
	case "first":
		if list, ok := v.([]any); ok && len(list) > 0 {
			return list[0], nil
		}
		return nil, nil
	case "last":
		if list, ok := v.([]any); ok && len(list) > 0 {
			return list[len(list)-1], nil
		}
		return nil, nil
	case "keys":
		m, ok := v.(map[string]any)
		if !ok {
			return nil, errors.New(errors.KindInvalidResource, "keys filter on %T", v)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	default:
		return nil, errors.New(errors.KindInvalidResource, "unknown filter %q", name)
	}
}
