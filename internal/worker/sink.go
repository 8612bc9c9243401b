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

	"github.com/jackc/pgx/v5/pgxpool"

	"noetl/internal/blob"
	"noetl/internal/playbook"
	"noetl/pkg/errors"
)

// Sink routes a step result to its declared storage in addition to the
// event log. storage "event" is the implicit default and writes nothing
// extra.
type Sink interface {
	Save(ctx context.Context, save *playbook.Save, executionID int64, nodeID string, data json.RawMessage) error
}

// CompositeSink serves redis targets through the blob store and
// postgres targets through the saved_results table. Either backend may
// be nil; saves against a missing backend fail non-retryably.
type CompositeSink struct {
	Blobs blob.Store
	Pool  *pgxpool.Pool
}

func (s *CompositeSink) Save(ctx context.Context, save *playbook.Save, executionID int64, nodeID string, data json.RawMessage) error {
	switch save.Storage {
	case "", "event":
		return nil
	case "redis":
		if s.Blobs == nil {
			return errors.Plugin(false, "no redis sink configured for save on %s", nodeID)
		}
		key := save.Target
		if key == "" {
			key = "save"
		}
		key = fmt.Sprintf("%s/%d/%s", key, executionID, nodeID)
		if err := s.Blobs.Put(ctx, key, data); err != nil {
			return errors.WithCause(errors.KindTransientStorage, err, "save to redis key %s", key)
		}
		return nil
	case "postgres":
		if s.Pool == nil {
			return errors.Plugin(false, "no postgres sink configured for save on %s", nodeID)
		}
		target := save.Target
		if target == "" {
			target = "default"
		}
		_, err := s.Pool.Exec(ctx, `
			INSERT INTO saved_results (execution_id, node_id, target, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (execution_id, node_id, target) DO UPDATE SET data = EXCLUDED.data`,
			executionID, nodeID, target, []byte(data))
		if err != nil {
			return errors.WithCause(errors.KindTransientStorage, err, "save to table for %s", nodeID)
		}
		return nil
	default:
		return errors.Plugin(false, "unknown save storage %q on %s", save.Storage, nodeID)
	}
}
