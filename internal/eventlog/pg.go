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

package eventlog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	noetlerr "noetl/pkg/errors"
)

// pgStore is the PostgreSQL backend: an events table plus an executions
// row per execution kept in the same transaction. Marker idempotency
// rides on partial unique indexes (23505 resolves to the existing id).
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings; the caller runs migrations first.
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &pgStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool (shared with the queue
// and catalog in the server process).
func NewPostgresStoreWithPool(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Close() {
	s.pool.Close()
}

func (s *pgStore) Insert(ctx context.Context, e *Event) (int64, bool, error) {
	iter, err := marshalNullable(e.Iterator)
	if err != nil {
		return 0, false, err
	}
	errInfo, err := marshalNullable(e.Error)
	if err != nil {
		return 0, false, err
	}
	resultRef, err := marshalNullable(e.ResultRef)
	if err != nil {
		return 0, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, storage(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO events (event_id, execution_id, parent_event_id, event_type, status,
			node_id, node_name, node_type, iterator, context, result, result_ref,
			error, stack_trace, catalog_id, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.EventID, e.ExecutionID, nullInt(e.ParentEventID), string(e.Type), string(e.Status),
		nullStr(e.NodeID), nullStr(e.NodeName), nullStr(e.NodeType), iter,
		rawOrNil(e.Context), rawOrNil(e.Result), resultRef,
		errInfo, nullStr(e.StackTrace), nullInt(e.CatalogID), nullStr(e.WorkerID), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && e.Type.IsMarker() {
			// idempotent marker: hand back the id already on record
			existing, lookupErr := s.lookupMarker(ctx, e)
			if lookupErr != nil {
				return 0, false, storage(lookupErr)
			}
			return existing, false, nil
		}
		return 0, false, storage(err)
	}

	status := string(ExecRunning)
	switch e.Type {
	case ExecutionComplete:
		status = string(ExecComplete)
	case ExecutionFailed:
		status = string(ExecFailed)
		if e.Error != nil && e.Error.Kind == "Cancelled" {
			status = string(ExecCancelled)
		}
	}
	if e.Type == ExecutionStarted {
		_, err = tx.Exec(ctx, `
			INSERT INTO executions (execution_id, catalog_id, status, last_event_id, started_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (execution_id) DO NOTHING`,
			e.ExecutionID, nullInt(e.CatalogID), status, e.EventID, e.CreatedAt)
	} else if e.Type.IsTerminal() {
		_, err = tx.Exec(ctx, `
			UPDATE executions SET status = $2, last_event_id = $3, finished_at = $4
			WHERE execution_id = $1 AND status = 'running'`,
			e.ExecutionID, status, e.EventID, e.CreatedAt)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE executions SET last_event_id = $2 WHERE execution_id = $1`,
			e.ExecutionID, e.EventID)
	}
	if err != nil {
		return 0, false, storage(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, storage(err)
	}
	return e.EventID, true, nil
}

func (s *pgStore) lookupMarker(ctx context.Context, e *Event) (int64, error) {
	var id int64
	var err error
	switch e.Type {
	case StepStarted:
		err = s.pool.QueryRow(ctx, `
			SELECT event_id FROM events
			WHERE execution_id = $1 AND node_id = $2 AND event_type = 'step_started'`,
			e.ExecutionID, e.NodeID).Scan(&id)
	case LoopIteration:
		err = s.pool.QueryRow(ctx, `
			SELECT event_id FROM events
			WHERE execution_id = $1 AND event_type = 'loop_iteration'
			AND iterator->>'loop_id' = $2 AND (iterator->>'iteration_index')::int = $3`,
			e.ExecutionID, e.Iterator.LoopID, e.Iterator.Index).Scan(&id)
	default:
		err = pgx.ErrNoRows
	}
	return id, err
}

func (s *pgStore) ListEvents(ctx context.Context, executionID, since int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, execution_id, parent_event_id, event_type, status,
			node_id, node_name, node_type, iterator, context, result, result_ref,
			error, stack_trace, catalog_id, worker_id, created_at
		FROM events WHERE execution_id = $1 AND event_id > $2 ORDER BY event_id`,
		executionID, since)
	if err != nil {
		return nil, storage(err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var parentID, catalogID *int64
		var status, nodeID, nodeName, nodeType, stackTrace, workerID *string
		var iter, resultRef, errInfo []byte
		if err := rows.Scan(&e.EventID, &e.ExecutionID, &parentID, (*string)(&e.Type), &status,
			&nodeID, &nodeName, &nodeType, &iter, (*[]byte)(&e.Context), (*[]byte)(&e.Result), &resultRef,
			&errInfo, &stackTrace, &catalogID, &workerID, &e.CreatedAt); err != nil {
			return nil, storage(err)
		}
		e.ParentEventID = deref(parentID)
		e.CatalogID = deref(catalogID)
		e.Status = Status(derefStr(status))
		e.NodeID = derefStr(nodeID)
		e.NodeName = derefStr(nodeName)
		e.NodeType = derefStr(nodeType)
		e.StackTrace = derefStr(stackTrace)
		e.WorkerID = derefStr(workerID)
		if len(iter) > 0 {
			e.Iterator = &Iterator{}
			if err := json.Unmarshal(iter, e.Iterator); err != nil {
				return nil, storage(err)
			}
		}
		if len(resultRef) > 0 {
			e.ResultRef = &ResultRef{}
			if err := json.Unmarshal(resultRef, e.ResultRef); err != nil {
				return nil, storage(err)
			}
		}
		if len(errInfo) > 0 {
			e.Error = &ErrorInfo{}
			if err := json.Unmarshal(errInfo, e.Error); err != nil {
				return nil, storage(err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *pgStore) HasTerminal(ctx context.Context, executionID int64) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM executions WHERE execution_id = $1`, executionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, storage(err)
	}
	return ExecStatus(status).Terminal(), nil
}

func (s *pgStore) OpenExecutions(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT execution_id FROM executions WHERE status = 'running' ORDER BY execution_id`)
	if err != nil {
		return nil, storage(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storage(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func storage(err error) error {
	return noetlerr.WithCause(noetlerr.KindTransientStorage, err, "event log storage")
}

func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case *Iterator:
		if t == nil {
			return nil, nil
		}
	case *ErrorInfo:
		if t == nil {
			return nil, nil
		}
	case *ResultRef:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
