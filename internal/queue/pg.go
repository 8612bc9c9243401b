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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	noetlerr "noetl/pkg/errors"
	"noetl/pkg/metrics"
)

// pgStore is the PostgreSQL queue backend. Lease selection uses
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings; migrations must already be run.
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

// NewPostgresStoreWithPool wraps an existing pool.
func NewPostgresStoreWithPool(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Close() {
	s.pool.Close()
}

func (s *pgStore) Enqueue(ctx context.Context, item *Item) (bool, error) {
	retry, err := json.Marshal(item.Retry)
	if err != nil {
		return false, err
	}
	availableAt := item.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO queue (execution_id, node_id, catalog_id, action, context,
			priority, attempts, retry, available_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'ready')
		ON CONFLICT (execution_id, node_id) DO NOTHING`,
		item.ExecutionID, item.NodeID, zeroNull(item.CatalogID),
		[]byte(item.Action), rawNull(item.Context),
		item.Priority, item.Attempts, retry, availableAt)
	if err != nil {
		return false, qstorage(err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	metrics.QueueDepth.WithLabelValues(string(StatusReady)).Inc()
	return true, nil
}

func (s *pgStore) Lease(ctx context.Context, workerID string, n int, visibility time.Duration) ([]*Item, error) {
	if n <= 0 {
		n = 1
	}
	now := time.Now()
	deadline := now.Add(visibility)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, qstorage(err)
	}
	defer tx.Rollback(ctx)

	// poison items are dead-lettered in the same pass
	_, err = tx.Exec(ctx, `
		UPDATE queue SET status = 'dead'
		WHERE status = 'ready' AND available_at <= $1
		AND (retry->>'max_attempts')::int > 0
		AND attempts >= (retry->>'max_attempts')::int`, now)
	if err != nil {
		return nil, qstorage(err)
	}

	rows, err := tx.Query(ctx, `
		SELECT execution_id, node_id, catalog_id, action, context,
			priority, attempts, retry, seq
		FROM queue
		WHERE status = 'ready' AND available_at <= $1
		ORDER BY priority DESC, seq
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, n)
	if err != nil {
		return nil, qstorage(err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, qstorage(err)
	}

	for _, it := range items {
		it.Attempts++
		it.Status = StatusLeased
		it.LeaseDeadline = deadline
		it.LastWorkerID = workerID
		_, err = tx.Exec(ctx, `
			UPDATE queue SET status = 'leased', attempts = attempts + 1,
				lease_deadline = $3, last_worker_id = $4
			WHERE execution_id = $1 AND node_id = $2`,
			it.ExecutionID, it.NodeID, deadline, workerID)
		if err != nil {
			return nil, qstorage(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, qstorage(err)
	}
	for range items {
		metrics.LeasesTotal.Inc()
	}
	return items, nil
}

func (s *pgStore) Heartbeat(ctx context.Context, key Key, workerID string, visibility time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue SET lease_deadline = $4
		WHERE execution_id = $1 AND node_id = $2 AND status = 'leased'
		AND last_worker_id = $3 AND lease_deadline > now()`,
		key.ExecutionID, key.NodeID, workerID, time.Now().Add(visibility))
	if err != nil {
		return qstorage(err)
	}
	if tag.RowsAffected() == 0 {
		return noetlerr.ErrLeaseLost
	}
	return nil
}

func (s *pgStore) Complete(ctx context.Context, key Key, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue SET status = 'done'
		WHERE execution_id = $1 AND node_id = $2 AND status = 'leased' AND last_worker_id = $3`,
		key.ExecutionID, key.NodeID, workerID)
	if err != nil {
		return qstorage(err)
	}
	if tag.RowsAffected() == 0 {
		return noetlerr.ErrLeaseLost
	}
	return nil
}

func (s *pgStore) Fail(ctx context.Context, key Key, workerID string, retryable bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return qstorage(err)
	}
	defer tx.Rollback(ctx)

	var attempts int
	var retryRaw []byte
	err = tx.QueryRow(ctx, `
		SELECT attempts, retry FROM queue
		WHERE execution_id = $1 AND node_id = $2 AND status = 'leased' AND last_worker_id = $3
		FOR UPDATE`,
		key.ExecutionID, key.NodeID, workerID).Scan(&attempts, &retryRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return noetlerr.ErrLeaseLost
		}
		return qstorage(err)
	}
	var retry RetrySpec
	_ = json.Unmarshal(retryRaw, &retry)

	if retryable && (retry.MaxAttempts <= 0 || attempts < retry.MaxAttempts) {
		_, err = tx.Exec(ctx, `
			UPDATE queue SET status = 'ready', available_at = $3
			WHERE execution_id = $1 AND node_id = $2`,
			key.ExecutionID, key.NodeID, time.Now().Add(retry.Backoff(attempts)))
		if err == nil {
			metrics.RetriesTotal.Inc()
		}
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE queue SET status = 'dead'
			WHERE execution_id = $1 AND node_id = $2`,
			key.ExecutionID, key.NodeID)
		if err == nil {
			metrics.DeadLetterTotal.Inc()
		}
	}
	if err != nil {
		return qstorage(err)
	}
	return qstorage(tx.Commit(ctx))
}

func (s *pgStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue SET status = 'ready', available_at = now()
		WHERE status = 'leased' AND lease_deadline < now()`)
	if err != nil {
		return 0, qstorage(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) Retire(ctx context.Context, executionID int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queue WHERE execution_id = $1 AND status IN ('ready', 'leased')`,
		executionID)
	if err != nil {
		return 0, qstorage(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) RetireLoop(ctx context.Context, executionID int64, stepID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queue
		WHERE execution_id = $1 AND node_id LIKE $2 AND status IN ('ready', 'leased')`,
		executionID, stepID+"[%")
	if err != nil {
		return 0, qstorage(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) DeadLetters(ctx context.Context) ([]*Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, node_id, catalog_id, action, context,
			priority, attempts, retry, seq
		FROM queue WHERE status = 'dead' ORDER BY seq`)
	if err != nil {
		return nil, qstorage(err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, qstorage(err)
	}
	for _, it := range items {
		it.Status = StatusDead
	}
	return items, nil
}

func (s *pgStore) RequeueDead(ctx context.Context, key Key) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue SET status = 'ready', attempts = 0, available_at = now()
		WHERE execution_id = $1 AND node_id = $2 AND status = 'dead'`,
		key.ExecutionID, key.NodeID)
	if err != nil {
		return qstorage(err)
	}
	if tag.RowsAffected() == 0 {
		return noetlerr.Wrapf(noetlerr.ErrNotFound, "dead item %d/%s", key.ExecutionID, key.NodeID)
	}
	return nil
}

func scanItems(rows pgx.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		var it Item
		var catalogID *int64
		var action, contextRaw, retryRaw []byte
		if err := rows.Scan(&it.ExecutionID, &it.NodeID, &catalogID, &action, &contextRaw,
			&it.Priority, &it.Attempts, &retryRaw, &it.Seq); err != nil {
			return nil, err
		}
		if catalogID != nil {
			it.CatalogID = *catalogID
		}
		it.Action = action
		it.Context = contextRaw
		_ = json.Unmarshal(retryRaw, &it.Retry)
		items = append(items, &it)
	}
	return items, rows.Err()
}

func qstorage(err error) error {
	if err == nil {
		return nil
	}
	return noetlerr.WithCause(noetlerr.KindTransientStorage, err, "queue storage")
}

func zeroNull(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func rawNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
