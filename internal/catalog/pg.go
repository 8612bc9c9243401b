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

package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	noetlerr "noetl/pkg/errors"
)

// pgStore persists resources in the catalog table.
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

func (s *pgStore) Put(ctx context.Context, r *Resource) error {
	var tags any
	if len(r.Tags) > 0 {
		tags = r.Tags
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO catalog (id, kind, path, version, name, content, sha256, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, string(r.Kind), r.Path, r.Version, r.Name, r.Content, r.Sha, tags, r.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return noetlerr.Wrapf(noetlerr.ErrDuplicate, "catalog %s v%d", r.Path, r.Version)
		}
		return cstorage(err)
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, path string, version int) (*Resource, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, path, version, name, content, sha256, tags, created_at
		FROM catalog WHERE path = $1 AND ($2 = 0 OR version = $2)
		ORDER BY version DESC LIMIT 1`, path, version)
	r, err := scanResource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, noetlerr.Wrapf(noetlerr.ErrNotFound, "catalog path %q", path)
		}
		return nil, cstorage(err)
	}
	return r, nil
}

func (s *pgStore) GetByID(ctx context.Context, id int64) (*Resource, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, path, version, name, content, sha256, tags, created_at
		FROM catalog WHERE id = $1`, id)
	r, err := scanResource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, noetlerr.Wrapf(noetlerr.ErrNotFound, "catalog id %d", id)
		}
		return nil, cstorage(err)
	}
	return r, nil
}

func (s *pgStore) Latest(ctx context.Context, path string) (int, error) {
	var latest int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM catalog WHERE path = $1`, path).Scan(&latest)
	if err != nil {
		return 0, cstorage(err)
	}
	return latest, nil
}

func scanResource(row pgx.Row) (*Resource, error) {
	var r Resource
	var kind string
	var name *string
	var tags []string
	if err := row.Scan(&r.ID, &kind, &r.Path, &r.Version, &name,
		&r.Content, &r.Sha, &tags, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	if name != nil {
		r.Name = *name
	}
	r.Tags = tags
	return &r, nil
}

func cstorage(err error) error {
	return noetlerr.WithCause(noetlerr.KindTransientStorage, err, "catalog storage")
}
