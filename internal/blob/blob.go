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

// Package blob stores result payloads that exceed the inline event
// limit. Events keep a ResultRef; the bytes live here.
package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"noetl/pkg/config"
	"noetl/pkg/errors"
)

// Store is a flat key -> bytes store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewStore builds a Store from the blob config group.
func NewStore(cfg config.BlobConfig) (Store, error) {
	switch cfg.Provider {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		ttl := config.Duration(cfg.Redis.TTL, 0)
		return NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, ttl), nil
	default:
		return nil, fmt.Errorf("unsupported blob provider: %s", cfg.Provider)
	}
}

// redisStore keeps blobs in redis with an optional TTL.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed Store. A ttl of zero keeps blobs
// until deleted.
func NewRedisStore(addr, password string, db int, ttl time.Duration) Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &redisStore{client: client, ttl: ttl}
}

func (s *redisStore) Put(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.ErrNotFound
	}
	return data, err
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
