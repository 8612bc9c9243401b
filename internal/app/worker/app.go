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

// Package worker assembles the standalone worker process. With
// worker.server_url set it leases over REST; otherwise it attaches to
// the shared postgres backend directly.
package worker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"noetl/internal/blob"
	"noetl/internal/eventlog"
	"noetl/internal/ident"
	"noetl/internal/queue"
	"noetl/internal/worker"
	"noetl/pkg/config"
	"noetl/pkg/log"
)

// App is the assembled worker process.
type App struct {
	cfg    *config.Config
	logger *log.Logger

	pool   *pgxpool.Pool
	blobs  blob.Store
	events *eventlog.Log
	jobs   queue.Store
	runner *worker.Runner
}

// NewApp wires the worker from config.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	blobs, err := blob.NewStore(cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, blobs: blobs}

	var client worker.Client
	switch {
	case cfg.Worker.ServerURL != "":
		client = worker.NewRestClient(cfg.Worker.ServerURL, cfg.Worker.ID)
	case cfg.Database.Type == "postgres" && cfg.Database.DSN != "":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.pool = pool
		ids, err := ident.NewGenerator(ident.DefaultNodeID())
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("init id generator: %w", err)
		}
		a.events = eventlog.NewLog(eventlog.NewPostgresStoreWithPool(pool), blobs, ids, logger, cfg.Events.InlineResultLimit)
		a.jobs = queue.NewPostgresStoreWithPool(pool)
		client = &worker.DirectClient{Jobs: a.jobs, Events: a.events}
	default:
		return nil, fmt.Errorf("worker needs worker.server_url or a postgres database")
	}

	sink := &worker.CompositeSink{Blobs: blobs, Pool: a.pool}
	a.runner = worker.NewRunner(client, worker.Builtins(), sink, cfg, logger)
	return a, nil
}

// Run starts the lease loop and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("worker starting",
		"worker_id", a.cfg.Worker.ID,
		"server_url", a.cfg.Worker.ServerURL,
		"concurrency", a.cfg.Worker.Concurrency,
	)
	a.runner.Start(ctx)
	<-ctx.Done()
	return nil
}

// Shutdown drains in-flight jobs and closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.runner.Stop()
	if a.events != nil {
		a.events.Close()
	}
	if a.jobs != nil {
		a.jobs.Close()
	}
	_ = a.blobs.Close()
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}
