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

// Package server assembles the orchestrator process: stores, event log,
// catalog, broker, queue sweeper, and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	happ "github.com/cloudwego/hertz/pkg/app"
	hserver "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/jackc/pgx/v5/pgxpool"

	api "noetl/internal/api/http"
	"noetl/internal/api/http/middleware"
	"noetl/internal/blob"
	"noetl/internal/broker"
	"noetl/internal/catalog"
	"noetl/internal/eventlog"
	"noetl/internal/ident"
	"noetl/internal/migrate"
	"noetl/internal/queue"
	"noetl/pkg/config"
	"noetl/pkg/log"
	"noetl/pkg/secrets"
)

// otelProviderShutdown closes the OpenTelemetry provider on shutdown.
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App is the assembled server process.
type App struct {
	cfg    *config.Config
	logger *log.Logger

	pool    *pgxpool.Pool
	blobs   blob.Store
	events  *eventlog.Log
	jobs    queue.Store
	catalog *catalog.Catalog
	broker  *broker.Broker
	sweeper *queue.Sweeper
	router  *api.Router

	hertz        *hserver.Hertz
	otelProvider otelProviderShutdown
}

// NewApp wires the process from config.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	ids, err := ident.NewGenerator(ident.DefaultNodeID())
	if err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Config:   cfg.Secrets.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("init secrets: %w", err)
	}

	blobs, err := blob.NewStore(cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, blobs: blobs}

	var eventStore eventlog.Store
	var jobStore queue.Store
	var catalogStore catalog.Store
	switch cfg.Database.Type {
	case "", "memory":
		eventStore = eventlog.NewMemoryStore()
		jobStore = queue.NewMemoryStore()
		catalogStore = catalog.NewMemoryStore()
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database.type postgres requires database.dsn")
		}
		if cfg.Database.Migrate {
			if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
				return nil, err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.pool = pool
		eventStore = eventlog.NewPostgresStoreWithPool(pool)
		jobStore = queue.NewPostgresStoreWithPool(pool)
		catalogStore = catalog.NewPostgresStoreWithPool(pool)
	default:
		return nil, fmt.Errorf("unsupported database.type %q", cfg.Database.Type)
	}

	a.events = eventlog.NewLog(eventStore, blobs, ids, logger, cfg.Events.InlineResultLimit)
	a.jobs = jobStore
	a.catalog = catalog.New(catalogStore, secretStore, ids)
	a.broker = broker.New(a.events, a.jobs, a.catalog, ids, cfg, logger)
	a.sweeper = queue.NewSweeper(a.jobs, config.Duration(cfg.Queue.SweepInterval, 0), logger)

	var mw []happ.HandlerFunc
	if cfg.Server.RateLimit.Enabled {
		mw = append(mw, middleware.RateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst))
	}
	if cfg.Server.Auth.Enabled && cfg.Server.Auth.JWTKey != "" {
		jwtMw, err := middleware.NewJWT(cfg.Server.Auth.JWTKey, config.Duration(cfg.Server.Auth.JWTTimeout, 0))
		if err != nil {
			return nil, fmt.Errorf("init jwt: %w", err)
		}
		mw = append(mw, middleware.RequireAuth(jwtMw))
	}
	mw = append(mw, middleware.RequestLogger(logger))

	var queryPool *pgxpool.Pool
	if cfg.Server.Query.Enabled {
		queryPool = a.pool
	}
	handler := api.NewHandler(a.broker, a.events, a.catalog, a.jobs, queryPool, logger)
	a.router = api.NewRouter(handler, mw...)
	return a, nil
}

// Run starts the broker, sweeper, and HTTP server, blocking until the
// listener exits.
func (a *App) Run(ctx context.Context) error {
	a.installHertzLogger()

	a.broker.Start(ctx)
	a.sweeper.Start(ctx)

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	a.logger.Info("server starting", "addr", addr, "database", a.cfg.Database.Type)

	tracing := a.cfg.Server.Tracing
	if tracing.Enabled {
		endpoint := tracing.ExportEndpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint != "" {
			serviceName := tracing.ServiceName
			if serviceName == "" {
				serviceName = "noetl-server"
			}
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(endpoint),
			}
			if tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tcfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
			a.logger.Info("tracing enabled", "service_name", serviceName, "endpoint", endpoint)
		}
	}
	if a.hertz == nil {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown stops intake first, then the broker and stores.
func (a *App) Shutdown(ctx context.Context) error {
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
	}
	a.sweeper.Stop()
	a.broker.Stop()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	a.events.Close()
	a.jobs.Close()
	a.catalog.Close()
	_ = a.blobs.Close()
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}

// installHertzLogger routes hertz's own logging through slog with the
// configured level.
func (a *App) installHertzLogger() {
	levelVar := &slog.LevelVar{}
	switch a.cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(os.Stdout),
		hertzslog.WithLevel(levelVar),
	))
}
