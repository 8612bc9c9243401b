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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration for both server and worker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Events   EventsConfig   `mapstructure:"events"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP surface of the orchestrator.
type ServerConfig struct {
	Host      string          `mapstructure:"host"`
	Port      int             `mapstructure:"port"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Query     QueryConfig     `mapstructure:"query"`
}

// AuthConfig gates the optional JWT middleware.
type AuthConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	JWTKey     string `mapstructure:"jwt_key"`
	JWTTimeout string `mapstructure:"jwt_timeout"` // e.g. "1h"
}

// RateLimitConfig throttles the execute and queue endpoints.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// TracingConfig enables OpenTelemetry export.
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// QueryConfig bounds the read-only SQL endpoint.
type QueryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Timeout string `mapstructure:"timeout"`  // statement timeout, e.g. "5s"
	MaxRows int    `mapstructure:"max_rows"` // <=0 uses default 1000
}

// DatabaseConfig selects the storage backend shared by the event log,
// queue, and catalog. Type memory keeps everything in process.
type DatabaseConfig struct {
	Type    string `mapstructure:"type"` // memory | postgres
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

// QueueConfig tunes job delivery.
type QueueConfig struct {
	Visibility    string `mapstructure:"visibility"`     // lease duration, e.g. "30s"
	LeaseBatch    int    `mapstructure:"lease_batch"`    // max items per lease call
	SweepInterval string `mapstructure:"sweep_interval"` // expired-lease sweeper period
	MaxAttempts   int    `mapstructure:"max_attempts"`   // default when a step has no retry policy
}

// BrokerConfig tunes the state machine loop.
type BrokerConfig struct {
	Workers           int    `mapstructure:"workers"`            // concurrent advance goroutines, <=0 defaults to 4
	ReconcileInterval string `mapstructure:"reconcile_interval"` // periodic re-advance of open executions
	ReapInterval      string `mapstructure:"reap_interval"`      // timeout reaper period
}

// EventsConfig tunes the event log.
type EventsConfig struct {
	InlineResultLimit int `mapstructure:"inline_result_limit"` // bytes; larger results go to the blob store
}

// BlobConfig selects where over-threshold results live.
type BlobConfig struct {
	Provider string          `mapstructure:"provider"` // memory | redis
	Redis    RedisBlobConfig `mapstructure:"redis"`
}

// RedisBlobConfig configures the redis blob backend.
type RedisBlobConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTL      string `mapstructure:"ttl"` // e.g. "168h"; empty keeps blobs forever
}

// SecretsConfig selects the credential store provider.
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // memory | env | vault | k8s
	Config   map[string]string `mapstructure:"config"`
}

// WorkerConfig configures the worker runtime.
type WorkerConfig struct {
	ID           string   `mapstructure:"id"`            // empty uses WORKER_ID env or hostname
	ServerURL    string   `mapstructure:"server_url"`    // empty runs against in-process stores
	LeaseBatch   int      `mapstructure:"lease_batch"`   // items per lease call, <=0 defaults to 1
	Concurrency  int      `mapstructure:"concurrency"`   // parallel jobs, <=0 defaults to 2
	PollInterval string   `mapstructure:"poll_interval"` // idle wait between empty leases
	Plugins      []string `mapstructure:"plugins"`       // enabled plugin kinds; empty enables the builtins
}

// LogConfig mirrors pkg/log.Config.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig reads a YAML file with environment overrides (dots map to
// underscores, so NOETL server.port becomes SERVER_PORT).
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	replaceEnvVars(&config)

	return &config, nil
}

// replaceEnvVars expands ${VAR} placeholders in secret-bearing fields.
func replaceEnvVars(config *Config) {
	config.Database.DSN = expandEnv(config.Database.DSN)
	config.Blob.Redis.Password = expandEnv(config.Blob.Redis.Password)
	config.Server.Auth.JWTKey = expandEnv(config.Server.Auth.JWTKey)
	for k, v := range config.Secrets.Config {
		config.Secrets.Config[k] = expandEnv(v)
	}
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
			return val
		}
	}
	return s
}

// LoadServerConfig loads configs/server.yaml.
func LoadServerConfig() (*Config, error) {
	return LoadConfig("configs/server.yaml")
}

// LoadWorkerConfig loads configs/worker.yaml.
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Duration parses s, falling back to def on empty or invalid input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
