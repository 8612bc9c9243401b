// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"fmt"
)

// Store resolves opaque credential material by key. Catalog credential
// registration writes payloads through it; plugins read them back.
type Store interface {
	// Get returns the secret value for key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key.
	Set(ctx context.Context, key string, value string) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// List returns keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string            `yaml:"provider"` // vault | k8s | env | memory
	Config   map[string]string `yaml:"config"`   // provider-specific settings
}

// NewStore builds a Store for the configured provider; empty provider
// falls back to memory.
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "", "memory":
		return NewMemoryStore(), nil
	case "env":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
		})
	case "k8s":
		return NewK8sStore(K8sConfig{
			ServiceAccountPath: config.Config["service_account_path"],
			Namespace:          config.Config["namespace"],
			SecretsPath:        config.Config["secrets_path"],
		})
	default:
		return nil, fmt.Errorf("unknown secrets provider: %q", config.Provider)
	}
}
