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

// Package catalog stores playbooks and credentials content-addressed
// and versioned. Versions are server-assigned monotonic integers per
// path; stored content is immutable. Credential payloads live in the
// secrets store; the catalog keeps only name, version, and tags.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"noetl/internal/ident"
	"noetl/internal/playbook"
	"noetl/pkg/errors"
	"noetl/pkg/secrets"
)

// Kind of a catalog resource.
type Kind string

const (
	KindPlaybook   Kind = "Playbook"
	KindCredential Kind = "Credential"
)

// Resource is one immutable catalog entry.
type Resource struct {
	ID        int64     `json:"id,string"`
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"` // opaque utf-8, unique per version
	Version   int       `json:"version"`
	Name      string    `json:"name,omitempty"`
	Content   []byte    `json:"-"` // raw document; empty for credentials
	Sha       string    `json:"sha256"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the catalog persistence backend.
type Store interface {
	// Put inserts a new (path, version) row. Duplicate versions return
	// errors.ErrDuplicate.
	Put(ctx context.Context, r *Resource) error

	// Get returns the resource at (path, version); version 0 means
	// latest.
	Get(ctx context.Context, path string, version int) (*Resource, error)

	// GetByID returns the resource by catalog id.
	GetByID(ctx context.Context, id int64) (*Resource, error)

	// Latest returns the newest version number for path, 0 when absent.
	Latest(ctx context.Context, path string) (int, error)

	// Close releases backend resources.
	Close()
}

// Catalog wraps a Store with registration semantics: schema validation,
// content addressing, and credential payload routing to the secrets
// store.
type Catalog struct {
	store   Store
	secrets secrets.Store
	ids     *ident.Generator

	mu    sync.RWMutex
	cache map[int64]*playbook.Playbook // parsed ASTs by catalog id
}

// New assembles a Catalog. The secrets store may be nil when credential
// registration is not needed.
func New(store Store, sec secrets.Store, ids *ident.Generator) *Catalog {
	return &Catalog{
		store:   store,
		secrets: sec,
		ids:     ids,
		cache:   make(map[int64]*playbook.Playbook),
	}
}

// CredentialPayload is the typed body of a credential resource.
type CredentialPayload struct {
	Name string            `json:"name"`
	Type string            `json:"type"` // e.g. postgres, api_key, basic
	Data map[string]string `json:"data"`
	Tags []string          `json:"tags,omitempty"`
}

// RegisterPlaybook validates and stores a playbook document. Identical
// content for a path returns the existing version; new content gets the
// next version.
func (c *Catalog) RegisterPlaybook(ctx context.Context, doc []byte) (*Resource, error) {
	pb, err := playbook.Parse(doc)
	if err != nil {
		return nil, err
	}
	path := pb.Path()
	sha := contentSha(doc)

	if latest, err := c.store.Latest(ctx, path); err == nil && latest > 0 {
		existing, err := c.store.Get(ctx, path, latest)
		if err == nil && existing.Sha == sha {
			return existing, nil
		}
	}

	r := &Resource{
		ID:        c.ids.NewID(),
		Kind:      KindPlaybook,
		Path:      path,
		Name:      pb.Metadata.Name,
		Content:   append([]byte(nil), doc...),
		Sha:       sha,
		CreatedAt: time.Now().UTC(),
	}
	return c.put(ctx, r)
}

// RegisterCredential stores the payload through the secrets store and
// keeps only governance metadata in the catalog.
func (c *Catalog) RegisterCredential(ctx context.Context, payload []byte) (*Resource, error) {
	var cred CredentialPayload
	if err := json.Unmarshal(payload, &cred); err != nil {
		return nil, errors.WithCause(errors.KindInvalidResource, err, "credential payload")
	}
	if cred.Name == "" {
		return nil, errors.New(errors.KindInvalidResource, "credential name is required")
	}
	if c.secrets == nil {
		return nil, errors.New(errors.KindInvalidResource, "no secrets store configured")
	}

	r := &Resource{
		ID:        c.ids.NewID(),
		Kind:      KindCredential,
		Path:      cred.Name,
		Name:      cred.Name,
		Sha:       contentSha(payload),
		Tags:      cred.Tags,
		CreatedAt: time.Now().UTC(),
	}
	stored, err := c.put(ctx, r)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(cred.Data)
	if err := c.secrets.Set(ctx, credentialKey(cred.Name, stored.Version), string(data)); err != nil {
		return nil, errors.WithCause(errors.KindTransientStorage, err, "store credential payload")
	}
	return stored, nil
}

func (c *Catalog) put(ctx context.Context, r *Resource) (*Resource, error) {
	latest, err := c.store.Latest(ctx, r.Path)
	if err != nil {
		return nil, err
	}
	r.Version = latest + 1
	if err := c.store.Put(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the resource at path; version 0 resolves to latest.
func (c *Catalog) Get(ctx context.Context, path string, version int) (*Resource, error) {
	return c.store.Get(ctx, path, version)
}

// GetByID returns the resource by catalog id.
func (c *Catalog) GetByID(ctx context.Context, id int64) (*Resource, error) {
	return c.store.GetByID(ctx, id)
}

// Playbook returns the parsed AST for a playbook resource, cached per
// catalog id (content is immutable, so the cache never invalidates).
func (c *Catalog) Playbook(ctx context.Context, id int64) (*playbook.Playbook, error) {
	c.mu.RLock()
	pb, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return pb, nil
	}
	r, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Kind != KindPlaybook {
		return nil, errors.New(errors.KindInvalidResource, "catalog id %d is a %s, not a playbook", id, r.Kind)
	}
	pb, err = playbook.Parse(r.Content)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[id] = pb
	c.mu.Unlock()
	return pb, nil
}

// Credential resolves a credential's data map at version (0 = latest).
func (c *Catalog) Credential(ctx context.Context, name string, version int) (map[string]string, error) {
	r, err := c.store.Get(ctx, name, version)
	if err != nil {
		return nil, err
	}
	raw, err := c.secrets.Get(ctx, credentialKey(name, r.Version))
	if err != nil {
		return nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.WithCause(errors.KindInvalidResource, err, "credential %s", name)
	}
	return data, nil
}

// Close releases the backing store.
func (c *Catalog) Close() {
	c.store.Close()
}

func credentialKey(name string, version int) string {
	return "credential/" + name + "/v" + strconv.Itoa(version)
}

func contentSha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
