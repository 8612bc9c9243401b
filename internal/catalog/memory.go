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
	"sync"

	"noetl/pkg/errors"
)

// memoryStore keeps resources in process for tests and single-node
// development.
type memoryStore struct {
	mu       sync.RWMutex
	byPath   map[string][]*Resource // ordered by version
	byID     map[int64]*Resource
}

// NewMemoryStore creates an in-process catalog backend.
func NewMemoryStore() Store {
	return &memoryStore{
		byPath: make(map[string][]*Resource),
		byID:   make(map[int64]*Resource),
	}
}

func (s *memoryStore) Put(ctx context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byPath[r.Path] {
		if existing.Version == r.Version {
			return errors.Wrapf(errors.ErrDuplicate, "catalog %s v%d", r.Path, r.Version)
		}
	}
	cp := *r
	s.byPath[r.Path] = append(s.byPath[r.Path], &cp)
	s.byID[r.ID] = &cp
	return nil
}

func (s *memoryStore) Get(ctx context.Context, path string, version int) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.byPath[path]
	if len(versions) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "catalog path %q", path)
	}
	if version == 0 {
		cp := *versions[len(versions)-1]
		return &cp, nil
	}
	for _, r := range versions {
		if r.Version == version {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "catalog %s v%d", path, version)
}

func (s *memoryStore) GetByID(ctx context.Context, id int64) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "catalog id %d", id)
	}
	cp := *r
	return &cp, nil
}

func (s *memoryStore) Latest(ctx context.Context, path string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.byPath[path]
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1].Version, nil
}

func (s *memoryStore) Close() {}
