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

package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl/pkg/config"
	"noetl/pkg/errors"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "result/1/2", []byte(`{"big":true}`)))
	data, err := s.Get(ctx, "result/1/2")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"big":true}`), data)

	// the store copies on both sides
	data[0] = 'X'
	again, err := s.Get(ctx, "result/1/2")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again[0])

	require.NoError(t, s.Delete(ctx, "result/1/2"))
	_, err = s.Get(ctx, "result/1/2")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	require.NoError(t, s.Close())
}

func TestNewStoreProviders(t *testing.T) {
	s, err := NewStore(config.BlobConfig{})
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = NewStore(config.BlobConfig{Provider: "s3"})
	assert.Error(t, err)
}
