// Copyright 2015 Google Inc. All Rights Reserved.
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

package lockingstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/clock"
	"github.com/cryfs-go/cryfs/cryfsconfig"
	"github.com/cryfs-go/cryfs/lockingstore"
	"github.com/cryfs-go/cryfs/store"
)

func newTestStore(t *testing.T, cfg cryfsconfig.Config) (*lockingstore.Store, store.BlockStore) {
	inner := store.NewInMemory()
	cfg.PrunerInterval = time.Hour // disable background pruning during tests unless exercised
	s := lockingstore.New(inner, cfg, clock.RealClock{})
	t.Cleanup(s.Close)
	return s, inner
}

func TestRoundTripThroughCache(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, cryfsconfig.DefaultConfig())

	id, err := s.Create(ctx, []byte("hello"))
	require.NoError(t, err)

	g, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("hello"), g.Data())
	g.Release()
}

func TestLoadMissingBlockReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, cryfsconfig.DefaultConfig())

	_, found, err := s.Load(ctx, blockid.New())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOverwriteIsWrittenBackOnFlush(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestStore(t, cryfsconfig.DefaultConfig())

	id, err := s.Create(ctx, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, s.Overwrite(ctx, id, []byte("v2")))

	g, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, s.FlushBlock(ctx, g))
	g.Release()

	raw, found, err := inner.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), raw)
}

func TestRemoveByIdDeletesFromInnerStore(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestStore(t, cryfsconfig.DefaultConfig())

	id, err := s.Create(ctx, []byte("x"))
	require.NoError(t, err)

	result, err := s.RemoveById(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.Removed, result)

	_, found, err := inner.Load(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearCacheSlowPreservesBytes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, cryfsconfig.DefaultConfig())

	id, err := s.Create(ctx, []byte("before"))
	require.NoError(t, err)

	require.NoError(t, s.ClearCacheSlow(ctx))

	g, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("before"), g.Data())
	g.Release()
}

func TestConcurrentLoadsOfSameBlockAreSerialized(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, cryfsconfig.DefaultConfig())

	id, err := s.Create(ctx, []byte{0})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	var mu sync.Mutex
	maxConcurrent := 0
	concurrent := 0

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			g, found, err := s.Load(ctx, id)
			require.NoError(t, err)
			require.True(t, found)

			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			concurrent--
			mu.Unlock()

			g.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxConcurrent)
}

func TestPrunerFlushesDirtyEntriesAfterDirtyAge(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewSimulatedClock(time.Unix(0, 0))
	cfg := cryfsconfig.DefaultConfig()
	cfg.PrunerInterval = 10 * time.Millisecond
	cfg.PrunerDirtyAge = 0

	inner := store.NewInMemory()
	s := lockingstore.New(inner, cfg, fc)
	defer s.Close()

	id, err := s.Create(ctx, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, s.Overwrite(ctx, id, []byte("v2")))

	fc.AdvanceTime(time.Hour)
	require.Eventually(t, func() bool {
		raw, found, err := inner.Load(ctx, id)
		return err == nil && found && string(raw) == "v2"
	}, time.Second, 5*time.Millisecond)
}
