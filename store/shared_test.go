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

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/store"
)

func TestSharedClosesOnlyAfterLastHandleReleased(t *testing.T) {
	closed := 0
	shared := store.NewShared(store.NewInMemory(), func() error {
		closed++
		return nil
	})
	clone := shared.Clone()

	require.NoError(t, shared.Release())
	assert.Equal(t, 0, closed, "underlying store must stay open while clone is live")

	require.NoError(t, clone.Release())
	assert.Equal(t, 1, closed)
}

func TestSharedClonesSeeEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	shared := store.NewShared(store.NewInMemory(), nil)
	clone := shared.Clone()
	defer shared.Release()
	defer clone.Release()

	id := blockid.New()
	require.NoError(t, shared.Store(ctx, id, []byte("via shared")))

	got, found, err := clone.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("via shared"), got)
}

func TestSharedReleaseWithoutCloseFnIsSafe(t *testing.T) {
	shared := store.NewShared(store.NewInMemory(), nil)
	assert.NoError(t, shared.Release())
}
