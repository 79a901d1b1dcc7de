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
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/store"
	"github.com/cryfs-go/cryfs/store/integritydata"
)

func newIntegrityStore(t *testing.T, inner store.BlockStore, policy store.IntegrityPolicy) (*store.Integrity, *integritydata.IntegrityData) {
	data, err := integritydata.Load(filepath.Join(t.TempDir(), "integrity.json"), 1)
	require.NoError(t, err)
	return store.NewIntegrity(inner, data, policy), data
}

func defaultPolicy() store.IntegrityPolicy {
	return store.IntegrityPolicy{
		AllowIntegrityViolations:         false,
		MissingBlockIsIntegrityViolation: true,
		SingleClientMode:                 true,
	}
}

func TestIntegrityRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, _ := newIntegrityStore(t, store.NewInMemory(), defaultPolicy())

	id := blockid.New()
	require.NoError(t, s.Store(ctx, id, []byte("payload")))

	got, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), got)
}

func TestIntegrityDetectsRollback(t *testing.T) {
	ctx := context.Background()
	inner := store.NewInMemory()
	s, _ := newIntegrityStore(t, inner, defaultPolicy())

	id := blockid.New()
	require.NoError(t, s.Store(ctx, id, []byte("v1")))
	snapshot, _, err := inner.Load(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.Store(ctx, id, []byte("v2")))
	_, _, err = s.Load(ctx, id)
	require.NoError(t, err)

	// Roll the underlying block back to the v1 snapshot (simulating an
	// attacker restoring an old version) and try to read it again.
	require.NoError(t, inner.Store(ctx, id, snapshot))

	_, _, err = s.Load(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrRollBack))

	// The store is now permanently tainted.
	_, _, err = s.Load(ctx, id)
	assert.True(t, errors.Is(err, cerrors.ErrTainted))
}

func TestIntegrityDetectsSwappedBlocks(t *testing.T) {
	ctx := context.Background()
	inner := store.NewInMemory()
	s, _ := newIntegrityStore(t, inner, defaultPolicy())

	idA := blockid.New()
	idB := blockid.New()
	require.NoError(t, s.Store(ctx, idA, []byte("a")))
	require.NoError(t, s.Store(ctx, idB, []byte("b")))

	rawA, _, err := inner.Load(ctx, idA)
	require.NoError(t, err)
	rawB, _, err := inner.Load(ctx, idB)
	require.NoError(t, err)

	// Swap the two blocks' raw contents under the hood, as if an attacker
	// renamed the on-disk files.
	require.NoError(t, inner.Store(ctx, idA, rawB))
	require.NoError(t, inner.Store(ctx, idB, rawA))

	_, _, err = s.Load(ctx, idA)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrWrongBlockId))
}

func TestIntegrityMissingBlockIsViolationInSingleClientMode(t *testing.T) {
	ctx := context.Background()
	inner := store.NewInMemory()
	s, _ := newIntegrityStore(t, inner, defaultPolicy())

	id := blockid.New()
	require.NoError(t, s.Store(ctx, id, []byte("x")))
	require.NoError(t, inner.Store(ctx, id, nil))
	_, err := inner.Remove(ctx, id)
	require.NoError(t, err)

	_, _, err = s.Load(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrMissingBlock))
}

func TestIntegrityRejectsForeignClientInSingleClientMode(t *testing.T) {
	ctx := context.Background()
	inner := store.NewInMemory()
	s, data := newIntegrityStore(t, inner, defaultPolicy())
	_ = data

	id := blockid.New()
	require.NoError(t, s.Store(ctx, id, []byte("x")))

	other := store.NewIntegrity(inner, mustLoad(t, filepath.Join(t.TempDir(), "other.json"), 2), defaultPolicy())
	require.NoError(t, other.Store(ctx, id, []byte("y")))

	_, _, err := s.Load(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrClientIdConflict))
}

func mustLoad(t *testing.T, path string, clientId uint32) *integritydata.IntegrityData {
	d, err := integritydata.Load(path, clientId)
	require.NoError(t, err)
	return d
}
