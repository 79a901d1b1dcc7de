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

package checker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/blobstore"
	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/checker"
	"github.com/cryfs-go/cryfs/clock"
	"github.com/cryfs-go/cryfs/cryfsconfig"
	"github.com/cryfs-go/cryfs/datanode"
	"github.com/cryfs-go/cryfs/datatree"
	"github.com/cryfs-go/cryfs/fsblob"
	"github.com/cryfs-go/cryfs/lockingstore"
	"github.com/cryfs-go/cryfs/store"
)

type testFixture struct {
	raw     *store.InMemory
	blocks  *lockingstore.Store
	fsblobs *fsblob.Store
}

func newFixture(t *testing.T, physicalBlockSize uint32) *testFixture {
	cfg := cryfsconfig.DefaultConfig()
	cfg.PrunerInterval = time.Hour
	raw := store.NewInMemory()
	blocks := lockingstore.New(raw, cfg, clock.RealClock{})
	t.Cleanup(blocks.Close)
	blobs := blobstore.New(datatree.New(datanode.New(blocks, physicalBlockSize)))
	return &testFixture{raw: raw, blocks: blocks, fsblobs: fsblob.New(blobs, clock.RealClock{}, cfg)}
}

func hasFinding[F checker.Finding](t *testing.T, findings []checker.Finding, want F) bool {
	for _, f := range findings {
		if got, ok := f.(F); ok && got == want {
			return true
		}
	}
	return false
}

func TestCheckHealthyFilesystemHasNoFindings(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4096)

	root, err := fx.fsblobs.CreateRootDir(ctx)
	require.NoError(t, err)
	file, err := fx.fsblobs.CreateFile(ctx, root.Id())
	require.NoError(t, err)
	require.NoError(t, file.Write(ctx, []byte("hello"), 0))
	require.NoError(t, root.Add("f", file.Id(), fsblob.EntryTypeFile, 0644, 0, 0, 1000))
	require.NoError(t, file.Flush(ctx))
	require.NoError(t, root.Flush(ctx))
	rootId := root.Id()
	file.Release()
	root.Release()

	c := checker.New(fx.raw, fx.fsblobs)
	result, err := c.Check(ctx, rootId, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
	assert.NoError(t, result.Err())
}

func TestCheckDetectsMissingInnerNodeAsNodeMissingAndBlobUnreadable(t *testing.T) {
	ctx := context.Background()
	// physicalBlockSize=72 -> node headerSize=8 -> L=64 data bytes per leaf,
	// so 200 bytes forces a multi-node tree (same block size as the cryfs
	// package's tree-growth test).
	fx := newFixture(t, 72)

	root, err := fx.fsblobs.CreateRootDir(ctx)
	require.NoError(t, err)
	file, err := fx.fsblobs.CreateFile(ctx, root.Id())
	require.NoError(t, err)
	data := make([]byte, 200)
	require.NoError(t, file.Write(ctx, data, 0))
	require.NoError(t, root.Add("big", file.Id(), fsblob.EntryTypeFile, 0644, 0, 0, 1000))
	require.NoError(t, file.Flush(ctx))
	require.NoError(t, root.Flush(ctx))
	rootId := root.Id()
	fileId := file.Id()

	stream, missing, err := file.AllBlocks(ctx)
	require.NoError(t, err)
	require.Empty(t, missing)
	ids, err := store.CollectAll(ctx, stream)
	require.NoError(t, err)
	require.Greater(t, len(ids), 1, "expected a multi-node tree")

	var innerId blockid.BlockId
	for _, id := range ids {
		if id != fileId {
			innerId = id
			break
		}
	}
	require.NotEqual(t, blockid.BlockId{}, innerId)

	file.Release()
	root.Release()

	// Write back and evict every cached block first: released blocks stay
	// cached, and the checker must see the damaged raw store, not a copy.
	require.NoError(t, fx.blocks.ClearCacheSlow(ctx))
	_, err = fx.raw.Remove(ctx, innerId)
	require.NoError(t, err)

	c := checker.New(fx.raw, fx.fsblobs)
	result, err := c.Check(ctx, rootId, nil)
	require.NoError(t, err)

	assert.True(t, hasFinding(t, result.Findings, checker.NodeMissing{Id: innerId}))
	assert.True(t, hasFinding(t, result.Findings, checker.BlobUnreadable{Id: fileId}))
	assert.False(t, hasFinding(t, result.Findings, checker.BlobUnreadable{Id: rootId}))
	assert.False(t, hasFinding(t, result.Findings, checker.NodeUnreferenced{Id: rootId}))
}

func TestCheckDetectsMissingReferencedBlobAsBlobMissing(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4096)

	root, err := fx.fsblobs.CreateRootDir(ctx)
	require.NoError(t, err)
	sub, err := fx.fsblobs.CreateDir(ctx, root.Id())
	require.NoError(t, err)
	subId := sub.Id()
	require.NoError(t, root.Add("sub", subId, fsblob.EntryTypeDir, 0755, 0, 0, 1000))
	sub.Release()
	require.NoError(t, root.Flush(ctx))
	rootId := root.Id()
	root.Release()

	// Write back and evict every cached block first: released blocks stay
	// cached, and the checker must see the damaged raw store, not a copy.
	require.NoError(t, fx.blocks.ClearCacheSlow(ctx))
	_, err = fx.raw.Remove(ctx, subId)
	require.NoError(t, err)

	c := checker.New(fx.raw, fx.fsblobs)
	result, err := c.Check(ctx, rootId, nil)
	require.NoError(t, err)

	assert.True(t, hasFinding(t, result.Findings, checker.BlobMissing{Id: subId}))
}

func TestCheckDetectsOrphanBlockAsNodeUnreferenced(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4096)

	root, err := fx.fsblobs.CreateRootDir(ctx)
	require.NoError(t, err)
	rootId := root.Id()
	root.Release()

	orphan := blockid.New()
	require.NoError(t, fx.raw.Store(ctx, orphan, []byte("not reachable from any directory")))

	c := checker.New(fx.raw, fx.fsblobs)
	result, err := c.Check(ctx, rootId, nil)
	require.NoError(t, err)

	assert.True(t, hasFinding(t, result.Findings, checker.NodeUnreferenced{Id: orphan}))
}

func TestCheckDetectsBlobReferencedByTwoDirectories(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 4096)

	root, err := fx.fsblobs.CreateRootDir(ctx)
	require.NoError(t, err)
	shared, err := fx.fsblobs.CreateFile(ctx, root.Id())
	require.NoError(t, err)
	sharedId := shared.Id()
	shared.Release()

	d1, err := fx.fsblobs.CreateDir(ctx, root.Id())
	require.NoError(t, err)
	d2, err := fx.fsblobs.CreateDir(ctx, root.Id())
	require.NoError(t, err)

	// Alias the same blob id under two different directories — never
	// produced by Add/Rename/MoveTo, only by directly corrupting entries,
	// which is exactly what this simulates.
	require.NoError(t, d1.Add("alias1", sharedId, fsblob.EntryTypeFile, 0644, 0, 0, 1000))
	require.NoError(t, d2.Add("alias2", sharedId, fsblob.EntryTypeFile, 0644, 0, 0, 1000))
	require.NoError(t, root.Add("d1", d1.Id(), fsblob.EntryTypeDir, 0755, 0, 0, 1000))
	require.NoError(t, root.Add("d2", d2.Id(), fsblob.EntryTypeDir, 0755, 0, 0, 1000))
	require.NoError(t, d1.Flush(ctx))
	require.NoError(t, d2.Flush(ctx))
	require.NoError(t, root.Flush(ctx))
	rootId := root.Id()
	d1.Release()
	d2.Release()
	root.Release()

	c := checker.New(fx.raw, fx.fsblobs)
	result, err := c.Check(ctx, rootId, nil)
	require.NoError(t, err)

	assert.True(t, hasFinding(t, result.Findings, checker.BlobReferencedMultipleTimes{Id: sharedId}))
}
