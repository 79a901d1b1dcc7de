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

package datatree_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/clock"
	"github.com/cryfs-go/cryfs/cryfsconfig"
	"github.com/cryfs-go/cryfs/datanode"
	"github.com/cryfs-go/cryfs/datatree"
	"github.com/cryfs-go/cryfs/lockingstore"
	"github.com/cryfs-go/cryfs/store"
)

// newTestStore builds a tree store with a tiny physical block size so
// tests exercise multi-leaf growth/shrinkage without huge payloads.
// physicalBlockSize=8(header)+16*2(two BlockId-sized children) gives
// L=32, K=2.
func newTestStore(t *testing.T, physicalBlockSize uint32) *datatree.Store {
	cfg := cryfsconfig.DefaultConfig()
	cfg.PrunerInterval = time.Hour
	blocks := lockingstore.New(store.NewInMemory(), cfg, clock.RealClock{})
	t.Cleanup(blocks.Close)
	nodes := datanode.New(blocks, physicalBlockSize)
	return datatree.New(nodes)
}

func TestEmptyTreeHasZeroBytes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 64)
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	n, err := tree.NumBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestWriteAndReadWithinSingleLeaf(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 64) // L=56
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	require.NoError(t, tree.WriteBytes(ctx, []byte("hello world"), 0))
	n, err := tree.NumBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), n)

	buf := make([]byte, 11)
	require.NoError(t, tree.ReadBytes(ctx, 0, buf))
	assert.Equal(t, "hello world", string(buf))
}

func TestWriteBeyondEndZeroFillsGap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 64)
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	require.NoError(t, tree.WriteBytes(ctx, []byte("ab"), 0))
	require.NoError(t, tree.WriteBytes(ctx, []byte("xy"), 10))

	buf := make([]byte, 12)
	require.NoError(t, tree.ReadBytes(ctx, 0, buf))
	assert.Equal(t, []byte{'a', 'b', 0, 0, 0, 0, 0, 0, 0, 0, 'x', 'y'}, buf)
}

func TestTryReadBytesShortReadBeyondEOF(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 64)
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	require.NoError(t, tree.WriteBytes(ctx, []byte("abc"), 0))

	buf := make([]byte, 10)
	n, err := tree.TryReadBytes(ctx, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("abc"), buf[:3])
}

func TestReadBytesBeyondEOFFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 64)
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	require.NoError(t, tree.WriteBytes(ctx, []byte("abc"), 0))
	err = tree.ReadBytes(ctx, 0, make([]byte, 10))
	assert.Error(t, err)
}

func TestLargeWriteGrowsTreeAcrossManyLeavesAndReadsBack(t *testing.T) {
	ctx := context.Background()
	// physicalBlockSize=8+16*2=40 -> L=32, K=2: forces deep growth for a
	// payload spanning many leaves.
	s := newTestStore(t, 40)
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	data := make([]byte, 32*10+5) // spans 11 leaves
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, tree.WriteBytes(ctx, data, 0))

	n, err := tree.NumBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), n)

	depth, err := tree.Depth(ctx)
	require.NoError(t, err)
	assert.Greater(t, depth, uint8(0))

	buf := make([]byte, len(data))
	require.NoError(t, tree.ReadBytes(ctx, 0, buf))
	assert.Equal(t, data, buf)
}

func TestResizeShrinkPrunesNodesAndCanUnwrapRoot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 40) // L=32, K=2
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	data := make([]byte, 32*5)
	require.NoError(t, tree.WriteBytes(ctx, data, 0))
	grownDepth, err := tree.Depth(ctx)
	require.NoError(t, err)
	require.Greater(t, grownDepth, uint8(0))

	require.NoError(t, tree.ResizeNumBytes(ctx, 10))
	n, err := tree.NumBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	shrunkDepth, err := tree.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), shrunkDepth)

	buf := make([]byte, 10)
	require.NoError(t, tree.ReadBytes(ctx, 0, buf))
	assert.Equal(t, data[:10], buf)
}

func TestTreeIdIsStableAcrossGrowthAndShrinkage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 40)
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	id := tree.Id()

	require.NoError(t, tree.WriteBytes(ctx, make([]byte, 32*5), 0))
	assert.Equal(t, id, tree.Id())

	require.NoError(t, tree.ResizeNumBytes(ctx, 0))
	assert.Equal(t, id, tree.Id())
}

func TestAllBlocksMatchesNumNodes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 40)
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()

	require.NoError(t, tree.WriteBytes(ctx, make([]byte, 32*5), 0))

	numNodes, err := tree.NumNodes(ctx)
	require.NoError(t, err)

	stream, missing, err := tree.AllBlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)
	ids, err := store.CollectAll(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int(numNodes), len(ids))
}

func TestAllBlocksReportsAMissingChildWithoutLosingSurvivors(t *testing.T) {
	ctx := context.Background()
	cfg := cryfsconfig.DefaultConfig()
	cfg.PrunerInterval = time.Hour
	raw := store.NewInMemory()
	blocks := lockingstore.New(raw, cfg, clock.RealClock{})
	t.Cleanup(blocks.Close)
	s := datatree.New(datanode.New(blocks, 40))

	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	defer tree.Release()
	require.NoError(t, tree.WriteBytes(ctx, make([]byte, 32*5), 0))

	stream, missing, err := tree.AllBlocks(ctx)
	require.NoError(t, err)
	require.Empty(t, missing)
	ids, err := store.CollectAll(ctx, stream)
	require.NoError(t, err)
	require.Greater(t, len(ids), 2, "expected a multi-node tree")

	victim := ids[len(ids)-1]
	// Remove through the cache: released nodes stay cached, so deleting
	// only from raw would leave the victim loadable.
	_, err = blocks.RemoveById(ctx, victim)
	require.NoError(t, err)

	stream, missing, err = tree.AllBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []blockid.BlockId{victim}, missing)

	survivors, err := store.CollectAll(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, len(ids)-1, len(survivors))
}

func TestRemoveTreeDeletesEveryNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 40)
	tree, err := s.CreateEmptyTree(ctx)
	require.NoError(t, err)
	require.NoError(t, tree.WriteBytes(ctx, make([]byte, 32*5), 0))

	stream, missing, err := tree.AllBlocks(ctx)
	require.NoError(t, err)
	require.Empty(t, missing)
	ids, err := store.CollectAll(ctx, stream)
	require.NoError(t, err)

	require.NoError(t, s.RemoveTree(ctx, tree))

	for _, id := range ids {
		_, found, err := s.LoadTree(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)
	}
}
