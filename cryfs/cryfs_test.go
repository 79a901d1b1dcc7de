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

package cryfs_test

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/blobstore"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/clock"
	"github.com/cryfs-go/cryfs/cryfs"
	"github.com/cryfs-go/cryfs/cryfsconfig"
	"github.com/cryfs-go/cryfs/datanode"
	"github.com/cryfs-go/cryfs/datatree"
	"github.com/cryfs-go/cryfs/fsblob"
	"github.com/cryfs-go/cryfs/lockingstore"
	"github.com/cryfs-go/cryfs/store"
)

func newTestDevice(t *testing.T) *cryfs.Device {
	ctx := context.Background()
	cfg := cryfsconfig.DefaultConfig()
	cfg.PrunerInterval = time.Hour
	blocks := lockingstore.New(store.NewInMemory(), cfg, clock.RealClock{})
	t.Cleanup(blocks.Close)
	blobs := blobstore.New(datatree.New(datanode.New(blocks, 4096)))
	fsblobs := fsblob.New(blobs, clock.RealClock{}, cfg)
	dev, err := cryfs.Mount(ctx, fsblobs, clock.RealClock{}, cfg)
	require.NoError(t, err)
	return dev
}

func TestEmptyFilesystemHasNoEntries(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)

	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	assert.Empty(t, root.Entries())

	stat, err := dev.Statfs(ctx)
	require.NoError(t, err)
	assert.Greater(t, stat.NumFreeBlocks, uint64(0))
}

func TestSmallFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)

	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	file, open, err := root.CreateAndOpenFile(ctx, "a.txt", 0644, 1000, 1000)
	require.NoError(t, err)
	defer file.Release()
	defer open.Release()

	require.NoError(t, open.Write(ctx, 0, []byte("hello")))
	require.NoError(t, open.Fsync(ctx))

	data, err := open.Read(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestTreeGrowthAcrossManyLeaves(t *testing.T) {
	ctx := context.Background()
	cfg := cryfsconfig.DefaultConfig()
	cfg.PrunerInterval = time.Hour
	blocks := lockingstore.New(store.NewInMemory(), cfg, clock.RealClock{})
	t.Cleanup(blocks.Close)
	// physicalBlockSize=72 -> node headerSize=8 -> L=64.
	blobs := blobstore.New(datatree.New(datanode.New(blocks, 72)))
	fsblobs := fsblob.New(blobs, clock.RealClock{}, cfg)
	dev, err := cryfs.Mount(ctx, fsblobs, clock.RealClock{}, cfg)
	require.NoError(t, err)

	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	file, open, err := root.CreateAndOpenFile(ctx, "big", 0644, 0, 0)
	require.NoError(t, err)
	defer file.Release()
	defer open.Release()

	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, open.Write(ctx, 0, data))

	readBack, err := open.Read(ctx, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, data, readBack)
}

func TestMkdirLookupAndRemove(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)

	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	sub, err := root.CreateChildDir(ctx, "sub", 0755, 0, 0)
	require.NoError(t, err)
	sub.Release()

	entry, found := root.LookupChild("sub")
	require.True(t, found)
	assert.Equal(t, fsblob.EntryTypeDir, entry.Type)

	require.NoError(t, root.RemoveChildDir(ctx, "sub"))
	_, found = root.LookupChild("sub")
	assert.False(t, found)
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)
	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	sub, err := root.CreateChildDir(ctx, "sub", 0755, 0, 0)
	require.NoError(t, err)
	inner, _, err := sub.CreateAndOpenFile(ctx, "f", 0644, 0, 0)
	require.NoError(t, err)
	inner.Release()
	// sub must be released before RemoveChildDir: the latter reloads the
	// same directory blob internally to check emptiness, and the store's
	// per-block lock is held exclusively for a handle's whole lifetime.
	sub.Release()

	err = root.RemoveChildDir(ctx, "sub")
	assert.ErrorIs(t, err, cerrors.ErrNotEmpty)
	assert.Equal(t, syscall.ENOTEMPTY, cryfs.Errno(err))
}

func TestRenameAcrossDirectoriesMovesEntry(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)
	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	d1, err := root.CreateChildDir(ctx, "d1", 0755, 0, 0)
	require.NoError(t, err)
	d2, err := root.CreateChildDir(ctx, "d2", 0755, 0, 0)
	require.NoError(t, err)

	file, _, err := d1.CreateAndOpenFile(ctx, "x", 0644, 0, 0)
	require.NoError(t, err)
	file.Release()

	require.NoError(t, d1.MoveChildTo(ctx, "x", d2, "y", false))

	_, found := d1.LookupChild("x")
	assert.False(t, found)
	_, found = d2.LookupChild("y")
	assert.True(t, found)

	// d1 and d2 must be released before the path-based load below, which
	// resolves "d2" by reloading its blob fresh from the store.
	d1.Release()
	d2.Release()

	loaded, err := dev.LoadFile(ctx, "d2/y")
	require.NoError(t, err)
	defer loaded.Release()
	attrs, err := loaded.Getattr()
	require.NoError(t, err)
	_ = attrs
}

func TestLoadNodeWalksNestedPath(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)
	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	sub, err := root.CreateChildDir(ctx, "sub", 0755, 0, 0)
	require.NoError(t, err)
	file, _, err := sub.CreateAndOpenFile(ctx, "f", 0644, 0, 0)
	require.NoError(t, err)
	file.Release()
	// sub must be released before the path-based loads below, which
	// resolve "sub" by reloading its blob fresh from the store.
	sub.Release()

	loaded, err := dev.LoadFile(ctx, "sub/f")
	require.NoError(t, err)
	loaded.Release()

	_, err = dev.LoadFile(ctx, "sub/missing")
	assert.ErrorIs(t, err, cerrors.ErrNoSuchEntry)
	assert.Equal(t, syscall.ENOENT, cryfs.Errno(err))
}

func TestForgetSaturatesInsteadOfPanicking(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)
	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	file, _, err := root.CreateAndOpenFile(ctx, "f", 0644, 0, 0)
	require.NoError(t, err)
	inode := file.Inode()
	file.Release()

	assert.NotPanics(t, func() { dev.Forget(inode, 1000) })
}

func TestChmodChownUtimens(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)
	root, err := dev.RootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	file, _, err := root.CreateAndOpenFile(ctx, "f", 0644, 1, 1)
	require.NoError(t, err)
	defer file.Release()

	require.NoError(t, file.Chmod(0600))
	attrs, err := file.Getattr()
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), attrs.Mode)

	newUid := uint32(42)
	require.NoError(t, file.Chown(&newUid, nil))
	attrs, err = file.Getattr()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), attrs.Uid)
	assert.Equal(t, uint32(1), attrs.Gid)

	newAtime := int64(12345)
	require.NoError(t, file.Utimens(&newAtime, nil))
	attrs, err = file.Getattr()
	require.NoError(t, err)
	assert.Equal(t, int64(12345), attrs.Atime)
}
