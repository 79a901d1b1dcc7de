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

package fsblob_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/blobstore"
	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/clock"
	"github.com/cryfs-go/cryfs/cryfsconfig"
	"github.com/cryfs-go/cryfs/datanode"
	"github.com/cryfs-go/cryfs/datatree"
	"github.com/cryfs-go/cryfs/fsblob"
	"github.com/cryfs-go/cryfs/lockingstore"
	"github.com/cryfs-go/cryfs/store"
)

func newTestStore(t *testing.T) *fsblob.Store {
	cfg := cryfsconfig.DefaultConfig()
	cfg.PrunerInterval = time.Hour
	blocks := lockingstore.New(store.NewInMemory(), cfg, clock.RealClock{})
	t.Cleanup(blocks.Close)
	trees := datatree.New(datanode.New(blocks, 4096))
	blobs := blobstore.New(trees)
	return fsblob.New(blobs, clock.RealClock{}, cfg)
}

func TestCreateRootDirIsItsOwnParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	assert.Equal(t, root.Id(), root.Parent())
	assert.Empty(t, root.List())
}

func TestCreateFileLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	file, err := s.CreateFile(ctx, root.Id())
	require.NoError(t, err)
	require.NoError(t, file.Write(ctx, []byte("hello"), 0))
	id := file.Id()
	file.Release()

	loaded, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	defer loaded.Release()

	f, ok := loaded.(*fsblob.File)
	require.True(t, ok)
	assert.Equal(t, root.Id(), f.Parent())

	n, err := f.NumBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	buf := make([]byte, 5)
	require.NoError(t, f.Read(ctx, 0, buf))
	assert.Equal(t, "hello", string(buf))
}

func TestCreateSymlinkRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	link, err := s.CreateSymlink(ctx, root.Id(), "../other/target")
	require.NoError(t, err)
	defer link.Release()

	target, err := link.Target(ctx)
	require.NoError(t, err)
	assert.Equal(t, "../other/target", target)
}

func TestDirAddDuplicateNameFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	childId := blockid.BlobId{1}
	require.NoError(t, root.Add("foo", childId, fsblob.EntryTypeFile, 0644, 1000, 1000, 100))
	err = root.Add("foo", childId, fsblob.EntryTypeFile, 0644, 1000, 1000, 100)
	assert.ErrorIs(t, err, cerrors.ErrAlreadyExists)
}

func TestDirEntriesPersistAcrossReload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)

	childId := blockid.BlobId{2}
	require.NoError(t, root.Add("b", childId, fsblob.EntryTypeFile, 0644, 1, 1, 100))
	require.NoError(t, root.Add("a", blockid.BlobId{3}, fsblob.EntryTypeDir, 0755, 1, 1, 100))
	require.NoError(t, root.Flush(ctx))
	id := root.Id()
	root.Release()

	loaded, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	defer loaded.Release()

	d, ok := loaded.(*fsblob.Dir)
	require.True(t, ok)
	entries := d.List()
	require.Len(t, entries, 2)
	// Entries are kept sorted by name.
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "b", entries[1].Name)

	e, found := d.LookupChild("b")
	require.True(t, found)
	assert.Equal(t, childId, e.Child)
}

func TestDirRenameOntoSelfFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	require.NoError(t, root.Add("foo", blockid.BlobId{1}, fsblob.EntryTypeFile, 0644, 1, 1, 100))
	err = root.Rename(ctx, "foo", "foo", true, 200)
	assert.ErrorIs(t, err, cerrors.ErrInvalidName)
}

func TestDirRenameWithoutOverwriteFailsOnExistingTarget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	require.NoError(t, root.Add("a", blockid.BlobId{1}, fsblob.EntryTypeFile, 0644, 1, 1, 100))
	require.NoError(t, root.Add("b", blockid.BlobId{2}, fsblob.EntryTypeFile, 0644, 1, 1, 100))

	err = root.Rename(ctx, "a", "b", false, 200)
	assert.ErrorIs(t, err, cerrors.ErrAlreadyExists)
}

func TestDirRenameOverwritingNonEmptyDirFailsWithNotEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	src, err := s.CreateFile(ctx, root.Id())
	require.NoError(t, err)
	require.NoError(t, root.Add("src", src.Id(), fsblob.EntryTypeFile, 0644, 1, 1, 100))
	src.Release()

	targetDir, err := s.CreateDir(ctx, root.Id())
	require.NoError(t, err)
	inner, err := s.CreateFile(ctx, targetDir.Id())
	require.NoError(t, err)
	require.NoError(t, targetDir.Add("inner-file", inner.Id(), fsblob.EntryTypeFile, 0644, 1, 1, 100))
	inner.Release()
	require.NoError(t, targetDir.Flush(ctx))
	require.NoError(t, root.Add("dst", targetDir.Id(), fsblob.EntryTypeDir, 0755, 1, 1, 100))
	targetDir.Release()

	err = root.Rename(ctx, "src", "dst", true, 200)
	assert.ErrorIs(t, err, cerrors.ErrNotEmpty)
}

func TestDirRenameOverwritingEmptyDirSucceeds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	src, err := s.CreateFile(ctx, root.Id())
	require.NoError(t, err)
	require.NoError(t, root.Add("src", src.Id(), fsblob.EntryTypeFile, 0644, 1, 1, 100))
	src.Release()

	targetDir, err := s.CreateDir(ctx, root.Id())
	require.NoError(t, err)
	require.NoError(t, root.Add("dst", targetDir.Id(), fsblob.EntryTypeDir, 0755, 1, 1, 100))
	targetDir.Release()

	require.NoError(t, root.Rename(ctx, "src", "dst", true, 200))

	_, found := root.LookupChild("src")
	assert.False(t, found)
	e, found := root.LookupChild("dst")
	require.True(t, found)
	assert.Equal(t, src.Id(), e.Child)
	assert.Equal(t, fsblob.EntryTypeFile, e.Type)
}

func TestDirMoveToUpdatesChildParentPointer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	srcDir, err := s.CreateDir(ctx, root.Id())
	require.NoError(t, err)
	defer srcDir.Release()
	dstDir, err := s.CreateDir(ctx, root.Id())
	require.NoError(t, err)
	defer dstDir.Release()

	file, err := s.CreateFile(ctx, srcDir.Id())
	require.NoError(t, err)
	fileId := file.Id()
	require.NoError(t, srcDir.Add("f", fileId, fsblob.EntryTypeFile, 0644, 1, 1, 100))
	file.Release()

	require.NoError(t, srcDir.MoveTo(ctx, "f", dstDir, "f-moved", false, 200))

	_, found := srcDir.LookupChild("f")
	assert.False(t, found)
	e, found := dstDir.LookupChild("f-moved")
	require.True(t, found)
	assert.Equal(t, fileId, e.Child)

	loaded, found, err := s.Load(ctx, fileId)
	require.NoError(t, err)
	require.True(t, found)
	defer loaded.Release()
	assert.Equal(t, dstDir.Id(), loaded.Parent())
}

func TestAtimePolicyRelatime(t *testing.T) {
	now := int64(1000 * 86400)
	assert.True(t, fsblob.ShouldUpdateAtime(fsblob.AtimeRelatime, false, 100, 500, now))
	assert.True(t, fsblob.ShouldUpdateAtime(fsblob.AtimeRelatime, false, now-2*86400, now-86400*3, now))
	assert.False(t, fsblob.ShouldUpdateAtime(fsblob.AtimeRelatime, false, now, now-100, now))
}

func TestAtimePolicyNoatimeNeverUpdates(t *testing.T) {
	assert.False(t, fsblob.ShouldUpdateAtime(fsblob.AtimeNoatime, false, 0, 0, 1_000_000))
}

func TestAtimePolicyNodiratimeSkipsDirsOnly(t *testing.T) {
	assert.False(t, fsblob.ShouldUpdateAtime(fsblob.AtimeNodiratimeStrictatime, true, 0, 0, 100))
	assert.True(t, fsblob.ShouldUpdateAtime(fsblob.AtimeNodiratimeStrictatime, false, 0, 0, 100))
}

func TestDirTouchAtimeAppliesPolicy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)
	defer root.Release()

	require.NoError(t, root.Add("f", blockid.BlobId{9}, fsblob.EntryTypeFile, 0644, 1, 1, 100))
	require.NoError(t, root.TouchAtime("f", fsblob.AtimeNoatime, 999999))
	e, _ := root.LookupChild("f")
	assert.Equal(t, int64(100), e.Atime)

	require.NoError(t, root.TouchAtime("f", fsblob.AtimeStrictatime, 999999))
	e, _ = root.LookupChild("f")
	assert.Equal(t, int64(999999), e.Atime)
}

func TestRemoveDeletesFsBlob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root, err := s.CreateRootDir(ctx)
	require.NoError(t, err)

	file, err := s.CreateFile(ctx, root.Id())
	require.NoError(t, err)
	id := file.Id()

	require.NoError(t, s.Remove(ctx, file))
	root.Release()

	_, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}
