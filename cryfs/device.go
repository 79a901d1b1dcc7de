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

// Package cryfs implements the filesystem object-based API (spec.md
// §4.8, component C11): Device/Node/Dir/File/Symlink/OpenFile, the inode
// table and the open-file table.
package cryfs

import (
	"context"
	"strings"
	"sync"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/clock"
	"github.com/cryfs-go/cryfs/cryfsconfig"
	"github.com/cryfs-go/cryfs/fsblob"
)

// InodeId identifies an inode for the low-level FUSE adapter. RootInodeId
// is the fixed FUSE root id.
type InodeId uint64

const RootInodeId InodeId = 1

// inodeEntry maps an InodeId to the blob it names and counts outstanding
// kernel lookups, mirroring the teacher's fs/inode lookup-count pattern
// but with saturating decrement (spec.md §8 boundary behavior) instead of
// a panic on over-release.
type inodeEntry struct {
	blobId      blockid.BlobId
	lookupCount uint64
}

// Device owns the FsBlobStore, the inode table and the open-file table
// for one mounted filesystem.
type Device struct {
	fsblobs *fsblob.Store
	clk     clock.Clock
	cfg     cryfsconfig.Config

	// Inode table: protected by an async read-write lock (spec.md §5
	// "Shared resources"), approximated here with sync.RWMutex since this
	// module has no async runtime of its own.
	mu        sync.RWMutex
	inodes    map[InodeId]*inodeEntry
	byBlob    map[blockid.BlobId]InodeId
	nextInode InodeId
	rootAttrs fsblob.DirEntry

	filesMu    sync.Mutex
	openFiles  map[FileHandle]*openFileEntry
	nextHandle FileHandle
	generation uint64

	// rootBlob is kept open for the Device's entire lifetime rather than
	// reloaded on every RootDir call. A lockingstore.BlockGuard is held
	// exclusively for its holder's whole lifetime (spec.md §5), so a
	// fresh Load of the root on every call would deadlock against any
	// caller still holding an earlier *Dir for the root open — the same
	// way two handles to any other directory would. Closed by Close.
	rootBlob *fsblob.Dir
}

// Mount creates a new, empty filesystem (a fresh root directory) and
// returns its Device.
func Mount(ctx context.Context, fsblobs *fsblob.Store, clk clock.Clock, cfg cryfsconfig.Config) (*Device, error) {
	root, err := fsblobs.CreateRootDir(ctx)
	if err != nil {
		return nil, err
	}
	return newDevice(fsblobs, clk, cfg, root), nil
}

// MountExisting loads a previously created filesystem's root directory
// by id and returns its Device.
func MountExisting(ctx context.Context, fsblobs *fsblob.Store, clk clock.Clock, cfg cryfsconfig.Config, rootId blockid.BlobId) (*Device, error) {
	loaded, found, err := fsblobs.Load(ctx, rootId)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cerrors.ErrNoSuchEntry
	}
	root, ok := loaded.(*fsblob.Dir)
	if !ok {
		loaded.Release()
		return nil, cerrors.ErrNotADirectory
	}
	return newDevice(fsblobs, clk, cfg, root), nil
}

func newDevice(fsblobs *fsblob.Store, clk clock.Clock, cfg cryfsconfig.Config, root *fsblob.Dir) *Device {
	now := clk.Now().Unix()
	dev := &Device{
		fsblobs:    fsblobs,
		clk:        clk,
		cfg:        cfg,
		inodes:     make(map[InodeId]*inodeEntry),
		byBlob:     make(map[blockid.BlobId]InodeId),
		nextInode:  RootInodeId + 1,
		openFiles:  make(map[FileHandle]*openFileEntry),
		nextHandle: 1,
		rootAttrs: fsblob.DirEntry{
			Child: root.Id(), Type: fsblob.EntryTypeDir,
			Mode: 0755, Atime: now, Mtime: now, Ctime: now,
		},
	}
	dev.inodes[RootInodeId] = &inodeEntry{blobId: root.Id(), lookupCount: 1}
	dev.byBlob[root.Id()] = RootInodeId
	dev.rootBlob = root
	return dev
}

// Close releases the Device's permanently-open root handle. Callers must
// not use the Device after calling Close.
func (dev *Device) Close() {
	dev.rootBlob.Release()
}

// inodeOf returns the InodeId for blobId, assigning a fresh one (with
// lookupCount 0, bumped by the caller) if this is the first time blobId
// has been named.
func (dev *Device) inodeOf(blobId blockid.BlobId) InodeId {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if id, ok := dev.byBlob[blobId]; ok {
		return id
	}
	id := dev.nextInode
	dev.nextInode++
	dev.inodes[id] = &inodeEntry{blobId: blobId}
	dev.byBlob[blobId] = id
	return id
}

func (dev *Device) lookup(inode InodeId) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if e, ok := dev.inodes[inode]; ok {
		e.lookupCount++
	}
}

// Forget decrements inode's kernel lookup count by n, saturating to zero
// rather than panicking if n overshoots (spec.md §8 boundary behavior,
// a deliberate deviation from fs/inode/lookup_count.go's panic). Once the
// count reaches zero the inode table entry is released.
func (dev *Device) Forget(inode InodeId, n uint64) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	e, ok := dev.inodes[inode]
	if !ok {
		return
	}
	if n >= e.lookupCount {
		e.lookupCount = 0
	} else {
		e.lookupCount -= n
	}
	if e.lookupCount == 0 && inode != RootInodeId {
		delete(dev.inodes, inode)
		delete(dev.byBlob, e.blobId)
	}
}

// StatfsResult mirrors the subset of statvfs fields the spec calls out.
type StatfsResult struct {
	NumBlocks     uint64
	NumFreeBlocks uint64
	BlockSize     uint32
}

// Statfs computes filesystem statistics from the underlying block
// store's counts.
func (dev *Device) Statfs(ctx context.Context) (StatfsResult, error) {
	numBlocks, err := dev.fsblobs.NumBlocks(ctx)
	if err != nil {
		return StatfsResult{}, err
	}
	freeBytes, err := dev.fsblobs.EstimateNumFreeBytes(ctx)
	if err != nil {
		return StatfsResult{}, err
	}
	blockSize := dev.fsblobs.PhysicalBlockSize()
	numFreeBlocks := uint64(0)
	if blockSize > 0 {
		numFreeBlocks = freeBytes / uint64(blockSize)
	}
	return StatfsResult{NumBlocks: numBlocks, NumFreeBlocks: numFreeBlocks, BlockSize: blockSize}, nil
}

// RootDir returns the filesystem's root directory. The returned *Dir
// wraps the Device's single, permanently-open root handle rather than
// loading a fresh one — see the rootBlob field comment — so its Release
// is a no-op; the handle's lifetime is the Device's.
func (dev *Device) RootDir(ctx context.Context) (*Dir, error) {
	dev.lookup(RootInodeId)
	return &Dir{
		Node:    Node{dev: dev, inode: RootInodeId, loc: attrLocation{dev: dev}},
		dirBlob: dev.rootBlob,
		isRoot:  true,
	}, nil
}

// LoadNode walks path (slash-separated, relative to the root) and
// returns the Dir, File or Symlink it names.
func (dev *Device) LoadNode(ctx context.Context, path string) (interface{ Release() }, error) {
	dir, err := dev.RootDir(ctx)
	if err != nil {
		return nil, err
	}

	segments := splitPath(path)
	if len(segments) == 0 {
		return dir, nil
	}

	for _, seg := range segments[:len(segments)-1] {
		child, err := dir.openChildDir(ctx, seg)
		dir.Release()
		if err != nil {
			return nil, err
		}
		dir = child
	}

	last := segments[len(segments)-1]
	entry, found := dir.LookupChild(last)
	if !found {
		dir.Release()
		return nil, cerrors.ErrNoSuchEntry
	}
	node, err := dev.loadNodeByEntry(ctx, dir, last, entry)
	dir.Release()
	return node, err
}

// LoadDir is LoadNode, requiring the result to be a directory.
func (dev *Device) LoadDir(ctx context.Context, path string) (*Dir, error) {
	node, err := dev.LoadNode(ctx, path)
	if err != nil {
		return nil, err
	}
	d, ok := node.(*Dir)
	if !ok {
		node.Release()
		return nil, cerrors.ErrNotADirectory
	}
	return d, nil
}

// LoadFile is LoadNode, requiring the result to be a file.
func (dev *Device) LoadFile(ctx context.Context, path string) (*File, error) {
	node, err := dev.LoadNode(ctx, path)
	if err != nil {
		return nil, err
	}
	f, ok := node.(*File)
	if !ok {
		node.Release()
		return nil, cerrors.ErrIsADirectory
	}
	return f, nil
}

// LoadSymlink is LoadNode, requiring the result to be a symlink.
func (dev *Device) LoadSymlink(ctx context.Context, path string) (*Symlink, error) {
	node, err := dev.LoadNode(ctx, path)
	if err != nil {
		return nil, err
	}
	s, ok := node.(*Symlink)
	if !ok {
		node.Release()
		return nil, cerrors.ErrNotADirectory
	}
	return s, nil
}

func (dev *Device) loadNodeByEntry(ctx context.Context, parent *Dir, name string, entry fsblob.DirEntry) (interface{ Release() }, error) {
	loaded, found, err := dev.fsblobs.Load(ctx, entry.Child)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cerrors.ErrNoSuchEntry
	}

	inode := dev.inodeOf(entry.Child)
	dev.lookup(inode)
	node := Node{dev: dev, inode: inode, loc: attrLocation{dev: dev, parent: parent, name: name}}

	switch b := loaded.(type) {
	case *fsblob.Dir:
		return &Dir{Node: node, dirBlob: b}, nil
	case *fsblob.File:
		return &File{Node: node, fileBlob: b}, nil
	case *fsblob.Symlink:
		return &Symlink{Node: node, linkBlob: b}, nil
	default:
		loaded.Release()
		return nil, cerrors.ErrMalformedHeader
	}
}

func (dir *Dir) openChildDir(ctx context.Context, name string) (*Dir, error) {
	entry, found := dir.LookupChild(name)
	if !found {
		return nil, cerrors.ErrNoSuchEntry
	}
	if entry.Type != fsblob.EntryTypeDir {
		return nil, cerrors.ErrNotADirectory
	}
	node, err := dir.dev.loadNodeByEntry(ctx, dir, name, entry)
	if err != nil {
		return nil, err
	}
	return node.(*Dir), nil
}

func (dev *Device) now() int64 { return dev.clk.Now().Unix() }

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
