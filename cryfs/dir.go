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

package cryfs

import (
	"context"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/cryfslog"
	"github.com/cryfs-go/cryfs/fsblob"
)

// Dir is a directory node.
type Dir struct {
	Node
	dirBlob *fsblob.Dir
	// isRoot marks a Dir wrapping the Device's permanently-open root
	// handle (see Device.rootBlob): Release is a no-op for it, since the
	// Device, not this particular *Dir, owns that handle's lifetime.
	isRoot bool
}

// Release writes back the directory's entry list and returns its
// underlying blob handle. A no-op for the root directory, whose handle
// lives for the Device's lifetime.
func (d *Dir) Release() {
	if d.isRoot {
		return
	}
	if err := d.dirBlob.Flush(context.Background()); err != nil {
		cryfslog.Get().Error("cryfs: flushing directory on release failed", "error", err)
	}
	d.dirBlob.Release()
}

// Flush forces an immediate write-back of this directory's touched
// nodes.
func (d *Dir) Flush(ctx context.Context) error { return d.dirBlob.Flush(ctx) }

// Entries lists the directory's children.
func (d *Dir) Entries() []fsblob.DirEntry { return d.dirBlob.List() }

// LookupChild returns the entry named name, if any.
func (d *Dir) LookupChild(name string) (fsblob.DirEntry, bool) { return d.dirBlob.LookupChild(name) }

// CreateChildDir creates a new, empty subdirectory named name.
func (d *Dir) CreateChildDir(ctx context.Context, name string, mode, uid, gid uint32) (*Dir, error) {
	if _, found := d.dirBlob.LookupChild(name); found {
		return nil, cerrors.ErrAlreadyExists
	}
	child, err := d.dev.fsblobs.CreateDir(ctx, d.dirBlob.Id())
	if err != nil {
		return nil, err
	}
	now := d.dev.now()
	if err := d.dirBlob.Add(name, child.Id(), fsblob.EntryTypeDir, mode, uid, gid, now); err != nil {
		child.Release()
		return nil, err
	}
	inode := d.dev.inodeOf(child.Id())
	d.dev.lookup(inode)
	return &Dir{
		Node:    Node{dev: d.dev, inode: inode, loc: attrLocation{dev: d.dev, parent: d, name: name}},
		dirBlob: child,
	}, nil
}

// CreateChildSymlink creates a new symlink named name pointing at
// target.
func (d *Dir) CreateChildSymlink(ctx context.Context, name, target string, uid, gid uint32) (*Symlink, error) {
	if _, found := d.dirBlob.LookupChild(name); found {
		return nil, cerrors.ErrAlreadyExists
	}
	child, err := d.dev.fsblobs.CreateSymlink(ctx, d.dirBlob.Id(), target)
	if err != nil {
		return nil, err
	}
	now := d.dev.now()
	if err := d.dirBlob.Add(name, child.Id(), fsblob.EntryTypeSymlink, 0777, uid, gid, now); err != nil {
		child.Release()
		return nil, err
	}
	inode := d.dev.inodeOf(child.Id())
	d.dev.lookup(inode)
	return &Symlink{
		Node:     Node{dev: d.dev, inode: inode, loc: attrLocation{dev: d.dev, parent: d, name: name}},
		linkBlob: child,
	}, nil
}

// CreateAndOpenFile creates a new, empty file named name and returns an
// open handle to it.
func (d *Dir) CreateAndOpenFile(ctx context.Context, name string, mode, uid, gid uint32) (*File, *OpenFile, error) {
	if _, found := d.dirBlob.LookupChild(name); found {
		return nil, nil, cerrors.ErrAlreadyExists
	}
	child, err := d.dev.fsblobs.CreateFile(ctx, d.dirBlob.Id())
	if err != nil {
		return nil, nil, err
	}
	now := d.dev.now()
	if err := d.dirBlob.Add(name, child.Id(), fsblob.EntryTypeFile, mode, uid, gid, now); err != nil {
		child.Release()
		return nil, nil, err
	}
	inode := d.dev.inodeOf(child.Id())
	d.dev.lookup(inode)
	file := &File{
		Node:     Node{dev: d.dev, inode: inode, loc: attrLocation{dev: d.dev, parent: d, name: name}},
		fileBlob: child,
	}
	return file, d.dev.open(file), nil
}

// RemoveChildDir removes the empty subdirectory named name, failing with
// ErrNotEmpty if it has any entries.
func (d *Dir) RemoveChildDir(ctx context.Context, name string) error {
	entry, found := d.dirBlob.LookupChild(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	if entry.Type != fsblob.EntryTypeDir {
		return cerrors.ErrNotADirectory
	}
	empty, err := d.dev.isDirEmpty(ctx, entry.Child)
	if err != nil {
		return err
	}
	if !empty {
		return cerrors.ErrNotEmpty
	}
	return d.removeChild(ctx, name, entry)
}

// RemoveChildFileOrSymlink removes the file or symlink named name.
func (d *Dir) RemoveChildFileOrSymlink(ctx context.Context, name string) error {
	entry, found := d.dirBlob.LookupChild(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	if entry.Type == fsblob.EntryTypeDir {
		return cerrors.ErrIsADirectory
	}
	return d.removeChild(ctx, name, entry)
}

func (d *Dir) removeChild(ctx context.Context, name string, entry fsblob.DirEntry) error {
	child, found, err := d.dev.fsblobs.Load(ctx, entry.Child)
	if err != nil {
		return err
	}
	if found {
		if err := d.dev.fsblobs.Remove(ctx, child); err != nil {
			return err
		}
	}
	if err := d.dirBlob.Remove(name); err != nil {
		return err
	}
	d.dev.forgetBlob(entry.Child)
	return nil
}

// RenameChild renames oldName to newName within this directory.
func (d *Dir) RenameChild(ctx context.Context, oldName, newName string, allowOverwrite bool) error {
	return d.dirBlob.Rename(ctx, oldName, newName, allowOverwrite, d.dev.now())
}

// MoveChildTo moves the entry named name out of this directory into
// target under newName.
func (d *Dir) MoveChildTo(ctx context.Context, name string, target *Dir, newName string, allowOverwrite bool) error {
	return d.dirBlob.MoveTo(ctx, name, target.dirBlob, newName, allowOverwrite, d.dev.now())
}

// Fsync forces this directory's entries to be durably written.
func (d *Dir) Fsync(ctx context.Context) error { return d.dirBlob.Flush(ctx) }

func (dev *Device) isDirEmpty(ctx context.Context, id blockid.BlobId) (bool, error) {
	loaded, found, err := dev.fsblobs.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, cerrors.ErrMissingBlock
	}
	defer loaded.Release()
	d, ok := loaded.(*fsblob.Dir)
	if !ok {
		return false, cerrors.ErrNotADirectory
	}
	return len(d.List()) == 0, nil
}

// forgetBlob drops the inode table entry for blobId, if one exists and
// has no outstanding kernel lookups — called after a blob is deleted
// from disk so its inode number isn't resurrected for a future unrelated
// blob.
func (dev *Device) forgetBlob(blobId blockid.BlobId) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	inode, ok := dev.byBlob[blobId]
	if !ok {
		return
	}
	if e := dev.inodes[inode]; e != nil && e.lookupCount == 0 {
		delete(dev.inodes, inode)
		delete(dev.byBlob, blobId)
	}
}
