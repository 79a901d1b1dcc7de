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
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/fsblob"
)

// Attrs is the POSIX attribute set returned by Getattr, assembled from a
// node's entry in its parent directory (spec.md §9 "back references": a
// node's own attrs live in the parent's dir-entry record, not in the
// node's blob).
type Attrs struct {
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// attrLocation names where a node's Attrs are stored: an entry in
// parent's directory, or — for the root, which has no parent entry of
// its own — the Device's synthetic root record.
type attrLocation struct {
	dev    *Device
	parent *Dir
	name   string
}

func (l attrLocation) get() (Attrs, error) {
	if l.parent == nil {
		l.dev.mu.RLock()
		defer l.dev.mu.RUnlock()
		e := l.dev.rootAttrs
		return Attrs{Mode: e.Mode, Uid: e.Uid, Gid: e.Gid, Atime: e.Atime, Mtime: e.Mtime, Ctime: e.Ctime}, nil
	}
	e, found := l.parent.dirBlob.LookupChild(l.name)
	if !found {
		return Attrs{}, cerrors.ErrNoSuchEntry
	}
	return Attrs{Mode: e.Mode, Uid: e.Uid, Gid: e.Gid, Atime: e.Atime, Mtime: e.Mtime, Ctime: e.Ctime}, nil
}

func (l attrLocation) chmod(mode uint32, now int64) error {
	if l.parent == nil {
		l.dev.mu.Lock()
		defer l.dev.mu.Unlock()
		l.dev.rootAttrs.Mode = mode
		l.dev.rootAttrs.Ctime = now
		return nil
	}
	e, found := l.parent.dirBlob.LookupChild(l.name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	return l.parent.dirBlob.SetChildAttrs(l.name, mode, e.Uid, e.Gid, now)
}

func (l attrLocation) chown(uid, gid *uint32, now int64) error {
	if l.parent == nil {
		l.dev.mu.Lock()
		defer l.dev.mu.Unlock()
		if uid != nil {
			l.dev.rootAttrs.Uid = *uid
		}
		if gid != nil {
			l.dev.rootAttrs.Gid = *gid
		}
		l.dev.rootAttrs.Ctime = now
		return nil
	}
	e, found := l.parent.dirBlob.LookupChild(l.name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	newUid, newGid := e.Uid, e.Gid
	if uid != nil {
		newUid = *uid
	}
	if gid != nil {
		newGid = *gid
	}
	return l.parent.dirBlob.SetChildAttrs(l.name, e.Mode, newUid, newGid, now)
}

func (l attrLocation) utimens(atime, mtime *int64) error {
	if l.parent == nil {
		l.dev.mu.Lock()
		defer l.dev.mu.Unlock()
		if atime != nil {
			l.dev.rootAttrs.Atime = *atime
		}
		if mtime != nil {
			l.dev.rootAttrs.Mtime = *mtime
		}
		return nil
	}
	if mtime != nil {
		if err := l.parent.dirBlob.SetMtime(l.name, *mtime); err != nil {
			return err
		}
	}
	if atime != nil {
		if err := l.parent.dirBlob.SetAtime(l.name, *atime); err != nil {
			return err
		}
	}
	return nil
}

// touchAtime applies the configured atime policy as on a read of this
// node's content (component C10), a no-op for the root.
func (l attrLocation) touchAtime(policy fsblob.AtimePolicy, now int64) error {
	if l.parent == nil {
		return nil
	}
	return l.parent.dirBlob.TouchAtime(l.name, policy, now)
}

// Node is the common surface shared by Dir, File and Symlink: identity
// (inode) and POSIX attributes, resolved through attrLocation.
type Node struct {
	dev   *Device
	inode InodeId
	loc   attrLocation
}

// Inode returns the FUSE inode number assigned to this node.
func (n *Node) Inode() InodeId { return n.inode }

// Getattr returns the node's current POSIX attributes.
func (n *Node) Getattr() (Attrs, error) { return n.loc.get() }

// Chmod sets the node's permission bits.
func (n *Node) Chmod(mode uint32) error { return n.loc.chmod(mode, n.dev.now()) }

// Chown sets the node's owner and/or group; a nil pointer leaves that
// field unchanged.
func (n *Node) Chown(uid, gid *uint32) error { return n.loc.chown(uid, gid, n.dev.now()) }

// Utimens sets the node's access and/or modification time; a nil pointer
// leaves that field unchanged.
func (n *Node) Utimens(atime, mtime *int64) error { return n.loc.utimens(atime, mtime) }
