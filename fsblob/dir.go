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

package fsblob

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
)

// DirEntry is one entry of a directory's child list (spec.md §6
// "dir-entry stream format"). Name is unique within its owning Dir.
type DirEntry struct {
	Name  string
	Child blockid.BlobId
	Type  EntryType
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Atime int64 // unix seconds
	Mtime int64
	Ctime int64
}

// Dir is a directory blob: an FsBlob whose content past the header is a
// count-prefixed list of DirEntry records, kept sorted by name.
type Dir struct {
	*base
	entries []DirEntry
	dirty   bool
}

var _ FsBlob = (*Dir)(nil)

// Flush serializes the entry list (if it changed since the last flush)
// before flushing the underlying blob.
func (d *Dir) Flush(ctx context.Context) error {
	if d.dirty {
		if err := d.writeEntries(ctx); err != nil {
			return err
		}
		d.dirty = false
	}
	return d.base.Flush(ctx)
}

// List returns a copy of the directory's entries, sorted by name.
func (d *Dir) List() []DirEntry {
	out := make([]DirEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// LookupChild returns the entry named name, if any.
func (d *Dir) LookupChild(name string) (DirEntry, bool) {
	idx, found := d.lookupIndex(name)
	if !found {
		return DirEntry{}, false
	}
	return d.entries[idx], true
}

func (d *Dir) lookupIndex(name string) (int, bool) {
	idx := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].Name >= name })
	if idx < len(d.entries) && d.entries[idx].Name == name {
		return idx, true
	}
	return idx, false
}

func (d *Dir) insertSorted(e DirEntry) {
	idx := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].Name >= e.Name })
	d.entries = append(d.entries, DirEntry{})
	copy(d.entries[idx+1:], d.entries[idx:])
	d.entries[idx] = e
}

func (d *Dir) removeAt(idx int) {
	d.entries = append(d.entries[:idx], d.entries[idx+1:]...)
}

// Add inserts a new entry named name, failing with ErrAlreadyExists if
// the name is already taken (spec.md §8 testable property 8: directory
// entry names are unique within a directory).
func (d *Dir) Add(name string, child blockid.BlobId, typ EntryType, mode, uid, gid uint32, now int64) error {
	if _, found := d.lookupIndex(name); found {
		return cerrors.ErrAlreadyExists
	}
	d.insertSorted(DirEntry{
		Name: name, Child: child, Type: typ,
		Mode: mode, Uid: uid, Gid: gid,
		Atime: now, Mtime: now, Ctime: now,
	})
	d.dirty = true
	return nil
}

// Remove deletes the entry named name.
func (d *Dir) Remove(name string) error {
	idx, found := d.lookupIndex(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	d.removeAt(idx)
	d.dirty = true
	return nil
}

// SetChildType overwrites the recorded type of entry name (used after a
// checker recovery substitutes a node's reconstructed type).
func (d *Dir) SetChildType(name string, newType EntryType) error {
	idx, found := d.lookupIndex(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	d.entries[idx].Type = newType
	d.dirty = true
	return nil
}

// SetChildAttrs overwrites the mode/uid/gid/ctime of entry name, e.g. for
// chmod/chown.
func (d *Dir) SetChildAttrs(name string, mode, uid, gid uint32, ctime int64) error {
	idx, found := d.lookupIndex(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	d.entries[idx].Mode = mode
	d.entries[idx].Uid = uid
	d.entries[idx].Gid = gid
	d.entries[idx].Ctime = ctime
	d.dirty = true
	return nil
}

// TouchAtime updates entry name's atime to now if the configured atime
// policy calls for it (component C10), recording the mutation in the
// dirty entry list without forcing an immediate flush.
func (d *Dir) TouchAtime(name string, policy AtimePolicy, now int64) error {
	idx, found := d.lookupIndex(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	e := &d.entries[idx]
	if !ShouldUpdateAtime(policy, e.Type == EntryTypeDir, e.Atime, e.Mtime, now) {
		return nil
	}
	e.Atime = now
	d.dirty = true
	return nil
}

// SetMtime updates entry name's own mtime (recorded by its parent, not
// by the child blob itself).
func (d *Dir) SetMtime(name string, mtime int64) error {
	idx, found := d.lookupIndex(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	d.entries[idx].Mtime = mtime
	d.dirty = true
	return nil
}

// SetAtime unconditionally overwrites entry name's atime, for an explicit
// utimens call — unlike TouchAtime, it is never gated by the atime
// policy.
func (d *Dir) SetAtime(name string, atime int64) error {
	idx, found := d.lookupIndex(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	d.entries[idx].Atime = atime
	d.dirty = true
	return nil
}

// Rename renames entry oldName to newName within this directory.
//
// If newName already exists: without allowOverwrite this fails with
// ErrAlreadyExists (EEXIST); with allowOverwrite, overwriting a
// non-empty directory fails with ErrNotEmpty (ENOTEMPTY) — matching
// POSIX rename(2), which is how this resolves the open question of
// which errno an overwriting rename should surface.
//
// Renaming an entry onto itself always fails with ErrInvalidName: it is
// a degenerate no-op regardless of the entry's type.
func (d *Dir) Rename(ctx context.Context, oldName, newName string, allowOverwrite bool, now int64) error {
	if oldName == newName {
		return cerrors.ErrInvalidName
	}
	idx, found := d.lookupIndex(oldName)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	entry := d.entries[idx]

	if targetIdx, targetFound := d.lookupIndex(newName); targetFound {
		if !allowOverwrite {
			return cerrors.ErrAlreadyExists
		}
		target := d.entries[targetIdx]
		if target.Type == EntryTypeDir {
			empty, err := d.store.isDirEmpty(ctx, target.Child)
			if err != nil {
				return err
			}
			if !empty {
				return cerrors.ErrNotEmpty
			}
		}
		d.removeAt(targetIdx)
		idx, _ = d.lookupIndex(oldName)
	}

	d.removeAt(idx)
	entry.Name = newName
	entry.Mtime = now
	d.insertSorted(entry)
	d.dirty = true
	return nil
}

// MoveTo moves entry name out of d and into target under newName,
// updating the moved child's parent pointer so it always points at its
// current directory. Overwrite semantics mirror Rename.
func (d *Dir) MoveTo(ctx context.Context, name string, target *Dir, newName string, allowOverwrite bool, now int64) error {
	idx, found := d.lookupIndex(name)
	if !found {
		return cerrors.ErrNoSuchEntry
	}
	entry := d.entries[idx]

	if targetIdx, targetFound := target.lookupIndex(newName); targetFound {
		if !allowOverwrite {
			return cerrors.ErrAlreadyExists
		}
		t := target.entries[targetIdx]
		if t.Type == EntryTypeDir {
			empty, err := d.store.isDirEmpty(ctx, t.Child)
			if err != nil {
				return err
			}
			if !empty {
				return cerrors.ErrNotEmpty
			}
		}
		target.removeAt(targetIdx)
	}

	d.removeAt(idx)
	entry.Name = newName
	entry.Mtime = now
	target.insertSorted(entry)
	d.dirty = true
	target.dirty = true

	child, found, err := d.store.Load(ctx, entry.Child)
	if err != nil {
		return err
	}
	if !found {
		return cerrors.ErrMissingBlock
	}
	defer child.Release()
	return child.SetParent(ctx, target.Id())
}

func (d *Dir) loadEntries(ctx context.Context) error {
	n, err := d.inner.NumBytes(ctx)
	if err != nil {
		return err
	}
	if n < headerSize+8 {
		return cerrors.ErrMalformedHeader
	}
	raw := make([]byte, n-headerSize)
	if err := d.inner.Read(ctx, headerSize, raw); err != nil {
		return err
	}
	entries, err := decodeDirEntries(raw)
	if err != nil {
		return err
	}
	d.entries = entries
	d.dirty = false
	return nil
}

func (d *Dir) writeEntries(ctx context.Context) error {
	raw := encodeDirEntries(d.entries)
	if err := d.inner.Resize(ctx, uint64(headerSize+len(raw))); err != nil {
		return err
	}
	return d.inner.Write(ctx, raw, headerSize)
}

func encodeDirEntries(entries []DirEntry) []byte {
	var buf bytes.Buffer
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(entries)))
	buf.Write(countBuf[:])

	for _, e := range entries {
		var nameLen [4]byte
		binary.LittleEndian.PutUint32(nameLen[:], uint32(len(e.Name)))
		buf.Write(nameLen[:])
		buf.WriteString(e.Name)
		buf.WriteByte(byte(e.Type))
		buf.Write(e.Child[:])

		var fixed [4 + 4 + 4 + 8 + 8 + 8]byte
		binary.LittleEndian.PutUint32(fixed[0:4], e.Mode)
		binary.LittleEndian.PutUint32(fixed[4:8], e.Uid)
		binary.LittleEndian.PutUint32(fixed[8:12], e.Gid)
		binary.LittleEndian.PutUint64(fixed[12:20], uint64(e.Atime))
		binary.LittleEndian.PutUint64(fixed[20:28], uint64(e.Mtime))
		binary.LittleEndian.PutUint64(fixed[28:36], uint64(e.Ctime))
		buf.Write(fixed[:])
	}
	return buf.Bytes()
}

func decodeDirEntries(raw []byte) ([]DirEntry, error) {
	if len(raw) < 8 {
		return nil, cerrors.ErrMalformedHeader
	}
	count := binary.LittleEndian.Uint64(raw[0:8])
	pos := 8
	entries := make([]DirEntry, 0, count)

	for i := uint64(0); i < count; i++ {
		if pos+4 > len(raw) {
			return nil, cerrors.ErrMalformedHeader
		}
		nameLen := int(binary.LittleEndian.Uint32(raw[pos : pos+4]))
		pos += 4
		if pos+nameLen > len(raw) {
			return nil, cerrors.ErrMalformedHeader
		}
		name := string(raw[pos : pos+nameLen])
		pos += nameLen

		recordTail := 1 + 16 + 4 + 4 + 4 + 8 + 8 + 8
		if pos+recordTail > len(raw) {
			return nil, cerrors.ErrMalformedHeader
		}
		typ := EntryType(raw[pos])
		pos++
		var child blockid.BlobId
		copy(child[:], raw[pos:pos+16])
		pos += 16
		mode := binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
		uid := binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
		gid := binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
		atime := int64(binary.LittleEndian.Uint64(raw[pos : pos+8]))
		pos += 8
		mtime := int64(binary.LittleEndian.Uint64(raw[pos : pos+8]))
		pos += 8
		ctime := int64(binary.LittleEndian.Uint64(raw[pos : pos+8]))
		pos += 8

		entries = append(entries, DirEntry{
			Name: name, Child: child, Type: typ,
			Mode: mode, Uid: uid, Gid: gid,
			Atime: atime, Mtime: mtime, Ctime: ctime,
		})
	}
	return entries, nil
}
