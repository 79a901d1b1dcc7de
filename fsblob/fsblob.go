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

// Package fsblob implements the FsBlob family (spec.md §4.7, component
// C9): typed blobs with a parent pointer, specialized into directories,
// files and symlinks, plus the atime update policy (C10).
package fsblob

import (
	"context"
	"encoding/binary"

	"github.com/cryfs-go/cryfs/blobstore"
	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/clock"
	"github.com/cryfs-go/cryfs/cryfsconfig"
	"github.com/cryfs-go/cryfs/store"
)

// EntryType is a blob's or directory entry's kind.
type EntryType uint8

const (
	EntryTypeDir     EntryType = 0
	EntryTypeFile    EntryType = 1
	EntryTypeSymlink EntryType = 2
)

// headerSize is FsBlobHeader{format_version_header:u16, blob_type:u8,
// parent:BlobId[16]} (spec.md §6 "FsBlob payload prefix").
const headerSize = 2 + 1 + 16

const formatVersionHeader = uint16(1)

func encodeHeader(buf []byte, blobType EntryType, parent blockid.BlobId) {
	binary.LittleEndian.PutUint16(buf[0:2], formatVersionHeader)
	buf[2] = byte(blobType)
	copy(buf[3:19], parent[:])
}

func decodeHeader(buf []byte) (formatVersion uint16, blobType EntryType, parent blockid.BlobId) {
	formatVersion = binary.LittleEndian.Uint16(buf[0:2])
	blobType = EntryType(buf[2])
	copy(parent[:], buf[3:19])
	return
}

// FsBlob is the common surface of Dir, File and Symlink.
type FsBlob interface {
	Id() blockid.BlobId
	Parent() blockid.BlobId
	SetParent(ctx context.Context, parent blockid.BlobId) error
	Type() EntryType
	Flush(ctx context.Context) error
	Release()
	AllBlocks(ctx context.Context) (store.BlockIdStream, []blockid.BlockId, error)
}

type base struct {
	store    *Store
	inner    *blobstore.Blob
	blobType EntryType
	parent   blockid.BlobId
}

func (b *base) Id() blockid.BlobId { return b.inner.Id() }
func (b *base) Parent() blockid.BlobId { return b.parent }
func (b *base) Type() EntryType { return b.blobType }

func (b *base) SetParent(ctx context.Context, parent blockid.BlobId) error {
	b.parent = parent
	return b.flushHeader(ctx)
}

func (b *base) flushHeader(ctx context.Context) error {
	buf := make([]byte, headerSize)
	encodeHeader(buf, b.blobType, b.parent)
	return b.inner.Write(ctx, buf, 0)
}

func (b *base) Flush(ctx context.Context) error { return b.inner.Flush(ctx) }
func (b *base) Release()                        { b.inner.Release() }
func (b *base) AllBlocks(ctx context.Context) (store.BlockIdStream, []blockid.BlockId, error) {
	return b.inner.AllBlocks(ctx)
}

// File is a blob whose content past the FsBlob header is raw file bytes.
type File struct{ *base }

var _ FsBlob = (*File)(nil)

// NumBytes returns the file's content length (excluding the FsBlob
// header).
func (f *File) NumBytes(ctx context.Context) (uint64, error) {
	total, err := f.inner.NumBytes(ctx)
	if err != nil {
		return 0, err
	}
	return total - headerSize, nil
}

// Read reads exactly len(buf) content bytes starting at offset.
func (f *File) Read(ctx context.Context, offset uint64, buf []byte) error {
	return f.inner.Read(ctx, offset+headerSize, buf)
}

// TryRead reads up to len(buf) content bytes starting at offset,
// short-reading at EOF.
func (f *File) TryRead(ctx context.Context, offset uint64, buf []byte) (int, error) {
	return f.inner.TryRead(ctx, offset+headerSize, buf)
}

// Write writes data at offset into the file's content region.
func (f *File) Write(ctx context.Context, data []byte, offset uint64) error {
	return f.inner.Write(ctx, data, offset+headerSize)
}

// Resize grows or shrinks the file's content to exactly newSize bytes.
func (f *File) Resize(ctx context.Context, newSize uint64) error {
	return f.inner.Resize(ctx, newSize+headerSize)
}

// Symlink is a blob whose content past the FsBlob header is the raw
// UTF-8 link target.
type Symlink struct{ *base }

var _ FsBlob = (*Symlink)(nil)

// Target returns the symlink's destination path.
func (s *Symlink) Target(ctx context.Context) (string, error) {
	total, err := s.inner.NumBytes(ctx)
	if err != nil {
		return "", err
	}
	buf := make([]byte, total-headerSize)
	if err := s.inner.Read(ctx, headerSize, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Store creates and loads FsBlob handles over a BlobStoreOnBlocks.
type Store struct {
	blobs *blobstore.Store
	clk   clock.Clock
	cfg   cryfsconfig.Config
}

// New returns an FsBlobStore backed by blobs.
func New(blobs *blobstore.Store, clk clock.Clock, cfg cryfsconfig.Config) *Store {
	return &Store{blobs: blobs, clk: clk, cfg: cfg}
}

// PhysicalBlockSize forwards to the underlying BlobStoreOnBlocks.
func (s *Store) PhysicalBlockSize() uint32 { return s.blobs.PhysicalBlockSize() }

// NumBlocks forwards to the underlying BlobStoreOnBlocks.
func (s *Store) NumBlocks(ctx context.Context) (uint64, error) { return s.blobs.NumBlocks(ctx) }

// EstimateNumFreeBytes forwards to the underlying BlobStoreOnBlocks.
func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.blobs.EstimateNumFreeBytes(ctx)
}

func (s *Store) createWithHeader(ctx context.Context, blobType EntryType, parent blockid.BlobId) (*base, error) {
	blob, err := s.blobs.Create(ctx)
	if err != nil {
		return nil, err
	}
	b := &base{store: s, inner: blob, blobType: blobType, parent: parent}
	if err := blob.Resize(ctx, headerSize); err != nil {
		blob.Release()
		return nil, err
	}
	if err := b.flushHeader(ctx); err != nil {
		blob.Release()
		return nil, err
	}
	return b, nil
}

// CreateRootDir creates the filesystem's root directory: an empty
// directory whose parent pointer is its own id.
func (s *Store) CreateRootDir(ctx context.Context) (*Dir, error) {
	blob, err := s.blobs.Create(ctx)
	if err != nil {
		return nil, err
	}
	id := blob.Id()
	b := &base{store: s, inner: blob, blobType: EntryTypeDir, parent: id}
	if err := blob.Resize(ctx, headerSize); err != nil {
		blob.Release()
		return nil, err
	}
	if err := b.flushHeader(ctx); err != nil {
		blob.Release()
		return nil, err
	}
	d := &Dir{base: b}
	if err := d.writeEntries(ctx); err != nil {
		blob.Release()
		return nil, err
	}
	return d, nil
}

// CreateDir creates a new, empty directory with the given parent.
func (s *Store) CreateDir(ctx context.Context, parent blockid.BlobId) (*Dir, error) {
	b, err := s.createWithHeader(ctx, EntryTypeDir, parent)
	if err != nil {
		return nil, err
	}
	d := &Dir{base: b}
	if err := d.writeEntries(ctx); err != nil {
		b.inner.Release()
		return nil, err
	}
	return d, nil
}

// CreateFile creates a new, empty file with the given parent.
func (s *Store) CreateFile(ctx context.Context, parent blockid.BlobId) (*File, error) {
	b, err := s.createWithHeader(ctx, EntryTypeFile, parent)
	if err != nil {
		return nil, err
	}
	return &File{base: b}, nil
}

// CreateSymlink creates a new symlink with the given parent and target.
func (s *Store) CreateSymlink(ctx context.Context, parent blockid.BlobId, target string) (*Symlink, error) {
	b, err := s.createWithHeader(ctx, EntryTypeSymlink, parent)
	if err != nil {
		return nil, err
	}
	if len(target) > 0 {
		if err := b.inner.Write(ctx, []byte(target), headerSize); err != nil {
			b.inner.Release()
			return nil, err
		}
	}
	return &Symlink{base: b}, nil
}

// Load reads id's typed header and returns the Dir, File or Symlink it
// describes, or found=false if no such blob exists.
func (s *Store) Load(ctx context.Context, id blockid.BlobId) (FsBlob, bool, error) {
	blob, found, err := s.blobs.Load(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}

	n, err := blob.NumBytes(ctx)
	if err != nil {
		blob.Release()
		return nil, false, err
	}
	if n < headerSize {
		blob.Release()
		return nil, false, cerrors.ErrMalformedHeader
	}
	hdr := make([]byte, headerSize)
	if err := blob.Read(ctx, 0, hdr); err != nil {
		blob.Release()
		return nil, false, err
	}
	fmtVer, blobType, parent := decodeHeader(hdr)
	if fmtVer != formatVersionHeader {
		blob.Release()
		return nil, false, cerrors.ErrUnsupportedFormatVersion
	}

	b := &base{store: s, inner: blob, blobType: blobType, parent: parent}
	switch blobType {
	case EntryTypeDir:
		d := &Dir{base: b}
		if err := d.loadEntries(ctx); err != nil {
			blob.Release()
			return nil, false, err
		}
		return d, true, nil
	case EntryTypeFile:
		return &File{base: b}, true, nil
	case EntryTypeSymlink:
		return &Symlink{base: b}, true, nil
	default:
		blob.Release()
		return nil, false, cerrors.ErrMalformedHeader
	}
}

// Remove deletes blob entirely (all its nodes) and releases the handle.
func (s *Store) Remove(ctx context.Context, blob FsBlob) error {
	b, ok := blob.(interface{ innerBlob() *blobstore.Blob })
	if !ok {
		return cerrors.ErrMisuse
	}
	return s.blobs.Remove(ctx, b.innerBlob())
}

func (b *base) innerBlob() *blobstore.Blob { return b.inner }

// isDirEmpty loads id as a directory and reports whether it has zero
// entries, used by Dir.Rename/MoveTo to enforce "overwriting a directory
// requires the target to be empty".
func (s *Store) isDirEmpty(ctx context.Context, id blockid.BlobId) (bool, error) {
	loaded, found, err := s.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, cerrors.ErrMissingBlock
	}
	d, ok := loaded.(*Dir)
	if !ok {
		loaded.Release()
		return false, cerrors.ErrNotADirectory
	}
	empty := len(d.entries) == 0
	d.Release()
	return empty, nil
}
