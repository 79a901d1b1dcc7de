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

// Package blobstore implements BlobStoreOnBlocks / BlobOnBlocks (spec.md
// §4.6, component C8): a thin view of a variable-length blob over a
// datatree.Tree. A blob's id is its tree's root-node id.
package blobstore

import (
	"context"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/datatree"
	"github.com/cryfs-go/cryfs/store"
)

// Store creates and loads Blob handles over a DataTreeStore.
type Store struct {
	trees *datatree.Store
}

// New returns a BlobStoreOnBlocks backed by trees.
func New(trees *datatree.Store) *Store {
	return &Store{trees: trees}
}

// PhysicalBlockSize forwards to the underlying DataTreeStore.
func (s *Store) PhysicalBlockSize() uint32 { return s.trees.PhysicalBlockSize() }

// NumBlocks forwards to the underlying DataTreeStore.
func (s *Store) NumBlocks(ctx context.Context) (uint64, error) { return s.trees.NumBlocks(ctx) }

// EstimateNumFreeBytes forwards to the underlying DataTreeStore.
func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.trees.EstimateNumFreeBytes(ctx)
}

// Create creates a new, empty blob (a single empty leaf) and returns a
// handle to it.
func (s *Store) Create(ctx context.Context) (*Blob, error) {
	tree, err := s.trees.CreateEmptyTree(ctx)
	if err != nil {
		return nil, err
	}
	return &Blob{tree: tree}, nil
}

// Load loads the blob with the given id, or found=false iff the root
// node doesn't exist (spec.md §4.6).
func (s *Store) Load(ctx context.Context, id blockid.BlobId) (*Blob, bool, error) {
	tree, found, err := s.trees.LoadTree(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	return &Blob{tree: tree}, true, nil
}

// Remove deletes every node of blob and releases the handle.
func (s *Store) Remove(ctx context.Context, blob *Blob) error {
	return s.trees.RemoveTree(ctx, blob.tree)
}

// Blob is a variable-length byte sequence backed by a datatree.Tree.
type Blob struct {
	tree *datatree.Tree
}

// Id returns the blob's id (its tree's root-node id).
func (b *Blob) Id() blockid.BlobId {
	return b.tree.Id()
}

// NumBytes returns the blob's current length.
func (b *Blob) NumBytes(ctx context.Context) (uint64, error) {
	return b.tree.NumBytes(ctx)
}

// Read reads exactly len(buf) bytes starting at offset.
func (b *Blob) Read(ctx context.Context, offset uint64, buf []byte) error {
	return b.tree.ReadBytes(ctx, offset, buf)
}

// TryRead reads up to len(buf) bytes starting at offset, short-reading at
// EOF.
func (b *Blob) TryRead(ctx context.Context, offset uint64, buf []byte) (int, error) {
	return b.tree.TryReadBytes(ctx, offset, buf)
}

// Write writes data at offset, growing the blob if needed.
func (b *Blob) Write(ctx context.Context, data []byte, offset uint64) error {
	return b.tree.WriteBytes(ctx, data, offset)
}

// Resize grows or shrinks the blob to exactly newSize bytes.
func (b *Blob) Resize(ctx context.Context, newSize uint64) error {
	return b.tree.ResizeNumBytes(ctx, newSize)
}

// Flush forces an immediate write-back of the blob's touched nodes.
func (b *Blob) Flush(ctx context.Context) error {
	return b.tree.Flush(ctx)
}

// AllBlocks streams every node id belonging to this blob that could
// actually be loaded, plus the ids of any it couldn't (see
// datatree.Tree.AllBlocks).
func (b *Blob) AllBlocks(ctx context.Context) (store.BlockIdStream, []blockid.BlockId, error) {
	return b.tree.AllBlocks(ctx)
}

// Release returns the blob's root node guard without removing it from the
// store.
func (b *Blob) Release() {
	b.tree.Release()
}
