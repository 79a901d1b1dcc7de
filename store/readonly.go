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

package store

import (
	"context"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
)

// ReadOnly passes reads through to Inner and fails every mutating
// operation with cerrors.ErrReadOnly (spec.md §4.1).
type ReadOnly struct {
	Inner BlockStore
}

var _ BlockStore = (*ReadOnly)(nil)

// NewReadOnly wraps inner so that only reads are permitted.
func NewReadOnly(inner BlockStore) *ReadOnly {
	return &ReadOnly{Inner: inner}
}

func (s *ReadOnly) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (CreateResult, error) {
	return 0, cerrors.ErrReadOnly
}

func (s *ReadOnly) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	return cerrors.ErrReadOnly
}

func (s *ReadOnly) Load(ctx context.Context, id blockid.BlockId) ([]byte, bool, error) {
	return s.Inner.Load(ctx, id)
}

func (s *ReadOnly) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	return 0, cerrors.ErrReadOnly
}

func (s *ReadOnly) NumBlocks(ctx context.Context) (uint64, error) {
	return s.Inner.NumBlocks(ctx)
}

func (s *ReadOnly) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.Inner.EstimateNumFreeBytes(ctx)
}

func (s *ReadOnly) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64 {
	return s.Inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
}

func (s *ReadOnly) AllBlocks(ctx context.Context) (BlockIdStream, error) {
	return s.Inner.AllBlocks(ctx)
}
