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

// Package store implements the low-level block store stack (spec.md §4.1,
// component C3): on-disk block I/O, authenticated encryption, version
// based integrity, optional compression, and read-only/tracking/shared
// shims, all composed by wrapping.
package store

import (
	"context"

	"github.com/cryfs-go/cryfs/blockid"
)

// BlockStore is the capability set every layer of the low-level stack
// implements (spec.md §9, "Polymorphism"). All operations are fallible and
// take a context; cancellation is honored at I/O suspension points.
type BlockStore interface {
	// TryCreate atomically creates a block with the given id and content,
	// failing with AlreadyExisted if the id is already in use.
	TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (CreateResult, error)

	// Store creates or overwrites the block. Once a block exists, stored
	// data length equals the store's physical block size (the Compressing
	// layer is the sole exception, since it varies physical size with the
	// compression ratio).
	Store(ctx context.Context, id blockid.BlockId, data []byte) error

	// Load returns the block's content, or found=false if no such block
	// exists.
	Load(ctx context.Context, id blockid.BlockId) (data []byte, found bool, err error)

	// Remove deletes the block, reporting whether it existed.
	Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error)

	// NumBlocks returns the number of blocks currently stored.
	NumBlocks(ctx context.Context) (uint64, error)

	// EstimateNumFreeBytes estimates remaining free space on the
	// underlying medium.
	EstimateNumFreeBytes(ctx context.Context) (uint64, error)

	// BlockSizeFromPhysicalBlockSize returns the logical block size (data
	// capacity visible to the next layer up) implied by a given physical
	// on-disk block size.
	BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64

	// AllBlocks streams every block id currently in the store. No
	// consistency guarantee is made for blocks mutated concurrently with
	// enumeration.
	AllBlocks(ctx context.Context) (BlockIdStream, error)
}

// CreateResult is the outcome of TryCreate.
type CreateResult int

const (
	Created CreateResult = iota
	AlreadyExisted
)

// RemoveResult is the outcome of Remove.
type RemoveResult int

const (
	Removed RemoveResult = iota
	NotFound
)

// BlockIdStream yields block ids one at a time. Next returns ok=false once
// exhausted; a non-nil error aborts enumeration.
type BlockIdStream interface {
	Next(ctx context.Context) (id blockid.BlockId, ok bool, err error)
}

// sliceStream adapts a pre-materialized slice of ids to BlockIdStream, for
// stores (InMemory, and snapshots taken under a lock) that can list their
// contents without a long-lived cursor.
type sliceStream struct {
	ids []blockid.BlockId
	pos int
}

// NewSliceStream returns a BlockIdStream over a fixed slice of ids.
func NewSliceStream(ids []blockid.BlockId) BlockIdStream {
	return &sliceStream{ids: ids}
}

func (s *sliceStream) Next(ctx context.Context) (blockid.BlockId, bool, error) {
	if err := ctx.Err(); err != nil {
		return blockid.BlockId{}, false, err
	}
	if s.pos >= len(s.ids) {
		return blockid.BlockId{}, false, nil
	}
	id := s.ids[s.pos]
	s.pos++
	return id, true, nil
}

// CollectAll drains a stream into a slice; used by tests and by the
// checker's "every block visited" pass.
func CollectAll(ctx context.Context, s BlockIdStream) ([]blockid.BlockId, error) {
	var out []blockid.BlockId
	for {
		id, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, id)
	}
}
