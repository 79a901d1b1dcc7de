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
	"sync"

	"github.com/cryfs-go/cryfs/blockid"
)

// InMemory is a BlockStore backed by a map, used in tests and as the base
// of the wrapper stack when no on-disk persistence is required.
type InMemory struct {
	mu     sync.Mutex
	blocks map[blockid.BlockId][]byte
}

var _ BlockStore = (*InMemory)(nil)

// NewInMemory returns an empty InMemory block store.
func NewInMemory() *InMemory {
	return &InMemory{blocks: make(map[blockid.BlockId][]byte)}
}

func (s *InMemory) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; ok {
		return AlreadyExisted, nil
	}
	s.blocks[id] = append([]byte(nil), data...)
	return Created, nil
}

func (s *InMemory) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[id] = append([]byte(nil), data...)
	return nil
}

func (s *InMemory) Load(ctx context.Context, id blockid.BlockId) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blocks[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *InMemory) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; !ok {
		return NotFound, nil
	}
	delete(s.blocks, id)
	return Removed, nil
}

func (s *InMemory) NumBlocks(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.blocks)), nil
}

func (s *InMemory) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	// No physical medium to query; report a large constant like the
	// teacher's in-memory test doubles do for statfs-style calls.
	return 1 << 40, nil
}

func (s *InMemory) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64 {
	return physicalBlockSize
}

func (s *InMemory) AllBlocks(ctx context.Context) (BlockIdStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]blockid.BlockId, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	return NewSliceStream(ids), nil
}
