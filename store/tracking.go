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

// ActionCounts is a snapshot of how many times each kind of operation has
// been issued through a Tracking store, mirroring the Rust original's
// ActionCounts test fixture (crates/blockstore/.../tracking/action_counts.rs).
type ActionCounts struct {
	TryCreate int
	Store     int
	Load      int
	LoadSuccess int
	Remove    int
	RemoveSuccess int
}

// Tracking counts calls made through it, for tests that assert a
// cache/tree layer issues exactly the expected number of underlying store
// operations (e.g. "a cached read doesn't hit the store twice").
type Tracking struct {
	Inner BlockStore

	mu     sync.Mutex
	counts ActionCounts
}

var _ BlockStore = (*Tracking)(nil)

// NewTracking wraps inner, counting every call made through it.
func NewTracking(inner BlockStore) *Tracking {
	return &Tracking{Inner: inner}
}

// Counts returns a snapshot of the counters accumulated so far.
func (s *Tracking) Counts() ActionCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

func (s *Tracking) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (CreateResult, error) {
	s.mu.Lock()
	s.counts.TryCreate++
	s.mu.Unlock()
	return s.Inner.TryCreate(ctx, id, data)
}

func (s *Tracking) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	s.mu.Lock()
	s.counts.Store++
	s.mu.Unlock()
	return s.Inner.Store(ctx, id, data)
}

func (s *Tracking) Load(ctx context.Context, id blockid.BlockId) ([]byte, bool, error) {
	s.mu.Lock()
	s.counts.Load++
	s.mu.Unlock()
	data, found, err := s.Inner.Load(ctx, id)
	if err == nil && found {
		s.mu.Lock()
		s.counts.LoadSuccess++
		s.mu.Unlock()
	}
	return data, found, err
}

func (s *Tracking) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	s.mu.Lock()
	s.counts.Remove++
	s.mu.Unlock()
	result, err := s.Inner.Remove(ctx, id)
	if err == nil && result == Removed {
		s.mu.Lock()
		s.counts.RemoveSuccess++
		s.mu.Unlock()
	}
	return result, err
}

func (s *Tracking) NumBlocks(ctx context.Context) (uint64, error) {
	return s.Inner.NumBlocks(ctx)
}

func (s *Tracking) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.Inner.EstimateNumFreeBytes(ctx)
}

func (s *Tracking) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64 {
	return s.Inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
}

func (s *Tracking) AllBlocks(ctx context.Context) (BlockIdStream, error) {
	return s.Inner.AllBlocks(ctx)
}
