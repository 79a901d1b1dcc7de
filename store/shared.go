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
	"sync/atomic"

	"github.com/cryfs-go/cryfs/blockid"
)

// Shared is a reference-counted handle onto one underlying BlockStore,
// letting the same concrete store be handed to more than one owner (the
// box_dyn.rs erasure boundary in the Rust original implies exactly this:
// a single store instance shared behind a dynamic interface). The
// underlying store is closed via CloseFn only when the last Shared handle
// is released.
type Shared struct {
	state *sharedState
}

type sharedState struct {
	mu      sync.Mutex
	store   BlockStore
	refs    int32
	closeFn func() error
	closed  bool
}

var _ BlockStore = (*Shared)(nil)

// NewShared wraps store with a refcount of 1. closeFn, if non-nil, is
// called exactly once when the refcount returns to zero.
func NewShared(store BlockStore, closeFn func() error) *Shared {
	return &Shared{state: &sharedState{store: store, refs: 1, closeFn: closeFn}}
}

// Clone returns a new handle sharing the same underlying store,
// incrementing the refcount.
func (s *Shared) Clone() *Shared {
	atomic.AddInt32(&s.state.refs, 1)
	return &Shared{state: s.state}
}

// Release decrements the refcount, closing the underlying store when it
// reaches zero. Safe to call more than once per handle only if the caller
// tracks that itself; each Shared value should be released exactly once.
func (s *Shared) Release() error {
	if atomic.AddInt32(&s.state.refs, -1) > 0 {
		return nil
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if s.state.closed || s.state.closeFn == nil {
		s.state.closed = true
		return nil
	}
	s.state.closed = true
	return s.state.closeFn()
}

func (s *Shared) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (CreateResult, error) {
	return s.state.store.TryCreate(ctx, id, data)
}

func (s *Shared) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	return s.state.store.Store(ctx, id, data)
}

func (s *Shared) Load(ctx context.Context, id blockid.BlockId) ([]byte, bool, error) {
	return s.state.store.Load(ctx, id)
}

func (s *Shared) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	return s.state.store.Remove(ctx, id)
}

func (s *Shared) NumBlocks(ctx context.Context) (uint64, error) {
	return s.state.store.NumBlocks(ctx)
}

func (s *Shared) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.state.store.EstimateNumFreeBytes(ctx)
}

func (s *Shared) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64 {
	return s.state.store.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
}

func (s *Shared) AllBlocks(ctx context.Context) (BlockIdStream, error) {
	return s.state.store.AllBlocks(ctx)
}
