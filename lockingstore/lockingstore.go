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

// Package lockingstore implements the high-level locking block cache
// (spec.md §4.2, component C4): per-block exclusive access, a write-back
// cache with bounded residency, and a background pruner that flushes and
// evicts idle dirty entries.
package lockingstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/clock"
	"github.com/cryfs-go/cryfs/concurrentstore"
	"github.com/cryfs-go/cryfs/cryfsconfig"
	"github.com/cryfs-go/cryfs/cryfslog"
	"github.com/cryfs-go/cryfs/store"
)

// cacheEntry is the cached, decrypted contents of one block. lock is a
// 1-buffered channel used as a cancellable mutex: holding the token is
// the "per-block exclusive lock" spec.md §4.2 calls for.
type cacheEntry struct {
	lock chan struct{}

	data    []byte
	dirty   bool
	lastUse time.Time
}

func newCacheEntry(data []byte, now time.Time) *cacheEntry {
	e := &cacheEntry{lock: make(chan struct{}, 1), data: data, lastUse: now}
	e.lock <- struct{}{}
	return e
}

func (e *cacheEntry) acquire(ctx context.Context) error {
	select {
	case <-e.lock:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *cacheEntry) tryAcquire() bool {
	select {
	case <-e.lock:
		return true
	default:
		return false
	}
}

func (e *cacheEntry) release() {
	e.lock <- struct{}{}
}

// Store is the locking, caching BlockStore built on top of an inner
// store.BlockStore. The inner store is typically the Integrity layer
// (spec.md §3.5 "Data flow").
type Store struct {
	inner store.BlockStore
	clk   clock.Clock
	cfg   cryfsconfig.Config

	entries   *concurrentstore.Store[blockid.BlockId, *cacheEntry]
	residency *lru.Cache[blockid.BlockId, struct{}]

	mu      sync.Mutex
	tainted error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ store.BlockStore = (*Store)(nil)

// New wraps inner with a write-back cache of bounded residency
// (cfg.LockingCacheCapacity) and starts its background pruner, driven by
// clk so tests can use clock.SimulatedClock.
func New(inner store.BlockStore, cfg cryfsconfig.Config, clk clock.Clock) *Store {
	s := &Store{
		inner:  inner,
		clk:    clk,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	s.entries = concurrentstore.New[blockid.BlockId, *cacheEntry]()

	capacity := cfg.LockingCacheCapacity
	if capacity < 1 {
		capacity = 1
	}
	residency, err := lru.NewWithEvict[blockid.BlockId, struct{}](capacity, func(id blockid.BlockId, _ struct{}) {
		s.entries.Remove(id)
	})
	if err != nil {
		// capacity is always >= 1 here, so NewWithEvict cannot fail.
		panic(err)
	}
	s.residency = residency

	s.wg.Add(1)
	go s.prunerLoop()
	return s
}

// Close stops the background pruner. It does not flush outstanding dirty
// entries; callers wanting that should call ClearCacheSlow first.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// BlockGuard is a checked-out, exclusively-locked cache entry. Callers
// must call Release exactly once.
type BlockGuard struct {
	store    *Store
	id       blockid.BlockId
	csGuard  *concurrentstore.Guard[blockid.BlockId, *cacheEntry]
	entry    *cacheEntry
	released bool
}

// Id returns the guarded block's id.
func (g *BlockGuard) Id() blockid.BlockId {
	return g.id
}

// Data returns the cached plaintext. The returned slice must not be
// mutated; use DataMut or SetData to write.
func (g *BlockGuard) Data() []byte {
	return g.entry.data
}

// DataMut marks the entry dirty and returns the cached plaintext for
// in-place mutation, mirroring the Rust original's data_mut().
func (g *BlockGuard) DataMut() []byte {
	g.entry.dirty = true
	return g.entry.data
}

// SetData replaces the cached plaintext outright and marks the entry
// dirty.
func (g *BlockGuard) SetData(data []byte) {
	g.entry.data = data
	g.entry.dirty = true
}

// Release returns the guard to the cache, making it available to the
// next waiter (or to the pruner for eviction).
func (g *BlockGuard) Release() {
	if g.released {
		panic(cerrors.ErrMisuse)
	}
	g.released = true
	g.entry.lastUse = g.store.clk.Now()
	g.entry.release()
	g.csGuard.Release()
}

func (s *Store) loadFn(id blockid.BlockId) concurrentstore.LoadFunc[*cacheEntry] {
	return func(ctx context.Context) (*cacheEntry, error) {
		data, found, err := s.inner.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, cerrors.ErrNotFound
		}
		return newCacheEntry(append([]byte(nil), data...), s.clk.Now()), nil
	}
}

func (s *Store) dropFn(id blockid.BlockId) concurrentstore.DropFunc[*cacheEntry] {
	return func(ctx context.Context, e *cacheEntry) error {
		return s.flushEntry(ctx, id, e)
	}
}

func (s *Store) flushEntry(ctx context.Context, id blockid.BlockId, e *cacheEntry) error {
	if !e.dirty {
		return nil
	}
	if err := s.inner.Store(ctx, id, e.data); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

func (s *Store) touch(id blockid.BlockId) {
	s.residency.Add(id, struct{}{})
}

// Load returns a BlockGuard for id, or found=false if no such block
// exists. It coalesces concurrent loaders of the same id (via the
// embedded ConcurrentStore) and blocks until any other current holder of
// id's guard releases it.
func (s *Store) Load(ctx context.Context, id blockid.BlockId) (*BlockGuard, bool, error) {
	if err := s.checkTainted(); err != nil {
		return nil, false, err
	}

	csGuard, err := s.entries.LoadOrInsert(ctx, id, s.loadFn(id), s.dropFn(id))
	if err != nil {
		if errors.Is(err, cerrors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, s.taint(err)
	}

	entry := csGuard.Value()
	if err := entry.acquire(ctx); err != nil {
		csGuard.Release()
		return nil, false, err
	}
	s.touch(id)
	return &BlockGuard{store: s, id: id, csGuard: csGuard, entry: entry}, true, nil
}

// TryCreate stores data under id only if no block with that id exists yet.
func (s *Store) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (store.CreateResult, error) {
	result, err := s.inner.TryCreate(ctx, id, data)
	if err != nil {
		return result, s.taint(err)
	}
	if result == store.Created {
		if g, lerr := s.entries.LoadOrInsert(ctx, id, func(context.Context) (*cacheEntry, error) {
			return newCacheEntry(append([]byte(nil), data...), s.clk.Now()), nil
		}, s.dropFn(id)); lerr == nil {
			s.touch(id)
			g.Release()
		}
	}
	return result, nil
}

// Create picks a fresh random id and stores data under it.
func (s *Store) Create(ctx context.Context, data []byte) (blockid.BlockId, error) {
	for {
		id := blockid.New()
		result, err := s.TryCreate(ctx, id, data)
		if err != nil {
			return blockid.BlockId{}, err
		}
		if result == store.Created {
			return id, nil
		}
	}
}

// Overwrite replaces the contents of an existing block, writing back
// lazily through the cache.
func (s *Store) Overwrite(ctx context.Context, id blockid.BlockId, data []byte) error {
	g, found, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return cerrors.ErrNotFound
	}
	defer g.Release()
	g.SetData(append([]byte(nil), data...))
	return nil
}

// FlushBlock forces an immediate write-back of a checked-out guard's
// dirty data without releasing it.
func (s *Store) FlushBlock(ctx context.Context, g *BlockGuard) error {
	if err := s.flushEntry(ctx, g.id, g.entry); err != nil {
		return s.taint(err)
	}
	return nil
}

// RemoveById drops id from the cache (flushing any dirty data first, same
// as a normal eviction) and then removes it from the underlying store.
func (s *Store) RemoveById(ctx context.Context, id blockid.BlockId) (store.RemoveResult, error) {
	if err := <-s.entries.RequestImmediateDrop(ctx, id); err != nil {
		return store.NotFound, s.taint(err)
	}
	result, err := s.inner.Remove(ctx, id)
	if err != nil {
		return result, s.taint(err)
	}
	return result, nil
}

// Store implements store.BlockStore by delegating to Overwrite/TryCreate:
// a plain put that creates the block if absent.
func (s *Store) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	result, err := s.TryCreate(ctx, id, data)
	if err != nil {
		return err
	}
	if result == store.AlreadyExisted {
		return s.Overwrite(ctx, id, data)
	}
	return nil
}

// Remove implements store.BlockStore.
func (s *Store) Remove(ctx context.Context, id blockid.BlockId) (store.RemoveResult, error) {
	return s.RemoveById(ctx, id)
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	return s.inner.NumBlocks(ctx)
}

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.inner.EstimateNumFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64 {
	return s.inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
}

func (s *Store) AllBlocks(ctx context.Context) (store.BlockIdStream, error) {
	return s.inner.AllBlocks(ctx)
}

// ClearCacheSlow flushes and evicts every cached entry. Test-only (spec.md
// §4.2): used to verify cache soundness, i.e. that a subsequent Load
// returns the same bytes as before the clear.
func (s *Store) ClearCacheSlow(ctx context.Context) error {
	var firstErr error
	for _, id := range s.entries.Keys() {
		s.residency.Remove(id)
		if err := <-s.entries.RequestImmediateDrop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) taint(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	if s.tainted == nil {
		s.tainted = err
	}
	s.mu.Unlock()
	return err
}

func (s *Store) checkTainted() error {
	s.mu.Lock()
	t := s.tainted
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", cerrors.ErrTainted, t)
}

// prunerLoop periodically flushes dirty entries whose last-use age
// exceeds cfg.PrunerDirtyAge, then evicts them. Entries currently checked
// out by a caller are skipped (spec.md §4.2: "if a block is locked it is
// skipped").
func (s *Store) prunerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.clk.After(s.cfg.PrunerInterval):
			s.pruneOnce(context.Background())
		}
	}
}

func (s *Store) pruneOnce(ctx context.Context) {
	now := s.clk.Now()
	for _, id := range s.entries.Keys() {
		csGuard, err := s.entries.LoadOrInsert(ctx, id, s.loadFn(id), s.dropFn(id))
		if err != nil {
			continue
		}
		entry := csGuard.Value()
		if !entry.tryAcquire() {
			csGuard.Release()
			continue
		}

		age := now.Sub(entry.lastUse)
		if age >= s.cfg.PrunerDirtyAge {
			if err := s.flushEntry(ctx, id, entry); err != nil {
				cryfslog.Get().Error("cache pruner: flush failed", "block", id.Hex(), "error", err)
				s.taint(err)
				entry.release()
				csGuard.Release()
				continue
			}
			entry.release()
			csGuard.Release()
			s.residency.Remove(id)
			continue
		}

		entry.release()
		csGuard.Release()
	}
}
