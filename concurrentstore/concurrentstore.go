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

// Package concurrentstore implements a reusable keyed cache that
// guarantees at most one live value per key while letting many callers
// share it (spec.md §4.3, component C5). It backs the LockingBlockStore's
// block cache (one block guard at a time); the blob and DataNode layers
// reach it only through that store.
package concurrentstore

import (
	"context"
	"sync"

	"github.com/cryfs-go/cryfs/cerrors"
)

// state is the per-key finite state machine described in spec.md §4.3.
type state int

const (
	stateLoading state = iota
	stateLoaded
	stateDropping
)

// LoadFunc loads the value for a key. It runs at most once per Loading
// episode; concurrent LoadOrInsert callers for the same key share its
// result.
type LoadFunc[V any] func(ctx context.Context) (V, error)

// DropFunc disposes of a value once its refcount reaches zero.
type DropFunc[V any] func(ctx context.Context, value V) error

// entry is the state of one key. All fields are guarded by mu.
type entry[V any] struct {
	mu sync.Mutex

	state state

	// Set once a Loading episode completes (success or failure) and valid
	// only in stateLoaded.
	value V
	refs  int

	// Waiters for the in-flight Loading/Dropping episode to finish.
	done chan struct{}
	err  error

	// Pending intents, attached while the entry is Loading or Dropping.
	removeRequested bool
	reloadRequested bool

	loadFn LoadFunc[V]
	dropFn DropFunc[V]
}

// Store is a keyed cache guaranteeing at most one live value per key
// (spec.md §8 invariant 7). The zero value is not usable; use New.
type Store[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
}

// New returns an empty Store.
func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{entries: make(map[K]*entry[V])}
}

// Guard is a scoped, refcounted handle on a loaded value. Callers must
// call Release exactly once (spec.md §3 "Lifecycle": async-disposal
// guards must be explicitly released).
type Guard[K comparable, V any] struct {
	store    *Store[K, V]
	key      K
	value    V
	released bool
}

// Value returns the guarded value.
func (g *Guard[K, V]) Value() V {
	return g.value
}

// Release decrements the entry's refcount. When it reaches zero and a
// removal is pending (Remove or RequestImmediateDrop was called while
// guards were outstanding), the entry transitions to Dropping and its
// DropFunc runs before Release returns; otherwise the value stays loaded
// for later LoadOrInsert callers.
func (g *Guard[K, V]) Release() {
	if g.released {
		panic(cerrors.ErrMisuse)
	}
	g.released = true
	g.store.release(g.key)
}

// LoadOrInsert returns a Guard for key, running loadFn if no value is
// currently loading or loaded. Concurrent callers for the same key join
// the same in-flight load and all receive its result; cancelling ctx only
// removes this caller from the waiter set; it never cancels a load that
// other callers are also waiting on (spec.md §4.3 "Cancellation").
func (s *Store[K, V]) LoadOrInsert(ctx context.Context, key K, loadFn LoadFunc[V], dropFn DropFunc[V]) (*Guard[K, V], error) {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			e = &entry[V]{
				state:  stateLoading,
				done:   make(chan struct{}),
				loadFn: loadFn,
				dropFn: dropFn,
			}
			s.entries[key] = e
			s.mu.Unlock()
			s.runLoad(context.WithoutCancel(ctx), key, e)
		} else {
			s.mu.Unlock()
		}

		e.mu.Lock()
		switch e.state {
		case stateLoading:
			done := e.done
			e.mu.Unlock()
			select {
			case <-done:
				// loop around: re-examine the entry once loading finishes
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		case stateDropping:
			done := e.done
			e.reloadRequested = true
			e.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case stateLoaded:
			if e.err != nil {
				err := e.err
				e.mu.Unlock()
				return nil, err
			}
			e.refs++
			value := e.value
			e.mu.Unlock()
			return &Guard[K, V]{store: s, key: key, value: value}, nil
		}
	}
}

// runLoad executes a Loading episode for key and transitions the entry to
// Loaded (or, if a removal was requested meanwhile, straight to Dropping)
// once loadFn returns.
func (s *Store[K, V]) runLoad(ctx context.Context, key K, e *entry[V]) {
	value, err := e.loadFn(ctx)

	e.mu.Lock()
	if err != nil {
		e.err = err
		e.state = stateLoaded
		e.refs = 0
		done := e.done
		e.mu.Unlock()
		close(done)
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return
	}

	e.value = value
	e.refs = 0
	removeRequested := e.removeRequested
	e.removeRequested = false
	done := e.done
	if removeRequested {
		e.state = stateDropping
		e.done = make(chan struct{})
		e.mu.Unlock()
		close(done)
		s.runDrop(ctx, key, e)
		return
	}
	e.state = stateLoaded
	e.mu.Unlock()
	close(done)
}

// release decrements the entry's refcount and, if it hits zero and an
// intent is pending (or was requested via Remove/RequestImmediateDrop),
// starts disposal.
func (s *Store[K, V]) release(key K) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.state != stateLoaded {
		e.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		e.mu.Unlock()
		return
	}
	if !e.removeRequested {
		e.mu.Unlock()
		return
	}
	e.removeRequested = false
	e.state = stateDropping
	e.done = make(chan struct{})
	e.mu.Unlock()

	s.runDrop(context.Background(), key, e)
}

// runDrop runs DropFunc and, if a reload was requested while dropping,
// immediately starts a new Loading episode inheriting the old waiter set
// (spec.md §4.3: "a new Loading is spawned after drop completes").
func (s *Store[K, V]) runDrop(ctx context.Context, key K, e *entry[V]) {
	var err error
	if e.dropFn != nil {
		err = e.dropFn(ctx, e.value)
	}

	e.mu.Lock()
	e.err = err
	reload := e.reloadRequested
	e.reloadRequested = false
	done := e.done
	if reload && err == nil {
		e.state = stateLoading
		e.done = make(chan struct{})
		e.mu.Unlock()
		close(done)
		s.runLoad(ctx, key, e)
		return
	}
	e.mu.Unlock()
	close(done)

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Remove schedules key's entry for removal. If a value for key is
// currently loaded with no outstanding guards, removal starts
// immediately; otherwise it becomes a pending intent fulfilled when the
// refcount reaches zero (spec.md §4.3).
func (s *Store[K, V]) Remove(key K) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	switch e.state {
	case stateLoaded:
		if e.refs == 0 {
			e.state = stateDropping
			e.done = make(chan struct{})
			e.mu.Unlock()
			s.runDrop(context.Background(), key, e)
			return
		}
		e.removeRequested = true
		e.mu.Unlock()
	case stateLoading, stateDropping:
		e.removeRequested = true
		e.mu.Unlock()
	}
}

// RequestImmediateDrop asks for key's entry to be dropped as soon as
// possible, returning a channel that is closed once disposal finishes
// (or immediately, if there was nothing to drop). This is the synchronous
// counterpart to Remove, used when a caller must observe completion
// (e.g. a filesystem unmount flushing every open blob).
func (s *Store[K, V]) RequestImmediateDrop(ctx context.Context, key K) <-chan error {
	resultCh := make(chan error, 1)

	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		resultCh <- nil
		return resultCh
	}

	e.mu.Lock()
	switch e.state {
	case stateLoaded:
		if e.refs == 0 {
			e.state = stateDropping
			e.done = make(chan struct{})
			done := e.done
			e.mu.Unlock()
			go func() {
				s.runDrop(ctx, key, e)
				<-done
				resultCh <- nil
			}()
			return resultCh
		}
		e.removeRequested = true
		done := e.done
		e.mu.Unlock()
		go func() {
			<-done
			resultCh <- nil
		}()
		return resultCh
	case stateLoading, stateDropping:
		e.removeRequested = true
		done := e.done
		e.mu.Unlock()
		go func() {
			<-done
			resultCh <- nil
		}()
		return resultCh
	}
	e.mu.Unlock()
	resultCh <- nil
	return resultCh
}

// Len returns the number of keys currently tracked (loading, loaded or
// dropping). Test-only introspection.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns a snapshot of every key currently tracked (loading, loaded
// or dropping), for callers that need to sweep the whole store (e.g. an
// unmount flushing every cached block).
func (s *Store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]K, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
