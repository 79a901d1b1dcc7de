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

// Package datatree implements the balanced left-max-data tree that gives
// blobs their variable length over fixed-size blocks (spec.md §4.5,
// component C7).
//
// Shape invariant: let d be the tree's depth. The rightmost leaf holds
// 1..=L bytes; every other leaf holds exactly L bytes. Every inner node
// except those on the rightmost spine has exactly K children; a
// rightmost-spine inner node has 1..=K children. Growing or shrinking the
// tree preserves this shape one leaf at a time.
package datatree

import (
	"context"
	"sync"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/datanode"
	"github.com/cryfs-go/cryfs/store"
)

// Store is the DataTreeStore: it creates and loads DataTree handles over
// a DataNodeStore.
type Store struct {
	nodeStore *datanode.Store
}

// New returns a DataTreeStore backed by nodeStore.
func New(nodeStore *datanode.Store) *Store {
	return &Store{nodeStore: nodeStore}
}

// PhysicalBlockSize forwards to the underlying DataNodeStore.
func (s *Store) PhysicalBlockSize() uint32 { return s.nodeStore.PhysicalBlockSize() }

// NumBlocks forwards to the underlying DataNodeStore.
func (s *Store) NumBlocks(ctx context.Context) (uint64, error) { return s.nodeStore.NumBlocks(ctx) }

// EstimateNumFreeBytes forwards to the underlying DataNodeStore.
func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.nodeStore.EstimateNumFreeBytes(ctx)
}

// CreateEmptyTree creates a new tree consisting of a single empty leaf
// and returns a handle to it. The leaf's id is the tree's (and the
// blob's) id.
func (s *Store) CreateEmptyTree(ctx context.Context) (*Tree, error) {
	leaf, err := s.nodeStore.CreateNewLeafNode(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tree{store: s, root: leaf}, nil
}

// LoadTree loads the tree rooted at id, or found=false if no such node
// exists.
func (s *Store) LoadTree(ctx context.Context, id blockid.BlockId) (*Tree, bool, error) {
	root, found, err := s.nodeStore.Load(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	return &Tree{store: s, root: root}, true, nil
}

// sizeInfo is the tree's lazy, cached shape summary (spec.md §4.5).
type sizeInfo struct {
	numBytes        uint64
	numLeaves        uint64
	depth           uint8
	rightmostLeafId blockid.BlockId
	rightmostSize   uint32
}

// Tree is an owning handle onto a tree's root node. The root node's
// BlockGuard is held for the handle's entire lifetime and acts as the
// tree's lock: every Tree method is serialized by t.mu.
type Tree struct {
	store *Store

	mu     sync.Mutex
	root   datanode.DataNode
	cached *sizeInfo
}

// Id returns the tree's (and owning blob's) root node id. Stable across
// every growth and shrinkage, including root depth changes (see
// growRootDepth).
func (t *Tree) Id() blockid.BlockId {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.Id()
}

// Release returns the tree's root node guard. Does not remove anything
// from the underlying store; see Store.RemoveTree for that.
func (t *Tree) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root.Release()
}

// Flush forces an immediate write-back of the root node. Nodes touched by
// structural mutations earlier in the tree's lifetime were already
// released and rely on the locking cache's own write-back for eventual
// persistence; Flush only guarantees the node this handle still holds.
func (t *Tree) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.Flush(ctx)
}

func (t *Tree) k() uint64 {
	return uint64(t.store.nodeStore.MaxChildrenPerInner())
}

func (t *Tree) l() uint64 {
	return uint64(t.store.nodeStore.MaxBytesPerLeaf())
}

func powUint64(base, exp uint64) uint64 {
	result := uint64(1)
	for i := uint64(0); i < exp; i++ {
		result *= base
	}
	return result
}

// ensureSizeInfo recomputes and caches the tree's shape summary by
// walking the rightmost spine, per spec.md §4.5's "caches lazily and
// invalidates on any mutating operation". Caller must hold t.mu.
func (t *Tree) ensureSizeInfo(ctx context.Context) (*sizeInfo, error) {
	if t.cached != nil {
		return t.cached, nil
	}

	depth := t.root.Depth()
	if depth == 0 {
		leaf := t.root.(*datanode.LeafNode)
		info := &sizeInfo{
			numBytes:        uint64(leaf.NumBytes()),
			numLeaves:       1,
			depth:           0,
			rightmostLeafId: leaf.Id(),
			rightmostSize:   leaf.NumBytes(),
		}
		t.cached = info
		return info, nil
	}

	var numLeaves uint64
	current := t.root.(*datanode.InnerNode)
	currentDepth := depth
	for {
		numChildren := uint64(current.NumChildren())
		numLeaves += (numChildren - 1) * powUint64(t.k(), uint64(currentDepth)-1)
		lastChildId := current.ChildId(uint32(numChildren - 1))

		if current != t.root {
			current.Release()
		}

		child, found, err := t.store.nodeStore.Load(ctx, lastChildId)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, cerrors.ErrMissingBlock
		}

		if child.Depth() == 0 {
			leaf := child.(*datanode.LeafNode)
			numLeaves++
			info := &sizeInfo{
				numBytes:        (numLeaves-1)*t.l() + uint64(leaf.NumBytes()),
				numLeaves:       numLeaves,
				depth:           depth,
				rightmostLeafId: leaf.Id(),
				rightmostSize:   leaf.NumBytes(),
			}
			leaf.Release()
			t.cached = info
			return info, nil
		}

		current = child.(*datanode.InnerNode)
		currentDepth = child.Depth()
	}
}

func (t *Tree) invalidate() {
	t.cached = nil
}

// NumBytes returns the tree's total byte length.
func (t *Tree) NumBytes(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.ensureSizeInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.numBytes, nil
}

// Depth returns the tree's current depth (0 for a single-leaf tree).
func (t *Tree) Depth(ctx context.Context) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.ensureSizeInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.depth, nil
}

// NumNodes returns the number of blocks (nodes) that make up this tree,
// counting only nodes it could actually load.
func (t *Tree) NumNodes(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var count uint64
	_, err := t.walk(ctx, t.root, func(datanode.DataNode) error {
		count++
		return nil
	})
	return count, err
}

// walk visits every node of the subtree rooted at node (node included),
// releasing every node it loads itself. node is never released by walk;
// the caller owns it. A child that fails to load with found=false is not
// fatal: walk records its id in the returned missing slice and continues
// with the node's remaining children instead of aborting the whole
// subtree, so a caller enumerating an already-damaged tree still gets
// every node it can reach plus the exact ids it couldn't. A non-nil
// returned error is a genuine load failure (not merely "missing") and
// does abort the walk.
func (t *Tree) walk(ctx context.Context, node datanode.DataNode, visit func(datanode.DataNode) error) (missing []blockid.BlockId, err error) {
	if err := visit(node); err != nil {
		return nil, err
	}
	if node.Depth() == 0 {
		return nil, nil
	}
	inner := node.(*datanode.InnerNode)
	for _, childId := range inner.Children() {
		child, found, err := t.store.nodeStore.Load(ctx, childId)
		if err != nil {
			return missing, err
		}
		if !found {
			missing = append(missing, childId)
			continue
		}
		childMissing, err := t.walk(ctx, child, visit)
		missing = append(missing, childMissing...)
		child.Release()
		if err != nil {
			return missing, err
		}
	}
	return missing, nil
}

// AllBlocks streams every node id belonging to this tree that could
// actually be loaded, and separately reports the ids of any children a
// damaged tree references but doesn't have. err is non-nil only for a
// genuine load failure, never merely because some nodes were missing.
func (t *Tree) AllBlocks(ctx context.Context) (store.BlockIdStream, []blockid.BlockId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []blockid.BlockId
	missing, err := t.walk(ctx, t.root, func(n datanode.DataNode) error {
		ids = append(ids, n.Id())
		return nil
	})
	return store.NewSliceStream(ids), missing, err
}

// RemoveTree deletes every node belonging to tree, including its root,
// and releases the handle. The handle must not be used afterwards.
func (s *Store) RemoveTree(ctx context.Context, t *Tree) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []blockid.BlockId
	missing, err := t.walk(ctx, t.root, func(n datanode.DataNode) error {
		ids = append(ids, n.Id())
		return nil
	})
	if err != nil {
		return err
	}
	t.root.Release()
	for _, id := range ids {
		if _, err := s.nodeStore.RemoveById(ctx, id); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		return &cerrors.MissingBlockError{Id: missing[0]}
	}
	return nil
}

// spineChain is the rightmost root-to-leaf path, loaded on demand.
type spineChain struct {
	// inner holds every inner node from the root down to and including
	// the rightmost leaf's parent. Empty when the tree is a single leaf.
	inner      []*datanode.InnerNode
	leaf       *datanode.LeafNode
	leafIsRoot bool
}

func (t *Tree) loadRightmostSpine(ctx context.Context) (*spineChain, error) {
	if t.root.Depth() == 0 {
		return &spineChain{leaf: t.root.(*datanode.LeafNode), leafIsRoot: true}, nil
	}

	sc := &spineChain{}
	current := t.root.(*datanode.InnerNode)
	sc.inner = append(sc.inner, current)
	for {
		numChildren := current.NumChildren()
		lastChildId := current.ChildId(numChildren - 1)
		child, found, err := t.store.nodeStore.Load(ctx, lastChildId)
		if err != nil {
			sc.releaseExceptRoot()
			return nil, err
		}
		if !found {
			sc.releaseExceptRoot()
			return nil, cerrors.ErrMissingBlock
		}
		if child.Depth() == 0 {
			sc.leaf = child.(*datanode.LeafNode)
			return sc, nil
		}
		current = child.(*datanode.InnerNode)
		sc.inner = append(sc.inner, current)
	}
}

func (sc *spineChain) releaseExceptRoot() {
	if len(sc.inner) == 0 {
		return
	}
	for _, n := range sc.inner[1:] {
		n.Release()
	}
}

func (sc *spineChain) releaseAll() {
	sc.releaseExceptRoot()
	if !sc.leafIsRoot && sc.leaf != nil {
		sc.leaf.Release()
	}
}

// createFreshChain builds a new, empty subtree of the given depth (0
// means just a fresh empty leaf) and returns its root id. Every node it
// creates is released before returning; only the ids are kept.
func (t *Tree) createFreshChain(ctx context.Context, depth uint8) (blockid.BlockId, error) {
	if depth == 0 {
		leaf, err := t.store.nodeStore.CreateNewLeafNode(ctx, nil)
		if err != nil {
			return blockid.BlockId{}, err
		}
		id := leaf.Id()
		leaf.Release()
		return id, nil
	}
	childId, err := t.createFreshChain(ctx, depth-1)
	if err != nil {
		return blockid.BlockId{}, err
	}
	inner, err := t.store.nodeStore.CreateNewInnerNode(ctx, depth, []blockid.BlockId{childId})
	if err != nil {
		return blockid.BlockId{}, err
	}
	id := inner.Id()
	inner.Release()
	return id, nil
}

// growRootDepth grows the tree by one level. The physical root block
// keeps its BlockId (and therefore the blob keeps its id): the root's old
// contents are cloned into a new block, and the root block is rewritten
// in place as a fresh inner node whose children are [clone-of-old-root,
// fresh-chain-of-same-depth].
func (t *Tree) growRootDepth(ctx context.Context) error {
	oldDepth := t.root.Depth()
	oldRaw := t.root.RawBlock()

	copyId, err := t.store.nodeStore.CreateNodeFromRawBlock(ctx, oldRaw)
	if err != nil {
		return err
	}
	freshChainId, err := t.createFreshChain(ctx, oldDepth)
	if err != nil {
		return err
	}

	t.root = t.store.nodeStore.RebuildAsInnerNode(t.root, oldDepth+1, []blockid.BlockId{copyId, freshChainId})
	t.invalidate()
	return nil
}

// addRightmostLeaf appends one fresh, empty leaf to the tree, preserving
// the left-max-data shape (spec.md §4.5 "Growth algorithm"). The rightmost
// leaf is assumed already full (size == L); callers grow it in place
// instead when it has spare capacity.
func (t *Tree) addRightmostLeaf(ctx context.Context) error {
	if t.root.Depth() == 0 {
		return t.growRootDepth(ctx)
	}

	sc, err := t.loadRightmostSpine(ctx)
	if err != nil {
		return err
	}
	sc.leaf.Release()

	K := uint32(t.k())
	for i := len(sc.inner) - 1; i >= 0; i-- {
		node := sc.inner[i]
		if node.NumChildren() < K {
			childDepth := uint8(len(sc.inner)-1-i) // depth of the new child subtree
			chainId, err := t.createFreshChain(ctx, childDepth)
			if err != nil {
				sc.releaseExceptRoot()
				return err
			}
			if err := node.AddChild(chainId); err != nil {
				sc.releaseExceptRoot()
				return err
			}
			sc.releaseExceptRoot()
			t.invalidate()
			return nil
		}
	}

	sc.releaseExceptRoot()
	return t.growRootDepth(ctx)
}

// maybeUnwrapRoot collapses the root while it has depth > 0 and exactly
// one child, mirroring growRootDepth: the child's contents are copied
// into the (id-stable) root block and the child's own block is freed.
func (t *Tree) maybeUnwrapRoot(ctx context.Context) error {
	for t.root.Depth() > 0 {
		inner := t.root.(*datanode.InnerNode)
		if inner.NumChildren() != 1 {
			return nil
		}
		childId := inner.ChildId(0)
		child, found, err := t.store.nodeStore.Load(ctx, childId)
		if err != nil {
			return err
		}
		if !found {
			return cerrors.ErrMissingBlock
		}
		raw := child.RawBlock()
		child.Release()
		if _, err := t.store.nodeStore.RemoveById(ctx, childId); err != nil {
			return err
		}
		t.root = t.store.nodeStore.RebuildFromRawBlock(t.root, raw)
	}
	return nil
}

// removeRightmostLeaf deletes the entire current rightmost leaf, pruning
// any inner node left with zero children and unwrapping the root if that
// leaves it with a single child (spec.md §4.5 "Shrinkage mirrors this").
func (t *Tree) removeRightmostLeaf(ctx context.Context) error {
	sc, err := t.loadRightmostSpine(ctx)
	if err != nil {
		return err
	}
	if sc.leafIsRoot {
		return cerrors.ErrMalformedTreeShape
	}

	leafId := sc.leaf.Id()
	sc.leaf.Release()
	if _, err := t.store.nodeStore.RemoveById(ctx, leafId); err != nil {
		sc.releaseExceptRoot()
		return err
	}

	i := len(sc.inner) - 1
	parent := sc.inner[i]
	if err := parent.RemoveLastChild(); err != nil {
		sc.releaseExceptRoot()
		return err
	}

	for parent.NumChildren() == 0 && i > 0 {
		emptyId := parent.Id()
		parent.Release()
		if _, err := t.store.nodeStore.RemoveById(ctx, emptyId); err != nil {
			for j := 1; j < i; j++ {
				sc.inner[j].Release()
			}
			return err
		}
		i--
		parent = sc.inner[i]
		if err := parent.RemoveLastChild(); err != nil {
			for j := 1; j <= i; j++ {
				sc.inner[j].Release()
			}
			return err
		}
	}

	for j := 1; j <= i; j++ {
		sc.inner[j].Release()
	}

	t.invalidate()
	return t.maybeUnwrapRoot(ctx)
}

// growToFit grows the tree until it has at least targetBytes of
// capacity, zero-filling every newly exposed byte.
func (t *Tree) growToFit(ctx context.Context, targetBytes uint64) error {
	for {
		info, err := t.ensureSizeInfo(ctx)
		if err != nil {
			return err
		}
		if info.numBytes >= targetBytes {
			return nil
		}

		rightmostStart := info.numBytes - uint64(info.rightmostSize)
		if uint64(info.rightmostSize) < t.l() {
			newLocalSize := targetBytes - rightmostStart
			if newLocalSize > t.l() {
				newLocalSize = t.l()
			}
			if err := t.resizeRightmostLeaf(ctx, uint32(newLocalSize)); err != nil {
				return err
			}
			continue
		}

		if err := t.addRightmostLeaf(ctx); err != nil {
			return err
		}
	}
}

func (t *Tree) resizeRightmostLeaf(ctx context.Context, newLocalSize uint32) error {
	sc, err := t.loadRightmostSpine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if !sc.leafIsRoot {
			sc.leaf.Release()
		}
		sc.releaseExceptRoot()
	}()
	if err := sc.leaf.Resize(newLocalSize); err != nil {
		return err
	}
	t.invalidate()
	return nil
}

// shrinkTo shrinks the tree down to newSize bytes, pruning rightmost
// subtrees (spec.md §4.5 "resize_num_bytes").
func (t *Tree) shrinkTo(ctx context.Context, newSize uint64) error {
	for {
		info, err := t.ensureSizeInfo(ctx)
		if err != nil {
			return err
		}
		if info.numBytes <= newSize {
			return nil
		}

		rightmostStart := info.numBytes - uint64(info.rightmostSize)
		if newSize > rightmostStart || info.numLeaves == 1 {
			if err := t.resizeRightmostLeaf(ctx, uint32(newSize-rightmostStart)); err != nil {
				return err
			}
			return nil
		}

		if err := t.removeRightmostLeaf(ctx); err != nil {
			return err
		}
	}
}

// ResizeNumBytes grows (zero-filling) or shrinks (pruning) the tree to
// exactly newSize bytes.
func (t *Tree) ResizeNumBytes(ctx context.Context, newSize uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := t.ensureSizeInfo(ctx)
	if err != nil {
		return err
	}
	switch {
	case newSize > info.numBytes:
		return t.growToFit(ctx, newSize)
	case newSize < info.numBytes:
		return t.shrinkTo(ctx, newSize)
	default:
		return nil
	}
}

// loadLeafAtIndex returns the leaf at the given 0-based leaf index.
// release is non-nil only if the returned leaf is not the tree's root.
func (t *Tree) loadLeafAtIndex(ctx context.Context, leafIndex uint64) (leaf *datanode.LeafNode, release func(), err error) {
	if t.root.Depth() == 0 {
		return t.root.(*datanode.LeafNode), func() {}, nil
	}

	K := t.k()
	current := t.root.(*datanode.InnerNode)
	currentDepth := t.root.Depth()
	remaining := leafIndex
	first := true
	for currentDepth > 0 {
		divisor := powUint64(K, uint64(currentDepth)-1)
		childIdx := remaining / divisor
		remaining = remaining % divisor

		childId := current.ChildId(uint32(childIdx))
		if !first {
			current.Release()
		}
		first = false

		child, found, err := t.store.nodeStore.Load(ctx, childId)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, nil, cerrors.ErrMissingBlock
		}
		if child.Depth() == 0 {
			leaf := child.(*datanode.LeafNode)
			return leaf, func() { leaf.Release() }, nil
		}
		current = child.(*datanode.InnerNode)
		currentDepth = child.Depth()
	}
	// unreachable: the loop above always returns once it reaches a leaf.
	return nil, nil, cerrors.ErrMalformedTreeShape
}

// TryReadBytes reads up to len(buf) bytes starting at offset, returning
// the number of bytes actually read: a short read if offset+len(buf)
// exceeds the tree's current size.
func (t *Tree) TryReadBytes(ctx context.Context, offset uint64, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := t.ensureSizeInfo(ctx)
	if err != nil {
		return 0, err
	}
	if offset >= info.numBytes {
		return 0, nil
	}
	end := offset + uint64(len(buf))
	if end > info.numBytes {
		end = info.numBytes
	}
	toRead := end - offset
	if toRead == 0 {
		return 0, nil
	}

	L := t.l()
	read := uint64(0)
	for read < toRead {
		absOffset := offset + read
		leafIndex := absOffset / L
		localOffset := absOffset % L

		leaf, release, err := t.loadLeafAtIndex(ctx, leafIndex)
		if err != nil {
			return int(read), err
		}
		n := leaf.Read(uint32(localOffset), buf[read:toRead])
		release()
		if n == 0 {
			break
		}
		read += uint64(n)
	}
	return int(read), nil
}

// ReadBytes reads exactly len(buf) bytes starting at offset, failing if
// offset+len(buf) exceeds the tree's current size.
func (t *Tree) ReadBytes(ctx context.Context, offset uint64, buf []byte) error {
	numBytes, err := t.NumBytes(ctx)
	if err != nil {
		return err
	}
	if offset+uint64(len(buf)) > numBytes {
		return cerrors.ErrOutOfRangeRead
	}
	n, err := t.TryReadBytes(ctx, offset, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return cerrors.ErrOutOfRangeRead
	}
	return nil
}

// WriteBytes writes data at offset, growing the tree (zero-filling any
// gap before offset) if needed.
func (t *Tree) WriteBytes(ctx context.Context, data []byte, offset uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := offset + uint64(len(data))
	info, err := t.ensureSizeInfo(ctx)
	if err != nil {
		return err
	}
	if end > info.numBytes {
		if err := t.growToFit(ctx, end); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return nil
	}

	L := t.l()
	written := uint64(0)
	for written < uint64(len(data)) {
		absOffset := offset + written
		leafIndex := absOffset / L
		localOffset := absOffset % L

		chunk := data[written:]
		spaceInLeaf := L - localOffset
		if uint64(len(chunk)) > spaceInLeaf {
			chunk = chunk[:spaceInLeaf]
		}

		leaf, release, err := t.loadLeafAtIndex(ctx, leafIndex)
		if err != nil {
			return err
		}
		err = leaf.Write(uint32(localOffset), chunk)
		release()
		if err != nil {
			return err
		}
		written += uint64(len(chunk))
	}
	return nil
}
