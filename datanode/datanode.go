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

// Package datanode implements the DataNodeStore (spec.md §4.4, component
// C6): the layer that interprets a cached block as either a leaf (raw
// bytes) or an inner node (an array of child BlockIds), on top of the
// locking block cache.
package datanode

import (
	"context"
	"encoding/binary"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/lockingstore"
	"github.com/cryfs-go/cryfs/store"
)

// headerSize is the on-disk node header: format_version_header:u16,
// unused:u8, depth:u8, size:u32 (spec.md §3 "Data node").
const headerSize = 8

// formatVersionHeader is the only header version this store understands.
// Any other value on load is an UnsupportedFormat error.
const formatVersionHeader = uint16(1)

// blockIdLen is BLOCKID_LEN from spec.md §4.4.
const blockIdLen = 16

type header struct {
	formatVersion uint16
	depth         uint8
	size          uint32
}

func decodeHeader(raw []byte) header {
	return header{
		formatVersion: binary.LittleEndian.Uint16(raw[0:2]),
		depth:         raw[3],
		size:          binary.LittleEndian.Uint32(raw[4:8]),
	}
}

func encodeHeader(buf []byte, depth uint8, size uint32) {
	binary.LittleEndian.PutUint16(buf[0:2], formatVersionHeader)
	buf[2] = 0 // unused
	buf[3] = depth
	binary.LittleEndian.PutUint32(buf[4:8], size)
}

// Store computes the node layout once (spec.md §4.4: "Computes layout
// once per store") and wraps a lockingstore.Store.
type Store struct {
	blocks            *lockingstore.Store
	physicalBlockSize uint32
	maxBytesPerLeaf   uint32 // L
	maxChildrenPerInner uint32 // K
}

// New returns a DataNodeStore backed by blocks, whose physical block size
// is physicalBlockSize (header included).
func New(blocks *lockingstore.Store, physicalBlockSize uint32) *Store {
	l := physicalBlockSize - headerSize
	return &Store{
		blocks:              blocks,
		physicalBlockSize:   physicalBlockSize,
		maxBytesPerLeaf:     l,
		maxChildrenPerInner: l / blockIdLen,
	}
}

// MaxBytesPerLeaf returns L, the data capacity of a leaf node.
func (s *Store) MaxBytesPerLeaf() uint32 { return s.maxBytesPerLeaf }

// MaxChildrenPerInner returns K, the maximum fan-out of an inner node.
func (s *Store) MaxChildrenPerInner() uint32 { return s.maxChildrenPerInner }

// PhysicalBlockSize returns the on-disk size of every block this store
// creates, header included.
func (s *Store) PhysicalBlockSize() uint32 { return s.physicalBlockSize }

// NumBlocks forwards to the underlying LockingBlockStore (spec.md §4.8
// "statfs — compute from underlying block store counts").
func (s *Store) NumBlocks(ctx context.Context) (uint64, error) { return s.blocks.NumBlocks(ctx) }

// EstimateNumFreeBytes forwards to the underlying LockingBlockStore.
func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.blocks.EstimateNumFreeBytes(ctx)
}

// DataNode is a loaded, checked-out node. Callers must call Release
// exactly once (spec.md §3 "Lifecycle").
type DataNode interface {
	Id() blockid.BlockId
	Depth() uint8
	Flush(ctx context.Context) error
	Release()

	// RawBlock returns a copy of the node's full physical block bytes
	// (header and payload), for callers that need to clone a node's
	// content onto a new id (spec.md §4.5's root-growth algorithm).
	RawBlock() []byte

	// Guard exposes the underlying checked-out block guard so a caller
	// can rewrite this physical block in place under a different node
	// type, preserving its BlockId (used when a tree's root changes
	// depth or unwraps).
	Guard() *lockingstore.BlockGuard
}

// LeafNode is a depth-0 node holding up to Store.MaxBytesPerLeaf() raw
// bytes.
type LeafNode struct {
	store *Store
	guard *lockingstore.BlockGuard
}

var _ DataNode = (*LeafNode)(nil)

func (n *LeafNode) Id() blockid.BlockId { return n.guard.Id() }
func (n *LeafNode) Depth() uint8        { return 0 }

// NumBytes returns the number of valid data bytes currently stored
// (spec.md §3: "size is the number of valid data bytes (0..=L)").
func (n *LeafNode) NumBytes() uint32 {
	return decodeHeader(n.guard.Data()).size
}

// Data returns the leaf's valid data bytes. The slice must not be
// retained past Release.
func (n *LeafNode) Data() []byte {
	size := n.NumBytes()
	return n.guard.Data()[headerSize : headerSize+size]
}

// Read copies up to len(buf) bytes starting at offset within the leaf's
// valid data into buf, returning the number of bytes copied.
func (n *LeafNode) Read(offset uint32, buf []byte) int {
	data := n.Data()
	if offset >= uint32(len(data)) {
		return 0
	}
	return copy(buf, data[offset:])
}

// Write writes data at offset, zero-filling any gap between the current
// size and offset, and growing the node's recorded size if needed. It is
// an error for offset+len(data) to exceed Store.MaxBytesPerLeaf().
func (n *LeafNode) Write(offset uint32, data []byte) error {
	end := offset + uint32(len(data))
	if end > n.store.maxBytesPerLeaf {
		return cerrors.ErrOutOfRangeWrite
	}

	raw := n.guard.DataMut()
	oldSize := decodeHeader(raw).size
	if offset > oldSize {
		for i := oldSize; i < offset; i++ {
			raw[headerSize+i] = 0
		}
	}
	copy(raw[headerSize+offset:], data)

	newSize := oldSize
	if end > newSize {
		newSize = end
	}
	encodeHeader(raw, 0, newSize)
	return nil
}

// Resize grows (zero-filling) or shrinks the leaf's recorded valid size.
func (n *LeafNode) Resize(newSize uint32) error {
	if newSize > n.store.maxBytesPerLeaf {
		return cerrors.ErrOutOfRangeWrite
	}
	raw := n.guard.DataMut()
	oldSize := decodeHeader(raw).size
	if newSize > oldSize {
		for i := oldSize; i < newSize; i++ {
			raw[headerSize+i] = 0
		}
	}
	encodeHeader(raw, 0, newSize)
	return nil
}

func (n *LeafNode) Flush(ctx context.Context) error { return n.store.blocks.FlushBlock(ctx, n.guard) }
func (n *LeafNode) Release()                        { n.guard.Release() }
func (n *LeafNode) RawBlock() []byte                { return append([]byte(nil), n.guard.Data()...) }
func (n *LeafNode) Guard() *lockingstore.BlockGuard  { return n.guard }

// InnerNode is a depth>0 node holding an ordered array of child BlockIds.
type InnerNode struct {
	store *Store
	guard *lockingstore.BlockGuard
}

var _ DataNode = (*InnerNode)(nil)

func (n *InnerNode) Id() blockid.BlockId { return n.guard.Id() }
func (n *InnerNode) Depth() uint8        { return decodeHeader(n.guard.Data()).depth }

// NumChildren returns the node's current child count.
func (n *InnerNode) NumChildren() uint32 {
	return decodeHeader(n.guard.Data()).size
}

// Children returns every child id, in order.
func (n *InnerNode) Children() []blockid.BlockId {
	count := n.NumChildren()
	raw := n.guard.Data()
	out := make([]blockid.BlockId, count)
	for i := uint32(0); i < count; i++ {
		start := headerSize + int(i)*blockIdLen
		copy(out[i][:], raw[start:start+blockIdLen])
	}
	return out
}

// ChildId returns the idx'th child id.
func (n *InnerNode) ChildId(idx uint32) blockid.BlockId {
	raw := n.guard.Data()
	start := headerSize + int(idx)*blockIdLen
	var id blockid.BlockId
	copy(id[:], raw[start:start+blockIdLen])
	return id
}

// AddChild appends a new child, failing if the node is already at K
// capacity.
func (n *InnerNode) AddChild(id blockid.BlockId) error {
	count := n.NumChildren()
	if count >= n.store.maxChildrenPerInner {
		return cerrors.ErrFull
	}
	raw := n.guard.DataMut()
	start := headerSize + int(count)*blockIdLen
	copy(raw[start:start+blockIdLen], id[:])
	encodeHeader(raw, decodeHeader(raw).depth, count+1)
	return nil
}

// RemoveLastChild drops the last child, failing if the node has none.
func (n *InnerNode) RemoveLastChild() error {
	count := n.NumChildren()
	if count == 0 {
		return cerrors.ErrMalformedTreeShape
	}
	raw := n.guard.DataMut()
	encodeHeader(raw, decodeHeader(raw).depth, count-1)
	return nil
}

func (n *InnerNode) Flush(ctx context.Context) error {
	return n.store.blocks.FlushBlock(ctx, n.guard)
}
func (n *InnerNode) Release()                        { n.guard.Release() }
func (n *InnerNode) RawBlock() []byte                { return append([]byte(nil), n.guard.Data()...) }
func (n *InnerNode) Guard() *lockingstore.BlockGuard  { return n.guard }

// Load reads id's header and returns the typed node it describes, or
// found=false if no such block exists.
func (s *Store) Load(ctx context.Context, id blockid.BlockId) (DataNode, bool, error) {
	g, found, err := s.blocks.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	h := decodeHeader(g.Data())
	if h.formatVersion != formatVersionHeader {
		g.Release()
		return nil, false, cerrors.ErrUnsupportedFormatVersion
	}
	if h.depth == 0 {
		return &LeafNode{store: s, guard: g}, true, nil
	}
	return &InnerNode{store: s, guard: g}, true, nil
}

func (s *Store) newBlockBuffer() []byte {
	return make([]byte, s.physicalBlockSize)
}

// CreateNewLeafNode stores data (len(data) <= MaxBytesPerLeaf()) as a
// fresh leaf and returns a checked-out handle to it.
func (s *Store) CreateNewLeafNode(ctx context.Context, data []byte) (*LeafNode, error) {
	if uint32(len(data)) > s.maxBytesPerLeaf {
		return nil, cerrors.ErrInvalidLength
	}
	buf := s.newBlockBuffer()
	encodeHeader(buf, 0, uint32(len(data)))
	copy(buf[headerSize:], data)

	id, err := s.blocks.Create(ctx, buf)
	if err != nil {
		return nil, err
	}
	g, found, err := s.blocks.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cerrors.ErrIoFailed
	}
	return &LeafNode{store: s, guard: g}, nil
}

// CreateNewInnerNode stores children (1 <= len(children) <= K) as a fresh
// node at the given depth and returns a checked-out handle to it.
func (s *Store) CreateNewInnerNode(ctx context.Context, depth uint8, children []blockid.BlockId) (*InnerNode, error) {
	if len(children) == 0 || uint32(len(children)) > s.maxChildrenPerInner {
		return nil, cerrors.ErrMalformedTreeShape
	}
	if depth == 0 {
		return nil, cerrors.ErrMalformedTreeShape
	}
	buf := s.newBlockBuffer()
	encodeHeader(buf, depth, uint32(len(children)))
	for i, child := range children {
		start := headerSize + i*blockIdLen
		copy(buf[start:start+blockIdLen], child[:])
	}

	id, err := s.blocks.Create(ctx, buf)
	if err != nil {
		return nil, err
	}
	g, found, err := s.blocks.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cerrors.ErrIoFailed
	}
	return &InnerNode{store: s, guard: g}, nil
}

// CreateNodeFromRawBlock stores raw (a full, pre-encoded physical block,
// as returned by DataNode.RawBlock) under a freshly allocated id. Used to
// clone a node's content when a tree's root must change shape but keep
// its own BlockId.
func (s *Store) CreateNodeFromRawBlock(ctx context.Context, raw []byte) (blockid.BlockId, error) {
	return s.blocks.Create(ctx, raw)
}

// RebuildAsInnerNode overwrites node's physical block in place to hold a
// fresh inner-node header and child array, reusing the same BlockGuard
// (and therefore the same BlockId) and returning the new typed handle.
// The original DataNode value must not be used again.
func (s *Store) RebuildAsInnerNode(node DataNode, depth uint8, children []blockid.BlockId) *InnerNode {
	raw := node.Guard().DataMut()
	encodeHeader(raw, depth, uint32(len(children)))
	for i, child := range children {
		start := headerSize + i*blockIdLen
		copy(raw[start:start+blockIdLen], child[:])
	}
	return &InnerNode{store: s, guard: node.Guard()}
}

// RebuildFromRawBlock overwrites node's physical block in place with the
// exact bytes of raw (as returned by another node's RawBlock), reusing
// the same BlockGuard (and BlockId) and returning the resulting typed
// handle, Leaf or Inner depending on what raw encodes. The original
// DataNode value must not be used again.
func (s *Store) RebuildFromRawBlock(node DataNode, raw []byte) DataNode {
	dst := node.Guard().DataMut()
	copy(dst, raw)
	if decodeHeader(raw).depth == 0 {
		return &LeafNode{store: s, guard: node.Guard()}
	}
	return &InnerNode{store: s, guard: node.Guard()}
}

// RemoveById deletes a node from the underlying store.
func (s *Store) RemoveById(ctx context.Context, id blockid.BlockId) (store.RemoveResult, error) {
	return s.blocks.RemoveById(ctx, id)
}

// NumNodes returns the total number of nodes (blocks) currently stored.
func (s *Store) NumNodes(ctx context.Context) (uint64, error) {
	return s.blocks.NumBlocks(ctx)
}

// AllNodes streams every node id currently stored.
func (s *Store) AllNodes(ctx context.Context) (store.BlockIdStream, error) {
	return s.blocks.AllBlocks(ctx)
}
