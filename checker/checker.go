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

package checker

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/fsblob"
	"github.com/cryfs-go/cryfs/store"
)

// Checker walks a filesystem's blob graph from its root, recursing
// through directories, and attempts to read every node it finds (spec.md
// §4.9). raw is the underlying block store, read directly and bypassing
// any block cache — a check runs offline, against the store's actual
// contents, not a mounted session's cached view of them. fsblobs resolves
// typed blob headers on top of the same store.
type Checker struct {
	raw     store.BlockStore
	fsblobs *fsblob.Store
}

// New returns a Checker over raw (for direct block reads) and fsblobs
// (for typed blob traversal). Both must be backed by the same underlying
// store.
func New(raw store.BlockStore, fsblobs *fsblob.Store) *Checker {
	return &Checker{raw: raw, fsblobs: fsblobs}
}

// Result collects every Finding a Check produced.
type Result struct {
	Findings []Finding
}

// Err folds Findings into a single aggregate error via multierr, or nil
// if there were none.
func (r *Result) Err() error {
	var err error
	for _, f := range r.Findings {
		err = multierr.Append(err, f)
	}
	return err
}

type blobRecord struct {
	loaded       bool
	parent       blockid.BlobId
	referencedAs []blockid.BlobId
}

type walkState struct {
	mu           sync.Mutex
	visitedBlobs map[blockid.BlobId]*blobRecord
	nodeOwner    map[blockid.BlockId]blockid.BlobId
	visitedNodes map[blockid.BlockId]bool
	findings     []Finding
	blobsChecked int
	nodesChecked int
	progress     Progress
}

// Check walks every blob reachable from rootId and returns the findings.
// The walk fans out one goroutine per directory entry via errgroup, so
// sibling subtrees are checked concurrently; progress may be reported
// from multiple goroutines. A non-nil returned error means the walk
// itself could not complete (e.g. ctx was canceled) — corruption found
// along the way is never returned as an error, only as a Finding, so
// Check "collects errors without aborting" (spec.md §4.9).
func (c *Checker) Check(ctx context.Context, rootId blockid.BlobId, progress Progress) (*Result, error) {
	if progress == nil {
		progress = NoopProgress
	}
	st := &walkState{
		visitedBlobs: make(map[blockid.BlobId]*blobRecord),
		nodeOwner:    make(map[blockid.BlockId]blockid.BlobId),
		visitedNodes: make(map[blockid.BlockId]bool),
		progress:     progress,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.checkBlob(gctx, g, st, rootId, blockid.BlobId{}, true)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// All goroutines have finished; the remaining passes are single
	// threaded and need no further locking.
	for id, rec := range st.visitedBlobs {
		if id == rootId || !rec.loaded || len(rec.referencedAs) == 0 {
			continue
		}
		if !containsBlobId(rec.referencedAs, rec.parent) {
			referencedAs := make([]blockid.BlobId, len(rec.referencedAs))
			copy(referencedAs, rec.referencedAs)
			st.findings = append(st.findings, WrongParentPointer{
				Blob: id, ActualParent: rec.parent, ReferencedAs: referencedAs,
			})
		}
	}

	stream, err := c.raw.AllBlocks(ctx)
	if err != nil {
		return &Result{Findings: st.findings}, err
	}
	allIds, err := store.CollectAll(ctx, stream)
	if err != nil {
		return &Result{Findings: st.findings}, err
	}
	for _, id := range allIds {
		if !st.visitedNodes[id] {
			st.findings = append(st.findings, NodeUnreferenced{Id: id})
		}
	}

	return &Result{Findings: st.findings}, nil
}

// checkBlob visits blob id, referenced as a child of referencedBy (unused
// for the root), recording findings in st. The first goroutine to reach
// a given id loads and recurses into it; later arrivals only record the
// extra reference and return, so a blob named from two directories is
// walked exactly once.
func (c *Checker) checkBlob(ctx context.Context, g *errgroup.Group, st *walkState, id, referencedBy blockid.BlobId, isRoot bool) error {
	st.mu.Lock()
	rec, seen := st.visitedBlobs[id]
	if !seen {
		rec = &blobRecord{}
		st.visitedBlobs[id] = rec
	}
	if !isRoot {
		rec.referencedAs = append(rec.referencedAs, referencedBy)
		if len(rec.referencedAs) > 1 {
			st.findings = append(st.findings, BlobReferencedMultipleTimes{Id: id})
		}
	}
	st.mu.Unlock()
	if seen {
		return nil
	}

	st.mu.Lock()
	st.blobsChecked++
	bc, nc := st.blobsChecked, st.nodesChecked
	st.mu.Unlock()
	st.progress.Report(bc, nc)

	blob, found, err := c.fsblobs.Load(ctx, id)
	if err != nil {
		st.mu.Lock()
		st.findings = append(st.findings, BlobUnreadable{Id: id})
		st.mu.Unlock()
		return nil
	}
	if !found {
		st.mu.Lock()
		st.findings = append(st.findings, BlobMissing{Id: id})
		st.mu.Unlock()
		return nil
	}
	defer blob.Release()

	st.mu.Lock()
	rec.loaded = true
	rec.parent = blob.Parent()
	st.mu.Unlock()

	if broken := c.checkNodes(ctx, st, id, blob); broken {
		st.mu.Lock()
		st.findings = append(st.findings, BlobUnreadable{Id: id})
		st.mu.Unlock()
	}

	dir, ok := blob.(*fsblob.Dir)
	if !ok {
		return nil
	}
	for _, e := range dir.List() {
		e := e
		g.Go(func() error {
			return c.checkBlob(ctx, g, st, e.Child, id, false)
		})
	}
	return nil
}

// checkNodes attempts a raw read of every node in blob's tree, reporting
// NodeUnreadable/NodeMissing for each failure and NodeReferencedMultipleTimes
// for any node two different blobs both claim. It returns true if any node
// in the tree failed, which makes the owning blob itself BlobUnreadable.
// blob.AllBlocks itself already tells apart "couldn't load" (missing) from
// "genuine I/O failure" (err): a damaged tree still yields every id it
// could enumerate, so a missing node deep in one blob's tree never costs
// checkNodes the rest of that tree, or any other blob's, its visited marks.
func (c *Checker) checkNodes(ctx context.Context, st *walkState, blobId blockid.BlobId, blob fsblob.FsBlob) bool {
	stream, missing, err := blob.AllBlocks(ctx)
	broken := err != nil

	for _, nodeId := range missing {
		st.mu.Lock()
		st.nodesChecked++
		bc, nc := st.blobsChecked, st.nodesChecked
		if owner, exists := st.nodeOwner[nodeId]; exists && owner != blobId {
			st.findings = append(st.findings, NodeReferencedMultipleTimes{Id: nodeId})
		} else {
			st.nodeOwner[nodeId] = blobId
		}
		st.visitedNodes[nodeId] = true
		st.findings = append(st.findings, NodeMissing{Id: nodeId})
		st.mu.Unlock()
		st.progress.Report(bc, nc)
		broken = true
	}

	for {
		nodeId, ok, err := stream.Next(ctx)
		if err != nil {
			broken = true
			break
		}
		if !ok {
			break
		}

		st.mu.Lock()
		st.nodesChecked++
		bc, nc := st.blobsChecked, st.nodesChecked
		if owner, exists := st.nodeOwner[nodeId]; exists && owner != blobId {
			st.findings = append(st.findings, NodeReferencedMultipleTimes{Id: nodeId})
		} else {
			st.nodeOwner[nodeId] = blobId
		}
		st.visitedNodes[nodeId] = true
		st.mu.Unlock()
		st.progress.Report(bc, nc)

		_, nodeFound, err := c.raw.Load(ctx, nodeId)
		if err != nil {
			st.mu.Lock()
			st.findings = append(st.findings, NodeUnreadable{Id: nodeId})
			st.mu.Unlock()
			broken = true
			continue
		}
		if !nodeFound {
			st.mu.Lock()
			st.findings = append(st.findings, NodeMissing{Id: nodeId})
			st.mu.Unlock()
			broken = true
			continue
		}
	}
	return broken
}

func containsBlobId(ids []blockid.BlobId, id blockid.BlobId) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
