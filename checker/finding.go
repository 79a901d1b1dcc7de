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

// Package checker walks a filesystem's reachable blobs and nodes from its
// root and classifies every form of corruption the rest of the stack can
// produce (spec.md §4.9, component C12).
package checker

import (
	"fmt"

	"github.com/cryfs-go/cryfs/blockid"
)

// Finding is one piece of corruption (or bookkeeping anomaly) the checker
// found. Every finding also implements error so a Result can be folded
// into a single aggregate error with go.uber.org/multierr.
type Finding interface {
	error
	isFinding()
}

// NodeUnreadable reports a data-tree node (inner or leaf) that exists but
// could not be decoded — decryption or integrity failure, most likely.
type NodeUnreadable struct{ Id blockid.BlockId }

func (f NodeUnreadable) Error() string { return fmt.Sprintf("node %s: unreadable", f.Id) }
func (NodeUnreadable) isFinding()      {}

// NodeMissing reports a data-tree node referenced by a blob's tree shape
// that is absent from the store entirely.
type NodeMissing struct{ Id blockid.BlockId }

func (f NodeMissing) Error() string { return fmt.Sprintf("node %s: missing", f.Id) }
func (NodeMissing) isFinding()       {}

// NodeUnreferenced reports a block present in the store that the walk
// from the root never reached.
type NodeUnreferenced struct{ Id blockid.BlockId }

func (f NodeUnreferenced) Error() string { return fmt.Sprintf("node %s: unreferenced", f.Id) }
func (NodeUnreferenced) isFinding()       {}

// NodeReferencedMultipleTimes reports a data-tree node that belongs to
// more than one blob's tree — two distinct trees sharing a node, which
// the format never produces by itself.
type NodeReferencedMultipleTimes struct{ Id blockid.BlockId }

func (f NodeReferencedMultipleTimes) Error() string {
	return fmt.Sprintf("node %s: referenced by more than one blob", f.Id)
}
func (NodeReferencedMultipleTimes) isFinding() {}

// BlobUnreadable reports a blob whose header failed to decode, or whose
// tree contains at least one NodeUnreadable/NodeMissing node.
type BlobUnreadable struct{ Id blockid.BlobId }

func (f BlobUnreadable) Error() string { return fmt.Sprintf("blob %s: unreadable", f.Id) }
func (BlobUnreadable) isFinding()      {}

// BlobMissing reports a blob id referenced as a directory entry that does
// not exist in the store at all.
type BlobMissing struct{ Id blockid.BlobId }

func (f BlobMissing) Error() string { return fmt.Sprintf("blob %s: missing", f.Id) }
func (BlobMissing) isFinding()       {}

// BlobReferencedMultipleTimes reports a blob named as a child entry by
// more than one directory (or twice within the walk).
type BlobReferencedMultipleTimes struct{ Id blockid.BlobId }

func (f BlobReferencedMultipleTimes) Error() string {
	return fmt.Sprintf("blob %s: referenced by more than one directory entry", f.Id)
}
func (BlobReferencedMultipleTimes) isFinding() {}

// WrongParentPointer reports a blob whose own recorded parent pointer
// (spec.md §9 "back references") does not match any directory that
// actually names it as a child. ReferencedAs lists every directory found
// to reference the blob, not just the first — a blob can be wrongly
// linked from several places at once, and a recovery tool needs all of
// them to decide which (if any) link is the legitimate one.
type WrongParentPointer struct {
	Blob         blockid.BlobId
	ActualParent blockid.BlobId
	ReferencedAs []blockid.BlobId
}

func (f WrongParentPointer) Error() string {
	return fmt.Sprintf("blob %s: parent pointer names %s, but is referenced as a child of %v",
		f.Blob, f.ActualParent, f.ReferencedAs)
}
func (WrongParentPointer) isFinding() {}
