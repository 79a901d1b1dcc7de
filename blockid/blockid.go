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

// Package blockid defines the opaque 16-byte identifiers used for blocks
// and blobs throughout the store.
package blockid

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Length is the fixed size of a BlockId in bytes.
const Length = 16

// BlockId is an opaque 16-byte identifier for a block. The zero value is a
// valid (all-zero) id; it is not reserved for any special meaning.
type BlockId [Length]byte

// BlobId identifies an FsBlob by the id of its root node. It shares the
// representation of BlockId because a blob's id *is* its tree root's id.
type BlobId = BlockId

// New generates a random BlockId using a CSPRNG.
//
// google/uuid's Random() reads from crypto/rand internally; we reuse its
// random-byte generation rather than hand-rolling a second CSPRNG call site.
func New() BlockId {
	u := uuid.New()
	var id BlockId
	copy(id[:], u[:])
	return id
}

// FromBytes copies b into a BlockId. b must have length Length.
func FromBytes(b []byte) (BlockId, error) {
	var id BlockId
	if len(b) != Length {
		return id, fmt.Errorf("blockid: expected %d bytes, got %d", Length, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses the uppercase (or lowercase) hex representation used for
// on-disk block filenames.
func FromHex(s string) (BlockId, error) {
	var id BlockId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("blockid: invalid hex %q: %w", s, err)
	}
	return FromBytes(b)
}

// Bytes returns the identifier's raw bytes.
func (id BlockId) Bytes() []byte {
	return id[:]
}

// Hex returns the uppercase hex representation used for on-disk filenames.
func (id BlockId) Hex() string {
	return fmt.Sprintf("%X", id[:])
}

// String implements fmt.Stringer for logging.
func (id BlockId) String() string {
	return id.Hex()
}

// IsZero reports whether id is the all-zero identifier.
func (id BlockId) IsZero() bool {
	return id == BlockId{}
}

// Compare returns -1, 0 or 1 as id is lexicographically less than, equal to
// or greater than other, giving a total ordering over BlockId used for
// canonical lock-acquisition ordering (spec §5) and directory entry sorting.
func (id BlockId) Compare(other BlockId) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id sorts strictly before other.
func (id BlockId) Less(other BlockId) bool {
	return id.Compare(other) < 0
}

// ShardPrefix returns the two hex characters used to shard the on-disk
// namespace (the "<aa>" directory in "<basedir>/<aa>/<AABBCC...>").
func (id BlockId) ShardPrefix() string {
	return id.Hex()[:2]
}

// SortBlockIds sorts ids in place into canonical ascending order so callers
// that need to hold guards for several ids at once can acquire them in a
// deadlock-free order (spec §5).
func SortBlockIds(ids []BlockId) {
	// Insertion sort: block id sets needing canonical ordering are small
	// (a handful of directory-move participants), so an allocation-free
	// O(n^2) sort beats pulling in sort.Slice's interface boxing here.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
