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

// Package cerrors defines the tagged error variants shared across the
// store, blob and filesystem layers (spec.md §7), as sentinel errors
// testable with errors.Is plus a handful of wrapping structs that carry
// extra context.
package cerrors

import (
	"errors"

	"github.com/cryfs-go/cryfs/blockid"
)

// Storage I/O.
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrIoFailed     = errors.New("i/o failed")
	ErrFull         = errors.New("store full")
	ErrReadOnly     = errors.New("store is read-only")
)

// Crypto.
var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrKeyMissing       = errors.New("encryption key missing")
)

// Integrity.
var (
	ErrRollBack          = errors.New("integrity violation: rollback detected")
	ErrWrongBlockId      = errors.New("integrity violation: wrong block id")
	ErrMissingBlock      = errors.New("integrity violation: missing block")
	ErrClientIdConflict  = errors.New("integrity violation: client id conflict")
	ErrTainted           = errors.New("integrity: store is tainted by a prior violation")
)

// Format.
var (
	ErrUnsupportedFormatVersion = errors.New("unsupported format version")
	ErrMalformedHeader          = errors.New("malformed header")
	ErrInvalidLength            = errors.New("invalid length")
)

// Tree.
var (
	ErrOutOfRangeRead    = errors.New("read out of range")
	ErrOutOfRangeWrite   = errors.New("write out of range")
	ErrMalformedTreeShape = errors.New("malformed tree shape")
)

// Filesystem.
var (
	ErrNoSuchEntry      = errors.New("no such entry")
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsADirectory     = errors.New("is a directory")
	ErrNotEmpty         = errors.New("directory not empty")
	ErrInvalidName      = errors.New("invalid name")
	ErrInvalidFileHandle = errors.New("invalid file handle")
	ErrAccessDenied     = errors.New("access denied")
)

// Programming errors: always a bug in the caller, never a runtime
// condition to recover from.
var ErrMisuse = errors.New("programming error: misuse of async-disposal guard")

// IntegrityError wraps one of the Err* integrity sentinels with the block
// id and the (expected, actual) (client_id, version) pairs involved, so
// logs and the taint marker can record what was actually seen.
type IntegrityError struct {
	Err                error
	BlockId            string
	ExpectedClientId   uint32
	ExpectedVersion    uint64
	ActualClientId     uint32
	ActualVersion      uint64
}

func (e *IntegrityError) Error() string {
	return "integrity violation for block " + e.BlockId + ": " + e.Err.Error()
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// BlobFormatError reports a format-version mismatch or malformed header
// while decoding an FsBlob.
type BlobFormatError struct {
	Err    error
	BlobId string
}

func (e *BlobFormatError) Error() string {
	return "blob " + e.BlobId + ": " + e.Err.Error()
}

func (e *BlobFormatError) Unwrap() error {
	return e.Err
}

// MissingBlockError wraps ErrMissingBlock with the id of the specific
// block a tree walk expected to find and didn't, so callers that only see
// the returned error (rather than the walk's internal state) can still
// recover which block was missing.
type MissingBlockError struct {
	Id blockid.BlockId
}

func (e *MissingBlockError) Error() string {
	return "missing block " + e.Id.String()
}

func (e *MissingBlockError) Unwrap() error {
	return ErrMissingBlock
}
