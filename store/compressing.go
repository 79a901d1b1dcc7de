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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/databuf"
)

// compressionScheme tags the first byte of every block stored through
// Compressing.
type compressionScheme byte

const (
	schemeNone compressionScheme = 0
	schemeGzip compressionScheme = 1
)

// Compressing prepends a 1-byte scheme tag (and, when compressed, a
// 4-byte original length) ahead of the payload, compressing with gzip
// only when doing so strictly reduces the stored size (spec.md §4.1).
// It preserves the at-most-one-write semantics of the wrapped store: it
// issues exactly one TryCreate/Store call to Inner per call of its own.
type Compressing struct {
	Inner BlockStore
}

var _ BlockStore = (*Compressing)(nil)

// NewCompressing wraps inner with gzip-or-none compression.
func NewCompressing(inner BlockStore) *Compressing {
	return &Compressing{Inner: inner}
}

func encodeCompressed(data []byte) []byte {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(data); err != nil {
		// In-memory gzip.Writer only fails on Close-after-error; Write to
		// a bytes.Buffer cannot fail.
		panic(fmt.Sprintf("store: unexpected gzip write error: %v", err))
	}
	if err := w.Close(); err != nil {
		panic(fmt.Sprintf("store: unexpected gzip close error: %v", err))
	}

	compressed := gz.Bytes()
	if len(compressed)+5 >= len(data)+1 {
		// Compression didn't strictly help; store uncompressed with tag 0.
		buf := databuf.NewWithReserve(data, 1, 0)
		buf.PrependHead([]byte{byte(schemeNone)})
		return buf.Data()
	}

	buf := databuf.NewWithReserve(compressed, 5, 0)
	header := make([]byte, 5)
	header[0] = byte(schemeGzip)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(data)))
	buf.PrependHead(header)
	return buf.Data()
}

func decodeCompressed(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("store: compressing: %w: empty block", cerrors.ErrInvalidLength)
	}
	scheme := compressionScheme(data[0])
	switch scheme {
	case schemeNone:
		return data[1:], nil
	case schemeGzip:
		if len(data) < 5 {
			return nil, fmt.Errorf("store: compressing: %w: truncated header", cerrors.ErrInvalidLength)
		}
		originalLen := binary.LittleEndian.Uint32(data[1:5])
		r, err := gzip.NewReader(bytes.NewReader(data[5:]))
		if err != nil {
			return nil, fmt.Errorf("store: compressing: decompress: %w", err)
		}
		defer r.Close()
		out := make([]byte, 0, originalLen)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, fmt.Errorf("store: compressing: decompress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("store: compressing: %w: unknown scheme %d", cerrors.ErrInvalidLength, scheme)
	}
}

func (s *Compressing) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (CreateResult, error) {
	return s.Inner.TryCreate(ctx, id, encodeCompressed(data))
}

func (s *Compressing) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	return s.Inner.Store(ctx, id, encodeCompressed(data))
}

func (s *Compressing) Load(ctx context.Context, id blockid.BlockId) ([]byte, bool, error) {
	raw, found, err := s.Inner.Load(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	data, err := decodeCompressed(raw)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Compressing) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	return s.Inner.Remove(ctx, id)
}

func (s *Compressing) NumBlocks(ctx context.Context) (uint64, error) {
	return s.Inner.NumBlocks(ctx)
}

func (s *Compressing) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.Inner.EstimateNumFreeBytes(ctx)
}

func (s *Compressing) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64 {
	// Compression makes physical size variable; the logical capacity
	// exposed upward is nominally the physical size minus the smallest
	// possible header (1 byte, uncompressed tag).
	return s.Inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize) - 1
}

func (s *Compressing) AllBlocks(ctx context.Context) (BlockIdStream, error) {
	return s.Inner.AllBlocks(ctx)
}
