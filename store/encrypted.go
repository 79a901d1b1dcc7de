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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/databuf"
)

const nonceSize = 16

// AEAD is the subset of cipher.AEAD that Encrypted depends on, satisfied
// by crypto/cipher's AES-GCM and golang.org/x/crypto/chacha20poly1305's
// XChaCha20-Poly1305 constructors.
type AEAD interface {
	cipher.AEAD
}

// NewAES256GCM builds the AEAD for a 256-bit AES-GCM key (spec.md §4.1).
func NewAES256GCM(key []byte) (AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("store: aes-256-gcm requires a 32-byte key, got %d", len(key))
	}
	return newAESGCM(key)
}

// NewAES128GCM builds the AEAD for a 128-bit AES-GCM key.
func NewAES128GCM(key []byte) (AEAD, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("store: aes-128-gcm requires a 16-byte key, got %d", len(key))
	}
	return newAESGCM(key)
}

func newAESGCM(key []byte) (AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// NewXChaCha20Poly1305 builds the AEAD for a 256-bit XChaCha20-Poly1305
// key. Encrypted stores this cipher's full 24-byte nonce with each block.
func NewXChaCha20Poly1305(key []byte) (AEAD, error) {
	return chacha20poly1305.NewX(key)
}

// Encrypted is the symmetric AEAD layer of the block store stack. Every
// stored block gets a fresh random nonce; the wire format is
// `nonce ∥ ciphertext ∥ tag` (spec.md §4.1, §6), where the nonce is
// aead.NonceSize() bytes long: 12 for the AES-GCM constructors above, 24
// for XChaCha20-Poly1305. The nonce field is not a fixed 16 bytes and is
// never padded.
//
// Key material is held by the caller-provided AEAD; this type never sees
// the raw key, so memory-locking/zeroing of the key is the concern of
// whatever constructs the AEAD (see KeyMaterial in keymaterial.go).
type Encrypted struct {
	Inner BlockStore
	aead  AEAD
}

var _ BlockStore = (*Encrypted)(nil)

// NewEncrypted wraps inner, encrypting every block with aead. Any nonce
// size is accepted; each block carries exactly aead.NonceSize() nonce
// bytes.
func NewEncrypted(inner BlockStore, aead AEAD) *Encrypted {
	return &Encrypted{Inner: inner, aead: aead}
}

func (s *Encrypted) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: encrypted: generating nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, plaintext, nil)

	buf := databuf.NewWithReserve(ciphertext, len(nonce), 0)
	buf.PrependHead(nonce)
	return buf.Data(), nil
}

func (s *Encrypted) open(data []byte) ([]byte, error) {
	nonceLen := s.aead.NonceSize()
	if len(data) < nonceLen {
		return nil, fmt.Errorf("store: encrypted: %w: block shorter than nonce", cerrors.ErrInvalidLength)
	}
	nonce := data[:nonceLen]
	ciphertext := data[nonceLen:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("store: encrypted: %w", cerrors.ErrDecryptionFailed)
	}
	return plaintext, nil
}

func (s *Encrypted) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (CreateResult, error) {
	ciphertext, err := s.seal(data)
	if err != nil {
		return 0, err
	}
	return s.Inner.TryCreate(ctx, id, ciphertext)
}

func (s *Encrypted) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	ciphertext, err := s.seal(data)
	if err != nil {
		return err
	}
	return s.Inner.Store(ctx, id, ciphertext)
}

func (s *Encrypted) Load(ctx context.Context, id blockid.BlockId) ([]byte, bool, error) {
	raw, found, err := s.Inner.Load(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	plaintext, err := s.open(raw)
	if err != nil {
		return nil, false, err
	}
	return plaintext, true, nil
}

func (s *Encrypted) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	return s.Inner.Remove(ctx, id)
}

func (s *Encrypted) NumBlocks(ctx context.Context) (uint64, error) {
	return s.Inner.NumBlocks(ctx)
}

func (s *Encrypted) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.Inner.EstimateNumFreeBytes(ctx)
}

func (s *Encrypted) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64 {
	overhead := uint64(s.aead.NonceSize() + s.aead.Overhead())
	if physicalBlockSize < overhead {
		return 0
	}
	return s.Inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize) - overhead
}

func (s *Encrypted) AllBlocks(ctx context.Context) (BlockIdStream, error) {
	return s.Inner.AllBlocks(ctx)
}
