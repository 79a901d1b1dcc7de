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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
	"github.com/cryfs-go/cryfs/cryfslog"
	"github.com/cryfs-go/cryfs/databuf"
	"github.com/cryfs-go/cryfs/store/integritydata"
)

// integrityHeaderSize is {format_version:u16, client_id:u32, version:u64,
// block_id:16B}. spec.md §6 lists the first three fields; the block_id
// field is this implementation's resolution of an ambiguity the prose
// leaves open ("matches the block_id in header against the requested
// id" implies the header carries one) — grounded in the Rust original's
// IntegrityViolationError::WrongBlockId{id_from_filename, id_from_header}
// (crates/blockstore/.../integrity_violation_error.rs), which only makes
// sense if the header stores an id. See DESIGN.md.
const integrityHeaderSize = 2 + 4 + 8 + blockid.Length

const integrityFormatVersion uint16 = 1

// IntegrityPolicy controls how the Integrity layer reacts to violations
// (spec.md §4.1, §9 open question on single-client-mode requirements).
type IntegrityPolicy struct {
	AllowIntegrityViolations          bool
	MissingBlockIsIntegrityViolation  bool
	SingleClientMode                  bool
}

// Integrity sits above Encrypted, stamping every write with a
// (client_id, version) pair and validating, on every read, that the pair
// dominates the last one observed for that block (spec.md §3, §4.1).
//
// A detected violation is logged, persisted as a taint marker via Data,
// and returned as an error; once tainted the store refuses every further
// operation (spec.md §7) until the taint is cleared out of band.
type Integrity struct {
	Inner  BlockStore
	Data   *integritydata.IntegrityData
	Policy IntegrityPolicy
}

var _ BlockStore = (*Integrity)(nil)

// NewIntegrity wraps inner with version-based integrity checking.
func NewIntegrity(inner BlockStore, data *integritydata.IntegrityData, policy IntegrityPolicy) *Integrity {
	return &Integrity{Inner: inner, Data: data, Policy: policy}
}

func (s *Integrity) checkNotTainted() error {
	if tainted, reason := s.Data.IsTainted(); tainted {
		return fmt.Errorf("%w: %s", cerrors.ErrTainted, reason)
	}
	return nil
}

func (s *Integrity) taint(cause error) error {
	cryfslog.Get().Error("integrity violation, tainting store", slog.Any("err", cause))
	if err := s.Data.Taint(cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func encodeIntegrityHeader(clientId uint32, version uint64, id blockid.BlockId) []byte {
	header := make([]byte, integrityHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], integrityFormatVersion)
	binary.LittleEndian.PutUint32(header[2:6], clientId)
	binary.LittleEndian.PutUint64(header[6:14], version)
	copy(header[14:], id[:])
	return header
}

func decodeIntegrityHeader(data []byte) (clientId uint32, version uint64, id blockid.BlockId, rest []byte, err error) {
	if len(data) < integrityHeaderSize {
		err = fmt.Errorf("store: integrity: %w: block shorter than header", cerrors.ErrInvalidLength)
		return
	}
	fmtVersion := binary.LittleEndian.Uint16(data[0:2])
	if fmtVersion != integrityFormatVersion {
		err = fmt.Errorf("%w: integrity header version %d", cerrors.ErrUnsupportedFormatVersion, fmtVersion)
		return
	}
	clientId = binary.LittleEndian.Uint32(data[2:6])
	version = binary.LittleEndian.Uint64(data[6:14])
	copy(id[:], data[14:14+blockid.Length])
	rest = data[integrityHeaderSize:]
	return
}

func (s *Integrity) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (CreateResult, error) {
	if err := s.checkNotTainted(); err != nil {
		return 0, err
	}
	version, err := s.Data.NextVersion(id)
	if err != nil {
		return 0, err
	}
	header := encodeIntegrityHeader(s.Data.MyClientId(), version, id)
	buf := databuf.NewWithReserve(data, len(header), 0)
	buf.PrependHead(header)
	return s.Inner.TryCreate(ctx, id, buf.Data())
}

func (s *Integrity) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	if err := s.checkNotTainted(); err != nil {
		return err
	}
	version, err := s.Data.NextVersion(id)
	if err != nil {
		return err
	}
	header := encodeIntegrityHeader(s.Data.MyClientId(), version, id)
	buf := databuf.NewWithReserve(data, len(header), 0)
	buf.PrependHead(header)
	return s.Inner.Store(ctx, id, buf.Data())
}

func (s *Integrity) Load(ctx context.Context, id blockid.BlockId) ([]byte, bool, error) {
	if err := s.checkNotTainted(); err != nil {
		return nil, false, err
	}
	raw, found, err := s.Inner.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		if err := s.Data.CheckMissing(id, s.Policy.MissingBlockIsIntegrityViolation); err != nil {
			return nil, false, s.taint(err)
		}
		return nil, false, nil
	}

	clientId, version, headerId, payload, err := decodeIntegrityHeader(raw)
	if err != nil {
		return nil, false, err
	}
	if headerId != id {
		violation := fmt.Errorf("%w: filename %s vs header %s", cerrors.ErrWrongBlockId, id, headerId)
		if s.Policy.AllowIntegrityViolations {
			cryfslog.Get().Warn("integrity violation allowed by policy", slog.Any("err", violation))
		} else {
			return nil, false, s.taint(violation)
		}
	}

	if err := s.Data.CheckAndUpdateOnRead(id, clientId, version, s.Policy.SingleClientMode); err != nil {
		if s.Policy.AllowIntegrityViolations {
			cryfslog.Get().Warn("integrity violation allowed by policy", slog.Any("err", err))
		} else {
			return nil, false, s.taint(err)
		}
	}

	return payload, true, nil
}

func (s *Integrity) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	if err := s.checkNotTainted(); err != nil {
		return 0, err
	}
	result, err := s.Inner.Remove(ctx, id)
	if err != nil {
		return 0, err
	}
	if result == Removed {
		if err := s.Data.Forget(id); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Integrity) NumBlocks(ctx context.Context) (uint64, error) {
	return s.Inner.NumBlocks(ctx)
}

func (s *Integrity) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.Inner.EstimateNumFreeBytes(ctx)
}

func (s *Integrity) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) uint64 {
	if physicalBlockSize < integrityHeaderSize {
		return 0
	}
	return s.Inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize) - integrityHeaderSize
}

func (s *Integrity) AllBlocks(ctx context.Context) (BlockIdStream, error) {
	return s.Inner.AllBlocks(ctx)
}
