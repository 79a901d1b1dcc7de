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

// Package integritydata implements the persisted, process-wide integrity
// database (spec.md §3, §4.1, §9 "Global state"): a mapping from BlockId
// to the last (client_id, version) pair observed for it, plus the
// permanent taint marker that a detected violation writes.
//
// An IntegrityData is initialized before any Integrity block store
// operation and torn down last, exactly like the teacher's per-mount
// singletons.
package integritydata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cryfs-go/cryfs/blockid"
	"github.com/cryfs-go/cryfs/cerrors"
)

// BlockVersion is the last (client_id, version) pair observed for a block.
type BlockVersion struct {
	ClientId uint32 `json:"client_id"`
	Version  uint64 `json:"version"`
}

type onDiskState struct {
	MyClientId uint32                            `json:"my_client_id"`
	Blocks     map[string]BlockVersion           `json:"blocks"`
	MaxVersion map[uint32]uint64                 `json:"max_version_by_client"`
	Tainted    bool                              `json:"tainted"`
	TaintedBy  string                            `json:"tainted_by,omitempty"`
}

// IntegrityData is the integrity database for one repository/mount. It is
// safe for concurrent use; every mutation is serialized by an internal
// mutex (spec.md §5).
type IntegrityData struct {
	mu sync.Mutex

	dbPath    string
	myClientId uint32

	blocks     map[blockid.BlockId]BlockVersion
	maxVersion map[uint32]uint64

	tainted   bool
	taintedBy string
}

// Load reads the integrity database from dbPath, or returns a fresh,
// empty one that uses myClientId if the file does not exist yet.
func Load(dbPath string, myClientId uint32) (*IntegrityData, error) {
	d := &IntegrityData{
		dbPath:     dbPath,
		myClientId: myClientId,
		blocks:     make(map[blockid.BlockId]BlockVersion),
		maxVersion: make(map[uint32]uint64),
	}

	raw, err := os.ReadFile(dbPath)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("integritydata: reading %s: %w", dbPath, err)
	}

	var state onDiskState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("integritydata: parsing %s: %w", dbPath, err)
	}

	for hexId, bv := range state.Blocks {
		id, err := blockid.FromHex(hexId)
		if err != nil {
			return nil, fmt.Errorf("integritydata: corrupt entry %q: %w", hexId, err)
		}
		d.blocks[id] = bv
	}
	d.maxVersion = state.MaxVersion
	if d.maxVersion == nil {
		d.maxVersion = make(map[uint32]uint64)
	}
	d.tainted = state.Tainted
	d.taintedBy = state.TaintedBy
	// myClientId is an installation identity, not something the file
	// overrides; but accept a persisted id when the caller didn't supply
	// one explicitly (zero value), matching "reuse the same client id
	// across mounts of the same repository".
	if myClientId == 0 && state.MyClientId != 0 {
		d.myClientId = state.MyClientId
	}

	return d, nil
}

// MyClientId returns this installation's client id.
func (d *IntegrityData) MyClientId() uint32 {
	return d.myClientId
}

// IsTainted reports whether a prior integrity violation has permanently
// tainted this repository (spec.md §7: "subsequent mounts fail until the
// user acknowledges").
func (d *IntegrityData) IsTainted() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tainted, d.taintedBy
}

// Taint permanently marks the repository as tainted, persisting the
// marker before returning so a crash immediately after a violation still
// leaves the mount refusing to start.
func (d *IntegrityData) Taint(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tainted {
		return nil
	}
	d.tainted = true
	d.taintedBy = reason
	return d.persistLocked()
}

// ClearTaint removes the persistent taint marker. Only the explicit,
// out-of-scope CLI acknowledgement flow should call this.
func (d *IntegrityData) ClearTaint() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tainted = false
	d.taintedBy = ""
	return d.persistLocked()
}

// CheckAndUpdateOnRead validates the monotonicity invariant (spec.md §3)
// for a block just decrypted with header (clientId, version), and records
// the observation. singleClientMode additionally rejects any clientId
// other than our own.
func (d *IntegrityData) CheckAndUpdateOnRead(id blockid.BlockId, clientId uint32, version uint64, singleClientMode bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if singleClientMode && clientId != d.myClientId {
		return fmt.Errorf("%w: block %s belongs to client %d, expected %d",
			cerrors.ErrClientIdConflict, id, clientId, d.myClientId)
	}

	if prev, ok := d.blocks[id]; ok {
		if clientId == prev.ClientId {
			if version < prev.Version {
				return fmt.Errorf("%w: block %s client %d version %d < last seen %d",
					cerrors.ErrRollBack, id, clientId, version, prev.Version)
			}
		} else {
			maxSeen := d.maxVersion[clientId]
			if version <= maxSeen {
				return fmt.Errorf("%w: block %s client %d version %d <= max seen for that client %d",
					cerrors.ErrRollBack, id, clientId, version, maxSeen)
			}
		}
	} else {
		maxSeen := d.maxVersion[clientId]
		if version <= maxSeen && maxSeen != 0 {
			return fmt.Errorf("%w: block %s client %d version %d <= max seen for that client %d",
				cerrors.ErrRollBack, id, clientId, version, maxSeen)
		}
	}

	d.blocks[id] = BlockVersion{ClientId: clientId, Version: version}
	if version > d.maxVersion[clientId] {
		d.maxVersion[clientId] = version
	}
	return d.persistLocked()
}

// CheckMissing is called when a block referenced in the integrity
// database can no longer be loaded. Whether that is itself a violation is
// policy-controlled (spec.md §4.1, MissingBlockIsIntegrityViolation).
func (d *IntegrityData) CheckMissing(id blockid.BlockId, missingIsViolation bool) error {
	if !missingIsViolation {
		return nil
	}
	d.mu.Lock()
	_, known := d.blocks[id]
	d.mu.Unlock()
	if known {
		return fmt.Errorf("%w: block %s", cerrors.ErrMissingBlock, id)
	}
	return nil
}

// NextVersion atomically increments and returns the version number this
// client should stamp the next write to id with. Returns an error if the
// monotonic counter would wrap (spec.md §4.1).
func (d *IntegrityData) NextVersion(id blockid.BlockId) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.blocks[id]
	var next uint64
	if prev.ClientId == d.myClientId {
		next = prev.Version + 1
	} else {
		next = d.maxVersion[d.myClientId] + 1
	}
	if next == 0 {
		return 0, fmt.Errorf("integritydata: version counter for block %s would wrap", id)
	}

	d.blocks[id] = BlockVersion{ClientId: d.myClientId, Version: next}
	if next > d.maxVersion[d.myClientId] {
		d.maxVersion[d.myClientId] = next
	}
	if err := d.persistLocked(); err != nil {
		return 0, err
	}
	return next, nil
}

// Forget removes a block's recorded version, used when the block is
// deliberately removed from the store so a future reuse of the same id
// does not look like a rollback.
func (d *IntegrityData) Forget(id blockid.BlockId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blocks, id)
	return d.persistLocked()
}

func (d *IntegrityData) persistLocked() error {
	state := onDiskState{
		MyClientId: d.myClientId,
		Blocks:     make(map[string]BlockVersion, len(d.blocks)),
		MaxVersion: d.maxVersion,
		Tainted:    d.tainted,
		TaintedBy:  d.taintedBy,
	}
	for id, bv := range d.blocks {
		state.Blocks[id.Hex()] = bv
	}

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("integritydata: marshaling state: %w", err)
	}

	dir := filepath.Dir(d.dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("integritydata: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "integritydata-*.tmp")
	if err != nil {
		return fmt.Errorf("integritydata: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, d.dbPath)
}
