// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package cryfsconfig holds the internal tunables of the core engine.
// Parsing cryfs.config, CLI flags and the scrypt-protected master key is a
// separate, out-of-scope collaborator (spec.md §1); this package only
// decodes the tunables that collaborator hands in.
package cryfsconfig

import (
	"time"

	"github.com/mitchellh/mapstructure"
)

// CipherAlgorithm selects the AEAD used by the Encrypted block store.
type CipherAlgorithm string

const (
	CipherAES256GCM        CipherAlgorithm = "aes-256-gcm"
	CipherAES128GCM        CipherAlgorithm = "aes-128-gcm"
	CipherXChaCha20Poly1305 CipherAlgorithm = "xchacha20-poly1305"
)

// CompressionScheme selects the Compressing block store's algorithm.
type CompressionScheme string

const (
	CompressionNone CompressionScheme = "none"
	CompressionGzip CompressionScheme = "gzip"
)

// AtimePolicy mirrors the five policies named in spec.md §4.7 (C10).
type AtimePolicy string

const (
	AtimeNoatime                 AtimePolicy = "noatime"
	AtimeStrictatime             AtimePolicy = "strictatime"
	AtimeRelatime                AtimePolicy = "relatime"
	AtimeNodiratimeRelatime      AtimePolicy = "nodiratime-relatime"
	AtimeNodiratimeStrictatime   AtimePolicy = "nodiratime-strictatime"
)

// Config bundles the tunables spec.md §9's "Open questions" asks the
// implementer to pick defaults for, plus the cryptographic and structural
// parameters that are normally read out of cryfs.config by the (out of
// scope) config-file loader.
type Config struct {
	// PhysicalBlockSize is the size in bytes of every on-disk block file,
	// header included.
	PhysicalBlockSize uint32 `mapstructure:"physical_block_size"`

	Cipher      CipherAlgorithm   `mapstructure:"cipher"`
	Compression CompressionScheme `mapstructure:"compression"`

	// SingleClientMode enforces spec.md §3's stricter integrity checks:
	// no block may belong to another client, and missing blocks are
	// violations.
	SingleClientMode bool `mapstructure:"single_client_mode"`

	// AllowIntegrityViolations, if true, logs and continues past a
	// monotonicity violation instead of tainting the store.
	AllowIntegrityViolations bool `mapstructure:"allow_integrity_violations"`

	// MissingBlockIsIntegrityViolation must be true in single-client mode
	// (spec.md §4.1).
	MissingBlockIsIntegrityViolation bool `mapstructure:"missing_block_is_integrity_violation"`

	// LockingCacheCapacity bounds the number of decrypted blocks the
	// LockingBlockStore (C4) keeps resident at once.
	LockingCacheCapacity int `mapstructure:"locking_cache_capacity"`

	// PrunerInterval and PrunerDirtyAge are the cadence and dirty-age
	// threshold of the LockingBlockStore's background cache pruner
	// (spec.md §4.2, §9 open question).
	PrunerInterval time.Duration `mapstructure:"pruner_interval"`
	PrunerDirtyAge time.Duration `mapstructure:"pruner_dirty_age"`

	AtimePolicy AtimePolicy `mapstructure:"atime_policy"`
}

// DefaultConfig matches the teacher's cfg/defaults.go pattern: every
// tunable gets a conservative, documented default so a collaborator only
// needs to override what it cares about.
func DefaultConfig() Config {
	return Config{
		PhysicalBlockSize:                 32 * 1024,
		Cipher:                            CipherXChaCha20Poly1305,
		Compression:                       CompressionNone,
		SingleClientMode:                  true,
		AllowIntegrityViolations:          false,
		MissingBlockIsIntegrityViolation:  true,
		LockingCacheCapacity:              1000,
		PrunerInterval:                    2 * time.Second,
		PrunerDirtyAge:                    3 * time.Second,
		AtimePolicy:                       AtimeRelatime,
	}
}

// Decode overlays raw (typically parsed out of cryfs.config's opaque
// payload by the out-of-scope config-file loader) onto DefaultConfig(),
// the way cfg/config_util.go decodes mount options via mapstructure.
func Decode(raw map[string]any) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, err
	}
	return cfg, nil
}
