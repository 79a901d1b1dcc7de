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

import "log/slog"

// KeyMaterial holds a symmetric key in memory, best-effort mlock()'d where
// the OS permits, and zeroed when Destroy is called (spec.md §3, §5:
// "Encryption key material: process-wide, memory-locked where the OS
// permits, zeroed on drop").
type KeyMaterial struct {
	key    []byte
	locked bool
}

// NewKeyMaterial takes ownership of key (the caller must not retain or
// reuse the slice) and attempts to mlock its backing pages.
func NewKeyMaterial(key []byte) *KeyMaterial {
	km := &KeyMaterial{key: key}
	if err := mlock(key); err != nil {
		// Not being able to lock pages is common in unprivileged
		// containers; degrade to unlocked memory rather than fail mount.
		return km
	}
	km.locked = true
	return km
}

// Bytes returns the raw key. Valid only until Destroy is called.
func (km *KeyMaterial) Bytes() []byte {
	return km.key
}

// Destroy zeroes the key in place and releases the mlock, if held. Safe to
// call more than once.
func (km *KeyMaterial) Destroy() {
	if km.key == nil {
		return
	}
	for i := range km.key {
		km.key[i] = 0
	}
	if km.locked {
		if err := munlock(km.key); err != nil {
			logKeyMaterialError("munlock", err)
		}
		km.locked = false
	}
	km.key = nil
}

func logKeyMaterialError(op string, err error) {
	// Logs through the standard slog default handler rather than the
	// cryfslog logger.
	slog.Default().Warn("store: key material "+op+" failed", slog.Any("err", err))
}
