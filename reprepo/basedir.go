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

// Package reprepo validates the on-disk directory a repository is
// rooted at before a store is opened against it. It holds no state of
// its own and depends on nothing else in this module, so an (out of
// scope, per spec.md §1) CLI layer can call it directly from argument
// parsing, the way cli-utils/src/path.rs's parse_path runs as a clap
// value_parser before the rest of the original program ever sees the
// path.
package reprepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrBaseDirMissing is returned when the base directory does not exist.
	ErrBaseDirMissing = errors.New("base directory does not exist")
	// ErrBaseDirNotADir is returned when the base directory path exists but
	// names something other than a directory.
	ErrBaseDirNotADir = errors.New("base directory is not a directory")
	// ErrBaseDirNotWritable is returned when the base directory exists but
	// this process cannot write to it.
	ErrBaseDirNotWritable = errors.New("base directory is not writable")
)

// ValidateBaseDir absolutizes path and checks that it exists, is a
// directory, and is writable by the current process. It returns the
// absolutized path on success.
func ValidateBaseDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("basedir %q: %w", path, err)
	}

	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("basedir %q: %w", abs, ErrBaseDirMissing)
	}
	if err != nil {
		return "", fmt.Errorf("basedir %q: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("basedir %q: %w", abs, ErrBaseDirNotADir)
	}

	probe := filepath.Join(abs, ".cryfs-writable-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("basedir %q: %w", abs, ErrBaseDirNotWritable)
	}
	f.Close()
	os.Remove(probe)

	return abs, nil
}
