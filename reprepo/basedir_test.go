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

package reprepo_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/reprepo"
)

func TestValidateBaseDirAcceptsExistingWritableDir(t *testing.T) {
	dir := t.TempDir()
	abs, err := reprepo.ValidateBaseDir(dir)
	require.NoError(t, err)
	want, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, want, abs)
}

func TestValidateBaseDirRejectsMissingDir(t *testing.T) {
	_, err := reprepo.ValidateBaseDir(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.ErrorIs(t, err, reprepo.ErrBaseDirMissing)
}

func TestValidateBaseDirRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := reprepo.ValidateBaseDir(file)
	assert.ErrorIs(t, err, reprepo.ErrBaseDirNotADir)
}

func TestValidateBaseDirRejectsUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write through permission bits")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { os.Chmod(dir, 0700) })

	_, err := reprepo.ValidateBaseDir(dir)
	assert.ErrorIs(t, err, reprepo.ErrBaseDirNotWritable)
}
