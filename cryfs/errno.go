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

package cryfs

import (
	"errors"
	"syscall"

	"github.com/cryfs-go/cryfs/cerrors"
)

// Errno maps a core error kind to the POSIX errno the FUSE boundary
// should surface (spec.md §7). Errors not named in that table — I/O
// failures, integrity violations, format errors — surface as EIO, except
// ErrReadOnly, which maps to EROFS; an unrecognized error also falls back
// to EIO rather than panicking.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, cerrors.ErrNoSuchEntry):
		return syscall.ENOENT
	case errors.Is(err, cerrors.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, cerrors.ErrIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, cerrors.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, cerrors.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, cerrors.ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, cerrors.ErrInvalidFileHandle):
		return syscall.EBADF
	case errors.Is(err, cerrors.ErrAccessDenied):
		return syscall.EACCES
	case errors.Is(err, cerrors.ErrFull):
		return syscall.ENOSPC
	case errors.Is(err, cerrors.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, cerrors.ErrUnsupportedFormatVersion),
		errors.Is(err, cerrors.ErrMalformedHeader),
		errors.Is(err, cerrors.ErrInvalidLength),
		errors.Is(err, cerrors.ErrMalformedTreeShape),
		errors.Is(err, cerrors.ErrRollBack),
		errors.Is(err, cerrors.ErrWrongBlockId),
		errors.Is(err, cerrors.ErrMissingBlock),
		errors.Is(err, cerrors.ErrClientIdConflict),
		errors.Is(err, cerrors.ErrTainted),
		errors.Is(err, cerrors.ErrDecryptionFailed),
		errors.Is(err, cerrors.ErrIoFailed):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
