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

package fsblob

import "github.com/cryfs-go/cryfs/cryfsconfig"

// AtimePolicy controls when a read updates an entry's recorded atime
// (component C10). It is an alias of cryfsconfig.AtimePolicy so callers
// can thread a mount's configured policy straight through without a
// conversion.
type AtimePolicy = cryfsconfig.AtimePolicy

const (
	AtimeNoatime              = cryfsconfig.AtimeNoatime
	AtimeStrictatime          = cryfsconfig.AtimeStrictatime
	AtimeRelatime             = cryfsconfig.AtimeRelatime
	AtimeNodiratimeRelatime   = cryfsconfig.AtimeNodiratimeRelatime
	AtimeNodiratimeStrictatime = cryfsconfig.AtimeNodiratimeStrictatime
)

const dayInSeconds = 24 * 60 * 60

// ShouldUpdateAtime decides whether a read of an entry (a directory, iff
// isDir, otherwise a file or symlink) should bump its recorded atime to
// now, given the entry's current atime/mtime (unix seconds).
//
// Relatime updates atime only if it is currently behind mtime, or is
// more than a day stale — the same relation util-linux's relatime mount
// option uses. The Nodiratime variants behave like their counterpart for
// files and symlinks but never touch a directory's atime.
func ShouldUpdateAtime(policy AtimePolicy, isDir bool, atime, mtime, now int64) bool {
	switch policy {
	case AtimeNoatime:
		return false
	case AtimeStrictatime:
		return true
	case AtimeRelatime:
		return atime < mtime || atime < now-dayInSeconds
	case AtimeNodiratimeRelatime:
		if isDir {
			return false
		}
		return atime < mtime || atime < now-dayInSeconds
	case AtimeNodiratimeStrictatime:
		if isDir {
			return false
		}
		return true
	default:
		return false
	}
}
