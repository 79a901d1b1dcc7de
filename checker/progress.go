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

package checker

// Progress receives periodic counts of blobs and nodes visited during a
// Check run, for a long-running check over a large filesystem to report
// to its caller. Report may be called concurrently from several
// goroutines and must not block the walk for long.
type Progress interface {
	Report(blobsChecked, nodesChecked int)
}

type noopProgress struct{}

func (noopProgress) Report(blobsChecked, nodesChecked int) {}

// NoopProgress discards progress reports; used when the caller doesn't
// want any.
var NoopProgress Progress = noopProgress{}
