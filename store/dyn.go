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

// DynBlockStore erases the concrete store type for runtime composition
// (spec.md §4.1, §9 "Polymorphism") so a mount can build a stack whose
// exact layer types (Compressing? which cipher?) are only known at
// runtime, while everything above the stack programs against one
// interface.
//
// In Go, BlockStore is already an interface, so DynBlockStore is simply
// that interface under a name that documents intent at call sites
// expecting an erased, boxed store (the LockingBlockStore constructor and
// the checker both take a DynBlockStore).
type DynBlockStore = BlockStore
