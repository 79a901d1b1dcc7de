// Copyright 2025 Google LLC
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

package clock

import "time"

// FakeClock implements Clock with a fixed After delay, for tests that need
// a pruner or cache wait to resolve quickly without depending on wall-clock
// timing. Now still reports the real time, so this clock is only "fake"
// about how long After takes to fire, not about what time it reports.
type FakeClock struct {
	WaitTime time.Duration
}

// Now returns the real current time.
func (mc *FakeClock) Now() time.Time {
	return time.Now()
}

// After fires after WaitTime regardless of the duration requested.
func (mc *FakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time)
	go func() {
		time.Sleep(mc.WaitTime)
		ch <- time.Now()
	}()
	return ch
}
