// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manager

import (
	"time"
)

// burst limits the pace of commits.
type burst struct {
	// Max is the maximum number of commits within Delay. Zero means no limit.
	Max   int
	Delay time.Duration
	// History records the timestamps of the commits that happened within
	// Delay.
	History []time.Time
}

// record adds a commit done at now.
func (b *burst) record(now time.Time) {
	b.History = append(b.History, now)
	b.trim(now)
}

func (b *burst) trim(now time.Time) {
	cutoff := now.Add(-b.Delay)
	i := 0
	for i < len(b.History) && !b.History[i].After(cutoff) {
		i++
	}
	b.History = b.History[i:]
}

// nextCommitETA computes when the next commit can happen. A zero time means
// right away.
func (b *burst) nextCommitETA(now time.Time) time.Time {
	if b.Max <= 0 {
		return time.Time{}
	}
	b.trim(now)
	if len(b.History) < b.Max {
		return time.Time{}
	}
	// The oldest commit of the burst must leave the window first.
	return b.History[len(b.History)-b.Max].Add(b.Delay)
}
