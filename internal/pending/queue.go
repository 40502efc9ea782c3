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

package pending

// Queue is the set of pending commits being processed.
//
// It is owned by a single goroutine, the one running the commit queue loop.
type Queue struct {
	Commits []*Commit `json:"pending_commits"`
}

// Len returns the number of pending commits.
func (q *Queue) Len() int {
	return len(q.Commits)
}

// Add appends a pending commit.
func (q *Queue) Add(c *Commit) {
	q.Commits = append(q.Commits, c)
}

// Get returns the pending commit tracking the given issue, or nil.
func (q *Queue) Get(issue int64) *Commit {
	for _, c := range q.Commits {
		if c.Issue == issue {
			return c
		}
	}
	return nil
}

// Remove removes the pending commit from the queue.
//
// Returns false if it wasn't in the queue.
func (q *Queue) Remove(c *Commit) bool {
	for i, cur := range q.Commits {
		if cur == c {
			q.Commits = append(q.Commits[:i:i], q.Commits[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the list of pending commits.
//
// The commits themselves are shared; iterating over the snapshot is safe
// while the queue is mutated.
func (q *Queue) Snapshot() []*Commit {
	ret := make([]*Commit, len(q.Commits))
	copy(ret, q.Commits)
	return ret
}
