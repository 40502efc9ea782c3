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

package reviewer

import (
	"context"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/commitqueue/internal/pending"
	"go.chromium.org/commitqueue/internal/usertext"
)

func TestVerifier(t *testing.T) {
	t.Parallel()

	ftt.Run("Verifier", t, func(t *ftt.Test) {
		ctx := context.Background()
		v, err := New([]string{`.*@chromium\.org$`}, []string{`bad@chromium\.org`})
		assert.NoErr(t, err)

		newCommit := func() *pending.Commit {
			return &pending.Commit{
				Issue:       1,
				Patchset:    2,
				Owner:       "author@chromium.org",
				Description: "Fix things.",
				Reviewers:   []string{"reviewer@chromium.org"},
			}
		}
		verify := func(c *pending.Commit) *pending.Record {
			assert.NoErr(t, v.Verify(ctx, c))
			return c.Record(Name)
		}

		t.Run("approved", func(t *ftt.Test) {
			c := newCommit()
			c.Messages = []pending.Message{
				{Sender: "reviewer@chromium.org", Text: "nit"},
				{Sender: "reviewer@chromium.org", Text: "lgtm", Approval: true},
			}
			assert.Loosely(t, verify(c).State, should.Equal(pending.Succeeded))
		})

		t.Run("no reviewers", func(t *ftt.Test) {
			c := newCommit()
			c.Reviewers = nil
			assert.Loosely(t, verify(c), should.Match(pending.FailedRecord(usertext.NoReviewer)))
		})

		t.Run("no comments", func(t *ftt.Test) {
			c := newCommit()
			assert.Loosely(t, verify(c), should.Match(pending.FailedRecord(usertext.NoComment)))
		})

		t.Run("owner can't approve", func(t *ftt.Test) {
			c := newCommit()
			c.Messages = []pending.Message{{Sender: "author@chromium.org", Text: "lgtm", Approval: true}}
			assert.Loosely(t, verify(c), should.Match(pending.FailedRecord(usertext.NoLGTM)))
		})

		t.Run("denied reviewer", func(t *ftt.Test) {
			c := newCommit()
			c.Messages = []pending.Message{{Sender: "bad@chromium.org", Approval: true}}
			assert.Loosely(t, verify(c).State, should.Equal(pending.Failed))
		})

		t.Run("reviewer not allowed", func(t *ftt.Test) {
			c := newCommit()
			c.Messages = []pending.Message{{Sender: "someone@example.com", Approval: true}}
			assert.Loosely(t, verify(c).State, should.Equal(pending.Failed))
		})

		t.Run("TBR", func(t *ftt.Test) {
			t.Run("from a committer", func(t *ftt.Test) {
				c := newCommit()
				c.Reviewers = nil
				c.Description = "Revert.\n\nTBR=reviewer@chromium.org\nBUG=1"
				assert.Loosely(t, verify(c).State, should.Equal(pending.Succeeded))
			})
			t.Run("from a non committer", func(t *ftt.Test) {
				c := newCommit()
				c.Owner = "someone@example.com"
				c.Reviewers = nil
				c.Description = "TBR=reviewer@chromium.org"
				assert.Loosely(t, verify(c), should.Match(pending.FailedRecord(usertext.NoReviewer)))
			})
			t.Run("not at the start of a line", func(t *ftt.Test) {
				c := newCommit()
				c.Reviewers = nil
				c.Description = "Not TBR=reviewer@chromium.org"
				assert.Loosely(t, verify(c).State, should.Equal(pending.Failed))
			})
		})

		t.Run("patterns match a prefix", func(t *ftt.Test) {
			v, err := New([]string{`rev`}, nil)
			assert.NoErr(t, err)
			c := newCommit()
			c.Messages = []pending.Message{{Sender: "reviewer@chromium.org", Approval: true}}
			assert.NoErr(t, v.Verify(ctx, c))
			assert.Loosely(t, c.Record(Name).State, should.Equal(pending.Succeeded))

			v, err = New([]string{`chromium`}, nil)
			assert.NoErr(t, err)
			c = newCommit()
			c.Messages = []pending.Message{{Sender: "reviewer@chromium.org", Approval: true}}
			assert.NoErr(t, v.Verify(ctx, c))
			assert.Loosely(t, c.Record(Name).State, should.Equal(pending.Failed))
		})

		t.Run("invalid pattern", func(t *ftt.Test) {
			_, err := New([]string{`(`}, nil)
			assert.Loosely(t, err, should.ErrLike("invalid reviewer pattern"))
		})
	})
}
