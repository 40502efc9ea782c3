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
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/commitqueue/internal/checkout"
	"go.chromium.org/commitqueue/internal/pending"
	"go.chromium.org/commitqueue/internal/rietveld"
	"go.chromium.org/commitqueue/internal/rietveld/rietveldfake"
	"go.chromium.org/commitqueue/internal/status"
	"go.chromium.org/commitqueue/internal/store"
	"go.chromium.org/commitqueue/internal/usertext"
	"go.chromium.org/commitqueue/internal/verification"
)

type fakeVerifier struct {
	verification.Base

	name     string
	state    pending.State
	msg      string
	postpone bool
	update   func(queue []*pending.Commit) error
	calls    int
}

func (f *fakeVerifier) Name() string { return f.name }

func (f *fakeVerifier) Verify(ctx context.Context, c *pending.Commit) error {
	f.calls++
	c.SetRecord(f.name, &pending.Record{State: f.state, ErrorMessage: f.msg})
	return nil
}

func (f *fakeVerifier) UpdateStatus(ctx context.Context, queue []*pending.Commit) error {
	if f.update != nil {
		return f.update(queue)
	}
	return nil
}

func (f *fakeVerifier) Postpone(ctx context.Context, c *pending.Commit) (bool, error) {
	return f.postpone, nil
}

type fakeGate struct {
	closed bool
}

func (g *fakeGate) Name() string { return "gate" }

func (g *fakeGate) Postpone(ctx context.Context) (bool, error) { return g.closed, nil }

func (g *fakeGate) WhyNot() string {
	if g.closed {
		return "Tree is currently not open: broken"
	}
	return ""
}

type testEnv struct {
	ctx    context.Context
	tc     testclock.TestClock
	review *rietveldfake.Fake
	co     *checkout.Fake
	status *status.Store
	store  store.Store
	pre    *fakeVerifier
	post   *fakeVerifier
	gate   *fakeGate
	pm     *PendingManager
}

func setup(t testing.TB) *testEnv {
	ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
	e := &testEnv{
		ctx:    ctx,
		tc:     tc,
		review: rietveldfake.New(),
		co:     &checkout.Fake{Name: "chromium", Path: t.TempDir()},
		status: &status.Store{BaseURL: "https://status.example.com"},
		store:  store.File{Path: filepath.Join(t.TempDir(), "queue.json")},
		pre:    &fakeVerifier{name: "pre", state: pending.Succeeded},
		post:   &fakeVerifier{name: "post", state: pending.Succeeded},
		gate:   &fakeGate{},
	}
	pm, err := New(Options{
		Project:          "chromium",
		Review:           e.review,
		Checkout:         e.co,
		Status:           e.status,
		Store:            e.store,
		PrePatch:         []verification.Verifier{e.pre},
		PostPatch:        []verification.Verifier{e.post},
		Gates:            []verification.Gate{e.gate},
		MaxCommitBurst:   4,
		CommitBurstDelay: 10 * time.Minute,
	})
	assert.NoErr(t, err)
	e.pm = pm
	return e
}

func description(issue int64) string {
	return fmt.Sprintf("Fix %d.\n\nBUG=1", issue)
}

func (e *testEnv) addIssue(issue int64) {
	e.review.PutIssue(&rietveld.Issue{
		Issue:       issue,
		Owner:       "author@example.com",
		Reviewers:   []string{"reviewer@example.com", e.review.Email()},
		Patchsets:   []int64{1, 2},
		Description: fmt.Sprintf("Fix %d.\r\n\r\nBUG=1", issue),
		Messages: []pending.Message{
			{Sender: "reviewer@example.com", Text: "lgtm", Approval: true},
		},
		Commit: true,
	})
	e.review.PutPatch(issue, 2, &rietveld.Patch{
		Diff:  []byte("--- a/foo.cc\n+++ b/foo.cc\n"),
		Files: []string{"foo.cc"},
	})
}

func (e *testEnv) comments(issue int64) []string {
	var ret []string
	for _, a := range e.review.ActionsOf("comment") {
		if a.Issue == issue {
			ret = append(ret, a.Value)
		}
	}
	return ret
}

func (e *testEnv) packets() []string {
	var ret []string
	for _, p := range e.status.Packets() {
		v, _ := p["verification"].(string)
		ret = append(ret, v)
	}
	return ret
}

func trying(issue int64) string {
	return usertext.TryingPatch("https://status.example.com", "author@example.com", issue, 2)
}

func TestNew(t *testing.T) {
	t.Parallel()

	ftt.Run("New", t, func(t *ftt.Test) {
		opts := Options{
			Review:   rietveldfake.New(),
			Checkout: &checkout.Fake{},
		}

		t.Run("requires verifiers", func(t *ftt.Test) {
			_, err := New(opts)
			assert.Loosely(t, err, should.ErrLike("at least one verifier"))
		})

		t.Run("rejects duplicate names", func(t *ftt.Test) {
			opts.PrePatch = []verification.Verifier{&fakeVerifier{name: "a"}}
			opts.PostPatch = []verification.Verifier{&fakeVerifier{name: "a"}}
			_, err := New(opts)
			assert.Loosely(t, err, should.ErrLike(`duplicate verifier name "a"`))
		})

		t.Run("requires a checkout", func(t *ftt.Test) {
			opts.Checkout = nil
			opts.PrePatch = []verification.Verifier{&fakeVerifier{name: "a"}}
			_, err := New(opts)
			assert.Loosely(t, err, should.ErrLike("checkout is required"))
		})
	})
}

func TestLookForNewPendingCommit(t *testing.T) {
	t.Parallel()

	ftt.Run("LookForNewPendingCommit", t, func(t *ftt.Test) {
		t.Run("adds new issues", func(t *ftt.Test) {
			e := setup(t)
			e.addIssue(1)
			e.review.PutIssue(&rietveld.Issue{Issue: 2, Commit: true})

			e.pm.LookForNewPendingCommit(e.ctx)
			assert.Loosely(t, e.pm.Queue.Len(), should.Equal(1))
			c := e.pm.Queue.Get(1)
			assert.Loosely(t, c.Patchset, should.Equal(int64(2)))
			assert.Loosely(t, c.Owner, should.Equal("author@example.com"))
			assert.Loosely(t, c.Description, should.Equal(description(1)))
			assert.Loosely(t, c.Created.Equal(testclock.TestRecentTimeUTC), should.BeTrue)
			assert.Loosely(t, c.State(), should.Equal(pending.Processing))

			// Already tracked.
			e.pm.LookForNewPendingCommit(e.ctx)
			assert.Loosely(t, e.pm.Queue.Len(), should.Equal(1))
		})

		t.Run("flushes unchecked issues", func(t *ftt.Test) {
			e := setup(t)
			e.addIssue(1)
			e.pm.LookForNewPendingCommit(e.ctx)
			e.review.MutateIssue(1, func(i *rietveld.Issue) { i.Commit = false })

			e.pm.LookForNewPendingCommit(e.ctx)
			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.review.ActionsOf("flag:commit"), should.BeEmpty)
			assert.Loosely(t, e.review.ActionsOf("comment"), should.BeEmpty)
			assert.Loosely(t, e.packets(), should.Match([]string{"abort"}))
			payload := e.status.Packets()[0]["payload"].(map[string]any)
			assert.Loosely(t, payload["output"], should.Equal(usertext.CQBitUnchecked))
		})

		t.Run("review errors are swallowed", func(t *ftt.Test) {
			e := setup(t)
			e.addIssue(1)
			e.review.FailNext(errors.New("boom"))
			e.pm.LookForNewPendingCommit(e.ctx)
			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
		})
	})
}

func TestCycle(t *testing.T) {
	t.Parallel()

	ftt.Run("Cycle", t, func(t *ftt.Test) {
		t.Run("commits a verified change", func(t *ftt.Test) {
			e := setup(t)
			e.addIssue(1)
			e.pm.Cycle(e.ctx)

			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.pre.calls, should.Equal(1))
			assert.Loosely(t, e.post.calls, should.Equal(1))
			// Once to verify, once to commit.
			assert.Loosely(t, e.co.Applied(), should.HaveLength(2))
			assert.Loosely(t, e.co.Commits(), should.Match([]string{
				description(1) + "\n\nReview URL: https://codereview.example.com/1",
			}))

			i := e.review.GetIssue(1)
			assert.Loosely(t, i.Closed, should.BeTrue)
			assert.Loosely(t, i.Description, should.Equal(description(1)+"\n\nCommitted: FAKED"))
			assert.Loosely(t, e.comments(1), should.Match([]string{
				trying(1),
				"Change committed as FAKED",
			}))
			assert.Loosely(t, e.review.ActionsOf("flag:commit"), should.BeEmpty)
			assert.Loosely(t, e.packets(), should.Match([]string{"initial", "commit"}))
		})

		t.Run("links the revision when VIEW_VC is set", func(t *ftt.Test) {
			e := setup(t)
			e.co.Settings = map[string]string{"VIEW_VC": "https://src.example.com/viewvc?rev="}
			e.addIssue(1)
			e.pm.Cycle(e.ctx)

			assert.Loosely(t, e.review.GetIssue(1).Description, should.HaveSuffix(
				"\n\nCommitted: https://src.example.com/viewvc?rev=FAKED"))
			payload := e.status.Packets()[1]["payload"].(map[string]any)
			assert.Loosely(t, payload["url"], should.Equal("https://src.example.com/viewvc?rev=FAKED"))
		})

		t.Run("pre-patch failure", func(t *ftt.Test) {
			e := setup(t)
			e.pre.state, e.pre.msg = pending.Failed, "no LGTM"
			e.addIssue(1)
			e.pm.Cycle(e.ctx)

			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.post.calls, should.BeZero)
			assert.Loosely(t, e.co.Applied(), should.BeEmpty)
			assert.Loosely(t, e.comments(1), should.Match([]string{"no LGTM"}))
			flags := e.review.ActionsOf("flag:commit")
			assert.Loosely(t, flags, should.HaveLength(1))
			assert.Loosely(t, flags[0].Value, should.Equal("False"))
			assert.Loosely(t, e.packets(), should.Match([]string{"abort"}))
		})

		t.Run("failure without a message", func(t *ftt.Test) {
			e := setup(t)
			e.post.state = pending.Failed
			e.addIssue(1)
			e.pm.Cycle(e.ctx)

			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1), usertext.FailedNoMessage()}))
		})

		t.Run("ignored changes stay in the queue", func(t *ftt.Test) {
			e := setup(t)
			e.pre.state = pending.Ignored
			e.addIssue(1)
			e.pm.Cycle(e.ctx)
			e.pm.Cycle(e.ctx)

			c := e.pm.Queue.Get(1)
			assert.Loosely(t, c, should.NotBeNil)
			assert.Loosely(t, c.VerifierNames(), should.Match([]string{"pre"}))
			assert.Loosely(t, e.pre.calls, should.Equal(1))
			assert.Loosely(t, e.post.calls, should.BeZero)
			assert.Loosely(t, e.review.Actions(), should.BeEmpty)

			t.Run("and are flushed without resetting the commit bit", func(t *ftt.Test) {
				e.review.MutateIssue(1, func(i *rietveld.Issue) { i.Commit = false })
				e.pm.Cycle(e.ctx)
				assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
				assert.Loosely(t, e.review.Actions(), should.BeEmpty)
			})
		})

		t.Run("limits commit bursts", func(t *ftt.Test) {
			e := setup(t)
			for i := int64(1); i <= 5; i++ {
				e.addIssue(i)
			}
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.HaveLength(4))
			assert.Loosely(t, e.pm.Queue.Len(), should.Equal(1))
			assert.Loosely(t, e.pm.Queue.Get(5).State(), should.Equal(pending.Succeeded))

			e.tc.Add(5 * time.Minute)
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.HaveLength(4))

			e.tc.Add(5 * time.Minute)
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.HaveLength(5))
			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
		})

		t.Run("gates postpone commits", func(t *ftt.Test) {
			e := setup(t)
			e.gate.closed = true
			e.addIssue(1)
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.BeEmpty)
			assert.Loosely(t, e.pm.Queue.Get(1).State(), should.Equal(pending.Succeeded))

			e.gate.closed = false
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.HaveLength(1))
			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
		})

		t.Run("verifiers postpone commits", func(t *ftt.Test) {
			e := setup(t)
			e.post.postpone = true
			e.addIssue(1)
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.BeEmpty)
			assert.Loosely(t, e.pm.Queue.Len(), should.Equal(1))
		})

		t.Run("UpdateStatus can discard", func(t *ftt.Test) {
			e := setup(t)
			e.post.state = pending.Processing
			e.post.update = func(queue []*pending.Commit) error {
				var merr errors.MultiError
				for _, c := range queue {
					merr = append(merr, pending.Discard(c, "try job failed"))
				}
				return merr.AsError()
			}
			e.addIssue(1)
			e.addIssue(2)
			e.pm.Cycle(e.ctx)

			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1), "try job failed"}))
			assert.Loosely(t, e.comments(2), should.Match([]string{trying(2), "try job failed"}))
		})
	})
}

func TestPatchErrors(t *testing.T) {
	t.Parallel()

	ftt.Run("Patch errors", t, func(t *ftt.Test) {
		t.Run("patch doesn't apply", func(t *ftt.Test) {
			e := setup(t)
			e.co.ApplyErr = &checkout.PatchError{Output: "conflict in foo.cc"}
			e.addIssue(1)
			e.pm.Cycle(e.ctx)

			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.post.calls, should.BeZero)
			assert.Loosely(t, e.comments(1), should.Match([]string{
				trying(1),
				"Failed to apply the patch.\nconflict in foo.cc",
			}))
		})

		t.Run("empty diff", func(t *ftt.Test) {
			e := setup(t)
			e.addIssue(1)
			e.review.PutPatch(1, 2, &rietveld.Patch{})
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1), usertext.NoDiff}))
		})

		t.Run("no files", func(t *ftt.Test) {
			e := setup(t)
			e.addIssue(1)
			e.review.PutPatch(1, 2, &rietveld.Patch{Diff: []byte("binary")})
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1), usertext.NoFiles}))
		})

		t.Run("patch can't be fetched", func(t *ftt.Test) {
			e := setup(t)
			e.addIssue(1)
			e.review.MutateIssue(1, func(i *rietveld.Issue) { i.Patchsets = []int64{1, 3} })
			e.pm.Cycle(e.ctx)

			comments := e.comments(1)
			assert.Loosely(t, comments, should.HaveLength(2))
			assert.Loosely(t, comments[1], should.HavePrefix(usertext.PatchFetchError+"\n\n"))
			assert.Loosely(t, comments[1], should.ContainSubstring("patchset 1-3 not found"))
		})

		t.Run("checkout can't be synced", func(t *ftt.Test) {
			e := setup(t)
			e.co.PrepareErr = errors.New("network down")
			e.addIssue(1)
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.comments(1), should.Match([]string{usertext.CheckoutFailed}))
			assert.Loosely(t, e.packets(), should.Match([]string{"abort"}))
		})

		t.Run("patches apply under the project base", func(t *ftt.Test) {
			e := setup(t)
			e.addIssue(1)
			e.pm.LookForNewPendingCommit(e.ctx)
			e.pm.Queue.Get(1).Relpath = "src"
			e.pm.ProcessNewPendingCommit(e.ctx)
			assert.Loosely(t, e.pm.Queue.Get(1).Files, should.Match([]string{"src/foo.cc"}))
		})

		t.Run("unexpected commit errors", func(t *ftt.Test) {
			e := setup(t)
			e.co.CommitErr = errors.New("push rejected")
			e.addIssue(1)
			e.pm.Cycle(e.ctx)

			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1), usertext.InternalError()}))
			assert.Loosely(t, e.review.GetIssue(1).Closed, should.BeFalse)
		})
	})
}

func TestLastMinuteChecks(t *testing.T) {
	t.Parallel()

	ftt.Run("Last minute checks", t, func(t *ftt.Test) {
		// Verifies the change while the gate holds it back, then lets mutate
		// the review before opening the gate.
		verified := func(t testing.TB, mutate func(i *rietveld.Issue)) *testEnv {
			e := setup(t)
			e.gate.closed = true
			e.addIssue(1)
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.pm.Queue.Get(1).State(), should.Equal(pending.Succeeded))
			e.review.MutateIssue(1, mutate)
			e.gate.closed = false
			return e
		}

		t.Run("description changed", func(t *ftt.Test) {
			e := verified(t, func(i *rietveld.Issue) { i.Description = "Something else." })
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.BeEmpty)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1), usertext.DescriptionUpdated}))
			assert.Loosely(t, e.review.ActionsOf("flag:commit"), should.HaveLength(1))
		})

		t.Run("new patchset", func(t *ftt.Test) {
			e := verified(t, func(i *rietveld.Issue) { i.Patchsets = append(i.Patchsets, 3) })
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.BeEmpty)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1), usertext.NewPatchset}))
		})

		t.Run("drive-by reviewer", func(t *ftt.Test) {
			e := verified(t, func(i *rietveld.Issue) {
				i.Reviewers = append(i.Reviewers, "driveby@example.com")
			})
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.BeEmpty)
			assert.Loosely(t, e.comments(1), should.Match([]string{
				trying(1),
				"List of reviewers changed. driveby@example.com did a drive-by without LGTM'ing!",
			}))
		})

		t.Run("drive-by reviewer who approved", func(t *ftt.Test) {
			e := verified(t, func(i *rietveld.Issue) {
				i.Reviewers = append(i.Reviewers, "driveby@example.com")
				i.Messages = append(i.Messages, pending.Message{Sender: "driveby@example.com", Text: "lgtm", Approval: true})
			})
			e.pm.Cycle(e.ctx)
			assert.Loosely(t, e.co.Commits(), should.HaveLength(1))
		})

		t.Run("commit bit unchecked", func(t *ftt.Test) {
			e := verified(t, func(i *rietveld.Issue) { i.Commit = false })
			// Skips the lookup which would flush it.
			e.pm.ScanResults(e.ctx)
			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.co.Commits(), should.BeEmpty)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1)}))
		})

		t.Run("issue closed", func(t *ftt.Test) {
			e := verified(t, func(i *rietveld.Issue) { i.Closed = true })
			e.pm.ScanResults(e.ctx)
			assert.Loosely(t, e.pm.Queue.Len(), should.BeZero)
			assert.Loosely(t, e.co.Commits(), should.BeEmpty)
			assert.Loosely(t, e.comments(1), should.Match([]string{trying(1)}))
		})
	})
}

func TestPersistence(t *testing.T) {
	t.Parallel()

	ftt.Run("Persistence", t, func(t *ftt.Test) {
		t.Run("Save and Load", func(t *ftt.Test) {
			e := setup(t)
			e.gate.closed = true
			e.addIssue(1)
			e.pm.Cycle(e.ctx)
			assert.NoErr(t, e.pm.Save(e.ctx))

			pm, err := New(Options{
				Review:    e.review,
				Checkout:  e.co,
				Store:     e.store,
				PrePatch:  []verification.Verifier{e.pre},
				PostPatch: []verification.Verifier{e.post},
			})
			assert.NoErr(t, err)
			assert.NoErr(t, pm.Load(e.ctx))
			c := pm.Queue.Get(1)
			assert.Loosely(t, c, should.NotBeNil)
			assert.Loosely(t, c.State(), should.Equal(pending.Succeeded))
			assert.Loosely(t, c.Revision, should.Equal("FAKE"))
		})

		t.Run("Run saves the queue on exit", func(t *ftt.Test) {
			e := setup(t)
			e.gate.closed = true
			e.addIssue(1)

			ctx, cancel := context.WithCancel(e.ctx)
			defer cancel()
			sleeps := 0
			e.tc.SetTimerCallback(func(d time.Duration, tmr clock.Timer) {
				if !testclock.HasTags(tmr, LoopClockTag) {
					return
				}
				sleeps++
				if sleeps == 3 {
					cancel()
					return
				}
				e.tc.Add(d)
			})

			assert.NoErr(t, e.pm.Run(ctx, LoopOptions{PollInterval: 10 * time.Second}))
			assert.Loosely(t, sleeps, should.Equal(3))
			assert.Loosely(t, e.pre.calls, should.Equal(1))

			q, err := e.store.Load(e.ctx)
			assert.NoErr(t, err)
			assert.Loosely(t, q.Len(), should.Equal(1))
			assert.Loosely(t, q.Commits[0].Issue, should.Equal(int64(1)))
		})
	})
}

func TestBurst(t *testing.T) {
	t.Parallel()

	ftt.Run("burst", t, func(t *ftt.Test) {
		now := testclock.TestRecentTimeUTC
		b := burst{Max: 2, Delay: time.Minute}
		assert.Loosely(t, b.nextCommitETA(now).IsZero(), should.BeTrue)

		b.record(now)
		b.record(now.Add(10 * time.Second))
		assert.Loosely(t, b.nextCommitETA(now.Add(20*time.Second)), should.Match(now.Add(time.Minute)))
		assert.Loosely(t, b.nextCommitETA(now.Add(time.Minute)).IsZero(), should.BeTrue)
		assert.Loosely(t, b.History, should.HaveLength(1))

		unlimited := burst{}
		unlimited.record(now)
		assert.Loosely(t, unlimited.nextCommitETA(now).IsZero(), should.BeTrue)
	})
}
