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
	"path"
	"strings"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/checkout"
	"go.chromium.org/commitqueue/internal/metrics"
	"go.chromium.org/commitqueue/internal/pending"
	"go.chromium.org/commitqueue/internal/status"
	"go.chromium.org/commitqueue/internal/usertext"
	"go.chromium.org/commitqueue/internal/verification"
)

// verifyPending runs all verifiers on c.
//
// The patch is only applied when some verifier needs it. It is applied again
// at commit time anyway.
func (pm *PendingManager) verifyPending(ctx context.Context, c *pending.Commit) error {
	switch done, err := pm.runVerifiers(ctx, c, pm.opts.PrePatch); {
	case err != nil:
		return err
	case !done:
		return nil
	}

	if len(pm.opts.PostPatch) > 0 {
		if err := pm.prepareForPatch(ctx, c); err != nil {
			return err
		}
	}

	// Sent after syncing but before applying the patch.
	pm.opts.Status.Send(ctx, c, status.Packet{
		"verification": "initial",
		"payload":      map[string]any{"revision": c.Revision},
	})
	msg := usertext.TryingPatch(pm.opts.Status.URL(), c.Owner, c.Issue, c.Patchset)
	if err := pm.opts.Review.AddComment(ctx, c.Issue, msg); err != nil {
		return errors.Annotate(err, "failed to comment on %s", c.Name()).Err()
	}

	if len(pm.opts.PostPatch) == 0 {
		return nil
	}
	if err := pm.applyPatch(ctx, c, false); err != nil {
		return err
	}
	_, err := pm.runVerifiers(ctx, c, pm.opts.PostPatch)
	return err
}

// runVerifiers runs verifiers in order on c.
//
// Returns false if c got ignored, in which case only the ignoring record is
// kept. A failure is returned as a DiscardError.
func (pm *PendingManager) runVerifiers(ctx context.Context, c *pending.Commit, verifiers []verification.Verifier) (bool, error) {
	for _, v := range verifiers {
		name := v.Name()
		if c.Record(name) != nil {
			logging.Warningf(ctx, "re-running verifier %q on issue %d", name, c.Issue)
		}
		if err := v.Verify(ctx, c); err != nil {
			return false, err
		}
		r := c.Record(name)
		if r == nil {
			return false, errors.Reason("verifier %q did not store a record on %s", name, c.Name()).Err()
		}
		metrics.Public.Verifications.Add(ctx, 1, name, r.State.String())

		switch c.State() {
		case pending.Ignored:
			// Only the ignoring record is kept so the issue isn't tried
			// again while it stays in the queue.
			c.ResetVerifications()
			c.SetRecord(name, r)
			return false, nil
		case pending.Failed:
			msg := c.ErrorMessage()
			if msg == "" {
				msg = usertext.FailedNoMessage()
			}
			return false, pending.Discard(c, msg)
		}
	}
	return true, nil
}

// prepareForPatch syncs the checkout at c.Revision, HEAD if unset.
func (pm *PendingManager) prepareForPatch(ctx context.Context, c *pending.Commit) error {
	rev, err := pm.opts.Checkout.Prepare(ctx, c.Revision)
	if err != nil {
		errors.Log(ctx, errors.Annotate(err, "failed to sync the checkout for %s", c.Name()).Err())
	}
	if err != nil || rev == "" {
		return pending.Discard(c, usertext.CheckoutFailed)
	}
	c.Revision = rev
	return nil
}

// applyPatch fetches the patch of c and applies it on the checkout.
func (pm *PendingManager) applyPatch(ctx context.Context, c *pending.Commit, prepare bool) error {
	if prepare {
		if err := pm.prepareForPatch(ctx, c); err != nil {
			return err
		}
	}
	p, err := pm.opts.Review.Patch(ctx, c.Issue, c.Patchset)
	if err != nil {
		return pending.Discard(c, fmt.Sprintf("%s\n\n%s", usertext.PatchFetchError, err))
	}
	if len(p.Diff) == 0 {
		return pending.Discard(c, usertext.NoDiff)
	}
	files := make([]string, len(p.Files))
	for i, f := range p.Files {
		files[i] = path.Join(c.Relpath, f)
	}
	c.Files = files
	if len(c.Files) == 0 {
		return pending.Discard(c, usertext.NoFiles)
	}

	if err := pm.opts.Checkout.ApplyPatch(ctx, p.Diff, c.Relpath); err != nil {
		var perr *checkout.PatchError
		if errors.As(err, &perr) {
			return pending.Discard(c, perr.Error())
		}
		errors.Log(ctx, errors.Annotate(err, "failed to apply %s", c.Name()).Err())
		return pending.Discard(c, usertext.ApplyFailed)
	}
	return nil
}

// throttle returns true if c must not be committed yet.
func (pm *PendingManager) throttle(ctx context.Context, c *pending.Commit) bool {
	for _, v := range pm.all {
		switch postpone, err := v.Postpone(ctx, c); {
		case err != nil:
			errors.Log(ctx, errors.Annotate(err, "verifier %q failed to decide on %s", v.Name(), c.Name()).Err())
			return true
		case postpone:
			logging.Debugf(ctx, "%s postponed by %q", c.Name(), v.Name())
			return true
		}
	}
	for _, g := range pm.opts.Gates {
		postpone, err := g.Postpone(ctx)
		if err != nil {
			errors.Log(ctx, errors.Annotate(err, "gate %q", g.Name()).Err())
		}
		if postpone || err != nil {
			logging.Infof(ctx, "%s postponed: %s", c.Name(), g.WhyNot())
			return true
		}
	}
	if eta := pm.burst.nextCommitETA(clock.Now(ctx)); !eta.IsZero() {
		logging.Infof(ctx, "%s postponed: commit burst reached, next commit at %s", c.Name(), eta)
		return true
	}
	return false
}

// lastMinuteChecks verifies on the review that c can still be committed.
func (pm *PendingManager) lastMinuteChecks(ctx context.Context, c *pending.Commit) error {
	props, err := pm.opts.Review.IssueProperties(ctx, c.Issue, true)
	if err != nil {
		return errors.Annotate(err, "failed to fetch issue %d", c.Issue).Err()
	}
	switch {
	case !props.Commit, props.Closed:
		return pending.Discard(c, "")
	case props.CleanDescription() != c.Description:
		return pending.Discard(c, usertext.DescriptionUpdated)
	}

	bot := pm.opts.Review.Email()
	expected := stringset.NewFromSlice(c.Reviewers...)
	expected.Del(bot)
	actual := stringset.NewFromSlice(props.Reviewers...)
	actual.Del(bot)
	approvers := stringset.New(len(props.Messages))
	for _, m := range props.Messages {
		if m.Approval {
			approvers.Add(m.Sender)
		}
	}
	// Drive-by reviewers who approved are fine.
	driveBy := actual.Difference(expected).Difference(approvers)
	if driveBy.Len() > 0 {
		return pending.Discard(c, usertext.DriveBy(driveBy.ToSortedSlice()))
	}

	if c.Patchset != props.LatestPatchset() {
		return pending.Discard(c, usertext.NewPatchset)
	}
	return nil
}

// commitPatch applies c on HEAD, commits it and closes the issue.
func (pm *PendingManager) commitPatch(ctx context.Context, c *pending.Commit) error {
	c.Revision = ""
	if err := pm.applyPatch(ctx, c, true); err != nil {
		return err
	}
	msg := fmt.Sprintf("%s\n\nReview URL: %s/%d", c.Description, pm.opts.Review.URL(), c.Issue)
	rev, err := pm.opts.Checkout.Commit(ctx, msg, c.Owner)
	if err != nil {
		var perr *checkout.PatchError
		if errors.As(err, &perr) {
			return pending.Discard(c, perr.Error())
		}
		return errors.Annotate(err, "failed to commit %s", c.Name()).Err()
	}
	pm.burst.record(clock.Now(ctx))
	if rev == "" {
		return pending.Discard(c, usertext.CommitFailed)
	}
	c.Revision = rev
	logging.Infof(ctx, "committed %s as %s", c.Name(), rev)
	metrics.Public.Committed.Add(ctx, 1, pm.opts.Project)
	pm.closeIssue(ctx, c)
	return nil
}

// closeIssue closes the issue of the landed commit c.
//
// Errors are only logged, the change landed anyway.
func (pm *PendingManager) closeIssue(ctx context.Context, c *pending.Commit) {
	viewVC := pm.opts.Checkout.Setting("VIEW_VC")
	msg := usertext.Committed(c.Revision, viewVC)
	url := ""
	if viewVC != "" {
		url = strings.TrimSuffix(viewVC, "/") + c.Revision
	}
	pm.opts.Status.Send(ctx, c, status.Packet{
		"verification": "commit",
		"payload": map[string]any{
			"revision": c.Revision,
			"output":   msg,
			"url":      url,
		},
	})

	var merr errors.MultiError
	if err := pm.opts.Review.CloseIssue(ctx, c.Issue); err != nil {
		merr = append(merr, errors.Annotate(err, "failed to close issue %d", c.Issue).Err())
	}
	if err := pm.opts.Review.UpdateDescription(ctx, c.Issue, c.Description+"\n\n"+msg); err != nil {
		merr = append(merr, errors.Annotate(err, "failed to update the description of issue %d", c.Issue).Err())
	}
	if err := pm.opts.Review.AddComment(ctx, c.Issue, usertext.ChangeCommitted(c.Revision)); err != nil {
		merr = append(merr, errors.Annotate(err, "failed to comment on issue %d", c.Issue).Err())
	}
	if err := merr.AsError(); err != nil {
		errors.Log(ctx, err)
	}
}
