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

// Package manager implements the commit queue orchestrator.
//
// A PendingManager tracks issues with the commit bit set, runs verifiers on
// them and commits the ones every verifier agrees on.
package manager

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/checkout"
	"go.chromium.org/commitqueue/internal/metrics"
	"go.chromium.org/commitqueue/internal/pending"
	"go.chromium.org/commitqueue/internal/rietveld"
	"go.chromium.org/commitqueue/internal/status"
	"go.chromium.org/commitqueue/internal/store"
	"go.chromium.org/commitqueue/internal/usertext"
	"go.chromium.org/commitqueue/internal/verification"
)

// Options configures a PendingManager.
type Options struct {
	// Project is the project name, used in metrics and logs.
	Project string

	Review   rietveld.Client
	Checkout checkout.Checkout
	// Status defaults to status.Noop.
	Status status.Notifier
	// Store persists the queue. If nil, the queue lives in memory only.
	Store store.Store

	// PrePatch verifiers run before the patch is applied.
	PrePatch []verification.Verifier
	// PostPatch verifiers run with the patch applied on the checkout.
	PostPatch []verification.Verifier
	// Gates can postpone all commits.
	Gates []verification.Gate

	// MaxCommitBurst is the number of commits allowed within
	// CommitBurstDelay. Zero disables the limit.
	MaxCommitBurst   int
	CommitBurstDelay time.Duration
}

// PendingManager owns the queue of pending commits.
//
// Not safe for concurrent use. All operations are meant to be called from a
// single loop, see Run.
type PendingManager struct {
	// Queue is the current set of pending commits.
	Queue *pending.Queue

	opts  Options
	all   []verification.Verifier
	burst burst
}

// New validates opts and returns a PendingManager with an empty queue.
func New(opts Options) (*PendingManager, error) {
	switch {
	case opts.Review == nil:
		return nil, errors.New("a review client is required")
	case opts.Checkout == nil:
		return nil, errors.New("a checkout is required")
	}
	all := make([]verification.Verifier, 0, len(opts.PrePatch)+len(opts.PostPatch))
	all = append(all, opts.PrePatch...)
	all = append(all, opts.PostPatch...)
	if len(all) == 0 {
		return nil, errors.New("at least one verifier is required")
	}
	if err := verification.CheckNames(all...); err != nil {
		return nil, err
	}
	if opts.Status == nil {
		opts.Status = status.Noop{}
	}
	return &PendingManager{
		Queue: &pending.Queue{},
		opts:  opts,
		all:   all,
		burst: burst{Max: opts.MaxCommitBurst, Delay: opts.CommitBurstDelay},
	}, nil
}

// LookForNewPendingCommit syncs the queue with the issues which have the
// commit bit set.
//
// Tracked issues which lost the commit bit are flushed. Errors are logged.
func (pm *PendingManager) LookForNewPendingCommit(ctx context.Context) {
	issues, err := pm.opts.Review.PendingIssues(ctx)
	if err != nil {
		errors.Log(ctx, errors.Annotate(err, "failed to fetch pending issues").Err())
		return
	}
	listed := make(map[int64]struct{}, len(issues))
	for _, issue := range issues {
		listed[issue] = struct{}{}
	}

	for _, c := range pm.Queue.Snapshot() {
		if _, ok := listed[c.Issue]; ok {
			continue
		}
		logging.Infof(ctx, "flushing issue %d", c.Issue)
		pm.opts.Status.Send(ctx, c, abortPacket(usertext.CQBitUnchecked))
		pm.discard(ctx, c, "", pending.Ignored)
	}

	for _, issue := range issues {
		if pm.Queue.Get(issue) != nil {
			continue
		}
		props, err := pm.opts.Review.IssueProperties(ctx, issue, true)
		if err != nil {
			errors.Log(ctx, errors.Annotate(err, "failed to fetch issue %d", issue).Err())
			continue
		}
		if len(props.Patchsets) == 0 || !props.Commit {
			continue
		}
		logging.Infof(ctx, "found new issue %d", issue)
		pm.Queue.Add(&pending.Commit{
			Issue:       props.Issue,
			Patchset:    props.LatestPatchset(),
			Owner:       props.Owner,
			Reviewers:   props.Reviewers,
			BaseURL:     props.BaseURL,
			Description: props.CleanDescription(),
			Messages:    props.Messages,
			Created:     clock.Now(ctx).UTC(),
		})
	}
}

// ProcessNewPendingCommit starts verification of commits which miss some
// verifier record.
func (pm *PendingManager) ProcessNewPendingCommit(ctx context.Context) {
	for _, c := range pm.Queue.Snapshot() {
		var missing []string
		for _, v := range pm.all {
			if c.Record(v.Name()) == nil {
				missing = append(missing, v.Name())
			}
		}
		if len(missing) == 0 || c.State() != pending.Processing {
			continue
		}
		logging.Infof(ctx, "processing issue %d, missing %q", c.Issue, missing)
		pm.handleErr(ctx, c, pm.verifyPending(ctx, c))
	}
}

// UpdateStatus lets every verifier refresh its records.
func (pm *PendingManager) UpdateStatus(ctx context.Context) {
	for _, v := range pm.all {
		// Verifiers get their own copy of the slice, discards below mutate the
		// queue.
		if err := v.UpdateStatus(ctx, pm.Queue.Snapshot()); err != nil {
			pm.handleUpdateErr(ctx, v.Name(), err)
		}
	}
}

func (pm *PendingManager) handleUpdateErr(ctx context.Context, name string, err error) {
	var merr errors.MultiError
	if errors.As(err, &merr) {
		for _, e := range merr {
			pm.handleUpdateErr(ctx, name, e)
		}
		return
	}
	if de, ok := pending.AsDiscard(err); ok {
		pm.Discard(ctx, de.Commit, de.Reason)
		return
	}
	errors.Log(ctx, errors.Annotate(err, "verifier %q failed to update", name).Err())
}

// ScanResults commits or discards the commits whose verification is done.
func (pm *PendingManager) ScanResults(ctx context.Context) {
	for _, c := range pm.Queue.Snapshot() {
		switch st := c.State(); st {
		case pending.Failed:
			msg := c.ErrorMessage()
			if msg == "" {
				msg = usertext.FailedNoMessage()
			}
			pm.Discard(ctx, c, msg)

		case pending.Succeeded:
			if pm.throttle(ctx, c) {
				continue
			}
			// Removed right away, whatever happens next.
			pm.Queue.Remove(c)
			err := pm.lastMinuteChecks(ctx, c)
			if err == nil {
				err = pm.commitPatch(ctx, c)
			}
			if err == nil {
				continue
			}
			if _, ok := pending.AsDiscard(err); ok {
				pm.handleErr(ctx, c, err)
				continue
			}
			errors.Log(ctx, errors.Annotate(err, "failed to commit %s", c.Name()).Err())
			pm.Discard(ctx, c, usertext.InternalError())

		default:
			// Ignored commits stay in the queue so they are not picked up
			// again. Their commit bit may belong to another project hosted on
			// the same review instance.
		}
	}
}

// Discard removes c from the queue, resetting its commit bit unless c is
// ignored. A non-empty msg is posted on the review and reported as an abort.
func (pm *PendingManager) Discard(ctx context.Context, c *pending.Commit, msg string) {
	pm.discard(ctx, c, msg, c.State())
}

func (pm *PendingManager) discard(ctx context.Context, c *pending.Commit, msg string, st pending.State) {
	logging.Debugf(ctx, "discarding %s: %q", c.Name(), msg)
	if st != pending.Ignored {
		if err := pm.opts.Review.SetFlag(ctx, c.Issue, c.Patchset, "commit", "False"); err != nil {
			errors.Log(ctx, errors.Annotate(err, "failed to reset the commit bit of %s", c.Name()).Err())
		}
	}
	if msg != "" {
		if err := pm.opts.Review.AddComment(ctx, c.Issue, msg); err != nil {
			errors.Log(ctx, errors.Annotate(err, "failed to comment on %s", c.Name()).Err())
		}
		pm.opts.Status.Send(ctx, c, abortPacket(msg))
	}
	pm.Queue.Remove(c)
	metrics.Public.Discarded.Add(ctx, 1, pm.opts.Project, st.String())
}

// handleErr discards c on a DiscardError and logs anything else.
func (pm *PendingManager) handleErr(ctx context.Context, c *pending.Commit, err error) {
	if err == nil {
		return
	}
	if de, ok := pending.AsDiscard(err); ok {
		if de.Commit != nil {
			c = de.Commit
		}
		pm.Discard(ctx, c, de.Reason)
		return
	}
	errors.Log(ctx, errors.Annotate(err, "failed to process %s", c.Name()).Err())
}

// Load replaces the queue with the persisted one.
func (pm *PendingManager) Load(ctx context.Context) error {
	if pm.opts.Store == nil {
		return nil
	}
	q, err := pm.opts.Store.Load(ctx)
	if err != nil {
		return err
	}
	pm.Queue = q
	logging.Infof(ctx, "loaded %d pending commits", q.Len())
	return nil
}

// Save persists the queue.
func (pm *PendingManager) Save(ctx context.Context) error {
	if pm.opts.Store == nil {
		return nil
	}
	return pm.opts.Store.Save(ctx, pm.Queue)
}

// Shutdown saves the queue and flushes the status notifier.
func (pm *PendingManager) Shutdown(ctx context.Context) error {
	err := pm.Save(ctx)
	pm.opts.Status.Close(ctx)
	return err
}

func abortPacket(msg string) status.Packet {
	return status.Packet{
		"verification": "abort",
		"payload":      map[string]any{"output": msg},
	}
}
