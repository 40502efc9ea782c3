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

// Package tryjob requires the patch to pass on the try server.
package tryjob

import (
	"context"
	"fmt"
	"sort"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/metrics"
	"go.chromium.org/commitqueue/internal/pending"
	"go.chromium.org/commitqueue/internal/rietveld"
	"go.chromium.org/commitqueue/internal/status"
	"go.chromium.org/commitqueue/internal/verification"
)

// Name is the name of the verifier.
const Name = "try job"

// Job is the state of one builder for a pending commit.
type Job struct {
	BuildNumber int64                `json:"build_number,omitempty"`
	Result      rietveld.TryJobState `json:"result"`
	URL         string               `json:"url,omitempty"`
	// Retries counts how many times the builder was re-triggered.
	Retries int `json:"retries,omitempty"`
	// Baseline is the last build which predates the current attempt. Results
	// of builds up to it are ignored.
	Baseline int64 `json:"baseline,omitempty"`
}

// Jobs is the record details, keyed by builder name.
type Jobs map[string]*Job

// Options configures the Verifier.
type Options struct {
	Builders []string
	// MaxRetries is how many times a failed builder is re-triggered before
	// the commit fails.
	MaxRetries int
	Review     rietveld.Client
	Status     status.Notifier
}

// Verifier triggers try jobs and polls their results.
type Verifier struct {
	opts Options
}

var _ verification.Verifier = (*Verifier)(nil)

// New returns a try job Verifier.
func New(opts Options) *Verifier {
	opts.Builders = append([]string(nil), opts.Builders...)
	sort.Strings(opts.Builders)
	return &Verifier{opts: opts}
}

// Name implements verification.Verifier.
func (v *Verifier) Name() string { return Name }

// Verify implements verification.Verifier.
//
// Triggers all the builders and leaves the record in Processing state.
func (v *Verifier) Verify(ctx context.Context, c *pending.Commit) error {
	// Builds of an earlier attempt on the same patchset must not count.
	previous, err := v.opts.Review.TryJobResults(ctx, c.Issue, c.Patchset)
	if err != nil {
		return errors.Annotate(err, "failed to fetch try job results of %s", c.Name()).Err()
	}
	if err := v.opts.Review.TriggerTryJobs(ctx, c.Issue, c.Patchset, v.opts.Builders); err != nil {
		return errors.Annotate(err, "failed to trigger try jobs for %s", c.Name()).Err()
	}
	jobs := make(Jobs, len(v.opts.Builders))
	for _, b := range v.opts.Builders {
		jobs[b] = &Job{Result: rietveld.TryJobPending}
	}
	for _, res := range previous {
		if job := jobs[res.Builder]; job != nil && res.BuildNumber > job.Baseline {
			job.Baseline = res.BuildNumber
		}
	}
	r := &pending.Record{State: pending.Processing}
	if err := r.SetDetails(jobs); err != nil {
		return err
	}
	c.SetRecord(Name, r)
	v.send(ctx, c, status.Packet{"builders": v.opts.Builders})
	return nil
}

// UpdateStatus implements verification.Verifier.
func (v *Verifier) UpdateStatus(ctx context.Context, queue []*pending.Commit) error {
	var errs errors.MultiError
	for _, c := range verification.Processing(queue, Name) {
		if err := v.update(ctx, c, c.Record(Name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.AsError()
}

func (v *Verifier) update(ctx context.Context, c *pending.Commit, r *pending.Record) error {
	jobs := Jobs{}
	if err := r.LoadDetails(&jobs); err != nil {
		return err
	}
	results, err := v.opts.Review.TryJobResults(ctx, c.Issue, c.Patchset)
	if err != nil {
		return errors.Annotate(err, "failed to fetch try job results of %s", c.Name()).Err()
	}

	// Only the most recent build of each builder matters.
	latest := map[string]rietveld.TryJobResult{}
	for _, res := range results {
		if cur, ok := latest[res.Builder]; !ok || res.BuildNumber > cur.BuildNumber {
			latest[res.Builder] = res
		}
	}

	var retrigger []string
	succeeded := 0
	for _, b := range v.opts.Builders {
		job := jobs[b]
		if job == nil {
			job = &Job{Result: rietveld.TryJobPending}
			jobs[b] = job
		}
		res, ok := latest[b]
		if !ok || res.BuildNumber <= job.Baseline {
			// Not started yet or the retry didn't start yet.
			if job.Result.Succeeded() {
				succeeded++
			}
			continue
		}
		job.BuildNumber, job.Result, job.URL = res.BuildNumber, res.Result, res.URL
		switch {
		case res.Result.Succeeded():
			succeeded++
		case res.Result.Failed():
			if job.Retries >= v.opts.MaxRetries {
				msg := fmt.Sprintf("Try job failure for %s on %s: %s", c.Name(), b, res.URL)
				*r = *pending.FailedRecord(msg)
				metrics.Public.Verifications.Add(ctx, 1, Name, pending.Failed.String())
				v.send(ctx, c, status.Packet{"builder": b, "url": res.URL, "result": int(res.Result)})
				return nil
			}
			job.Retries++
			job.Baseline = res.BuildNumber
			retrigger = append(retrigger, b)
		}
	}

	if len(retrigger) > 0 {
		logging.Infof(ctx, "retrying %q for %s", retrigger, c.Name())
		if err := v.opts.Review.TriggerTryJobs(ctx, c.Issue, c.Patchset, retrigger); err != nil {
			return errors.Annotate(err, "failed to retry try jobs for %s", c.Name()).Err()
		}
	}
	if err := r.SetDetails(jobs); err != nil {
		return err
	}
	if succeeded == len(v.opts.Builders) {
		r.State = pending.Succeeded
		metrics.Public.Verifications.Add(ctx, 1, Name, pending.Succeeded.String())
		v.send(ctx, c, status.Packet{"result": "success"})
	}
	return nil
}

// Postpone implements verification.Verifier.
func (v *Verifier) Postpone(context.Context, *pending.Commit) (bool, error) {
	return false, nil
}

func (v *Verifier) send(ctx context.Context, c *pending.Commit, payload status.Packet) {
	if v.opts.Status == nil {
		return
	}
	v.opts.Status.Send(ctx, c, status.Packet{
		"verification": Name,
		"payload":      payload,
	})
}
