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

package rietveld

import (
	"context"

	"go.chromium.org/luci/common/logging"
)

// OnlyIssue restricts a Client to a single issue for end-to-end testing in
// production.
//
// The issue is reported as having the commit bit set. Once the commit queue
// resets the commit bit, no issue is reported anymore.
type OnlyIssue struct {
	Client
	Issue int64
}

// PendingIssues implements Client.
func (o *OnlyIssue) PendingIssues(ctx context.Context) ([]int64, error) {
	if o.Issue == 0 {
		return nil, nil
	}
	return []int64{o.Issue}, nil
}

// IssueProperties implements Client.
func (o *OnlyIssue) IssueProperties(ctx context.Context, issue int64, messages bool) (*Issue, error) {
	ret, err := o.Client.IssueProperties(ctx, issue, messages)
	if err == nil && issue == o.Issue {
		ret.Commit = true
	}
	return ret, err
}

// SetFlag implements Client.
func (o *OnlyIssue) SetFlag(ctx context.Context, issue, patchset int64, flag, value string) error {
	if issue == o.Issue && flag == "commit" && value == "False" {
		o.Issue = 0
	}
	return o.Client.SetFlag(ctx, issue, patchset, flag, value)
}

// ReadOnly never modifies the code review instance.
//
// If Issue is set, it behaves like OnlyIssue on top of that.
type ReadOnly struct {
	Client
	Issue int64

	restricted bool
}

// NewReadOnly wraps c. onlyIssue may be 0 to see all issues.
func NewReadOnly(c Client, onlyIssue int64) *ReadOnly {
	return &ReadOnly{Client: c, Issue: onlyIssue, restricted: onlyIssue != 0}
}

// PendingIssues implements Client.
func (r *ReadOnly) PendingIssues(ctx context.Context) ([]int64, error) {
	if r.restricted {
		if r.Issue == 0 {
			return nil, nil
		}
		return []int64{r.Issue}, nil
	}
	return r.Client.PendingIssues(ctx)
}

// IssueProperties implements Client.
func (r *ReadOnly) IssueProperties(ctx context.Context, issue int64, messages bool) (*Issue, error) {
	ret, err := r.Client.IssueProperties(ctx, issue, messages)
	if err == nil && r.restricted && issue == r.Issue {
		ret.Commit = true
	}
	return ret, err
}

// AddComment implements Client.
func (r *ReadOnly) AddComment(ctx context.Context, issue int64, message string) error {
	logging.Warningf(ctx, "read-only: not commenting on issue %d: %q", issue, message)
	return nil
}

// SetFlag implements Client.
func (r *ReadOnly) SetFlag(ctx context.Context, issue, patchset int64, flag, value string) error {
	if issue == r.Issue && flag == "commit" && value == "False" {
		r.Issue = 0
	}
	logging.Warningf(ctx, "read-only: not setting %s=%s on %d-%d", flag, value, issue, patchset)
	return nil
}

// CloseIssue implements Client.
func (r *ReadOnly) CloseIssue(ctx context.Context, issue int64) error {
	logging.Warningf(ctx, "read-only: not closing issue %d", issue)
	return nil
}

// UpdateDescription implements Client.
func (r *ReadOnly) UpdateDescription(ctx context.Context, issue int64, description string) error {
	logging.Warningf(ctx, "read-only: not updating the description of issue %d", issue)
	return nil
}

// TriggerTryJobs implements Client.
func (r *ReadOnly) TriggerTryJobs(ctx context.Context, issue, patchset int64, builders []string) error {
	logging.Warningf(ctx, "read-only: not triggering %q on %d-%d", builders, issue, patchset)
	return nil
}
