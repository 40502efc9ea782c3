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

// Package rietveld implements the subset of the code review API used by the
// commit queue.
package rietveld

import (
	"context"
	"strings"

	"go.chromium.org/commitqueue/internal/pending"
)

// Client defines the subset of the code review API used by the commit queue.
type Client interface {
	// URL is the base URL of the code review instance.
	URL() string
	// Email is the account the commit queue acts as.
	Email() string

	// PendingIssues lists issues with the commit bit set on their latest
	// patchset.
	PendingIssues(ctx context.Context) ([]int64, error)
	// IssueProperties loads an issue, optionally with its messages.
	IssueProperties(ctx context.Context, issue int64, messages bool) (*Issue, error)
	// Patch fetches the diff of a patchset.
	Patch(ctx context.Context, issue, patchset int64) (*Patch, error)

	// AddComment publishes a message on the issue.
	AddComment(ctx context.Context, issue int64, message string) error
	// SetFlag sets a flag (e.g. "commit") of a patchset.
	SetFlag(ctx context.Context, issue, patchset int64, flag, value string) error
	// CloseIssue closes the issue.
	CloseIssue(ctx context.Context, issue int64) error
	// UpdateDescription replaces the issue description.
	UpdateDescription(ctx context.Context, issue int64, description string) error

	// TriggerTryJobs requests try jobs on the given builders for a patchset.
	TriggerTryJobs(ctx context.Context, issue, patchset int64, builders []string) error
	// TryJobResults returns try job results attached to the patchset.
	TryJobResults(ctx context.Context, issue, patchset int64) ([]TryJobResult, error)
}

// Issue is a code review issue.
type Issue struct {
	Issue       int64             `json:"issue"`
	Owner       string            `json:"owner_email"`
	Reviewers   []string          `json:"reviewers"`
	Patchsets   []int64           `json:"patchsets"`
	BaseURL     string            `json:"base_url"`
	Description string            `json:"description"`
	Messages    []pending.Message `json:"messages"`
	Commit      bool              `json:"commit"`
	Closed      bool              `json:"closed"`
}

// LatestPatchset returns the last uploaded patchset or 0 if none.
func (i *Issue) LatestPatchset() int64 {
	if len(i.Patchsets) == 0 {
		return 0
	}
	return i.Patchsets[len(i.Patchsets)-1]
}

// CleanDescription returns the description without carriage returns.
func (i *Issue) CleanDescription() string {
	return strings.ReplaceAll(i.Description, "\r", "")
}

// Patch is the diff of a patchset.
type Patch struct {
	// Diff is a unified diff, relative to the root of the issue's base.
	Diff []byte
	// Files lists the paths touched by Diff.
	Files []string
}

// TryJobState is the result of a try job, as reported by the build system.
type TryJobState int

// Values match the build system's result codes.
const (
	TryJobPending   TryJobState = -1
	TryJobSuccess   TryJobState = 0
	TryJobWarnings  TryJobState = 1
	TryJobFailure   TryJobState = 2
	TryJobSkipped   TryJobState = 3
	TryJobException TryJobState = 4
	TryJobRetry     TryJobState = 5
)

// Succeeded returns true for results that don't block a commit.
func (s TryJobState) Succeeded() bool {
	return s == TryJobSuccess || s == TryJobWarnings || s == TryJobSkipped
}

// Failed returns true for completed unsuccessful results.
func (s TryJobState) Failed() bool {
	return s == TryJobFailure || s == TryJobException
}

// TryJobResult is a try job attached to a patchset.
type TryJobResult struct {
	Builder     string      `json:"builder"`
	BuildNumber int64       `json:"buildnumber"`
	Result      TryJobState `json:"result"`
	URL         string      `json:"url"`
}
