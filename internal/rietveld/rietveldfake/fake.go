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

// Package rietveldfake implements an in-memory code review instance for
// tests.
package rietveldfake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/commitqueue/internal/rietveld"
)

// Action is a write recorded by Fake.
type Action struct {
	Kind     string
	Issue    int64
	Patchset int64
	Value    string
}

// Fake is an in-memory rietveld.Client.
//
// Safe for concurrent use.
type Fake struct {
	BaseURL string
	User    string

	m        sync.Mutex
	issues   map[int64]*rietveld.Issue
	patches  map[string]*rietveld.Patch
	tryJobs  map[string][]rietveld.TryJobResult
	actions  []Action
	failNext error
}

var _ rietveld.Client = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		BaseURL: "https://codereview.example.com",
		User:    "commit-bot@example.com",
		issues:  map[int64]*rietveld.Issue{},
		patches: map[string]*rietveld.Patch{},
		tryJobs: map[string][]rietveld.TryJobResult{},
	}
}

func key(issue, patchset int64) string {
	return fmt.Sprintf("%d-%d", issue, patchset)
}

// PutIssue adds or replaces an issue.
func (f *Fake) PutIssue(i *rietveld.Issue) {
	f.m.Lock()
	defer f.m.Unlock()
	cpy := *i
	f.issues[i.Issue] = &cpy
}

// MutateIssue applies cb to a stored issue.
func (f *Fake) MutateIssue(issue int64, cb func(i *rietveld.Issue)) {
	f.m.Lock()
	defer f.m.Unlock()
	cb(f.issues[issue])
}

// GetIssue returns a copy of a stored issue.
func (f *Fake) GetIssue(issue int64) *rietveld.Issue {
	f.m.Lock()
	defer f.m.Unlock()
	cpy := *f.issues[issue]
	return &cpy
}

// PutPatch sets the diff of a patchset.
func (f *Fake) PutPatch(issue, patchset int64, p *rietveld.Patch) {
	f.m.Lock()
	defer f.m.Unlock()
	f.patches[key(issue, patchset)] = p
}

// PutTryJobs sets try job results of a patchset.
func (f *Fake) PutTryJobs(issue, patchset int64, results ...rietveld.TryJobResult) {
	f.m.Lock()
	defer f.m.Unlock()
	f.tryJobs[key(issue, patchset)] = results
}

// FailNext makes the next call fail with err.
func (f *Fake) FailNext(err error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.failNext = err
}

// Actions returns all recorded writes.
func (f *Fake) Actions() []Action {
	f.m.Lock()
	defer f.m.Unlock()
	return append([]Action(nil), f.actions...)
}

// ActionsOf returns recorded writes of the given kind.
func (f *Fake) ActionsOf(kind string) []Action {
	var ret []Action
	for _, a := range f.Actions() {
		if a.Kind == kind {
			ret = append(ret, a)
		}
	}
	return ret
}

func (f *Fake) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

// URL implements rietveld.Client.
func (f *Fake) URL() string { return f.BaseURL }

// Email implements rietveld.Client.
func (f *Fake) Email() string { return f.User }

// PendingIssues implements rietveld.Client.
func (f *Fake) PendingIssues(ctx context.Context) ([]int64, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	var ret []int64
	for id, i := range f.issues {
		if i.Commit && !i.Closed {
			ret = append(ret, id)
		}
	}
	sort.Slice(ret, func(a, b int) bool { return ret[a] < ret[b] })
	return ret, nil
}

// IssueProperties implements rietveld.Client.
func (f *Fake) IssueProperties(ctx context.Context, issue int64, messages bool) (*rietveld.Issue, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	i, ok := f.issues[issue]
	if !ok {
		return nil, errors.Reason("issue %d not found", issue).Err()
	}
	cpy := *i
	if !messages {
		cpy.Messages = nil
	}
	return &cpy, nil
}

// Patch implements rietveld.Client.
func (f *Fake) Patch(ctx context.Context, issue, patchset int64) (*rietveld.Patch, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	p, ok := f.patches[key(issue, patchset)]
	if !ok {
		return nil, errors.Reason("patchset %d-%d not found", issue, patchset).Err()
	}
	return p, nil
}

func (f *Fake) record(a Action, mutate func(i *rietveld.Issue)) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.actions = append(f.actions, a)
	if i, ok := f.issues[a.Issue]; ok && mutate != nil {
		mutate(i)
	}
	return nil
}

// AddComment implements rietveld.Client.
func (f *Fake) AddComment(ctx context.Context, issue int64, message string) error {
	return f.record(Action{Kind: "comment", Issue: issue, Value: message}, nil)
}

// SetFlag implements rietveld.Client.
func (f *Fake) SetFlag(ctx context.Context, issue, patchset int64, flag, value string) error {
	return f.record(Action{Kind: "flag:" + flag, Issue: issue, Patchset: patchset, Value: value}, func(i *rietveld.Issue) {
		if flag == "commit" {
			i.Commit = value == "True"
		}
	})
}

// CloseIssue implements rietveld.Client.
func (f *Fake) CloseIssue(ctx context.Context, issue int64) error {
	return f.record(Action{Kind: "close", Issue: issue}, func(i *rietveld.Issue) {
		i.Closed = true
	})
}

// UpdateDescription implements rietveld.Client.
func (f *Fake) UpdateDescription(ctx context.Context, issue int64, description string) error {
	return f.record(Action{Kind: "description", Issue: issue, Value: description}, func(i *rietveld.Issue) {
		i.Description = description
	})
}

// TriggerTryJobs implements rietveld.Client.
func (f *Fake) TriggerTryJobs(ctx context.Context, issue, patchset int64, builders []string) error {
	for _, b := range builders {
		if err := f.record(Action{Kind: "try", Issue: issue, Patchset: patchset, Value: b}, nil); err != nil {
			return err
		}
	}
	return nil
}

// TryJobResults implements rietveld.Client.
func (f *Fake) TryJobResults(ctx context.Context, issue, patchset int64) ([]rietveld.TryJobResult, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	return append([]rietveld.TryJobResult(nil), f.tryJobs[key(issue, patchset)]...), nil
}
