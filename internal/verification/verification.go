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

// Package verification defines the policies gating the landing of a pending
// commit.
package verification

import (
	"context"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/commitqueue/internal/pending"
)

// Verifier is a policy gating the landing of pending commits.
//
// A Verifier only ever touches the record stored under its own name.
type Verifier interface {
	// Name is the unique key of the verifier's records.
	Name() string
	// Verify runs once per pending commit and must store a record under
	// Name().
	//
	// May block for a bounded amount of time. May return a
	// *pending.DiscardError.
	Verify(ctx context.Context, c *pending.Commit) error
	// UpdateStatus is called on every cycle with a snapshot of the queue to
	// refresh records which depend on external resources.
	UpdateStatus(ctx context.Context, queue []*pending.Commit) error
	// Postpone returns true if the commit must not be committed right now even
	// though its combined state is Succeeded.
	Postpone(ctx context.Context, c *pending.Commit) (bool, error)
}

// Gate is a global admission check consulted right before landing.
//
// Gates hold no per-commit state.
type Gate interface {
	Name() string
	// Postpone returns true if nothing may be committed right now.
	Postpone(ctx context.Context) (bool, error)
	// WhyNot explains the last postponement.
	WhyNot() string
}

// Base implements the optional parts of Verifier for verifiers without
// asynchronous behavior.
type Base struct{}

// UpdateStatus implements Verifier.
func (Base) UpdateStatus(context.Context, []*pending.Commit) error { return nil }

// Postpone implements Verifier.
func (Base) Postpone(context.Context, *pending.Commit) (bool, error) { return false, nil }

// CheckNames returns an error if verifier names are not unique.
func CheckNames(verifiers ...Verifier) error {
	seen := stringset.New(len(verifiers))
	for _, v := range verifiers {
		if !seen.Add(v.Name()) {
			return errors.Reason("duplicate verifier name %q", v.Name()).Err()
		}
	}
	return nil
}

// Processing returns the commits for which the named verifier has a record in
// Processing state.
func Processing(queue []*pending.Commit, name string) []*pending.Commit {
	var ret []*pending.Commit
	for _, c := range queue {
		if r := c.Record(name); r != nil && r.State == pending.Processing {
			ret = append(ret, c)
		}
	}
	return ret
}
