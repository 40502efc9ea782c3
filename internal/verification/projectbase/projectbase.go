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

// Package projectbase ignores changes which don't belong to the project.
//
// Many projects share a single review instance. A change is recognized by the
// base URL of the repository it was uploaded against.
package projectbase

import (
	"context"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/pending"
	"go.chromium.org/commitqueue/internal/verification"
)

// Name is the name of the verifier.
const Name = "project_bases"

// Verifier matches the base URL of a change against the project bases.
type Verifier struct {
	verification.Base

	bases []*regexp.Regexp
}

var _ verification.Verifier = (*Verifier)(nil)

// New compiles the project base patterns.
//
// The first capture group of the matching pattern, if any, is the path of the
// change relative to the checkout root.
func New(patterns []string) (*Verifier, error) {
	v := &Verifier{bases: make([]*regexp.Regexp, len(patterns))}
	for i, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			return nil, errors.Annotate(err, "invalid project base %q", p).Err()
		}
		v.bases[i] = re
	}
	return v, nil
}

// Name implements verification.Verifier.
func (v *Verifier) Name() string { return Name }

// Verify implements verification.Verifier.
func (v *Verifier) Verify(ctx context.Context, c *pending.Commit) error {
	for _, re := range v.bases {
		m := re.FindStringSubmatch(c.BaseURL)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			c.Relpath = strings.Trim(m[1], "/")
		}
		logging.Debugf(ctx, "%s matched %q, relpath %q", c.Name(), re, c.Relpath)
		c.SetRecord(Name, pending.SucceededRecord())
		return nil
	}
	logging.Infof(ctx, "%s has unknown base url %q, ignoring", c.Name(), c.BaseURL)
	c.SetRecord(Name, &pending.Record{State: pending.Ignored})
	return nil
}
