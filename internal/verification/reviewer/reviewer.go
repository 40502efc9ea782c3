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

// Package reviewer requires an approval from a valid reviewer.
package reviewer

import (
	"context"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/pending"
	"go.chromium.org/commitqueue/internal/usertext"
	"go.chromium.org/commitqueue/internal/verification"
)

// Name is the name of the verifier.
const Name = "reviewer_lgtm"

var tbrRe = regexp.MustCompile(`(?m)^TBR=.*$`)

// Verifier needs at least one approval from a reviewer matching the allow
// list, not matching the deny list and not being the owner of the change.
type Verifier struct {
	verification.Base

	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

var _ verification.Verifier = (*Verifier)(nil)

// New compiles the allow and deny lists.
//
// Patterns only need to match a prefix of the value.
func New(allow, deny []string) (*Verifier, error) {
	a, err := compile(allow)
	if err != nil {
		return nil, err
	}
	d, err := compile(deny)
	if err != nil {
		return nil, err
	}
	return &Verifier{allow: a, deny: d}, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	ret := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			return nil, errors.Annotate(err, "invalid reviewer pattern %q", p).Err()
		}
		ret[i] = re
	}
	return ret, nil
}

func anyMatch(value string, list []*regexp.Regexp) bool {
	for _, re := range list {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func check(value string, allow, deny []*regexp.Regexp) bool {
	return anyMatch(value, allow) && !anyMatch(value, deny)
}

// Name implements verification.Verifier.
func (v *Verifier) Name() string { return Name }

// Verify implements verification.Verifier.
func (v *Verifier) Verify(ctx context.Context, c *pending.Commit) error {
	c.SetRecord(Name, v.evaluate(ctx, c))
	return nil
}

func (v *Verifier) evaluate(ctx context.Context, c *pending.Commit) *pending.Record {
	if tbrRe.MatchString(c.Description) {
		logging.Debugf(ctx, "change %d is TBR", c.Issue)
		if check(c.Owner, v.allow, v.deny) {
			return pending.SucceededRecord()
		}
	}

	switch {
	case len(c.Reviewers) == 0:
		return pending.FailedRecord(usertext.NoReviewer)
	case len(c.Messages) == 0:
		return pending.FailedRecord(usertext.NoComment)
	}

	for _, m := range c.Messages {
		// The owner can't approve their own change.
		if strings.HasPrefix(m.Sender, c.Owner) {
			continue
		}
		if m.Approval && check(m.Sender, v.allow, v.deny) {
			logging.Infof(ctx, "found lgtm by %s on %d", m.Sender, c.Issue)
			return pending.SucceededRecord()
		}
	}
	return pending.FailedRecord(usertext.NoLGTM)
}
