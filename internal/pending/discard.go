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

package pending

import (
	"fmt"

	"go.chromium.org/luci/common/errors"
)

// DiscardError signals that a pending commit must be removed from the queue
// right away.
//
// Reason, if not empty, is posted on the review. An empty reason removes the
// commit silently, e.g. when the issue was closed upstream.
type DiscardError struct {
	Commit *Commit
	Reason string
}

// Error implements error.
func (e *DiscardError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("discarding %s", e.Commit.Name())
	}
	return fmt.Sprintf("discarding %s: %s", e.Commit.Name(), e.Reason)
}

// Discard returns a DiscardError for the given commit.
func Discard(c *Commit, reason string) error {
	return &DiscardError{Commit: c, Reason: reason}
}

// AsDiscard returns the DiscardError wrapped by err, if any.
func AsDiscard(err error) (*DiscardError, bool) {
	var de *DiscardError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
