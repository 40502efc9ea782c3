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
)

// State is the state of a verification.
//
// States are ordered by priority: when records are combined, the highest
// value wins.
type State int

const (
	// Succeeded means the verifier is fine with committing the patch.
	Succeeded State = iota
	// Processing means no decision was made yet.
	Processing
	// Failed means the patch must not be committed.
	Failed
	// Ignored means the patch must be ignored and no comment must be added to
	// the review.
	Ignored
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Succeeded:
		return "SUCCEEDED"
	case Processing:
		return "PROCESSING"
	case Failed:
		return "FAILED"
	case Ignored:
		return "IGNORED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Valid returns true if s is one of the known states.
func (s State) Valid() bool {
	return s >= Succeeded && s <= Ignored
}

// IsFinal returns true if no further verification can change the outcome.
func (s State) IsFinal() bool {
	return s == Succeeded || s == Failed || s == Ignored
}
