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
	"encoding/json"

	"go.chromium.org/luci/common/errors"
)

// Record is the outcome of one verifier for one pending commit.
//
// Well behaved verifiers set ErrorMessage iff State is Failed. Combining
// records doesn't rely on it, see Commit.State.
type Record struct {
	State        State  `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	// Details is the verifier specific payload.
	Details json.RawMessage `json:"details,omitempty"`
}

// SucceededRecord returns a new Record in Succeeded state.
func SucceededRecord() *Record {
	return &Record{State: Succeeded}
}

// FailedRecord returns a new Record in Failed state with the given message.
func FailedRecord(msg string) *Record {
	return &Record{State: Failed, ErrorMessage: msg}
}

// SetDetails serializes v into the record's Details.
func (r *Record) SetDetails(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Annotate(err, "failed to marshal verification details").Err()
	}
	r.Details = b
	return nil
}

// LoadDetails deserializes the record's Details into v.
//
// Leaves v untouched if there are no details.
func (r *Record) LoadDetails(v any) error {
	if len(r.Details) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Details, v); err != nil {
		return errors.Annotate(err, "failed to unmarshal verification details").Err()
	}
	return nil
}
