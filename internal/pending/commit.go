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

// Package pending defines the pending commits tracked by the commit queue
// and the records verifiers attach to them.
package pending

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Message is a message posted on the review.
type Message struct {
	Sender   string `json:"sender"`
	Text     string `json:"text,omitempty"`
	Approval bool   `json:"approval"`
}

// Commit is a pending commit being processed by the commit queue.
//
// It is identified by (Issue, Patchset). A new patchset is a new Commit.
type Commit struct {
	Issue       int64    `json:"issue"`
	Patchset    int64    `json:"patchset"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`

	// Only a cache, these values can be regenerated from the review.
	Owner     string    `json:"owner"`
	Reviewers []string  `json:"reviewers,omitempty"`
	BaseURL   string    `json:"base_url,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Relpath   string    `json:"relpath,omitempty"`

	// Revision is the checkout revision the patch was applied on, then the
	// committed revision once landed.
	Revision string `json:"revision,omitempty"`
	// Created is when the commit queue discovered this commit.
	Created time.Time `json:"created"`

	// Verifications maps a verifier name to its record.
	Verifications map[string]*Record `json:"verifications,omitempty"`
}

// Name is the name used to identify the pending commit in messages and try
// jobs.
func (c *Commit) Name() string {
	return fmt.Sprintf("%d-%d", c.Issue, c.Patchset)
}

// Record returns the record of the given verifier, or nil.
func (c *Commit) Record(name string) *Record {
	return c.Verifications[name]
}

// SetRecord stores the record of the given verifier.
func (c *Commit) SetRecord(name string, r *Record) {
	if c.Verifications == nil {
		c.Verifications = make(map[string]*Record, 1)
	}
	c.Verifications[name] = r
}

// ResetVerifications drops all records, e.g. when a patchset is superseded.
func (c *Commit) ResetVerifications() {
	c.Verifications = nil
}

// ErrorMessage returns all the error messages of the records concatenated.
//
// Records are visited in name order so the result is stable.
func (c *Commit) ErrorMessage() string {
	var msgs []string
	for _, name := range c.VerifierNames() {
		if m := c.Verifications[name].ErrorMessage; m != "" {
			msgs = append(msgs, m)
		}
	}
	return strings.Join(msgs, "\n\n")
}

// State returns the combined state of all the records.
//
// Any error message means Failed. No record means Processing. Otherwise the
// highest priority state wins: Ignored > Failed > Processing > Succeeded.
func (c *Commit) State() State {
	if c.ErrorMessage() != "" {
		return Failed
	}
	if len(c.Verifications) == 0 {
		return Processing
	}
	ret := Succeeded
	for _, r := range c.Verifications {
		if !r.State.Valid() {
			panic(fmt.Errorf("invalid verification state %d", r.State))
		}
		if r.State > ret {
			ret = r.State
		}
	}
	return ret
}

// VerifierNames returns names of the verifiers which attached a record, sorted.
func (c *Commit) VerifierNames() []string {
	names := make([]string, 0, len(c.Verifications))
	for name := range c.Verifications {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
