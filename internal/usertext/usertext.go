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

// Package usertext contains the texts posted on reviews by the commit queue.
package usertext

import (
	"fmt"
	"strings"
	"text/template"
)

// tmplFuncs are commonly used constants, usable via Go templates.
var tmplFuncs = template.FuncMap{
	"CONTACT": func() string { return "Please email commit-bot@chromium.org with the CL url." },
}

func tmplMust(text string) *template.Template {
	text = strings.TrimSpace(text)
	return template.Must(template.New("").Funcs(tmplFuncs).Parse(text))
}

func render(t *template.Template, data any) string {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		panic(fmt.Errorf("failed to render a message template: %w", err))
	}
	return sb.String()
}

// Reviewer approval messages.
const (
	NoReviewer = "No reviewers yet."
	NoComment  = "No comments yet."
	NoLGTM     = "No LGTM from a valid reviewer yet. Only full committers are accepted.\n" +
		"Even if an LGTM may have been provided, it was from a non-committer or\n" +
		"a lowly provisional committer, _not_ a full super star committer.\n" +
		"See http://www.chromium.org/getting-involved/become-a-committer\n" +
		"Note that this has nothing to do with OWNERS files."
)

// Orchestrator messages.
const (
	CQBitUnchecked     = "CQ bit was unchecked on CL. Ignoring."
	DescriptionUpdated = "Commit queue rejected this change because the description was changed\n" +
		"between the time the change entered the commit queue and the time it\n" +
		"was ready to commit. You can safely check the commit box again."
	NewPatchset     = "Commit queue failed due to new patchset."
	CheckoutFailed  = "Internal error: failed to checkout. Please try again."
	NoDiff          = "No diff was found for this patchset."
	NoFiles         = "No file was found in this patchset."
	CommitFailed    = "Failed to commit patch."
	ApplyFailed     = "Failed to apply the patch."
	PatchFetchError = "Failed to request the patch to try. Please note that binary files " +
		"are still unsupported at the moment, this is being worked on.\n\n" +
		"Thanks for your patience."
)

var failedNoMessage = tmplMust(`
Commit queue patch verification failed without an error message.
Something went wrong, probably a crash, a hickup or simply
the monkeys went out for dinner.
{{CONTACT}}
`)

// FailedNoMessage is posted when a commit failed but no verifier explained
// why.
func FailedNoMessage() string {
	return render(failedNoMessage, nil)
}

var internalError = tmplMust(`
Commit queue had an internal error.
Something went really wrong, probably a crash, a hickup or
simply the monkeys went out for dinner.
{{CONTACT}}
`)

// InternalError is posted when committing failed unexpectedly.
func InternalError() string {
	return render(internalError, nil)
}

var tryingPatch = tmplMust(`
CQ is trying da patch. Follow status at
{{.URL}}/{{.Owner}}/{{.Issue}}/{{.Patchset}}
`)

// TryingPatch is posted when the commit queue starts verifying a patchset.
func TryingPatch(statusURL, owner string, issue, patchset int64) string {
	return render(tryingPatch, map[string]any{
		"URL":      statusURL,
		"Owner":    owner,
		"Issue":    issue,
		"Patchset": patchset,
	}) + "\n"
}

// DriveBy is posted when reviewers were added without approving.
func DriveBy(reviewers []string) string {
	return fmt.Sprintf("List of reviewers changed. %s did a drive-by without LGTM'ing!", strings.Join(reviewers, ","))
}

// Committed is the line appended to the description of a landed change.
func Committed(revision, viewVC string) string {
	if viewVC != "" {
		return "Committed: " + strings.TrimSuffix(viewVC, "/") + revision
	}
	return "Committed: " + revision
}

// ChangeCommitted is posted once a change landed.
func ChangeCommitted(revision string) string {
	return "Change committed as " + revision
}
