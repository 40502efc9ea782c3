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

// Package checkout manages the local copy of the project the commit queue
// patches and commits.
package checkout

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/logging"
)

// Checkout is a local copy of the project.
type Checkout interface {
	// Prepare syncs the checkout to revision, or to the tip of the upstream
	// branch if revision is empty, and drops local modifications.
	//
	// Returns the revision synced to.
	Prepare(ctx context.Context, revision string) (string, error)
	// ApplyPatch applies and stages a unified diff. relpath is the directory
	// of the patch relative to the checkout root.
	//
	// Returns a *PatchError if the patch doesn't apply.
	ApplyPatch(ctx context.Context, diff []byte, relpath string) error
	// Commit commits the staged changes on behalf of author and pushes them
	// upstream. Returns the new revision.
	Commit(ctx context.Context, message, author string) (string, error)
	// ProjectPath is the root of the checkout.
	ProjectPath() string
	// ProjectName is a short name of the project, e.g. to name the state file.
	ProjectName() string
	// Setting returns a project setting, e.g. "VIEW_VC", or "".
	Setting(key string) string
}

// PatchError is returned when a patch doesn't apply.
type PatchError struct {
	Output string
}

// Error implements error.
func (e *PatchError) Error() string {
	if e.Output == "" {
		return "Failed to apply the patch."
	}
	return fmt.Sprintf("Failed to apply the patch.\n%s", e.Output)
}

// ReadOnly never pushes anything upstream.
type ReadOnly struct {
	Checkout
}

// Commit implements Checkout.
func (r ReadOnly) Commit(ctx context.Context, message, author string) (string, error) {
	logging.Warningf(ctx, "read-only: not committing on behalf of %s", author)
	return "FAKE", nil
}
