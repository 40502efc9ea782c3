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

package checkout

import (
	"context"
	"sync"

	"go.chromium.org/luci/common/logging"
)

// Fake is an in-memory Checkout for tests and dry runs.
type Fake struct {
	Path     string
	Name     string
	Settings map[string]string

	// ApplyErr, if set, is returned by ApplyPatch.
	ApplyErr error
	// PrepareErr, if set, is returned by Prepare.
	PrepareErr error
	// CommitErr, if set, is returned by Commit.
	CommitErr error

	m       sync.Mutex
	applied []string
	commits []string
}

var _ Checkout = (*Fake)(nil)

// Prepare implements Checkout.
func (f *Fake) Prepare(ctx context.Context, revision string) (string, error) {
	logging.Debugf(ctx, "fake checkout is syncing")
	if f.PrepareErr != nil {
		return "", f.PrepareErr
	}
	return "FAKE", nil
}

// ApplyPatch implements Checkout.
func (f *Fake) ApplyPatch(ctx context.Context, diff []byte, relpath string) error {
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.m.Lock()
	defer f.m.Unlock()
	f.applied = append(f.applied, string(diff))
	return nil
}

// Commit implements Checkout.
func (f *Fake) Commit(ctx context.Context, message, author string) (string, error) {
	if f.CommitErr != nil {
		return "", f.CommitErr
	}
	f.m.Lock()
	defer f.m.Unlock()
	f.commits = append(f.commits, message)
	return "FAKED", nil
}

// Applied returns the patches applied so far.
func (f *Fake) Applied() []string {
	f.m.Lock()
	defer f.m.Unlock()
	return append([]string(nil), f.applied...)
}

// Commits returns the messages of the commits so far.
func (f *Fake) Commits() []string {
	f.m.Lock()
	defer f.m.Unlock()
	return append([]string(nil), f.commits...)
}

// ProjectPath implements Checkout.
func (f *Fake) ProjectPath() string { return f.Path }

// ProjectName implements Checkout.
func (f *Fake) ProjectName() string { return f.Name }

// Setting implements Checkout.
func (f *Fake) Setting(key string) string { return f.Settings[key] }
