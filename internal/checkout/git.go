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
	"bytes"
	"context"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/system/exec2"
)

// GitOptions configures a Git checkout.
type GitOptions struct {
	// Root is the directory containing the checkout.
	Root string
	// Name is the project name, also the checkout directory under Root.
	Name string
	// URL is the upstream repository.
	URL string
	// Branch defaults to "main".
	Branch string
	// User and Password authenticate with the upstream repository. Optional.
	User     string
	Password string
	// Settings are returned by Setting.
	Settings map[string]string
	// ApplyTimeout bounds `git apply`. Defaults to 5 minutes.
	ApplyTimeout time.Duration
}

// Git is a git checkout.
//
// The repository is managed through go-git, except for applying patches which
// is delegated to the git binary.
type Git struct {
	opts GitOptions
}

var _ Checkout = (*Git)(nil)

// NewGit returns a Git checkout. The repository is cloned on first Prepare.
func NewGit(opts GitOptions) *Git {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Minute
	}
	return &Git{opts: opts}
}

// ProjectPath implements Checkout.
func (g *Git) ProjectPath() string { return filepath.Join(g.opts.Root, g.opts.Name) }

// ProjectName implements Checkout.
func (g *Git) ProjectName() string { return g.opts.Name }

// Setting implements Checkout.
func (g *Git) Setting(key string) string { return g.opts.Settings[key] }

func (g *Git) auth() transport.AuthMethod {
	if g.opts.User == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: g.opts.User, Password: g.opts.Password}
}

func (g *Git) upstreamRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(git.DefaultRemoteName, g.opts.Branch)
}

func (g *Git) open(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainOpen(g.ProjectPath())
	if err == nil {
		return repo, nil
	}
	if err != git.ErrRepositoryNotExists {
		return nil, errors.Annotate(err, "failed to open %s", g.ProjectPath()).Err()
	}
	logging.Infof(ctx, "cloning %s into %s", g.opts.URL, g.ProjectPath())
	repo, err = git.PlainCloneContext(ctx, g.ProjectPath(), false, &git.CloneOptions{
		URL:           g.opts.URL,
		Auth:          g.auth(),
		ReferenceName: plumbing.NewBranchReferenceName(g.opts.Branch),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to clone %s", g.opts.URL).Tag(transient.Tag).Err()
	}
	return repo, nil
}

// Prepare implements Checkout.
func (g *Git) Prepare(ctx context.Context, revision string) (string, error) {
	repo, err := g.open(ctx)
	if err != nil {
		return "", err
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       g.auth(),
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return "", errors.Annotate(err, "failed to fetch %s", g.opts.URL).Tag(transient.Tag).Err()
	}

	rev := plumbing.Revision(g.upstreamRef())
	if revision != "" {
		rev = plumbing.Revision(revision)
	}
	hash, err := repo.ResolveRevision(rev)
	if err != nil {
		return "", errors.Annotate(err, "failed to resolve %q", rev).Err()
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", errors.Annotate(err, "failed to get the worktree").Err()
	}
	if err := wt.Reset(&git.ResetOptions{Commit: *hash, Mode: git.HardReset}); err != nil {
		return "", errors.Annotate(err, "failed to reset to %s", hash).Err()
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return "", errors.Annotate(err, "failed to clean the worktree").Err()
	}
	logging.Debugf(ctx, "synced %s to %s", g.opts.Name, hash)
	return hash.String(), nil
}

// ApplyPatch implements Checkout.
func (g *Git) ApplyPatch(ctx context.Context, diff []byte, relpath string) error {
	args := []string{"apply", "--index", "-p1"}
	if relpath != "" {
		args = append(args, "--directory="+relpath)
	}
	cmd := exec2.CommandContext(ctx, "git", append(args, "-")...)
	cmd.Dir = g.ProjectPath()
	cmd.Stdin = bytes.NewReader(diff)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		return errors.Annotate(err, "failed to start git apply").Err()
	}
	switch err := cmd.Wait(g.opts.ApplyTimeout); {
	case err == exec2.ErrTimeout:
		_ = cmd.Kill()
		_ = cmd.Wait(time.Minute)
		return &PatchError{Output: "git apply timed out"}
	case err != nil:
		return &PatchError{Output: out.String()}
	}
	return nil
}

// Commit implements Checkout.
func (g *Git) Commit(ctx context.Context, message, author string) (string, error) {
	repo, err := g.open(ctx)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", errors.Annotate(err, "failed to get the worktree").Err()
	}
	now := clock.Now(ctx)
	committer := g.opts.User
	if committer == "" {
		committer = author
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:    &object.Signature{Name: author, Email: author, When: now},
		Committer: &object.Signature{Name: committer, Email: committer, When: now},
	})
	if err != nil {
		return "", errors.Annotate(err, "failed to commit").Err()
	}
	spec := gitconfig.RefSpec("HEAD:" + plumbing.NewBranchReferenceName(g.opts.Branch).String())
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       g.auth(),
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return "", errors.Annotate(err, "failed to push %s", hash).Err()
	}
	return hash.String(), nil
}
