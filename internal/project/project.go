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

// Package project assembles a commit queue for a project from its config.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/checkout"
	"go.chromium.org/commitqueue/internal/config"
	"go.chromium.org/commitqueue/internal/creds"
	"go.chromium.org/commitqueue/internal/manager"
	"go.chromium.org/commitqueue/internal/rietveld"
	"go.chromium.org/commitqueue/internal/status"
	"go.chromium.org/commitqueue/internal/store"
	"go.chromium.org/commitqueue/internal/tree"
	"go.chromium.org/commitqueue/internal/verification"
	"go.chromium.org/commitqueue/internal/verification/presubmit"
	"go.chromium.org/commitqueue/internal/verification/projectbase"
	"go.chromium.org/commitqueue/internal/verification/reviewer"
	"go.chromium.org/commitqueue/internal/verification/treestatus"
	"go.chromium.org/commitqueue/internal/verification/tryjob"
)

// Options alter how a project is assembled.
type Options struct {
	// Root is the working directory holding checkouts and state files.
	// Relative paths of the config are resolved against it.
	Root string

	// DryRun never writes to the review nor pushes commits. Status packets
	// are written to <name>.status.json instead of being sent.
	DryRun bool
	// OnlyIssue, if set, restricts the commit queue to this issue.
	OnlyIssue int64
	// FakeCheckout uses an in-memory checkout.
	FakeCheckout bool
	// NoTryJobs disables the try job verifier.
	NoTryJobs bool

	// Review, if set, is used instead of an HTTP client.
	Review rietveld.Client
	// Tree, if set, is used instead of an HTTP client.
	Tree tree.Client
}

// New builds the PendingManager of the project described by cfg.
//
// The queue is not loaded.
func New(ctx context.Context, cfg *config.Project, opts Options) (*manager.PendingManager, error) {
	p := &builder{cfg: cfg, opts: opts}
	err := p.build(ctx)
	var pm *manager.PendingManager
	if err == nil {
		pm, err = manager.New(p.mopts)
	}
	if err != nil {
		if p.mopts.Status != nil {
			p.mopts.Status.Close(ctx)
		}
		return nil, errors.Annotate(err, "project %q", cfg.Name).Err()
	}
	return pm, nil
}

type builder struct {
	cfg   *config.Project
	opts  Options
	creds *creds.Store
	mopts manager.Options
}

func (p *builder) path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.opts.Root, rel)
}

// password returns the password of user, or "" when no credentials are
// configured.
func (p *builder) password(user string) (string, error) {
	if p.creds == nil {
		return "", nil
	}
	return p.creds.Get(user)
}

func (p *builder) build(ctx context.Context) (err error) {
	if p.cfg.Review.Credentials != "" {
		if p.creds, err = creds.Load(p.path(p.cfg.Review.Credentials)); err != nil {
			return err
		}
	}
	p.mopts = manager.Options{
		Project:          p.cfg.Name,
		MaxCommitBurst:   p.cfg.MaxCommitBurst,
		CommitBurstDelay: p.cfg.CommitBurstDelay,
	}

	steps := []func(context.Context) error{
		p.buildReview,
		p.buildCheckout,
		p.buildStatus,
		p.buildStore,
		p.buildVerifiers,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *builder) buildReview(ctx context.Context) error {
	review := p.opts.Review
	if review == nil {
		pwd, err := p.password(p.cfg.Review.User)
		if err != nil {
			return err
		}
		review = rietveld.NewHTTPClient(p.cfg.Review.URL, p.cfg.Review.User, pwd)
	}
	switch {
	case p.opts.DryRun:
		review = rietveld.NewReadOnly(review, p.opts.OnlyIssue)
	case p.opts.OnlyIssue != 0:
		review = &rietveld.OnlyIssue{Client: review, Issue: p.opts.OnlyIssue}
	}
	p.mopts.Review = review
	return nil
}

func (p *builder) buildCheckout(ctx context.Context) error {
	var co checkout.Checkout
	if p.opts.FakeCheckout {
		co = &checkout.Fake{
			Path:     filepath.Join(p.opts.Root, p.cfg.Name),
			Name:     p.cfg.Name,
			Settings: p.cfg.Checkout.Settings,
		}
	} else {
		pwd := ""
		if p.cfg.Checkout.User != "" {
			var err error
			if pwd, err = p.password(p.cfg.Checkout.User); err != nil {
				return err
			}
		}
		co = checkout.NewGit(checkout.GitOptions{
			Root:     p.opts.Root,
			Name:     p.cfg.Name,
			URL:      p.cfg.Checkout.URL,
			Branch:   p.cfg.Checkout.Branch,
			User:     p.cfg.Checkout.User,
			Password: pwd,
			Settings: p.cfg.Checkout.Settings,
		})
	}
	if p.opts.DryRun {
		co = checkout.ReadOnly{Checkout: co}
	}
	p.mopts.Checkout = co
	return nil
}

func (p *builder) buildStatus(ctx context.Context) error {
	switch {
	case p.opts.DryRun:
		p.mopts.Status = &status.Store{
			BaseURL: p.cfg.Status.URL,
			Path:    filepath.Join(p.opts.Root, p.cfg.Name+".status.json"),
		}
	case p.cfg.Status.URL == "":
		logging.Warningf(ctx, "no status URL configured, status packets are dropped")
		p.mopts.Status = status.Noop{}
	default:
		pwd := ""
		if p.cfg.Status.PasswordFile != "" {
			blob, err := os.ReadFile(p.path(p.cfg.Status.PasswordFile))
			if err != nil {
				return errors.Annotate(err, "failed to read the status password").Err()
			}
			pwd, _, _ = strings.Cut(string(blob), "\n")
			pwd = strings.TrimSpace(pwd)
		}
		h, err := status.NewHTTP(ctx, p.cfg.Status.URL, status.HTTPOptions{
			Password:   pwd,
			RetryDelay: p.cfg.Status.RetryDelay,
		})
		if err != nil {
			return err
		}
		p.mopts.Status = h
	}
	return nil
}

func (p *builder) buildStore(ctx context.Context) error {
	// Dry runs never clobber the state of the real commit queue.
	if p.cfg.Store.Redis != "" {
		key := fmt.Sprintf("commitqueue/%s/queue", p.cfg.Name)
		if p.opts.DryRun {
			key += "/dry_run"
		}
		p.mopts.Store = store.Redis{Key: key}
		return nil
	}
	name := p.cfg.Name + ".json"
	if p.opts.DryRun {
		name = p.cfg.Name + ".dry_run.json"
	}
	p.mopts.Store = store.File{Path: filepath.Join(p.opts.Root, name)}
	return nil
}

func (p *builder) buildVerifiers(ctx context.Context) error {
	review := p.mopts.Review

	bases, err := projectbase.New(p.cfg.ProjectBases)
	if err != nil {
		return err
	}
	// The commit queue's own approvals never count.
	deny := append(append([]string(nil), p.cfg.Reviewers.Deny...), regexp.QuoteMeta(review.Email()))
	reviewers, err := reviewer.New(p.cfg.Reviewers.Allow, deny)
	if err != nil {
		return err
	}
	p.mopts.PrePatch = []verification.Verifier{bases, reviewers}

	if len(p.cfg.Presubmit.Command) > 0 {
		pwd, err := p.password(review.Email())
		if err != nil {
			return err
		}
		p.mopts.PostPatch = append(p.mopts.PostPatch, presubmit.New(presubmit.Options{
			Command:   p.cfg.Presubmit.Command,
			Dir:       p.mopts.Checkout.ProjectPath,
			ReviewURL: review.URL(),
			Email:     review.Email(),
			Password:  pwd,
			Timeout:   p.cfg.Presubmit.Timeout,
			Status:    p.mopts.Status,
		}))
	}
	if len(p.cfg.TryJobs.Builders) > 0 && !p.opts.NoTryJobs {
		p.mopts.PostPatch = append(p.mopts.PostPatch, tryjob.New(tryjob.Options{
			Builders:   p.cfg.TryJobs.Builders,
			MaxRetries: p.cfg.TryJobs.MaxRetries,
			Review:     review,
			Status:     p.mopts.Status,
		}))
	}

	if p.cfg.TreeStatus.URL != "" {
		client := p.opts.Tree
		if client == nil {
			client = tree.NewHTTPClient()
		}
		p.mopts.Gates = []verification.Gate{treestatus.New(client, p.cfg.TreeStatus.URL)}
	}
	return nil
}
