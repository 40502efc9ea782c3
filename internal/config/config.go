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

// Package config defines the commit queue project configuration.
package config

import (
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// Project is the configuration of the commit queue of one project.
type Project struct {
	// Name identifies the project, e.g. in metrics and the state file name.
	Name string `yaml:"name"`

	Review     Review     `yaml:"review"`
	Checkout   Checkout   `yaml:"checkout"`
	Status     Status     `yaml:"status"`
	TreeStatus TreeStatus `yaml:"tree_status"`
	Store      Store      `yaml:"store"`

	// ProjectBases are patterns matching the base URL of the project's changes.
	ProjectBases []string  `yaml:"project_bases"`
	Reviewers    Reviewers `yaml:"reviewers"`
	Presubmit    Presubmit `yaml:"presubmit"`
	TryJobs      TryJobs   `yaml:"try_jobs"`

	// MaxCommitBurst commits are allowed per CommitBurstDelay.
	MaxCommitBurst   int           `yaml:"max_commit_burst"`
	CommitBurstDelay time.Duration `yaml:"commit_burst_delay"`
	// PollInterval is the minimum delay between cycles.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Review is the code review instance.
type Review struct {
	URL  string `yaml:"url"`
	User string `yaml:"user"`
	// Credentials is a file of `user:password` lines.
	Credentials string `yaml:"credentials"`
}

// Checkout is the repository the commit queue commits to.
type Checkout struct {
	URL      string            `yaml:"url"`
	Branch   string            `yaml:"branch"`
	User     string            `yaml:"user"`
	Settings map[string]string `yaml:"settings"`
}

// Status is the dashboard receiving progress packets.
type Status struct {
	URL string `yaml:"url"`
	// PasswordFile contains the dashboard password on its first line.
	PasswordFile string        `yaml:"password_file"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// TreeStatus is the tree status app.
type TreeStatus struct {
	URL string `yaml:"url"`
}

// Store configures where the queue is saved. The default is a JSON file in
// the work directory.
type Store struct {
	// Redis is the address of a Redis server, if set.
	Redis string `yaml:"redis"`
}

// Reviewers configures who may approve changes.
type Reviewers struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// Presubmit configures the presubmit check.
type Presubmit struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// TryJobs configures try jobs.
type TryJobs struct {
	Builders   []string `yaml:"builders"`
	MaxRetries int      `yaml:"max_retries"`
}

const (
	defaultMaxCommitBurst   = 4
	defaultCommitBurstDelay = 10 * time.Minute
	defaultPollInterval     = 10 * time.Second
)

// Load reads and validates a YAML project file.
func Load(path string) (*Project, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read the project config").Err()
	}
	return Parse(blob)
}

// Parse parses and validates a YAML project config.
func Parse(blob []byte) (*Project, error) {
	p := &Project{}
	if err := yaml.UnmarshalStrict(blob, p); err != nil {
		return nil, errors.Annotate(err, "failed to parse the project config").Err()
	}
	p.setDefaults()
	if err := p.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid project config").Err()
	}
	return p, nil
}

func (p *Project) setDefaults() {
	if p.Review.User == "" {
		p.Review.User = "commit-bot@chromium.org"
	}
	if p.Checkout.Branch == "" {
		p.Checkout.Branch = "main"
	}
	if p.MaxCommitBurst == 0 {
		p.MaxCommitBurst = defaultMaxCommitBurst
	}
	if p.CommitBurstDelay == 0 {
		p.CommitBurstDelay = defaultCommitBurstDelay
	}
	if p.PollInterval == 0 {
		p.PollInterval = defaultPollInterval
	}
}

// Validate returns all the problems of the config at once.
func (p *Project) Validate() error {
	var errs errors.MultiError
	addf := func(format string, args ...any) {
		errs = append(errs, errors.Reason(format, args...).Err())
	}

	if p.Name == "" {
		addf("name is required")
	}
	checkURL := func(field, value string, required bool) {
		if value == "" {
			if required {
				addf("%s is required", field)
			}
			return
		}
		if u, err := url.Parse(value); err != nil || u.Scheme == "" {
			addf("%s: %q is not a valid URL", field, value)
		}
	}
	checkURL("review.url", p.Review.URL, true)
	checkURL("checkout.url", p.Checkout.URL, true)
	checkURL("status.url", p.Status.URL, false)
	checkURL("tree_status.url", p.TreeStatus.URL, false)

	checkPatterns := func(field string, patterns []string) {
		for _, pat := range patterns {
			if _, err := regexp.Compile(pat); err != nil {
				addf("%s: invalid pattern %q: %s", field, pat, err)
			}
		}
	}
	if len(p.ProjectBases) == 0 {
		addf("project_bases is required")
	}
	checkPatterns("project_bases", p.ProjectBases)
	if len(p.Reviewers.Allow) == 0 {
		addf("reviewers.allow is required")
	}
	checkPatterns("reviewers.allow", p.Reviewers.Allow)
	checkPatterns("reviewers.deny", p.Reviewers.Deny)

	if p.Presubmit.Timeout < 0 {
		addf("presubmit.timeout must be positive")
	}
	builders := stringset.New(len(p.TryJobs.Builders))
	for _, b := range p.TryJobs.Builders {
		if !builders.Add(b) {
			addf("try_jobs.builders: duplicate builder %q", b)
		}
	}
	if p.TryJobs.MaxRetries < 0 {
		addf("try_jobs.max_retries must not be negative")
	}
	if p.MaxCommitBurst < 0 {
		addf("max_commit_burst must not be negative")
	}
	if p.PollInterval < time.Second {
		addf("poll_interval must be at least 1s")
	}
	return errs.AsError()
}
