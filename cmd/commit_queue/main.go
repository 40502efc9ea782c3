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

// Command commit_queue runs the commit queue of a project.
//
// It polls the code review for issues with the commit bit set, verifies them
// and commits the ones which pass.
package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/common/system/signals"
	"go.chromium.org/luci/server/redisconn"

	"go.chromium.org/commitqueue/internal/config"
	"go.chromium.org/commitqueue/internal/manager"
	"go.chromium.org/commitqueue/internal/project"
)

var logCfg = gologger.LoggerConfig{
	Out: os.Stderr,
}

func application() *cli.Application {
	return &cli.Application{
		Name:  "commit_queue",
		Title: "Commits reviewed changes once all verifications pass.",
		Context: func(ctx context.Context) context.Context {
			return logCfg.Use(ctx)
		},
		Commands: []*subcommands.Command{
			cmdRun(),
			cmdQuery(),

			{}, // a separator
			subcommands.CmdHelp,
		},
	}
}

// baseCommandRun holds the flags shared by all subcommands.
type baseCommandRun struct {
	subcommands.CommandRunBase

	configPath   string
	root         string
	verbose      bool
	noDryRun     bool
	onlyIssue    int64
	fakeCheckout bool
	noTry        bool
}

func (r *baseCommandRun) registerBaseFlags() {
	r.Flags.StringVar(&r.configPath, "config", "", "Path to the project config file. Required.")
	r.Flags.StringVar(&r.root, "root", ".", "Working directory holding checkouts and state files.")
	r.Flags.BoolVar(&r.verbose, "verbose", false, "Log debug messages.")
	r.Flags.BoolVar(&r.noDryRun, "no-dry-run", false, "Write to the code review and push commits. By default nothing is written.")
	r.Flags.Int64Var(&r.onlyIssue, "only-issue", 0, "Restrict the commit queue to this issue.")
	r.Flags.BoolVar(&r.fakeCheckout, "fake-checkout", false, "Use an in-memory checkout. Implies nothing is committed for real.")
	r.Flags.BoolVar(&r.noTry, "no-try", false, "Do not send try jobs.")
}

func (r *baseCommandRun) done(ctx context.Context, err error) int {
	if err != nil {
		errors.Log(ctx, err)
		return 1
	}
	return 0
}

// loadManager loads the config and assembles the project's PendingManager with
// its persisted queue.
func (r *baseCommandRun) loadManager(ctx context.Context) (context.Context, *config.Project, *manager.PendingManager, error) {
	if r.configPath == "" {
		return ctx, nil, nil, errors.New("-config is required")
	}
	if r.verbose {
		ctx = logging.SetLevel(ctx, logging.Debug)
	}
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return ctx, nil, nil, err
	}
	root, err := filepath.Abs(r.root)
	if err != nil {
		return ctx, nil, nil, errors.Annotate(err, "bad -root").Err()
	}
	if cfg.Store.Redis != "" {
		ctx = redisconn.UsePool(ctx, redisPool(cfg.Store.Redis))
	}
	pm, err := project.New(ctx, cfg, project.Options{
		Root:         root,
		DryRun:       !r.noDryRun,
		OnlyIssue:    r.onlyIssue,
		FakeCheckout: r.fakeCheckout,
		NoTryJobs:    r.noTry,
	})
	if err != nil {
		return ctx, nil, nil, err
	}
	if err := pm.Load(ctx); err != nil {
		pm.Shutdown(ctx)
		return ctx, nil, nil, errors.Annotate(err, "failed to load the queue").Err()
	}
	return ctx, cfg, pm, nil
}

func redisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
}

func cmdRun() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "run -config <path> [flags]",
		ShortDesc: "runs the commit queue until interrupted",
		CommandRun: func() subcommands.CommandRun {
			r := &runRun{}
			r.registerBaseFlags()
			r.Flags.DurationVar(&r.poll, "poll", 0, "Overrides the poll interval of the config.")
			return r
		},
	}
}

type runRun struct {
	baseCommandRun
	poll time.Duration
}

func (r *runRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx, cancel := context.WithCancel(cli.GetContext(a, r, env))
	defer cancel()
	if len(args) != 0 {
		return r.done(ctx, errors.New("unexpected positional arguments"))
	}
	ctx, cfg, pm, err := r.loadManager(ctx)
	if err != nil {
		return r.done(ctx, err)
	}

	defer signals.HandleInterrupt(func() {
		logging.Warningf(ctx, "interrupted, finishing the current cycle")
		cancel()
	})()

	poll := cfg.PollInterval
	if r.poll > 0 {
		poll = r.poll
	}
	logging.Infof(ctx, "running the commit queue of %s, polling every %s", cfg.Name, poll)
	return r.done(ctx, pm.Run(ctx, manager.LoopOptions{PollInterval: poll}))
}

func cmdQuery() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "query -config <path> [flags]",
		ShortDesc: "refreshes and prints the queue without committing anything",
		CommandRun: func() subcommands.CommandRun {
			r := &queryRun{}
			r.registerBaseFlags()
			return r
		},
	}
}

type queryRun struct {
	baseCommandRun
}

func (r *queryRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return r.done(ctx, errors.New("unexpected positional arguments"))
	}
	ctx, _, pm, err := r.loadManager(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	pm.Query(ctx)
	printQueue(os.Stdout, pm.Queue, clock.Now(ctx))
	return r.done(ctx, pm.Shutdown(ctx))
}

func main() {
	os.Exit(subcommands.Run(application(), nil))
}
