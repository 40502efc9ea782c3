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

// Package presubmit runs the project's presubmit checks on the patched
// checkout.
package presubmit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/exec2"

	"go.chromium.org/commitqueue/internal/metrics"
	"go.chromium.org/commitqueue/internal/pending"
	"go.chromium.org/commitqueue/internal/status"
	"go.chromium.org/commitqueue/internal/verification"
)

// Name is the name of the verifier.
const Name = "presubmit"

// DefaultTimeout is used when Options.Timeout is not set.
const DefaultTimeout = 6 * time.Minute

// Options configures the Verifier.
type Options struct {
	// Command is the presubmit runner and its leading arguments.
	Command []string
	// Dir returns the directory the command runs in, i.e. the checkout root.
	Dir func() string
	// ReviewURL, Email and Password identify the commit queue on the review
	// system. The credentials are passed on stdin.
	ReviewURL string
	Email     string
	Password  string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	Status  status.Notifier
}

// Verifier runs the presubmit command synchronously.
type Verifier struct {
	verification.Base

	opts Options
}

var _ verification.Verifier = (*Verifier)(nil)

// New returns a presubmit Verifier.
func New(opts Options) *Verifier {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Verifier{opts: opts}
}

// Name implements verification.Verifier.
func (v *Verifier) Name() string { return Name }

func (v *Verifier) args(ctx context.Context, c *pending.Commit) []string {
	args := append([]string(nil), v.opts.Command[1:]...)
	args = append(args,
		"--commit",
		"--author", c.Owner,
		"--issue", strconv.FormatInt(c.Issue, 10),
		"--patchset", strconv.FormatInt(c.Patchset, 10),
		"--name", c.Name(),
		"--description", c.Description,
		"--rietveld_url", v.opts.ReviewURL,
	)
	if logging.IsLogging(ctx, logging.Debug) {
		args = append(args, "--verbose")
	}
	return append(args, c.Files...)
}

// Verify implements verification.Verifier.
func (v *Verifier) Verify(ctx context.Context, c *pending.Commit) error {
	if len(v.opts.Command) == 0 {
		return errors.Reason("no presubmit command configured").Err()
	}
	logging.Infof(ctx, "presubmit check for %s", strings.Join(c.Files, ","))
	v.send(ctx, c, status.Packet{})

	start := clock.Now(ctx)
	res, err := v.run(ctx, c)
	if err != nil {
		return err
	}
	duration := clock.Since(ctx, start)
	metrics.Internal.PresubmitDurations.Add(ctx, float64(duration.Milliseconds()), res.timedOut)

	if res.exitCode == 0 && !res.timedOut {
		c.SetRecord(Name, pending.SucceededRecord())
		v.send(ctx, c, status.Packet{
			"duration": duration.Seconds(),
			"output":   res.output,
		})
		return nil
	}

	msg := fmt.Sprintf("Presubmit check for %s failed and returned exit status %d.\n", c.Name(), res.exitCode)
	if res.timedOut {
		msg += fmt.Sprintf("The presubmit check was hung. It took %2.1f seconds to execute and the time limit is %2.1f seconds.\n",
			duration.Seconds(), v.opts.Timeout.Seconds())
	}
	msg += "\n" + res.output
	c.SetRecord(Name, pending.FailedRecord(msg))
	v.send(ctx, c, status.Packet{
		"duration":  duration.Seconds(),
		"output":    res.output,
		"return":    res.exitCode,
		"timed_out": res.timedOut,
	})
	return nil
}

type result struct {
	exitCode int
	timedOut bool
	output   string
}

// run executes the command in its own process group and kills the whole group
// on timeout.
func (v *Verifier) run(ctx context.Context, c *pending.Commit) (*result, error) {
	cmd := exec2.CommandContext(ctx, v.opts.Command[0], v.args(ctx, c)...)
	if v.opts.Dir != nil {
		cmd.Dir = v.opts.Dir()
	}
	cmd.Env = append(os.Environ(), "NO_BREAKPAD=1")
	cmd.Stdin = strings.NewReader(fmt.Sprintf("%s\n%s\n", v.opts.Email, v.opts.Password))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, errors.Annotate(err, "failed to start %q", v.opts.Command[0]).Err()
	}

	res := &result{}
	switch err := cmd.Wait(v.opts.Timeout); {
	case err == exec2.ErrTimeout:
		logging.Warningf(ctx, "presubmit check for %s timed out after %s", c.Name(), v.opts.Timeout)
		res.timedOut = true
		if err := cmd.Kill(); err != nil {
			logging.Warningf(ctx, "failed to kill the presubmit check: %s", err)
		}
		_ = cmd.Wait(time.Minute)
	case err != nil && cmd.ProcessState == nil:
		return nil, errors.Annotate(err, "failed to wait for %q", v.opts.Command[0]).Err()
	}
	if cmd.ProcessState != nil {
		res.exitCode = cmd.ProcessState.ExitCode()
	}
	res.output = out.String()
	return res, nil
}

func (v *Verifier) send(ctx context.Context, c *pending.Commit, payload status.Packet) {
	if v.opts.Status == nil {
		return
	}
	v.opts.Status.Send(ctx, c, status.Packet{
		"verification": Name,
		"payload":      payload,
	})
}
