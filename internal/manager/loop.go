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

package manager

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/metrics"
)

// LoopClockTag tags the timer the loop sleeps on between cycles.
const LoopClockTag = "commit-queue-loop"

// LoopOptions configures Run.
type LoopOptions struct {
	// PollInterval is the target delay between the start of two cycles.
	// Defaults to 10s. Cycles are always at least a second apart.
	PollInterval time.Duration
	// SyncInterval is how often the checkout is synced when idle. Defaults to
	// 5m.
	SyncInterval time.Duration
}

const minCycleDelay = time.Second

// Cycle runs one pass over the queue.
func (pm *PendingManager) Cycle(ctx context.Context) {
	start := clock.Now(ctx)
	pm.LookForNewPendingCommit(ctx)
	pm.ProcessNewPendingCommit(ctx)
	pm.UpdateStatus(ctx)
	pm.ScanResults(ctx)
	metrics.Public.QueueLength.Set(ctx, int64(pm.Queue.Len()), pm.opts.Project)
	metrics.Internal.CycleDurations.Add(ctx, float64(clock.Since(ctx, start).Milliseconds()), pm.opts.Project)
}

// Query refreshes the queue without verifying nor committing anything.
func (pm *PendingManager) Query(ctx context.Context) {
	pm.LookForNewPendingCommit(ctx)
	pm.UpdateStatus(ctx)
}

// Run runs cycles until ctx is canceled.
//
// The queue is saved after every cycle; a failure to save stops the loop. On
// exit the queue is saved one last time and the status notifier is flushed.
func (pm *PendingManager) Run(ctx context.Context, opts LoopOptions) (err error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Minute
	}
	defer func() {
		if serr := pm.Shutdown(context.WithoutCancel(ctx)); serr != nil && err == nil {
			err = errors.Annotate(serr, "failed to save the queue on exit").Err()
		}
	}()

	now := clock.Now(ctx)
	nextLoop := now.Add(opts.PollInterval)
	nextSync := now.Add(2 * opts.PollInterval)
	for {
		pm.Cycle(ctx)
		if err := pm.Save(ctx); err != nil {
			return errors.Annotate(err, "failed to save the queue").Err()
		}

		now = clock.Now(ctx)
		if nextLoop.Sub(now) >= minCycleDelay && !now.Before(nextSync) {
			// Idle time, keep the checkout fresh.
			if _, err := pm.opts.Checkout.Prepare(ctx, ""); err != nil {
				errors.Log(ctx, errors.Annotate(err, "failed to sync the checkout").Err())
			}
			now = clock.Now(ctx)
			nextSync = now.Add(opts.SyncInterval)
		}
		if earliest := now.Add(minCycleDelay); nextLoop.Before(earliest) {
			nextLoop = earliest
		}

		logging.Debugf(ctx, "sleeping %s", nextLoop.Sub(now))
		if res := <-clock.After(clock.Tag(ctx, LoopClockTag), nextLoop.Sub(now)); res.Err != nil {
			logging.Infof(ctx, "stopping the loop: %s", res.Err)
			return nil
		}
		nextLoop = clock.Now(ctx).Add(opts.PollInterval)
	}
}
