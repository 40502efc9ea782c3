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

// Package treestatus postpones commits while the tree is closed.
package treestatus

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/tree"
	"go.chromium.org/commitqueue/internal/verification"
)

// Name is the name of the gate.
const Name = "tree status"

// Gate checks the tree status right before landing.
type Gate struct {
	client   tree.Client
	endpoint string

	open    bool
	message string
}

var _ verification.Gate = (*Gate)(nil)

// New returns a Gate querying the tree status app at endpoint.
func New(client tree.Client, endpoint string) *Gate {
	return &Gate{client: client, endpoint: endpoint}
}

// Name implements verification.Gate.
func (g *Gate) Name() string { return Name }

// Postpone implements verification.Gate.
//
// The tree is considered closed if its status can't be fetched.
func (g *Gate) Postpone(ctx context.Context) (bool, error) {
	now := clock.Now(ctx)
	log, err := g.client.FetchLog(ctx, g.endpoint, now)
	if err != nil {
		g.open, g.message = false, "failed to fetch the tree status"
		err = errors.Annotate(err, "fetching tree status from %s", g.endpoint).Err()
		logging.Warningf(ctx, "%s", err)
		return true, err
	}
	latest, ok := tree.Latest(log, now)
	if !ok {
		g.open, g.message = false, "no tree status available"
		return true, nil
	}
	g.open = latest.State == tree.Open
	g.message = latest.Message
	logging.Debugf(ctx, "tree is %s since %s: %q", latest.State, latest.Since, latest.Message)
	return !g.open, nil
}

// WhyNot implements verification.Gate.
func (g *Gate) WhyNot() string {
	if g.open {
		return ""
	}
	return fmt.Sprintf("Tree is currently not open: %s", g.message)
}
