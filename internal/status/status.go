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

// Package status reports the progress of pending commits to a dashboard.
package status

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/commitqueue/internal/pending"
)

// Packet is one event reported to the dashboard.
type Packet map[string]any

// Notifier sends status packets asynchronously.
type Notifier interface {
	// Send queues a packet about c. Never blocks on the network.
	Send(ctx context.Context, c *pending.Commit, p Packet)
	// URL is the base URL of the dashboard, linked from review comments.
	URL() string
	// Close flushes queued packets. Send must not be called afterwards.
	Close(ctx context.Context)
}

// Record merges the commit identity into the packet.
func Record(ctx context.Context, c *pending.Commit, p Packet) Packet {
	ret := make(Packet, len(p)+5)
	for k, v := range p {
		ret[k] = v
	}
	ret["done"] = c.State() != pending.Processing
	ret["issue"] = c.Issue
	ret["owner"] = c.Owner
	ret["patchset"] = c.Patchset
	ret["timestamp"] = clock.Now(ctx).Unix()
	return ret
}

// Noop drops all packets.
type Noop struct {
	BaseURL string
}

// Send implements Notifier.
func (Noop) Send(context.Context, *pending.Commit, Packet) {}

// URL implements Notifier.
func (n Noop) URL() string { return n.BaseURL }

// Close implements Notifier.
func (Noop) Close(context.Context) {}

// Store keeps packets in memory and dumps them on Close.
//
// Used in dry-run mode to see what would have been sent.
type Store struct {
	BaseURL string
	// Path, if set, is the file the packets are written to as a JSON array.
	Path string

	m       sync.Mutex
	packets []Packet
}

// Send implements Notifier.
func (s *Store) Send(ctx context.Context, c *pending.Commit, p Packet) {
	s.m.Lock()
	defer s.m.Unlock()
	s.packets = append(s.packets, Record(ctx, c, p))
}

// URL implements Notifier.
func (s *Store) URL() string { return s.BaseURL }

// Packets returns the packets sent so far.
func (s *Store) Packets() []Packet {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]Packet(nil), s.packets...)
}

// Close implements Notifier.
func (s *Store) Close(ctx context.Context) {
	packets := s.Packets()
	if len(packets) == 0 {
		return
	}
	blob, err := json.MarshalIndent(packets, "", "  ")
	if err != nil {
		errors.Log(ctx, errors.Annotate(err, "failed to serialize status packets").Err())
		return
	}
	if s.Path == "" {
		logging.Infof(ctx, "status packets:\n%s", blob)
		return
	}
	if err := os.WriteFile(s.Path, blob, 0644); err != nil {
		errors.Log(ctx, errors.Annotate(err, "failed to write status packets").Err())
	}
}
